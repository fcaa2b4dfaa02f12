package model

// StoreEntry is a single key-value record inside a region store file.
type StoreEntry struct {
	Key       string
	Value     []byte
	Timestamp int64
	Tombstone bool // True if this is a delete marker
}
