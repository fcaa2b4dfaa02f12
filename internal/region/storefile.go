package region

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/devrev/pairdb/region-server/internal/model"
	"github.com/devrev/pairdb/region-server/internal/util"
)

// Store file layout: a data file of length-prefixed, CRC-checksummed JSON
// entries in ascending key order, plus a sidecar index file mapping each
// key to its offset. Suffixes: ".rsf" for data, ".rsf.idx" for the index.
const (
	StoreFileSuffix = ".rsf"
	indexSuffix     = ".idx"
)

// IndexEntry locates one record inside a store file.
type IndexEntry struct {
	Key      string
	Offset   int64
	Size     int32
	Checksum uint32
}

// StoreFileWriter writes a sorted run of entries into a new store file.
type StoreFileWriter struct {
	dataFile  *os.File
	indexFile *os.File
	offset    int64
	index     []IndexEntry
	lastKey   string
}

// NewStoreFileWriter creates a writer for the given data file path.
func NewStoreFileWriter(filePath string) (*StoreFileWriter, error) {
	dataFile, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store file: %w", err)
	}

	indexFile, err := os.Create(filePath + indexSuffix)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to create index file: %w", err)
	}

	return &StoreFileWriter{
		dataFile:  dataFile,
		indexFile: indexFile,
		index:     make([]IndexEntry, 0),
	}, nil
}

// Append writes one entry. Keys must be strictly increasing.
func (w *StoreFileWriter) Append(entry *model.StoreEntry) error {
	if len(w.index) > 0 && entry.Key <= w.lastKey {
		return fmt.Errorf("store file keys out of order: %q after %q", entry.Key, w.lastKey)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	checksum := util.ComputeChecksum(data)

	entrySize := int32(len(data))
	if err := binary.Write(w.dataFile, binary.LittleEndian, entrySize); err != nil {
		return fmt.Errorf("failed to write entry size: %w", err)
	}
	if err := binary.Write(w.dataFile, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	n, err := w.dataFile.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write entry data: %w", err)
	}

	w.index = append(w.index, IndexEntry{
		Key:      entry.Key,
		Offset:   w.offset,
		Size:     entrySize,
		Checksum: checksum,
	})
	w.lastKey = entry.Key
	w.offset += int64(4 + 4 + n)

	return nil
}

// EntryCount returns the number of entries appended so far.
func (w *StoreFileWriter) EntryCount() int {
	return len(w.index)
}

// Size returns the current data file size in bytes.
func (w *StoreFileWriter) Size() int64 {
	return w.offset
}

// Finalize writes the index and syncs both files.
func (w *StoreFileWriter) Finalize() error {
	for _, entry := range w.index {
		if err := w.writeIndexEntry(entry); err != nil {
			return fmt.Errorf("failed to write index entry: %w", err)
		}
	}

	if err := w.dataFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}
	if err := w.indexFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync index file: %w", err)
	}

	return nil
}

func (w *StoreFileWriter) writeIndexEntry(entry IndexEntry) error {
	keyLen := int32(len(entry.Key))
	if err := binary.Write(w.indexFile, binary.LittleEndian, keyLen); err != nil {
		return err
	}
	if _, err := w.indexFile.Write([]byte(entry.Key)); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, entry.Offset); err != nil {
		return err
	}
	if err := binary.Write(w.indexFile, binary.LittleEndian, entry.Size); err != nil {
		return err
	}
	return binary.Write(w.indexFile, binary.LittleEndian, entry.Checksum)
}

// Close closes both files.
func (w *StoreFileWriter) Close() error {
	var err error
	if e := w.dataFile.Close(); e != nil {
		err = e
	}
	if e := w.indexFile.Close(); e != nil {
		err = e
	}
	return err
}

// StoreFile is an open, read-only store file with its index in memory.
type StoreFile struct {
	path     string
	dataFile *os.File
	index    []IndexEntry
	size     int64
}

// OpenStoreFile opens a store file and loads its index.
func OpenStoreFile(path string) (*StoreFile, error) {
	dataFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}

	indexFile, err := os.Open(path + indexSuffix)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer indexFile.Close()

	sf := &StoreFile{
		path:     path,
		dataFile: dataFile,
	}

	if err := sf.loadIndex(indexFile); err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("failed to load index for %s: %w", path, err)
	}

	if info, err := dataFile.Stat(); err == nil {
		sf.size = info.Size()
	}

	return sf, nil
}

func (f *StoreFile) loadIndex(indexFile *os.File) error {
	for {
		var keyLen int32
		if err := binary.Read(indexFile, binary.LittleEndian, &keyLen); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(indexFile, keyBytes); err != nil {
			return err
		}

		entry := IndexEntry{Key: string(keyBytes)}
		if err := binary.Read(indexFile, binary.LittleEndian, &entry.Offset); err != nil {
			return err
		}
		if err := binary.Read(indexFile, binary.LittleEndian, &entry.Size); err != nil {
			return err
		}
		if err := binary.Read(indexFile, binary.LittleEndian, &entry.Checksum); err != nil {
			return err
		}

		f.index = append(f.index, entry)
	}

	// Writers emit keys in order; sort anyway so a hand-assembled file
	// still merges correctly.
	sort.Slice(f.index, func(i, j int) bool { return f.index[i].Key < f.index[j].Key })

	return nil
}

// Path returns the data file path.
func (f *StoreFile) Path() string {
	return f.path
}

// EntryCount returns the number of entries in the file.
func (f *StoreFile) EntryCount() int {
	return len(f.index)
}

// Size returns the data file size in bytes.
func (f *StoreFile) Size() int64 {
	return f.size
}

// KeyAt returns the key of the i-th entry in sorted order.
func (f *StoreFile) KeyAt(i int) string {
	return f.index[i].Key
}

// EntryAt reads and validates the i-th entry in sorted order.
func (f *StoreFile) EntryAt(i int) (*model.StoreEntry, error) {
	idx := f.index[i]

	if _, err := f.dataFile.Seek(idx.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to offset: %w", err)
	}

	var entrySize int32
	if err := binary.Read(f.dataFile, binary.LittleEndian, &entrySize); err != nil {
		return nil, fmt.Errorf("failed to read entry size: %w", err)
	}
	var checksum uint32
	if err := binary.Read(f.dataFile, binary.LittleEndian, &checksum); err != nil {
		return nil, fmt.Errorf("failed to read checksum: %w", err)
	}

	data := make([]byte, entrySize)
	if _, err := io.ReadFull(f.dataFile, data); err != nil {
		return nil, fmt.Errorf("failed to read entry data: %w", err)
	}

	if !util.ValidateChecksum(data, checksum) {
		return nil, fmt.Errorf("checksum mismatch for key %s in %s", idx.Key, f.path)
	}

	var entry model.StoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Get reads the entry for key, or nil when absent.
func (f *StoreFile) Get(key string) (*model.StoreEntry, error) {
	i := sort.Search(len(f.index), func(i int) bool { return f.index[i].Key >= key })
	if i >= len(f.index) || f.index[i].Key != key {
		return nil, nil
	}
	return f.EntryAt(i)
}

// Close closes the data file.
func (f *StoreFile) Close() error {
	return f.dataFile.Close()
}

// Remove closes the file and deletes it along with its index.
func (f *StoreFile) Remove() error {
	if err := f.dataFile.Close(); err != nil {
		return err
	}
	if err := os.Remove(f.path); err != nil {
		return err
	}
	return os.Remove(f.path + indexSuffix)
}
