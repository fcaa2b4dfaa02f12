package region

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/region-server/internal/model"
	"github.com/devrev/pairdb/region-server/internal/storage/diskmanager"
	"go.uber.org/zap"
)

const descriptorFileName = "descriptor.json"

// Config holds region tuning knobs.
type Config struct {
	// MaxStoreFiles is the store file count at which a compaction is
	// promoted to major even without the force flag.
	MaxStoreFiles int
	// MaxRegionSize is the total store size in bytes above which a
	// completed compaction reports a split point.
	MaxRegionSize int64
}

// DefaultConfig returns default region configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxStoreFiles: 8,
		MaxRegionSize: 256 * 1024 * 1024,
	}
}

// Region is one open key-range partition: a descriptor plus the store
// files holding its data. Compaction and split both run on the single
// compaction worker goroutine; the mutex only fences them against the
// flush path.
type Region struct {
	desc   *model.RegionDescriptor
	dir    string
	cfg    *Config
	disk   *diskmanager.DiskManager
	logger *zap.Logger

	mu     sync.Mutex
	stores []*StoreFile
	closed bool

	forceMajor atomic.Bool
}

// Create materializes a brand-new region under baseDir: its directory and
// persisted descriptor, with no store files yet.
func Create(baseDir string, desc *model.RegionDescriptor, cfg *Config, disk *diskmanager.DiskManager, logger *zap.Logger) (*Region, error) {
	dir := filepath.Join(baseDir, desc.EncodedName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create region directory: %w", err)
	}

	data, err := desc.Marshal()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, descriptorFileName), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write region descriptor: %w", err)
	}

	return &Region{
		desc:   desc,
		dir:    dir,
		cfg:    cfg,
		disk:   disk,
		logger: logger,
	}, nil
}

// Open loads an existing region directory: its descriptor and every store
// file in it.
func Open(dir string, cfg *Config, disk *diskmanager.DiskManager, logger *zap.Logger) (*Region, error) {
	data, err := os.ReadFile(filepath.Join(dir, descriptorFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read region descriptor: %w", err)
	}
	desc, err := model.UnmarshalRegionDescriptor(data)
	if err != nil {
		return nil, err
	}

	r := &Region{
		desc:   desc,
		dir:    dir,
		cfg:    cfg,
		disk:   disk,
		logger: logger,
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*"+StoreFileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	for _, path := range paths {
		sf, err := OpenStoreFile(path)
		if err != nil {
			r.closeStores()
			return nil, err
		}
		r.stores = append(r.stores, sf)
	}

	logger.Info("Region opened",
		zap.String("region", desc.RegionName),
		zap.String("encoded_name", desc.EncodedName),
		zap.Int("store_files", len(r.stores)))

	return r, nil
}

// Descriptor returns the region's descriptor.
func (r *Region) Descriptor() *model.RegionDescriptor {
	return r.desc
}

// Name returns the full region name.
func (r *Region) Name() string {
	return r.desc.RegionName
}

// EncodedName returns the short hashed name used as the queue key and
// directory name.
func (r *Region) EncodedName() string {
	return r.desc.EncodedName
}

// SetForceMajorCompaction flags the next compaction to merge every store
// file regardless of the file-count trigger.
func (r *Region) SetForceMajorCompaction(force bool) {
	r.forceMajor.Store(force)
}

// ForceMajorCompaction reports whether the force flag is set.
func (r *Region) ForceMajorCompaction() bool {
	return r.forceMajor.Load()
}

// Flush writes the given entries (sorted by the caller's memtable) into a
// new store file. This is the producer side of the compaction pressure.
func (r *Region) Flush(entries []*model.StoreEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("region %s is closed", r.desc.RegionName)
	}
	if len(entries) == 0 {
		return nil
	}

	sorted := make([]*model.StoreEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	path := filepath.Join(r.dir, fmt.Sprintf("%d%s", time.Now().UnixNano(), StoreFileSuffix))
	writer, err := NewStoreFileWriter(path)
	if err != nil {
		return err
	}

	for _, entry := range sorted {
		if err := writer.Append(entry); err != nil {
			writer.Close()
			return err
		}
	}
	if err := writer.Finalize(); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	sf, err := OpenStoreFile(path)
	if err != nil {
		return err
	}
	r.stores = append(r.stores, sf)

	return nil
}

// StoreFileCount returns the number of live store files.
func (r *Region) StoreFileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// Size returns the total size of all live store files in bytes.
func (r *Region) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sizeLocked()
}

func (r *Region) sizeLocked() int64 {
	var total int64
	for _, sf := range r.stores {
		total += sf.Size()
	}
	return total
}

// Get reads the newest value for key across all store files. Used by the
// read path and by tests; compaction does not go through here.
func (r *Region) Get(key string) (*model.StoreEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newest *model.StoreEntry
	for _, sf := range r.stores {
		entry, err := sf.Get(key)
		if err != nil {
			return nil, err
		}
		if entry != nil && (newest == nil || entry.Timestamp > newest.Timestamp) {
			newest = entry
		}
	}
	return newest, nil
}

// Closed reports whether the region has been closed (by split or shutdown).
func (r *Region) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close closes all store files and marks the region closed.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.closeStores()
	return nil
}

func (r *Region) closeStores() {
	for _, sf := range r.stores {
		sf.Close()
	}
	r.stores = nil
}
