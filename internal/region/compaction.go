package region

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/devrev/pairdb/region-server/internal/model"
	"go.uber.org/zap"
)

// CompactStores merges the region's store files into one. A major
// compaction (forced, or triggered by the store file count) merges every
// file and drops tombstones; a minor compaction merges the smaller half
// and keeps them. Returns the key to split at when the compacted region
// exceeds its size threshold, or "" when no split is needed.
func (r *Region) CompactStores(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", nil
	}

	major := r.forceMajor.Load() || len(r.stores) >= r.cfg.MaxStoreFiles
	var inputs []*StoreFile
	if major {
		inputs = r.stores
	} else {
		if len(r.stores) < 2 {
			return "", nil
		}
		inputs = r.pickMinorInputs()
	}
	if len(inputs) == 0 {
		return "", nil
	}

	var inputBytes int64
	for _, sf := range inputs {
		inputBytes += sf.Size()
	}
	if r.disk != nil {
		if err := r.disk.CheckBeforeWrite(uint64(inputBytes)); err != nil {
			return "", fmt.Errorf("compaction rejected for region %s: %w", r.desc.RegionName, err)
		}
	}

	start := time.Now()
	kind := "minor"
	if major {
		kind = "major"
	}
	r.logger.Info("Starting compaction",
		zap.String("region", r.desc.RegionName),
		zap.String("kind", kind),
		zap.Int("input_files", len(inputs)),
		zap.Int64("input_bytes", inputBytes))

	merged, err := r.mergeStoreFiles(ctx, inputs, major)
	if err != nil {
		return "", err
	}

	// Swap the inputs for the merged file.
	inputSet := make(map[*StoreFile]bool, len(inputs))
	for _, sf := range inputs {
		inputSet[sf] = true
	}
	survivors := r.stores[:0]
	for _, sf := range r.stores {
		if !inputSet[sf] {
			survivors = append(survivors, sf)
		}
	}
	r.stores = append(survivors, merged)

	for _, sf := range inputs {
		if err := sf.Remove(); err != nil {
			r.logger.Warn("Failed to remove compacted store file",
				zap.String("path", sf.Path()), zap.Error(err))
		}
	}

	if major {
		r.forceMajor.Store(false)
	}

	r.logger.Info("Compaction finished",
		zap.String("region", r.desc.RegionName),
		zap.String("kind", kind),
		zap.Int("store_files", len(r.stores)),
		zap.Int64("region_bytes", r.sizeLocked()),
		zap.Duration("took", time.Since(start)))

	return r.splitPointLocked(), nil
}

// pickMinorInputs selects the smaller half of the store files, at least
// two, so minor compactions chip away at accumulation without rewriting
// the whole region.
func (r *Region) pickMinorInputs() []*StoreFile {
	sorted := make([]*StoreFile, len(r.stores))
	copy(sorted, r.stores)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size() < sorted[j].Size() })

	n := len(sorted) / 2
	if n < 2 {
		n = 2
	}
	return sorted[:n]
}

// splitPointLocked returns the region's midpoint key when it has outgrown
// MaxRegionSize, or "" otherwise. The midpoint comes from the largest
// store file, which after a major compaction is the whole region.
func (r *Region) splitPointLocked() string {
	if r.sizeLocked() <= r.cfg.MaxRegionSize {
		return ""
	}

	var largest *StoreFile
	for _, sf := range r.stores {
		if largest == nil || sf.Size() > largest.Size() {
			largest = sf
		}
	}
	if largest == nil || largest.EntryCount() < 2 {
		return ""
	}

	midKey := largest.KeyAt(largest.EntryCount() / 2)
	if midKey <= r.desc.StartKey || !r.desc.ContainsKey(midKey) {
		return ""
	}
	return midKey
}

// mergeStoreFiles performs a k-way merge of the inputs into a fresh store
// file, keeping only the newest version of each key. Tombstones are
// dropped when dropDeletes is set (major compactions only — a minor
// compaction cannot know whether an older version survives elsewhere).
func (r *Region) mergeStoreFiles(ctx context.Context, inputs []*StoreFile, dropDeletes bool) (*StoreFile, error) {
	path := filepath.Join(r.dir, fmt.Sprintf("%d%s", time.Now().UnixNano(), StoreFileSuffix))
	writer, err := NewStoreFileWriter(path)
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		writer.Close()
		os.Remove(path)
		os.Remove(path + indexSuffix)
	}

	merger, err := newStoreFileMerger(inputs)
	if err != nil {
		cleanup()
		return nil, err
	}

	var (
		lastKey string
		best    *model.StoreEntry
		n       int
	)
	flush := func() error {
		if best == nil {
			return nil
		}
		if dropDeletes && best.Tombstone {
			best = nil
			return nil
		}
		err := writer.Append(best)
		best = nil
		return err
	}

	for merger.hasNext() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				cleanup()
				return nil, err
			}
		}
		n++

		entry, err := merger.next()
		if err != nil {
			cleanup()
			return nil, err
		}

		if best != nil && entry.Key == lastKey {
			if entry.Timestamp > best.Timestamp {
				best = entry
			}
			continue
		}

		if err := flush(); err != nil {
			cleanup()
			return nil, err
		}
		lastKey = entry.Key
		best = entry
	}
	if err := flush(); err != nil {
		cleanup()
		return nil, err
	}

	if err := writer.Finalize(); err != nil {
		cleanup()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		os.Remove(path)
		os.Remove(path + indexSuffix)
		return nil, err
	}

	return OpenStoreFile(path)
}

// mergeCursor tracks one input file's position in the merge.
type mergeCursor struct {
	file *StoreFile
	pos  int
}

// storeFileMerger is a k-way merge over sorted store files using a min
// heap keyed by the cursors' current keys.
type storeFileMerger struct {
	heap cursorHeap
}

type cursorHeap []*mergeCursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	return h[i].file.KeyAt(h[i].pos) < h[j].file.KeyAt(h[j].pos)
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeCursor))
}

func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func newStoreFileMerger(inputs []*StoreFile) (*storeFileMerger, error) {
	m := &storeFileMerger{}
	heap.Init(&m.heap)
	for _, sf := range inputs {
		if sf.EntryCount() > 0 {
			heap.Push(&m.heap, &mergeCursor{file: sf})
		}
	}
	return m, nil
}

func (m *storeFileMerger) hasNext() bool {
	return m.heap.Len() > 0
}

func (m *storeFileMerger) next() (*model.StoreEntry, error) {
	cursor := heap.Pop(&m.heap).(*mergeCursor)

	entry, err := cursor.file.EntryAt(cursor.pos)
	if err != nil {
		return nil, err
	}

	cursor.pos++
	if cursor.pos < cursor.file.EntryCount() {
		heap.Push(&m.heap, cursor)
	}

	return entry, nil
}
