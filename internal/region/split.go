package region

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/region-server/internal/model"
	"go.uber.org/zap"
)

// SplitRegion physically divides the region in two at splitKey: each
// daughter gets its own directory, descriptor, and a store file holding
// its half of the parent's data. The parent is closed and its files left
// in place until cleanup. Returns nil (no error) when the region declines
// to split — the split key is outside its range or the region is closed.
//
// The caller is responsible for making the split durable in the catalog
// and reporting it to the master; this method only does the file work.
func (r *Region) SplitRegion(ctx context.Context, splitKey string) (*model.SplitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil
	}
	if splitKey <= r.desc.StartKey || !r.desc.ContainsKey(splitKey) {
		r.logger.Debug("Region declined split, key out of range",
			zap.String("region", r.desc.RegionName),
			zap.String("split_key", splitKey))
		return nil, nil
	}

	baseDir := filepath.Dir(r.dir)
	now := time.Now().UnixNano()
	daughterA := model.NewRegionDescriptor(r.desc.TableName, r.desc.StartKey, splitKey, now)
	daughterB := model.NewRegionDescriptor(r.desc.TableName, splitKey, r.desc.EndKey, now+1)

	if err := r.writeDaughter(ctx, baseDir, daughterA, "", splitKey); err != nil {
		return nil, fmt.Errorf("failed to create daughter %s: %w", daughterA.RegionName, err)
	}
	if err := r.writeDaughter(ctx, baseDir, daughterB, splitKey, ""); err != nil {
		return nil, fmt.Errorf("failed to create daughter %s: %w", daughterB.RegionName, err)
	}

	r.closed = true
	r.closeStores()

	return &model.SplitResult{
		Parent:    r.desc,
		DaughterA: daughterA,
		DaughterB: daughterB,
	}, nil
}

// writeDaughter materializes one daughter region directory containing the
// parent entries in [low, high). Empty bounds are unbounded. The parent's
// files are merged while copying so each daughter starts with one file.
func (r *Region) writeDaughter(ctx context.Context, baseDir string, desc *model.RegionDescriptor, low, high string) error {
	dir := filepath.Join(baseDir, desc.EncodedName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := desc.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, descriptorFileName), data, 0644); err != nil {
		return err
	}

	path := filepath.Join(dir, fmt.Sprintf("%d%s", time.Now().UnixNano(), StoreFileSuffix))
	writer, err := NewStoreFileWriter(path)
	if err != nil {
		return err
	}
	defer writer.Close()

	merger, err := newStoreFileMerger(r.stores)
	if err != nil {
		return err
	}

	var (
		lastKey string
		written bool
		n       int
	)
	for merger.hasNext() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++

		entry, err := merger.next()
		if err != nil {
			return err
		}
		if entry.Key < low || (high != "" && entry.Key >= high) {
			continue
		}
		// Duplicate keys across parent files: first popped is kept by
		// timestamp order below.
		if written && entry.Key == lastKey {
			continue
		}

		newest, err := r.newestVersionLocked(entry)
		if err != nil {
			return err
		}
		if err := writer.Append(newest); err != nil {
			return err
		}
		lastKey = entry.Key
		written = true
	}

	if err := writer.Finalize(); err != nil {
		return err
	}

	r.logger.Info("Daughter region written",
		zap.String("daughter", desc.RegionName),
		zap.String("parent", r.desc.RegionName),
		zap.Int("entries", writer.EntryCount()))

	return nil
}

// newestVersionLocked resolves the freshest version of an entry's key
// across all parent store files.
func (r *Region) newestVersionLocked(entry *model.StoreEntry) (*model.StoreEntry, error) {
	newest := entry
	for _, sf := range r.stores {
		candidate, err := sf.Get(entry.Key)
		if err != nil {
			return nil, err
		}
		if candidate != nil && candidate.Timestamp > newest.Timestamp {
			newest = candidate
		}
	}
	return newest, nil
}
