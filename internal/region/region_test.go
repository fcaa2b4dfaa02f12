package region

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/region-server/internal/model"
)

func testConfig() *Config {
	return &Config{
		MaxStoreFiles: 4,
		MaxRegionSize: 256 * 1024 * 1024,
	}
}

func newTestRegion(t *testing.T, cfg *Config) *Region {
	t.Helper()
	desc := model.NewRegionDescriptor("users", "", "", time.Now().UnixNano())
	r, err := Create(t.TempDir(), desc, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return r
}

func entry(key, value string, ts int64) *model.StoreEntry {
	return &model.StoreEntry{Key: key, Value: []byte(value), Timestamp: ts}
}

func tombstone(key string, ts int64) *model.StoreEntry {
	return &model.StoreEntry{Key: key, Timestamp: ts, Tombstone: true}
}

func TestRegion_FlushAndGet(t *testing.T) {
	r := newTestRegion(t, testConfig())
	defer r.Close()

	require.NoError(t, r.Flush([]*model.StoreEntry{
		entry("b", "v-b", 1),
		entry("a", "v-a", 1),
		entry("c", "v-c", 1),
	}))

	assert.Equal(t, 1, r.StoreFileCount())

	got, err := r.Get("b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v-b"), got.Value)

	missing, err := r.Get("zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRegion_GetReturnsNewestAcrossFiles(t *testing.T) {
	r := newTestRegion(t, testConfig())
	defer r.Close()

	require.NoError(t, r.Flush([]*model.StoreEntry{entry("k", "old", 1)}))
	require.NoError(t, r.Flush([]*model.StoreEntry{entry("k", "new", 2)}))

	got, err := r.Get("k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("new"), got.Value)
}

func TestRegion_MinorCompaction(t *testing.T) {
	r := newTestRegion(t, testConfig())
	defer r.Close()

	// Four small flushes; a minor compaction merges the smaller half.
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Flush([]*model.StoreEntry{
			entry(fmt.Sprintf("k%d", i), "v", int64(i+1)),
		}))
	}
	require.Equal(t, 3, r.StoreFileCount())

	splitKey, err := r.CompactStores(context.Background())
	require.NoError(t, err)
	assert.Empty(t, splitKey)
	assert.Equal(t, 2, r.StoreFileCount())

	for i := 0; i < 3; i++ {
		got, err := r.Get(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.NotNil(t, got, "key k%d lost in compaction", i)
	}
}

func TestRegion_MinorCompactionKeepsTombstones(t *testing.T) {
	r := newTestRegion(t, testConfig())
	defer r.Close()

	require.NoError(t, r.Flush([]*model.StoreEntry{entry("k", "v", 1)}))
	require.NoError(t, r.Flush([]*model.StoreEntry{tombstone("k", 2)}))

	_, err := r.CompactStores(context.Background())
	require.NoError(t, err)

	// A minor compaction cannot drop deletes: an older version of the key
	// could still live in a file outside the merge set.
	got, err := r.Get("k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Tombstone)
}

func TestRegion_MajorCompactionDropsTombstones(t *testing.T) {
	r := newTestRegion(t, testConfig())
	defer r.Close()

	require.NoError(t, r.Flush([]*model.StoreEntry{
		entry("a", "keep", 1),
		entry("b", "dead", 1),
	}))
	require.NoError(t, r.Flush([]*model.StoreEntry{tombstone("b", 2)}))

	r.SetForceMajorCompaction(true)
	splitKey, err := r.CompactStores(context.Background())
	require.NoError(t, err)
	assert.Empty(t, splitKey)
	assert.Equal(t, 1, r.StoreFileCount())
	assert.False(t, r.ForceMajorCompaction(), "force flag must clear after a major compaction")

	kept, err := r.Get("a")
	require.NoError(t, err)
	require.NotNil(t, kept)

	deleted, err := r.Get("b")
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestRegion_MajorCompactionKeepsNewestVersion(t *testing.T) {
	r := newTestRegion(t, testConfig())
	defer r.Close()

	require.NoError(t, r.Flush([]*model.StoreEntry{entry("k", "v1", 1)}))
	require.NoError(t, r.Flush([]*model.StoreEntry{entry("k", "v3", 3)}))
	require.NoError(t, r.Flush([]*model.StoreEntry{entry("k", "v2", 2)}))

	r.SetForceMajorCompaction(true)
	_, err := r.CompactStores(context.Background())
	require.NoError(t, err)

	got, err := r.Get("k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v3"), got.Value)
}

func TestRegion_FileCountTriggersMajor(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStoreFiles = 3
	r := newTestRegion(t, cfg)
	defer r.Close()

	require.NoError(t, r.Flush([]*model.StoreEntry{entry("a", "v", 1)}))
	require.NoError(t, r.Flush([]*model.StoreEntry{tombstone("a", 2)}))
	require.NoError(t, r.Flush([]*model.StoreEntry{entry("b", "v", 1)}))

	// At the file-count threshold the compaction is promoted to major
	// without the force flag, so the tombstone goes away.
	_, err := r.CompactStores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.StoreFileCount())

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRegion_CompactionReportsSplitPoint(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRegionSize = 64 // bytes; any real data exceeds this
	r := newTestRegion(t, cfg)
	defer r.Close()

	entries := make([]*model.StoreEntry, 0, 26)
	for c := 'a'; c <= 'z'; c++ {
		entries = append(entries, entry(string(c), "value", 1))
	}
	require.NoError(t, r.Flush(entries))

	r.SetForceMajorCompaction(true)
	splitKey, err := r.CompactStores(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, splitKey)
	assert.Greater(t, splitKey, "a")
	assert.Less(t, splitKey, "z")
}

func TestRegion_SplitPartitionsData(t *testing.T) {
	cfg := testConfig()
	r := newTestRegion(t, cfg)

	entries := make([]*model.StoreEntry, 0, 26)
	for c := 'a'; c <= 'z'; c++ {
		entries = append(entries, entry(string(c), "value-"+string(c), 1))
	}
	require.NoError(t, r.Flush(entries))

	result, err := r.SplitRegion(context.Background(), "m")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, r.Closed())
	assert.Equal(t, r.Descriptor().RegionName, result.Parent.RegionName)
	assert.Equal(t, "m", result.DaughterA.EndKey)
	assert.Equal(t, "m", result.DaughterB.StartKey)

	baseDir := filepath.Dir(r.dir)
	daughterA, err := Open(filepath.Join(baseDir, result.DaughterA.EncodedName), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer daughterA.Close()
	daughterB, err := Open(filepath.Join(baseDir, result.DaughterB.EncodedName), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer daughterB.Close()

	for c := 'a'; c <= 'z'; c++ {
		key := string(c)
		inA, err := daughterA.Get(key)
		require.NoError(t, err)
		inB, err := daughterB.Get(key)
		require.NoError(t, err)

		if key < "m" {
			require.NotNil(t, inA, "key %s missing from first daughter", key)
			assert.Nil(t, inB, "key %s leaked into second daughter", key)
			assert.Equal(t, []byte("value-"+key), inA.Value)
		} else {
			assert.Nil(t, inA, "key %s leaked into first daughter", key)
			require.NotNil(t, inB, "key %s missing from second daughter", key)
		}
	}
}

func TestRegion_SplitResolvesNewestVersion(t *testing.T) {
	r := newTestRegion(t, testConfig())

	require.NoError(t, r.Flush([]*model.StoreEntry{entry("b", "old", 1)}))
	require.NoError(t, r.Flush([]*model.StoreEntry{entry("b", "new", 2)}))

	result, err := r.SplitRegion(context.Background(), "m")
	require.NoError(t, err)
	require.NotNil(t, result)

	baseDir := filepath.Dir(r.dir)
	daughterA, err := Open(filepath.Join(baseDir, result.DaughterA.EncodedName), testConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	defer daughterA.Close()

	got, err := daughterA.Get("b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("new"), got.Value)
}

func TestRegion_SplitDeclinesOutOfRangeKey(t *testing.T) {
	desc := model.NewRegionDescriptor("users", "g", "p", time.Now().UnixNano())
	r, err := Create(t.TempDir(), desc, testConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	for _, key := range []string{"a", "g", "p", "z"} {
		result, err := r.SplitRegion(context.Background(), key)
		require.NoError(t, err)
		assert.Nil(t, result, "split key %q must be declined", key)
	}
	assert.False(t, r.Closed())
}

func TestRegion_SplitDeclinedWhenClosed(t *testing.T) {
	r := newTestRegion(t, testConfig())
	require.NoError(t, r.Close())

	result, err := r.SplitRegion(context.Background(), "m")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRegion_CompactClosedRegionIsNoop(t *testing.T) {
	r := newTestRegion(t, testConfig())
	require.NoError(t, r.Close())

	splitKey, err := r.CompactStores(context.Background())
	require.NoError(t, err)
	assert.Empty(t, splitKey)
}

func TestRegion_Reopen(t *testing.T) {
	baseDir := t.TempDir()
	desc := model.NewRegionDescriptor("users", "", "", time.Now().UnixNano())

	r, err := Create(baseDir, desc, testConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Flush([]*model.StoreEntry{entry("a", "v", 1)}))
	require.NoError(t, r.Close())

	reopened, err := Open(filepath.Join(baseDir, desc.EncodedName), testConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, desc.RegionName, reopened.Name())
	assert.Equal(t, 1, reopened.StoreFileCount())

	got, err := reopened.Get("a")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestStoreFileWriter_RejectsOutOfOrderKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1"+StoreFileSuffix)
	w, err := NewStoreFileWriter(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(entry("b", "v", 1)))
	err = w.Append(entry("a", "v", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of order")

	err = w.Append(entry("b", "v", 2))
	require.Error(t, err, "duplicate keys must be rejected")
}

func TestStoreFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1"+StoreFileSuffix)
	w, err := NewStoreFileWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(entry("a", "v-a", 1)))
	require.NoError(t, w.Append(tombstone("b", 2)))
	require.NoError(t, w.Append(entry("c", "v-c", 3)))
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())

	sf, err := OpenStoreFile(path)
	require.NoError(t, err)
	defer sf.Close()

	assert.Equal(t, 3, sf.EntryCount())
	assert.Equal(t, "b", sf.KeyAt(1))

	got, err := sf.Get("b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Tombstone)

	missing, err := sf.Get("x")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
