package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/region-server/internal/catalog"
	"github.com/devrev/pairdb/region-server/internal/model"
)

// mockRegion mocks the compaction and split entry points; identity comes
// from a real descriptor, and the force flag is a plain field since every
// request assigns it.
type mockRegion struct {
	mock.Mock
	desc  *model.RegionDescriptor
	force atomic.Bool
}

func newMockRegion(table, startKey, endKey string, id int64) *mockRegion {
	return &mockRegion{desc: model.NewRegionDescriptor(table, startKey, endKey, id)}
}

func (m *mockRegion) CompactStores(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockRegion) SplitRegion(ctx context.Context, splitKey string) (*model.SplitResult, error) {
	args := m.Called(ctx, splitKey)
	if r := args.Get(0); r != nil {
		return r.(*model.SplitResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRegion) SetForceMajorCompaction(force bool) {
	m.force.Store(force)
}

func (m *mockRegion) Descriptor() *model.RegionDescriptor { return m.desc }
func (m *mockRegion) Name() string                        { return m.desc.RegionName }
func (m *mockRegion) EncodedName() string                 { return m.desc.EncodedName }

// fakeHost records what the worker asked of its host.
type fakeHost struct {
	mu        sync.Mutex
	stopped   atomic.Bool
	fsHealthy atomic.Bool
	fsChecks  atomic.Int32

	removed   []*model.RegionDescriptor
	onRemove  func(desc *model.RegionDescriptor)
	reports   []*model.SplitResult
	reportErr error
}

func newFakeHost() *fakeHost {
	h := &fakeHost{}
	h.fsHealthy.Store(true)
	return h
}

func (h *fakeHost) IsStopRequested() bool { return h.stopped.Load() }

func (h *fakeHost) CheckFileSystem() bool {
	h.fsChecks.Add(1)
	return h.fsHealthy.Load()
}

func (h *fakeHost) RemoveFromOnlineRegions(desc *model.RegionDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, desc)
	if h.onRemove != nil {
		h.onRemove(desc)
	}
}

func (h *fakeHost) ReportSplit(parent, daughterA, daughterB *model.RegionDescriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reportErr != nil {
		return h.reportErr
	}
	h.reports = append(h.reports, &model.SplitResult{
		Parent:    parent,
		DaughterA: daughterA,
		DaughterB: daughterB,
	})
	return nil
}

func (h *fakeHost) removedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.removed)
}

func (h *fakeHost) reportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reports)
}

func newTestService(t *testing.T, host RegionHost) (*CompactSplitService, *catalog.Access) {
	t.Helper()
	access := catalog.NewAccess(&catalog.Config{Backend: catalog.BackendMemory}, zap.NewNop())
	svc := NewCompactSplitService(
		&CompactSplitConfig{PollInterval: 50 * time.Millisecond},
		host, access, nil, zap.NewNop(),
	)
	return svc, access
}

func memoryTable(t *testing.T, access *catalog.Access, kind catalog.Kind) *catalog.MemoryTable {
	t.Helper()
	table, err := access.Table(context.Background(), kind)
	require.NoError(t, err)
	return table.(*catalog.MemoryTable)
}

func stopService(svc *CompactSplitService, host *fakeHost) {
	host.stopped.Store(true)
	svc.InterruptIfNecessary()
	svc.Wait()
}

func TestCompactSplitService_RequestDedupAndUpgrade(t *testing.T) {
	host := newFakeHost()
	svc, _ := newTestService(t, host)
	// Worker deliberately not started: only submission behavior is tested.

	region := newMockRegion("users", "", "", 1)
	svc.RequestCompaction(region, "store file count")
	svc.RequestPriorityCompaction(region, "blocked writes", model.PriorityHighBlocking)

	assert.Equal(t, 1, svc.QueueSize())
	pri, ok := svc.queue.Priority(region.EncodedName())
	require.True(t, ok)
	assert.Equal(t, model.PriorityHighBlocking, pri)
}

func TestCompactSplitService_RequestMajorSetsForce(t *testing.T) {
	host := newFakeHost()
	svc, _ := newTestService(t, host)

	region := newMockRegion("users", "", "", 1)
	svc.RequestMajorCompaction(region, "admin request")

	assert.Equal(t, 1, svc.QueueSize())
	assert.True(t, region.force.Load())
}

func TestCompactSplitService_LaterRequestClearsPendingForce(t *testing.T) {
	host := newFakeHost()
	svc, _ := newTestService(t, host)

	region := newMockRegion("users", "", "", 1)
	svc.RequestMajorCompaction(region, "admin request")
	require.True(t, region.force.Load())

	// The force flag follows the latest request for the region.
	svc.RequestCompaction(region, "store file count")
	assert.False(t, region.force.Load())
	assert.Equal(t, 1, svc.QueueSize())
}

func TestCompactSplitService_RequestAfterStopIsSilentlyDropped(t *testing.T) {
	host := newFakeHost()
	host.stopped.Store(true)
	svc, _ := newTestService(t, host)

	region := newMockRegion("users", "", "", 1)
	region.force.Store(true)
	svc.RequestCompaction(region, "late request")

	assert.Equal(t, 0, svc.QueueSize())
	// Force flag must not be touched either.
	assert.True(t, region.force.Load())
}

func TestCompactSplitService_CompactionWithoutSplit(t *testing.T) {
	host := newFakeHost()
	svc, access := newTestService(t, host)

	compacted := make(chan struct{})
	region := newMockRegion("users", "", "", 1)
	region.On("CompactStores", mock.Anything).Return("", nil).Once().
		Run(func(mock.Arguments) { close(compacted) })

	svc.Start()
	defer stopService(svc, host)
	svc.RequestCompaction(region, "store file count")

	select {
	case <-compacted:
	case <-time.After(2 * time.Second):
		t.Fatal("compaction never ran")
	}

	require.Eventually(t, func() bool { return svc.QueueSize() == 0 }, time.Second, 10*time.Millisecond)
	region.AssertNotCalled(t, "SplitRegion", mock.Anything, mock.Anything)
	assert.Equal(t, 0, host.reportCount())
	assert.Equal(t, 0, memoryTable(t, access, catalog.KindMeta).PutCount())
}

func TestCompactSplitService_StopDuringCompactionSuppressesSplit(t *testing.T) {
	host := newFakeHost()
	svc, access := newTestService(t, host)

	// The stop request lands while the compaction runs; the returned split
	// point must be discarded instead of starting catalog writes during
	// shutdown.
	region := newMockRegion("users", "", "", 1)
	region.On("CompactStores", mock.Anything).Return("m", nil).Once().
		Run(func(mock.Arguments) { host.stopped.Store(true) })

	svc.Start()
	svc.RequestCompaction(region, "store file count")

	exited := make(chan struct{})
	go func() {
		svc.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after the stop request")
	}

	region.AssertNotCalled(t, "SplitRegion", mock.Anything, mock.Anything)
	assert.Equal(t, 0, host.removedCount())
	assert.Equal(t, 0, host.reportCount())
	assert.Equal(t, 0, memoryTable(t, access, catalog.KindMeta).PutCount())
}

func TestCompactSplitService_SplitProtocolForUserRegion(t *testing.T) {
	host := newFakeHost()
	svc, access := newTestService(t, host)
	meta := memoryTable(t, access, catalog.KindMeta)

	// The parent must leave the online set before anything reaches the
	// catalog; record the catalog state at removal time.
	var putsAtRemoval int32 = -1
	host.onRemove = func(*model.RegionDescriptor) {
		atomic.StoreInt32(&putsAtRemoval, int32(meta.PutCount()))
	}

	region := newMockRegion("users", "", "", 1)
	daughterA := model.NewRegionDescriptor("users", "", "m", 100)
	daughterB := model.NewRegionDescriptor("users", "m", "", 101)
	result := &model.SplitResult{Parent: region.desc, DaughterA: daughterA, DaughterB: daughterB}

	region.On("CompactStores", mock.Anything).Return("m", nil).Once()
	region.On("SplitRegion", mock.Anything, "m").Return(result, nil).Once()

	svc.Start()
	defer stopService(svc, host)
	svc.RequestCompaction(region, "store file count")

	require.Eventually(t, func() bool { return host.reportCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	region.AssertExpectations(t)

	// Registry removal happened, and before any catalog write.
	require.Equal(t, 1, host.removedCount())
	assert.Equal(t, int32(0), atomic.LoadInt32(&putsAtRemoval))

	// One parent rewrite plus two daughter inserts, all in meta; the root
	// catalog is untouched for a user region.
	assert.Equal(t, 3, meta.PutCount())

	ctx := context.Background()
	parentRow, err := meta.Get(ctx, region.desc.RegionName)
	require.NoError(t, err)

	parentInfo, err := model.UnmarshalRegionDescriptor(parentRow.Columns[catalog.ColRegionInfo])
	require.NoError(t, err)
	assert.True(t, parentInfo.Offline)
	assert.True(t, parentInfo.Split)

	// Assignment columns are cleared with a present-but-empty value.
	loc, ok := parentRow.Columns[catalog.ColServerLocation]
	require.True(t, ok)
	assert.Empty(t, loc)
	code, ok := parentRow.Columns[catalog.ColStartCode]
	require.True(t, ok)
	assert.Empty(t, code)

	splitA, err := model.UnmarshalRegionDescriptor(parentRow.Columns[catalog.ColSplitA])
	require.NoError(t, err)
	assert.Equal(t, daughterA.RegionName, splitA.RegionName)
	splitB, err := model.UnmarshalRegionDescriptor(parentRow.Columns[catalog.ColSplitB])
	require.NoError(t, err)
	assert.Equal(t, daughterB.RegionName, splitB.RegionName)

	for _, d := range []*model.RegionDescriptor{daughterA, daughterB} {
		row, err := meta.Get(ctx, d.RegionName)
		require.NoError(t, err)
		assert.Contains(t, row.Columns, catalog.ColRegionInfo)
		assert.NotContains(t, row.Columns, catalog.ColServerLocation)
	}

	// The master heard about it exactly once, with the right family.
	report := host.reports[0]
	assert.Equal(t, region.desc.RegionName, report.Parent.RegionName)
	assert.Equal(t, daughterA.RegionName, report.DaughterA.RegionName)
	assert.Equal(t, daughterB.RegionName, report.DaughterB.RegionName)
}

func TestCompactSplitService_MetaRegionSplitsIntoRootCatalog(t *testing.T) {
	host := newFakeHost()
	svc, access := newTestService(t, host)

	region := newMockRegion(model.MetaTableName, "", "", 1)
	daughterA := model.NewRegionDescriptor(model.MetaTableName, "", "m", 100)
	daughterB := model.NewRegionDescriptor(model.MetaTableName, "m", "", 101)
	result := &model.SplitResult{Parent: region.desc, DaughterA: daughterA, DaughterB: daughterB}

	region.On("CompactStores", mock.Anything).Return("m", nil).Once()
	region.On("SplitRegion", mock.Anything, "m").Return(result, nil).Once()

	svc.Start()
	defer stopService(svc, host)
	svc.RequestCompaction(region, "store file count")

	require.Eventually(t, func() bool { return host.reportCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, memoryTable(t, access, catalog.KindRoot).PutCount())
	assert.Equal(t, 0, memoryTable(t, access, catalog.KindMeta).PutCount())
}

func TestCompactSplitService_DeclinedSplitDoesNothing(t *testing.T) {
	host := newFakeHost()
	svc, access := newTestService(t, host)

	done := make(chan struct{})
	region := newMockRegion("users", "", "", 1)
	region.On("CompactStores", mock.Anything).Return("m", nil).Once()
	region.On("SplitRegion", mock.Anything, "m").Return(nil, nil).Once().
		Run(func(mock.Arguments) { close(done) })

	svc.Start()
	defer stopService(svc, host)
	svc.RequestCompaction(region, "store file count")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("split never attempted")
	}

	require.Eventually(t, func() bool { return svc.QueueSize() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, host.removedCount())
	assert.Equal(t, 0, host.reportCount())
	assert.Equal(t, 0, memoryTable(t, access, catalog.KindMeta).PutCount())
}

func TestCompactSplitService_TransientErrorKeepsWorkerAlive(t *testing.T) {
	host := newFakeHost()
	svc, _ := newTestService(t, host)

	failing := newMockRegion("users", "", "a", 1)
	failing.On("CompactStores", mock.Anything).Return("", errors.New("transient io error")).Once()

	healthy := newMockRegion("users", "a", "", 2)
	compacted := make(chan struct{})
	healthy.On("CompactStores", mock.Anything).Return("", nil).Once().
		Run(func(mock.Arguments) { close(compacted) })

	svc.Start()
	defer stopService(svc, host)
	svc.RequestCompaction(failing, "store file count")

	// The failure must run a filesystem probe, then the worker keeps going.
	require.Eventually(t, func() bool { return host.fsChecks.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	svc.RequestCompaction(healthy, "store file count")
	select {
	case <-compacted:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a transient error")
	}
}

func TestCompactSplitService_FilesystemFailureIsFatal(t *testing.T) {
	host := newFakeHost()
	host.fsHealthy.Store(false)
	svc, _ := newTestService(t, host)

	region := newMockRegion("users", "", "", 1)
	region.On("CompactStores", mock.Anything).Return("", errors.New("disk gone")).Once()

	svc.Start()
	svc.RequestCompaction(region, "store file count")

	exited := make(chan struct{})
	go func() {
		svc.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate on filesystem failure")
	}
	assert.Equal(t, int32(1), host.fsChecks.Load())
	assert.Equal(t, 0, svc.QueueSize())
}

func TestCompactSplitService_SplitErrorRunsFilesystemCheck(t *testing.T) {
	host := newFakeHost()
	host.reportErr = errors.New("master unreachable")
	svc, _ := newTestService(t, host)

	region := newMockRegion("users", "", "", 1)
	daughterA := model.NewRegionDescriptor("users", "", "m", 100)
	daughterB := model.NewRegionDescriptor("users", "m", "", 101)
	result := &model.SplitResult{Parent: region.desc, DaughterA: daughterA, DaughterB: daughterB}

	region.On("CompactStores", mock.Anything).Return("m", nil).Once()
	region.On("SplitRegion", mock.Anything, "m").Return(result, nil).Once()

	svc.Start()
	defer stopService(svc, host)
	svc.RequestCompaction(region, "store file count")

	require.Eventually(t, func() bool { return host.fsChecks.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, host.reportCount())
}

func TestCompactSplitService_InterruptWakesIdleWorker(t *testing.T) {
	host := newFakeHost()
	access := catalog.NewAccess(&catalog.Config{Backend: catalog.BackendMemory}, zap.NewNop())
	// Long poll interval: only the interrupt can wake the worker quickly.
	svc := NewCompactSplitService(
		&CompactSplitConfig{PollInterval: time.Minute},
		host, access, nil, zap.NewNop(),
	)

	svc.Start()
	host.stopped.Store(true)
	svc.InterruptIfNecessary()

	exited := make(chan struct{})
	go func() {
		svc.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not wake the idle worker")
	}
}
