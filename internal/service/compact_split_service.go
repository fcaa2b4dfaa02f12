package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/region-server/internal/catalog"
	"github.com/devrev/pairdb/region-server/internal/metrics"
	"github.com/devrev/pairdb/region-server/internal/model"
)

// CompactSplitConfig holds compaction worker configuration
type CompactSplitConfig struct {
	// PollInterval bounds how long the worker sleeps on an empty queue
	// before re-checking for a stop request.
	PollInterval time.Duration
}

// DefaultCompactSplitConfig returns the default worker configuration
func DefaultCompactSplitConfig() *CompactSplitConfig {
	return &CompactSplitConfig{
		PollInterval: 20 * time.Second,
	}
}

// CompactSplitService runs background compactions and the region splits
// they trigger. A single worker goroutine drains the priority queue so at
// most one compaction or split is in flight at a time; producers submit
// regions through the Request methods from any goroutine.
//
// The inProgress lock is held for the whole of each compaction+split and
// doubles as the shutdown barrier: once a stop is requested, acquiring it
// proves no work is mid-flight.
type CompactSplitService struct {
	cfg      *CompactSplitConfig
	host     RegionHost
	queue    *PriorityCompactionQueue
	catalogs *catalog.Access
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// root and meta are lazily bound catalog handles, touched only by the
	// worker goroutine.
	root catalog.Table
	meta catalog.Table

	inProgress sync.Mutex
	interrupt  chan struct{}
	done       chan struct{}
	startOnce  sync.Once
}

// NewCompactSplitService creates the worker without starting it. The
// metrics handle may be nil (tests).
func NewCompactSplitService(cfg *CompactSplitConfig, host RegionHost, catalogs *catalog.Access, m *metrics.Metrics, logger *zap.Logger) *CompactSplitService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultCompactSplitConfig().PollInterval
	}
	return &CompactSplitService{
		cfg:       cfg,
		host:      host,
		queue:     NewPriorityCompactionQueue(),
		catalogs:  catalogs,
		metrics:   m,
		logger:    logger,
		interrupt: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the worker goroutine. Subsequent calls are no-ops.
func (s *CompactSplitService) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Wait blocks until the worker goroutine has exited.
func (s *CompactSplitService) Wait() {
	<-s.done
}

// RequestCompaction submits a region at normal priority.
func (s *CompactSplitService) RequestCompaction(region Region, why string) {
	s.Request(region, false, why, model.PriorityNormal)
}

// RequestPriorityCompaction submits a region at an explicit priority.
func (s *CompactSplitService) RequestPriorityCompaction(region Region, why string, priority model.CompactionPriority) {
	s.Request(region, false, why, priority)
}

// RequestMajorCompaction submits a region with the next compaction forced
// to be major.
func (s *CompactSplitService) RequestMajorCompaction(region Region, why string) {
	s.Request(region, true, why, model.PriorityNormal)
}

// Request is the full submission form. After a stop has been requested it
// silently drops the submission: late requests during shutdown are
// expected and not an error. The force flag is assigned unconditionally,
// so a later non-forced request for the same region clears a pending
// forced major.
func (s *CompactSplitService) Request(region Region, force bool, why string, priority model.CompactionPriority) {
	if s.host.IsStopRequested() {
		return
	}

	region.SetForceMajorCompaction(force)

	added := s.queue.Add(region, priority)
	if s.metrics != nil {
		s.metrics.RecordCompactionRequest(priority.String(), s.queue.Size())
	}
	if added {
		s.logger.Debug("Compaction requested",
			zap.String("region", region.Name()),
			zap.String("why", why),
			zap.String("priority", priority.String()),
			zap.Bool("major", force),
			zap.Int("queue_size", s.queue.Size()))
	}
}

// QueueSize reports the number of regions awaiting compaction.
func (s *CompactSplitService) QueueSize() int {
	return s.queue.Size()
}

// InterruptIfNecessary wakes the worker out of its poll wait, but only
// when it is idle: a compaction or split in progress is left to finish.
// The host calls this after setting its stop flag so shutdown does not
// wait out a full poll interval.
func (s *CompactSplitService) InterruptIfNecessary() {
	if !s.inProgress.TryLock() {
		return
	}
	defer s.inProgress.Unlock()

	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

// run is the worker loop. It exits when the host requests a stop, or
// fatally when the filesystem check fails after an error.
func (s *CompactSplitService) run() {
	defer close(s.done)
	s.logger.Info("Compaction worker started",
		zap.Duration("poll_interval", s.cfg.PollInterval))

	for !s.host.IsStopRequested() {
		region, err := s.queue.Poll(s.cfg.PollInterval, s.interrupt)
		if err != nil {
			// Interrupted; the loop condition re-checks the stop flag.
			continue
		}
		if region == nil {
			continue
		}
		if s.metrics != nil {
			s.metrics.UpdateQueueSize(s.queue.Size())
		}

		if fatal := s.process(region); fatal {
			break
		}
	}

	s.queue.Clear()
	s.logger.Info("Compaction worker exiting")
}

// process compacts one region and splits it if the compaction asks for
// it. Returns true when the worker must terminate because the filesystem
// is no longer usable.
func (s *CompactSplitService) process(region Region) bool {
	s.inProgress.Lock()
	defer s.inProgress.Unlock()

	// A stop may have arrived between the poll and here; dropping the
	// region is fine, the queue is cleared on exit anyway.
	if s.host.IsStopRequested() {
		return false
	}

	ctx := context.Background()
	start := time.Now()

	splitKey, err := region.CompactStores(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCompactionFailure()
		}
		s.logger.Error("Compaction failed",
			zap.String("region", region.Name()),
			zap.Error(err))
		return s.checkFileSystem()
	}
	if s.metrics != nil {
		s.metrics.RecordCompaction("ok", time.Since(start).Seconds())
	}

	if splitKey == "" {
		return false
	}

	// A stop may have arrived while the compaction ran; shutdown must not
	// start catalog writes or a master report.
	if s.host.IsStopRequested() {
		return false
	}

	if err := s.split(ctx, region, splitKey); err != nil {
		if s.metrics != nil {
			s.metrics.RecordSplitFailure()
		}
		s.logger.Error("Region split failed",
			zap.String("region", region.Name()),
			zap.String("split_key", splitKey),
			zap.Error(err))
		return s.checkFileSystem()
	}

	return false
}

// checkFileSystem runs the host's filesystem probe after a failure.
// Returns true (fatal) when the probe fails: continuing to run against a
// dead volume would only corrupt state.
func (s *CompactSplitService) checkFileSystem() bool {
	if s.host.CheckFileSystem() {
		return false
	}
	s.logger.Error("Filesystem probe failed, terminating compaction worker")
	return true
}

// split carries a region through the full split protocol:
//
//  1. the region divides itself on disk and hands back the daughters
//  2. the parent descriptor is marked offline and split
//  3. the parent is removed from the online set, so this server stops
//     answering for its key range before the catalog says it is gone
//  4. the parent's catalog row is rewritten: region info updated, server
//     location and start code cleared, daughter references recorded
//  5. the daughters get their own catalog rows, unassigned
//  6. the master is told synchronously, so it can assign the daughters
//
// Each catalog write is atomic per row; if the process dies between
// steps, the catalog scanner recovers from the parent row's daughter
// references.
func (s *CompactSplitService) split(ctx context.Context, region Region, splitKey string) error {
	start := time.Now()

	result, err := region.SplitRegion(ctx, splitKey)
	if err != nil {
		return fmt.Errorf("failed to split region %s: %w", region.Name(), err)
	}
	if result == nil {
		// The region declined; not an error.
		return nil
	}

	parent := result.Parent
	parent.Offline = true
	parent.Split = true

	s.host.RemoveFromOnlineRegions(parent)

	table, err := s.catalogTable(ctx, parent)
	if err != nil {
		return err
	}

	parentInfo, err := parent.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal parent descriptor: %w", err)
	}
	daughterAInfo, err := result.DaughterA.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal daughter descriptor: %w", err)
	}
	daughterBInfo, err := result.DaughterB.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal daughter descriptor: %w", err)
	}

	put := catalog.NewPut(parent.RegionName).
		Add(catalog.ColRegionInfo, parentInfo).
		Add(catalog.ColServerLocation, catalog.EmptyMarker).
		Add(catalog.ColStartCode, catalog.EmptyMarker).
		Add(catalog.ColSplitA, daughterAInfo).
		Add(catalog.ColSplitB, daughterBInfo)
	if err := s.catalogPut(ctx, table, put); err != nil {
		return fmt.Errorf("failed to update parent catalog row: %w", err)
	}

	for _, d := range []struct {
		desc *model.RegionDescriptor
		info []byte
	}{
		{result.DaughterA, daughterAInfo},
		{result.DaughterB, daughterBInfo},
	} {
		put := catalog.NewPut(d.desc.RegionName).Add(catalog.ColRegionInfo, d.info)
		if err := s.catalogPut(ctx, table, put); err != nil {
			return fmt.Errorf("failed to insert daughter catalog row for %s: %w", d.desc.RegionName, err)
		}
	}

	if err := s.host.ReportSplit(parent, result.DaughterA, result.DaughterB); err != nil {
		return fmt.Errorf("failed to report split to master: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordSplit(time.Since(start).Seconds())
	}
	s.logger.Info("Region split complete",
		zap.String("parent", parent.RegionName),
		zap.String("daughter_a", result.DaughterA.RegionName),
		zap.String("daughter_b", result.DaughterB.RegionName),
		zap.Duration("took", time.Since(start)))

	return nil
}

// catalogTable returns the catalog table that holds the given region's
// row: splits of a meta region are recorded in the root catalog, splits
// of user regions in the meta catalog. Handles are bound lazily and then
// reused for the life of the worker.
func (s *CompactSplitService) catalogTable(ctx context.Context, desc *model.RegionDescriptor) (catalog.Table, error) {
	if desc.IsMetaRegion() {
		if s.root == nil {
			t, err := s.catalogs.Table(ctx, catalog.KindRoot)
			if err != nil {
				return nil, fmt.Errorf("failed to open root catalog: %w", err)
			}
			s.root = t
		}
		return s.root, nil
	}

	if s.meta == nil {
		t, err := s.catalogs.Table(ctx, catalog.KindMeta)
		if err != nil {
			return nil, fmt.Errorf("failed to open meta catalog: %w", err)
		}
		s.meta = t
	}
	return s.meta, nil
}

func (s *CompactSplitService) catalogPut(ctx context.Context, table catalog.Table, put *catalog.Put) error {
	start := time.Now()
	if err := table.Put(ctx, put); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordCatalogPut(table.Kind().SQLTable(), time.Since(start).Seconds())
	}
	return nil
}
