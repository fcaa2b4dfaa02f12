package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/region-server/internal/catalog"
	"github.com/devrev/pairdb/region-server/internal/client"
	"github.com/devrev/pairdb/region-server/internal/config"
	"github.com/devrev/pairdb/region-server/internal/metrics"
	"github.com/devrev/pairdb/region-server/internal/model"
	"github.com/devrev/pairdb/region-server/internal/service"
	"github.com/devrev/pairdb/region-server/internal/storage/diskmanager"
)

// RegionServer hosts a set of regions and the background worker that
// compacts and splits them. It implements service.RegionHost: the worker
// calls back into it for shutdown checks, filesystem probes, registry
// removal, and master reporting.
type RegionServer struct {
	cfg       *config.Config
	startCode int64
	logger    *zap.Logger

	registry  *service.RegionRegistry
	compactor *service.CompactSplitService
	disk      *diskmanager.DiskManager
	master    *client.MasterClient
	metrics   *metrics.Metrics

	stopRequested atomic.Bool
}

// NewRegionServer wires the server and its compaction worker together.
// The master client may be nil when running standalone; split reports are
// then logged and dropped.
func NewRegionServer(cfg *config.Config, catalogs *catalog.Access, disk *diskmanager.DiskManager, master *client.MasterClient, m *metrics.Metrics, logger *zap.Logger) *RegionServer {
	rs := &RegionServer{
		cfg:       cfg,
		startCode: time.Now().Unix(),
		logger:    logger,
		registry:  service.NewRegionRegistry(logger),
		disk:      disk,
		master:    master,
		metrics:   m,
	}

	rs.compactor = service.NewCompactSplitService(
		&service.CompactSplitConfig{PollInterval: cfg.Compaction.PollInterval},
		rs, catalogs, m, logger,
	)

	return rs
}

// Start launches the compaction worker.
func (rs *RegionServer) Start() {
	rs.compactor.Start()
	rs.logger.Info("Region server started",
		zap.String("server_name", rs.ServerName()),
		zap.Int64("start_code", rs.startCode))
}

// Stop requests shutdown and blocks until the compaction worker has
// finished any in-flight compaction or split.
func (rs *RegionServer) Stop() {
	rs.stopRequested.Store(true)
	rs.compactor.InterruptIfNecessary()
	rs.compactor.Wait()

	for _, desc := range rs.registry.List() {
		if region := rs.registry.Get(desc.EncodedName); region != nil {
			rs.registry.Remove(desc)
		}
	}

	rs.logger.Info("Region server stopped", zap.String("server_name", rs.ServerName()))
}

// ServerName identifies this server in catalog rows and master reports.
func (rs *RegionServer) ServerName() string {
	return fmt.Sprintf("%s,%d,%d", rs.cfg.Server.Host, rs.cfg.Server.Port, rs.startCode)
}

// StartCode returns the server's startup timestamp, which disambiguates
// restarts on the same host and port.
func (rs *RegionServer) StartCode() int64 {
	return rs.startCode
}

// Registry exposes the online region set.
func (rs *RegionServer) Registry() *service.RegionRegistry {
	return rs.registry
}

// Compactor exposes the compaction worker for request submission.
func (rs *RegionServer) Compactor() *service.CompactSplitService {
	return rs.compactor
}

// AddRegion puts a region online and queues an initial compaction check.
func (rs *RegionServer) AddRegion(region service.Region) {
	rs.registry.Add(region)
	rs.compactor.RequestCompaction(region, "region opened")
	if rs.metrics != nil {
		rs.metrics.UpdateRegionStats(rs.registry.Count(), 0)
	}
}

// IsStopRequested implements service.RegionHost.
func (rs *RegionServer) IsStopRequested() bool {
	return rs.stopRequested.Load()
}

// CheckFileSystem implements service.RegionHost by probing the data
// volume with an actual write.
func (rs *RegionServer) CheckFileSystem() bool {
	if !rs.disk.Probe() {
		rs.logger.Error("Filesystem probe failed",
			zap.String("data_dir", rs.cfg.Storage.DataDir))
		return false
	}
	return true
}

// RemoveFromOnlineRegions implements service.RegionHost.
func (rs *RegionServer) RemoveFromOnlineRegions(desc *model.RegionDescriptor) {
	rs.registry.Remove(desc)
	if rs.metrics != nil {
		rs.metrics.UpdateRegionStats(rs.registry.Count(), 0)
	}
}

// ReportSplit implements service.RegionHost. The report is synchronous:
// the split protocol treats master acknowledgement as its final step.
func (rs *RegionServer) ReportSplit(parent, daughterA, daughterB *model.RegionDescriptor) error {
	if rs.master == nil {
		rs.logger.Warn("No master configured, split not reported",
			zap.String("parent", parent.RegionName))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return rs.master.ReportSplit(ctx, &client.SplitReport{
		ServerName: rs.ServerName(),
		Parent:     parent,
		DaughterA:  daughterA,
		DaughterB:  daughterB,
	})
}
