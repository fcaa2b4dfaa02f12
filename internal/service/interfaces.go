package service

import (
	"context"

	"github.com/devrev/pairdb/region-server/internal/model"
)

// Region is the unit of compaction and split as seen by the scheduler.
// *region.Region is the production implementation; tests substitute mocks.
type Region interface {
	// CompactStores merges the region's store files. It returns the key
	// the region should split at, or "" when no split is warranted.
	CompactStores(ctx context.Context) (string, error)
	// SplitRegion divides the region at splitKey. A nil result with nil
	// error means the region declined to split.
	SplitRegion(ctx context.Context, splitKey string) (*model.SplitResult, error)
	// SetForceMajorCompaction marks the next compaction as major.
	SetForceMajorCompaction(force bool)
	Descriptor() *model.RegionDescriptor
	Name() string
	EncodedName() string
}

// RegionHost is the surface of the hosting region server that the
// compaction worker depends on.
type RegionHost interface {
	// IsStopRequested reports whether a process-wide stop is underway.
	IsStopRequested() bool
	// CheckFileSystem probes the data volume after an I/O failure.
	// False means the filesystem is dead and the worker must terminate.
	CheckFileSystem() bool
	// RemoveFromOnlineRegions takes a region out of serving before its
	// split is recorded in the catalog.
	RemoveFromOnlineRegions(desc *model.RegionDescriptor)
	// ReportSplit synchronously tells the master a split completed.
	ReportSplit(parent, daughterA, daughterB *model.RegionDescriptor) error
}
