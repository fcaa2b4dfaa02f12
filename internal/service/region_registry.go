package service

import (
	"sync"

	"github.com/devrev/pairdb/region-server/internal/model"
	"go.uber.org/zap"
)

// RegionRegistry tracks the regions this server is currently serving,
// keyed by encoded name. The split protocol removes a parent region here
// before its split touches the catalog, so the server stops answering for
// the parent's key range even if the catalog write later fails.
type RegionRegistry struct {
	mu      sync.RWMutex
	regions map[string]Region
	logger  *zap.Logger
}

// NewRegionRegistry creates an empty registry.
func NewRegionRegistry(logger *zap.Logger) *RegionRegistry {
	return &RegionRegistry{
		regions: make(map[string]Region),
		logger:  logger,
	}
}

// Add puts a region online.
func (r *RegionRegistry) Add(region Region) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.regions[region.EncodedName()] = region
	r.logger.Info("Region online",
		zap.String("region", region.Name()),
		zap.String("encoded_name", region.EncodedName()))
}

// Remove takes the region for the given descriptor offline. Removing an
// unknown region is a no-op.
func (r *RegionRegistry) Remove(desc *model.RegionDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.regions[desc.EncodedName]; !ok {
		return
	}
	delete(r.regions, desc.EncodedName)
	r.logger.Info("Region offline",
		zap.String("region", desc.RegionName),
		zap.String("encoded_name", desc.EncodedName))
}

// Get returns the online region with the given encoded name, or nil.
func (r *RegionRegistry) Get(encodedName string) Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.regions[encodedName]
}

// List returns descriptors of every online region.
func (r *RegionRegistry) List() []*model.RegionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.RegionDescriptor, 0, len(r.regions))
	for _, region := range r.regions {
		result = append(result, region.Descriptor())
	}
	return result
}

// Count returns the number of online regions.
func (r *RegionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}
