package model

import (
	"encoding/json"
	"fmt"

	"github.com/devrev/pairdb/region-server/internal/util"
)

// Catalog table names. The root catalog describes the regions of the meta
// catalog; the meta catalog describes the regions of every user table.
const (
	RootTableName = "pairdb.root"
	MetaTableName = "pairdb.meta"
)

// RegionDescriptor describes one region: a contiguous key-range partition
// of a table. It is the unit persisted into catalog rows.
type RegionDescriptor struct {
	TableName   string `json:"table_name"`
	StartKey    string `json:"start_key"`
	EndKey      string `json:"end_key"`
	RegionID    int64  `json:"region_id"`
	RegionName  string `json:"region_name"`
	EncodedName string `json:"encoded_name"`
	Offline     bool   `json:"offline"`
	Split       bool   `json:"split"`
}

// NewRegionDescriptor creates a descriptor for the given table and key
// range. The region name is "{table},{start_key},{region_id}" and the
// encoded name is a short stable hash of it, used as the directory name
// on disk and the deduplication key in the compaction queue.
func NewRegionDescriptor(tableName, startKey, endKey string, regionID int64) *RegionDescriptor {
	name := fmt.Sprintf("%s,%s,%d", tableName, startKey, regionID)
	return &RegionDescriptor{
		TableName:   tableName,
		StartKey:    startKey,
		EndKey:      endKey,
		RegionID:    regionID,
		RegionName:  name,
		EncodedName: fmt.Sprintf("%08x", util.ComputeChecksum([]byte(name))),
	}
}

// IsMetaRegion reports whether this region belongs to the meta catalog
// table. Splits of meta regions are recorded in the root catalog.
func (d *RegionDescriptor) IsMetaRegion() bool {
	return d.TableName == MetaTableName
}

// ContainsKey reports whether key falls inside this region's range.
// An empty end key means the range is unbounded on the right.
func (d *RegionDescriptor) ContainsKey(key string) bool {
	if key < d.StartKey {
		return false
	}
	return d.EndKey == "" || key < d.EndKey
}

// Marshal serializes the descriptor for storage in a catalog row.
func (d *RegionDescriptor) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal region descriptor %s: %w", d.RegionName, err)
	}
	return data, nil
}

// UnmarshalRegionDescriptor decodes a descriptor previously produced by
// Marshal, e.g. out of a catalog row or a region directory on disk.
func UnmarshalRegionDescriptor(data []byte) (*RegionDescriptor, error) {
	var d RegionDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal region descriptor: %w", err)
	}
	return &d, nil
}

// SplitResult is the outcome of a region split: the retired parent and the
// two daughter regions covering its key range.
type SplitResult struct {
	Parent    *RegionDescriptor
	DaughterA *RegionDescriptor
	DaughterB *RegionDescriptor
}
