package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/region-server/internal/catalog"
	"github.com/devrev/pairdb/region-server/internal/config"
	"github.com/devrev/pairdb/region-server/internal/model"
	"github.com/devrev/pairdb/region-server/internal/storage/diskmanager"
)

type stubServerRegion struct {
	desc *model.RegionDescriptor
}

func (s *stubServerRegion) CompactStores(context.Context) (string, error) { return "", nil }
func (s *stubServerRegion) SplitRegion(context.Context, string) (*model.SplitResult, error) {
	return nil, nil
}
func (s *stubServerRegion) SetForceMajorCompaction(bool)        {}
func (s *stubServerRegion) Descriptor() *model.RegionDescriptor { return s.desc }
func (s *stubServerRegion) Name() string                        { return s.desc.RegionName }
func (s *stubServerRegion) EncodedName() string                 { return s.desc.EncodedName }

func newTestRegionServer(t *testing.T) *RegionServer {
	t.Helper()

	disk, err := diskmanager.New(diskmanager.DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)

	access := catalog.NewAccess(&catalog.Config{Backend: catalog.BackendMemory}, zap.NewNop())
	t.Cleanup(access.Close)

	cfg := &config.Config{}
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 9090

	// Worker deliberately not started: queued requests stay observable.
	return NewRegionServer(cfg, access, disk, nil, nil, zap.NewNop())
}

func TestMetricsServer_ReadyWhenDiskHealthy(t *testing.T) {
	rs := newTestRegionServer(t)
	ms := NewMetricsServer(&MetricsServerConfig{Port: 0}, rs, zap.NewNop())

	rec := httptest.NewRecorder()
	ms.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ready"])
	assert.Contains(t, resp, "disk_usage_percent")
}

func TestMetricsServer_NotReadyDuringShutdown(t *testing.T) {
	rs := newTestRegionServer(t)
	rs.stopRequested.Store(true)
	ms := NewMetricsServer(&MetricsServerConfig{Port: 0}, rs, zap.NewNop())

	rec := httptest.NewRecorder()
	ms.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["ready"])
	assert.Equal(t, "shutting_down", resp["reason"])
}

func TestMetricsServer_StatusReportsLoad(t *testing.T) {
	rs := newTestRegionServer(t)
	rs.AddRegion(&stubServerRegion{desc: model.NewRegionDescriptor("users", "", "", 1)})
	ms := NewMetricsServer(&MetricsServerConfig{Port: 0}, rs, zap.NewNop())

	rec := httptest.NewRecorder()
	ms.statusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rs.ServerName(), resp["server_name"])
	assert.EqualValues(t, 1, resp["online_regions"])
	assert.EqualValues(t, 1, resp["compaction_queue_size"])
}
