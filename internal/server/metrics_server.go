package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes Prometheus metrics and operational state for one
// region server. Readiness is derived from the disk manager: a server
// whose data volume tripped the circuit breaker cannot accept regions
// and must not pass its readiness probe.
type MetricsServer struct {
	httpServer *http.Server
	rs         *RegionServer
	logger     *zap.Logger
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
}

// NewMetricsServer creates a metrics server backed by the given region
// server's state.
func NewMetricsServer(cfg *MetricsServerConfig, rs *RegionServer, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		rs:       rs,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)
	mux.HandleFunc("/status", ms.statusHandler)

	return ms
}

// Start starts the metrics server and its stats collector.
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectStats()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// healthHandler reports process liveness.
func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"server_name": s.rs.ServerName(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

// readyHandler reports whether this server can take on work. A server
// that is shutting down or whose disk circuit breaker engaged is not
// ready.
func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.rs.IsStopRequested() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ready":  false,
			"reason": "shutting_down",
		})
		return
	}

	usage := s.rs.disk.Usage()
	if usage.IsCircuitBroken {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ready":              false,
			"reason":             "disk_full",
			"disk_usage_percent": usage.UsagePercent,
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":              true,
		"disk_usage_percent": usage.UsagePercent,
		"disk_throttled":     usage.IsThrottled,
	})
}

// statusHandler reports the server's current load: online regions,
// compaction backlog, and disk headroom.
func (s *MetricsServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	usage := s.rs.disk.Usage()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"server_name":           s.rs.ServerName(),
		"start_code":            s.rs.StartCode(),
		"online_regions":        s.rs.registry.Count(),
		"compaction_queue_size": s.rs.compactor.QueueSize(),
		"disk_usage_percent":    usage.UsagePercent,
		"disk_available_bytes":  usage.AvailableBytes,
	})
}

// storeFileCounter is implemented by *region.Region; test doubles may
// omit it.
type storeFileCounter interface {
	StoreFileCount() int
}

// collectStats periodically refreshes the load gauges.
func (s *MetricsServer) collectStats() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateStats()
		case <-s.stopChan:
			return
		}
	}
}

// updateStats refreshes queue, region, and system gauges from the region
// server's state.
func (s *MetricsServer) updateStats() {
	m := s.rs.metrics
	if m == nil {
		return
	}

	m.UpdateQueueSize(s.rs.compactor.QueueSize())

	storeFiles := 0
	for _, desc := range s.rs.registry.List() {
		if region := s.rs.registry.Get(desc.EncodedName); region != nil {
			if counter, ok := region.(storeFileCounter); ok {
				storeFiles += counter.StoreFileCount()
			}
		}
	}
	m.UpdateRegionStats(s.rs.registry.Count(), storeFiles)

	usage := s.rs.disk.Usage()
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.UpdateSystemStats(usage.UsagePercent, usage.AvailableBytes, memStats.Alloc, runtime.NumGoroutine())
}
