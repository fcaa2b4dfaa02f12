package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the region server
type Metrics struct {
	// Compaction metrics
	CompactionQueueSize      prometheus.Gauge
	CompactionRequestsTotal  prometheus.CounterVec
	CompactionsTotal         prometheus.CounterVec
	CompactionDuration       prometheus.Histogram
	CompactionFailuresTotal  prometheus.Counter

	// Split metrics
	SplitsTotal         prometheus.Counter
	SplitDuration       prometheus.Histogram
	SplitFailuresTotal  prometheus.Counter

	// Catalog metrics
	CatalogPutsTotal    prometheus.CounterVec
	CatalogPutDuration  prometheus.Histogram

	// Region metrics
	OnlineRegionsTotal prometheus.Gauge
	StoreFilesTotal    prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge

	// System metrics
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		// Compaction metrics
		CompactionQueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "compaction",
			Name:        "queue_size",
			Help:        "Number of regions currently queued for compaction",
			ConstLabels: labels,
		}),
		CompactionRequestsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "compaction",
			Name:        "requests_total",
			Help:        "Total number of compaction requests by priority",
			ConstLabels: labels,
		}, []string{"priority"}),
		CompactionsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "compaction",
			Name:        "completed_total",
			Help:        "Total number of completed compactions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		CompactionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "compaction",
			Name:        "duration_seconds",
			Help:        "Histogram of compaction durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		}),
		CompactionFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "compaction",
			Name:        "failures_total",
			Help:        "Total number of failed compactions",
			ConstLabels: labels,
		}),

		// Split metrics
		SplitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "split",
			Name:        "completed_total",
			Help:        "Total number of completed region splits",
			ConstLabels: labels,
		}),
		SplitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "split",
			Name:        "duration_seconds",
			Help:        "Histogram of region split durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SplitFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "split",
			Name:        "failures_total",
			Help:        "Total number of failed region splits",
			ConstLabels: labels,
		}),

		// Catalog metrics
		CatalogPutsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "catalog",
			Name:        "puts_total",
			Help:        "Total number of catalog row writes by table",
			ConstLabels: labels,
		}, []string{"table"}),
		CatalogPutDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "catalog",
			Name:        "put_duration_seconds",
			Help:        "Histogram of catalog row write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		// Region metrics
		OnlineRegionsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "region",
			Name:        "online_total",
			Help:        "Current number of online regions",
			ConstLabels: labels,
		}),
		StoreFilesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "region",
			Name:        "store_files_total",
			Help:        "Current number of store files across online regions",
			ConstLabels: labels,
		}),

		// Gossip metrics
		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_healthy",
			Help:        "Number of healthy gossip members",
			ConstLabels: labels,
		}),

		// System metrics
		DiskAvailableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordCompactionRequest records a compaction submission
func (m *Metrics) RecordCompactionRequest(priority string, queueSize int) {
	m.CompactionRequestsTotal.WithLabelValues(priority).Inc()
	m.CompactionQueueSize.Set(float64(queueSize))
}

// RecordCompaction records a completed compaction
func (m *Metrics) RecordCompaction(outcome string, duration float64) {
	m.CompactionsTotal.WithLabelValues(outcome).Inc()
	m.CompactionDuration.Observe(duration)
}

// RecordCompactionFailure records a failed compaction
func (m *Metrics) RecordCompactionFailure() {
	m.CompactionFailuresTotal.Inc()
}

// RecordSplit records a completed region split
func (m *Metrics) RecordSplit(duration float64) {
	m.SplitsTotal.Inc()
	m.SplitDuration.Observe(duration)
}

// RecordSplitFailure records a failed region split
func (m *Metrics) RecordSplitFailure() {
	m.SplitFailuresTotal.Inc()
}

// RecordCatalogPut records a catalog row write
func (m *Metrics) RecordCatalogPut(table string, duration float64) {
	m.CatalogPutsTotal.WithLabelValues(table).Inc()
	m.CatalogPutDuration.Observe(duration)
}

// UpdateQueueSize updates the compaction queue size gauge
func (m *Metrics) UpdateQueueSize(size int) {
	m.CompactionQueueSize.Set(float64(size))
}

// UpdateRegionStats updates the online region gauges
func (m *Metrics) UpdateRegionStats(onlineRegions, storeFiles int) {
	m.OnlineRegionsTotal.Set(float64(onlineRegions))
	m.StoreFilesTotal.Set(float64(storeFiles))
}

// UpdateGossipStats updates gossip statistics
func (m *Metrics) UpdateGossipStats(totalMembers, healthyMembers int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
	m.GossipMembersHealthy.Set(float64(healthyMembers))
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsagePercent float64, diskAvailable, memoryUsage uint64, goroutines int) {
	m.DiskUsagePercent.Set(diskUsagePercent)
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
