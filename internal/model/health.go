package model

// HealthStatus represents the health state of a region server
type HealthStatus struct {
	NodeID    string
	Status    NodeStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains various health metrics gossiped between nodes
type HealthMetrics struct {
	MemoryUsage         float64
	DiskUsage           float64
	OnlineRegions       int
	CompactionQueueSize int
	ErrorRate           float64
}
