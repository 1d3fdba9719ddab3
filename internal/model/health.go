package model

// HealthStatus represents the health state of a node
type HealthStatus struct {
	NodeID     string            `json:"node_id"`
	Status     NodeStatus        `json:"status"`
	Timestamp  int64             `json:"ts"`
	Metrics    HealthMetrics     `json:"metrics"`
	Partitions []PartitionStatus `json:"partitions,omitempty"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains node level health metrics
type HealthMetrics struct {
	DiskUsage     float64 `json:"disk_usage"`
	GcAvgMillis   float64 `json:"gc_avg_ms"`
	GcFailures    uint64  `json:"gc_failures"`
	OpenTables    int     `json:"open_tables"`
	PendingFlush  int     `json:"pending_flush"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

// PartitionStatus is the per-table summary advertised to peers
type PartitionStatus struct {
	Name           string `json:"name"`
	Tid            uint32 `json:"tid"`
	Pid            uint32 `json:"pid"`
	RecordCnt      uint64 `json:"records"`
	RecordPkCnt    uint64 `json:"pks"`
	RecordByteSize uint64 `json:"bytes"`
	IdxCnt         int    `json:"indexes"`
}
