package types

import "time"

// EngineStatus is a point-in-time snapshot of the running engine,
// assembled from the pool, queue, stream registry, scheduler and the
// latest monitor samples.
type EngineStatus struct {
	PoolSize        int           `json:"pool_size"`
	QueueDepth      int           `json:"queue_depth"`
	QueueCapacity   int           `json:"queue_capacity"`
	ActiveStreams   int           `json:"active_streams"`
	AvgLatency      time.Duration `json:"avg_latency_ns"`
	CPUPercent      float64       `json:"cpu_percent"`
	MemoryPercent   float64       `json:"memory_percent"`
	GoroutineCount  int           `json:"goroutine_count"`
	EventsProcessed uint64        `json:"events_processed"`
	EventsFailed    uint64        `json:"events_failed"`
	EventsDropped   uint64        `json:"events_dropped"`
	DeadlineMisses  uint64        `json:"deadline_misses"`
	Uptime          time.Duration `json:"uptime_ns"`
	Timestamp       time.Time     `json:"timestamp"`
}
