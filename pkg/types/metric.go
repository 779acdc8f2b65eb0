package types

import "time"

// MetricCategory groups samples for filtered snapshots.
type MetricCategory string

const (
	MetricCategoryCPU    MetricCategory = "cpu"
	MetricCategoryMemory MetricCategory = "memory"
	MetricCategorySystem MetricCategory = "system"
	MetricCategoryQueue  MetricCategory = "queue"
)

// Metric is one sampled measurement. Threshold is zero for metrics that
// have no alerting rule; Alert is set at sample time when the value
// crossed the threshold.
type Metric struct {
	Name      string         `json:"name"`
	Value     float64        `json:"value"`
	Unit      string         `json:"unit"`
	Category  MetricCategory `json:"category"`
	Timestamp time.Time      `json:"timestamp"`
	Threshold float64        `json:"threshold,omitempty"`
	Alert     bool           `json:"alert"`
}
