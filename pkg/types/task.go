package types

import "time"

// TaskState is the scheduler's task lifecycle. A task cycles
// ready -> running -> completed -> ready for as long as it is registered.
type TaskState string

const (
	TaskStateReady     TaskState = "ready"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
)

// PeriodicTask is a recurring task executed by the scheduler. Deadline is
// the maximum acceptable execution time; exceeding it is recorded as a
// fault but never aborts the run. Period is the interval between
// executions; CronExpr, when set, replaces the fixed period with a cron
// schedule.
type PeriodicTask struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Priority       int           `json:"priority"`
	Deadline       time.Duration `json:"deadline_ns"`
	Period         time.Duration `json:"period_ns"`
	CronExpr       string        `json:"cron_expr,omitempty"`
	CostEstimate   time.Duration `json:"cost_estimate_ns"`
	State          TaskState     `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	LastExecution  time.Time     `json:"last_execution,omitempty"`
	Executions     uint64        `json:"executions"`
	DeadlineMisses uint64        `json:"deadline_misses"`
	MissedCycles   uint64        `json:"missed_cycles"`
}
