package types

import "time"

// FaultCondition names a detected runtime problem.
type FaultCondition string

const (
	FaultHighCPU         FaultCondition = "high_cpu"
	FaultHighMemory      FaultCondition = "high_memory"
	FaultThreadOverload  FaultCondition = "thread_overload"
	FaultQueueSaturation FaultCondition = "queue_saturation"
	FaultDeadlineMissed  FaultCondition = "deadline_missed"
	FaultSamplingError   FaultCondition = "sampling_error"
	FaultRecoveryFailed  FaultCondition = "recovery_failed"
)

// FaultOutcome is the result of handling a fault.
type FaultOutcome string

const (
	// FaultOutcomeObserved marks conditions that were recorded without a
	// recovery attempt (deadline misses, sampling errors).
	FaultOutcomeObserved  FaultOutcome = "observed"
	FaultOutcomeRecovered FaultOutcome = "recovered"
	FaultOutcomeFailed    FaultOutcome = "failed"
)

// FaultRecord is one entry in the append-only fault log.
type FaultRecord struct {
	Condition   FaultCondition `json:"condition"`
	DetectedAt  time.Time      `json:"detected_at"`
	Description string         `json:"description"`
	Action      string         `json:"action,omitempty"`
	Outcome     FaultOutcome   `json:"outcome"`
}
