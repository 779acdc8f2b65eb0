package types

import (
	"time"

	"github.com/google/uuid"
)

// EventState tracks an event through its lifecycle. Transitions are
// queued -> processing -> processed | failed; there is no way back.
type EventState string

const (
	EventStateQueued     EventState = "queued"
	EventStateProcessing EventState = "processing"
	EventStateProcessed  EventState = "processed"
	EventStateFailed     EventState = "failed"
)

// Event is a single unit of work submitted to the engine. Priority is an
// integer where larger means more urgent; ties are served in submission
// order.
type Event struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Source      string                 `json:"source"`
	Priority    int                    `json:"priority"`
	State       EventState             `json:"state"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Duration    time.Duration          `json:"duration_ns,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// NewEvent builds a queued event with a fresh id.
func NewEvent(kind string, payload map[string]interface{}, source string, priority int) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		Source:    source,
		Priority:  priority,
		State:     EventStateQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the event has reached a final state.
func (e *Event) Terminal() bool {
	return e.State == EventStateProcessed || e.State == EventStateFailed
}
