package types

import "time"

type CreateEventRequest struct {
	Kind     string                 `json:"kind" validate:"required"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Priority int                    `json:"priority,omitempty"`
}

type CreateEventResponse struct {
	ID    string     `json:"id"`
	State EventState `json:"state"`
}

type CreateStreamRequest struct {
	Name           string  `json:"name" validate:"required"`
	Kind           string  `json:"kind" validate:"required"`
	Source         string  `json:"source,omitempty"`
	Rate           float64 `json:"rate,omitempty"`
	BufferCapacity int     `json:"buffer_capacity,omitempty"`
}

type AddSubscriberRequest struct {
	SubscriberID string `json:"subscriber_id" validate:"required"`
}

type UpdateStreamRateRequest struct {
	Rate float64 `json:"rate" validate:"required"`
}

// CreateTaskRequest declares a periodic task over HTTP. Durations are
// strings in Go syntax ("100ms", "1m30s"); exactly one of period or cron
// must be set.
type CreateTaskRequest struct {
	Name         string `json:"name" validate:"required"`
	Priority     int    `json:"priority,omitempty"`
	Deadline     string `json:"deadline" validate:"required,duration"`
	Period       string `json:"period,omitempty" validate:"duration"`
	Cron         string `json:"cron,omitempty"`
	CostEstimate string `json:"cost_estimate,omitempty" validate:"duration"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}
