package types

import "time"

// StreamInfo is the externally visible record of a registered stream.
// Rate is in emissions per second; the emission loop ticks every 1/Rate.
type StreamInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Source       string    `json:"source"`
	Rate         float64   `json:"rate"`
	BufferCap    int       `json:"buffer_capacity"`
	Buffered     int       `json:"buffered"`
	Subscribers  []string  `json:"subscribers"`
	Active       bool      `json:"active"`
	TotalEmitted uint64    `json:"total_emitted"`
	ErrorCount   uint64    `json:"error_count"`
	LastEmission time.Time `json:"last_emission,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Emission is one datum produced by a stream's generator.
type Emission struct {
	StreamID  string                 `json:"stream_id"`
	Seq       uint64                 `json:"seq"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	EmittedAt time.Time              `json:"emitted_at"`
}
