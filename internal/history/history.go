package history

import (
	"context"
	"time"
)

// EventType defines the kind of backend lifecycle event.
type EventType string

const (
	EventStart EventType = "start" // backend answered readiness
	EventStop  EventType = "stop"  // backend stopped on request
	EventFail  EventType = "fail"  // startup failed or backend exited unexpectedly
)

// Record is the backend instance a lifecycle event refers to.
type Record struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	State     string    `json:"state"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Event represents a lifecycle event to be persisted.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
