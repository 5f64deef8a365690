package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn EventType = "spawn"
	EventExit  EventType = "exit"
	EventKill  EventType = "kill"
)

// Event is one server lifecycle transition exported for auditing.
// History is write-only: the supervisor never reads it back.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id"`
	PID        int       `json:"pid"`
	Port       int       `json:"port,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
