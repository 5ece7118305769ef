// Package store defines the lifecycle event journal and its backends. The
// journal is purely observational: the monitor reconstructs all live state
// from the process tree and never reads the journal back.
package store

import (
	"context"
	"time"
)

// EventType identifies a supervision lifecycle event.
type EventType string

const (
	EventSpawned           EventType = "spawned"
	EventReady             EventType = "ready"
	EventExited            EventType = "exited"
	EventPromoteRequested  EventType = "promote_requested"
	EventPromoted          EventType = "promoted"
	EventPromoteAborted    EventType = "promote_aborted"
	EventShutdownRequested EventType = "shutdown_requested"
	EventKilled            EventType = "killed"
	EventDegraded          EventType = "degraded"
	EventGenerationRetired EventType = "generation_retired"
)

// Event is one journal row.
type Event struct {
	Type       EventType `json:"type"`
	Seq        uint64    `json:"seq"`
	PID        int       `json:"pid"`
	Role       string    `json:"role"`
	Generation uint64    `json:"generation"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// Store persists journal events.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordEvent(ctx context.Context, e Event) error
	// RecentEvents returns the newest events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// Config selects the journal backend by DSN; empty disables the journal.
type Config struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}
