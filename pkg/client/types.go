package client

import "time"

// PoolStatus is the monitor's point-in-time snapshot.
type PoolStatus struct {
	Generation          uint64          `json:"generation"`
	Phase               string          `json:"phase"`
	Degraded            bool            `json:"degraded"`
	PromotionsAttempted uint64          `json:"promotions_attempted"`
	PromotionsSucceeded uint64          `json:"promotions_succeeded"`
	PromotionsAborted   uint64          `json:"promotions_aborted"`
	Processes           []ProcessStatus `json:"processes"`
}

// ProcessStatus describes one pool member.
type ProcessStatus struct {
	Seq          uint64    `json:"seq"`
	PID          int       `json:"pid"`
	Role         string    `json:"role"`
	Generation   uint64    `json:"generation"`
	State        string    `json:"state"`
	RequestCount uint64    `json:"request_count"`
	ForkSafe     bool      `json:"fork_safe"`
	StartedAt    time.Time `json:"started_at"`
}

// Event is one lifecycle journal entry.
type Event struct {
	Type       string    `json:"type"`
	Seq        uint64    `json:"seq"`
	PID        int       `json:"pid"`
	Role       string    `json:"role"`
	Generation uint64    `json:"generation"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
