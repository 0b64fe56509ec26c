package journal

import (
	"time"

	"callsignal/internal/calls"
)

// Entry is an immutable, append-only record of a resolved call transition.
//
// Invariants:
// - Entries are never updated or deleted.
// - Writes are best-effort; a failed append must never block or undo a transition.
//
// Storage (Postgres): table call_transitions, INSERT-only, indexed by (session_id, created_at).
type Entry struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	UserID    string `json:"user_id" db:"user_id"`

	Direction calls.Direction `json:"direction" db:"direction"`
	Kind      calls.Kind      `json:"kind" db:"kind"`

	// State is the state entered. EXPIRED and REJECTED are kept distinct for analytics.
	State  calls.State  `json:"state" db:"state"`
	Source calls.Source `json:"source" db:"source"`
	Reason string       `json:"reason,omitempty" db:"reason"`

	// BackendError is set when persisting the transition to the registry failed.
	BackendError string `json:"backend_error,omitempty" db:"backend_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// FromSession builds an entry describing s entering its current state.
func FromSession(userID string, s calls.Session) Entry {
	return Entry{
		SessionID: s.ID,
		UserID:    userID,
		Direction: s.Direction,
		Kind:      s.Kind,
		State:     s.State,
		Source:    s.Source,
		Reason:    s.Reason,
	}
}
