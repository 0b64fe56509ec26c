package calls

import "time"

// Session is one call attempt as seen by this participant.
//
// Lifecycle invariant: a Session is mutated only by the signaling state machine.
// Once State is terminal the session is evicted from "current"; its ID stays in
// the processed registry so no later event can resurrect it.
//
// Media credentials are set once known and never replaced afterwards.
type Session struct {
	ID string `json:"call_id"`

	CounterpartyID   string `json:"counterparty_id"`
	CounterpartyName string `json:"counterparty_name,omitempty"`

	Direction Direction `json:"direction"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`

	Media *MediaCredentials `json:"media,omitempty"`

	// CreatedAt is the backend-assigned origin time; freshness is measured from it.
	CreatedAt time.Time `json:"created_at"`

	// RemainingBalanceHint is advisory only and must never gate a transition.
	RemainingBalanceHint float64 `json:"remaining_balance_hint,omitempty"`

	// Source records which ingress path first delivered the offer.
	Source Source `json:"source"`

	AcceptedAt time.Time `json:"accepted_at,omitempty"`
	ActiveAt   time.Time `json:"active_at,omitempty"`
	EndedAt    time.Time `json:"ended_at,omitempty"`

	// Reason is set on terminal transitions (e.g. "user", "timeout", "remote_cancelled").
	Reason string `json:"reason,omitempty"`
}

// MediaCredentials is the opaque bundle handed to the media transport provider.
type MediaCredentials struct {
	AppID   string `json:"app_id"`
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// State is where a session is in its lifecycle.
//
// A ringing session withdrawn by the other side (remote cancel, or answered on
// another device) ends in StateCancelled rather than StateRejected, which is
// kept for a decline by either participant. Both are terminal and both mark
// the id as processed.
type State string

const (
	StateNone      State = "none"
	StateRinging   State = "ringing"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
	StateActive    State = "active"
	StateEnded     State = "ended"
	StateExpired   State = "expired"
)

// Terminal reports whether no further transition may be applied after s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateEnded, StateExpired:
		return true
	default:
		return false
	}
}

// Busy reports whether a session in state s blocks new offers.
func (s State) Busy() bool {
	switch s {
	case StateRinging, StateAccepted, StateActive:
		return true
	default:
		return false
	}
}

// Source identifies the ingress path a candidate or event arrived on.
type Source string

const (
	SourcePush         Source = "push"
	SourcePoll         Source = "poll"
	SourceEventChannel Source = "event_channel"
	SourceLocal        Source = "local"
	SourceReconcile    Source = "reconcile"
)
