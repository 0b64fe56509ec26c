package calls

import "time"

// Snapshot is the backend registry's view of a call, as returned by status reads,
// the incoming-candidates listing and push payloads.
type Snapshot struct {
	ID         string       `json:"call_id"`
	CallerID   string       `json:"caller_id"`
	CallerName string       `json:"caller_name,omitempty"`
	ReceiverID string       `json:"receiver_id"`
	Kind       Kind         `json:"kind"`
	Status     RemoteStatus `json:"status"`

	Media *MediaCredentials `json:"media,omitempty"`

	CreatedAt            time.Time `json:"created_at"`
	RemainingBalanceHint float64   `json:"remaining_balance_hint,omitempty"`
}

// RemoteStatus is the backend's lifecycle label for a call.
type RemoteStatus string

const (
	RemoteRinging    RemoteStatus = "ringing"
	RemoteConnecting RemoteStatus = "connecting"
	RemoteAccepted   RemoteStatus = "accepted"
	RemoteRejected   RemoteStatus = "rejected"
	RemoteCancelled  RemoteStatus = "cancelled"
	RemoteEnded      RemoteStatus = "ended"
	RemoteMissed     RemoteStatus = "missed"
)

// Offerable reports whether the backend still considers the call answerable.
func (s RemoteStatus) Offerable() bool {
	return s == RemoteRinging || s == RemoteConnecting
}

// Terminal reports whether the backend considers the call finished.
func (s RemoteStatus) Terminal() bool {
	switch s {
	case RemoteRejected, RemoteCancelled, RemoteEnded, RemoteMissed:
		return true
	default:
		return false
	}
}

// IncomingSession builds the receiver-side session for an offered snapshot.
func (s Snapshot) IncomingSession(src Source) Session {
	return Session{
		ID:                   s.ID,
		CounterpartyID:       s.CallerID,
		CounterpartyName:     s.CallerName,
		Direction:            DirectionIncoming,
		Kind:                 s.Kind,
		State:                StateRinging,
		Media:                s.Media,
		CreatedAt:            s.CreatedAt,
		RemainingBalanceHint: s.RemainingBalanceHint,
		Source:               src,
	}
}
