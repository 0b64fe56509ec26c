package signaling

import (
	"context"

	"callsignal/internal/backend"
	"callsignal/internal/calls"
	"callsignal/internal/journal"
)

// Backend is the subset of the backend registry the machine writes to.
// Every call is fire-and-forget from the machine's point of view.
type Backend interface {
	InitiateCall(ctx context.Context, receiverID string, kind calls.Kind) (backend.Initiated, error)
	AcceptCall(ctx context.Context, sessionID string) error
	RejectCall(ctx context.Context, sessionID, reason string) error
	CancelCall(ctx context.Context, sessionID string) error
	EndCall(ctx context.Context, sessionID string, durationSeconds int) error
}

// Signaler sends the low-latency accept/reject hints ahead of backend persistence.
type Signaler interface {
	SendAccept(ctx context.Context, sessionID string) error
	SendReject(ctx context.Context, sessionID, reason string) error
}

// Presenter receives the authoritative session state.
//
// Methods are invoked while the machine holds its lock: implementations must
// not block and must not call back into the Machine.
type Presenter interface {
	SessionChanged(s calls.Session)
	JoinMedia(s calls.Session)
	Notice(sessionID, message string)
}

// Journal records resolved transitions.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) error
}

// Observer is notified of every applied transition. Used for metrics.
type Observer interface {
	Transition(from, to calls.State)
}

type nopPresenter struct{}

func (nopPresenter) SessionChanged(calls.Session) {}
func (nopPresenter) JoinMedia(calls.Session)      {}
func (nopPresenter) Notice(string, string)        {}

type nopSignaler struct{}

func (nopSignaler) SendAccept(context.Context, string) error         { return nil }
func (nopSignaler) SendReject(context.Context, string, string) error { return nil }

type nopObserver struct{}

func (nopObserver) Transition(calls.State, calls.State) {}
