package calls

import (
	"testing"
	"time"
)

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateRejected, StateCancelled, StateEnded, StateExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %q to be terminal", s)
		}
		if s.Busy() {
			t.Fatalf("expected %q not to be busy", s)
		}
	}
	for _, s := range []State{StateRinging, StateAccepted, StateActive} {
		if s.Terminal() {
			t.Fatalf("expected %q to be non-terminal", s)
		}
		if !s.Busy() {
			t.Fatalf("expected %q to be busy", s)
		}
	}
	if StateNone.Busy() || StateNone.Terminal() {
		t.Fatalf("none must be neither busy nor terminal")
	}
}

func TestRemoteStatusOfferable(t *testing.T) {
	if !RemoteRinging.Offerable() || !RemoteConnecting.Offerable() {
		t.Fatalf("ringing and connecting must be offerable")
	}
	for _, s := range []RemoteStatus{RemoteAccepted, RemoteRejected, RemoteCancelled, RemoteEnded, RemoteMissed} {
		if s.Offerable() {
			t.Fatalf("expected %q not offerable", s)
		}
	}
	if RemoteAccepted.Terminal() {
		t.Fatalf("accepted is not terminal on the backend")
	}
}

func TestSnapshotIncomingSession(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := Snapshot{
		ID:         "S1",
		CallerID:   "u-caller",
		CallerName: "Ada",
		ReceiverID: "u-me",
		Kind:       KindVideo,
		Status:     RemoteRinging,
		Media:      &MediaCredentials{AppID: "app", Token: "tok", Channel: "ch"},
		CreatedAt:  created,
	}

	s := snap.IncomingSession(SourcePush)
	if s.State != StateRinging || s.Direction != DirectionIncoming {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.CounterpartyID != "u-caller" || s.CounterpartyName != "Ada" {
		t.Fatalf("counterparty not copied: %+v", s)
	}
	if !s.CreatedAt.Equal(created) || s.Source != SourcePush {
		t.Fatalf("origin not preserved: %+v", s)
	}
	if !KindVideo.Valid() || Kind("fax").Valid() {
		t.Fatalf("kind validation broken")
	}
}
