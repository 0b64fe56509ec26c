package eventchannel

import (
	"encoding/json"
	"errors"
	"fmt"

	"callsignal/internal/calls"
)

// Wire names of inbound events.
const (
	EventCallCancelled = "call_cancelled"
	EventCallAccepted  = "call_accepted"
	EventCallRejected  = "call_rejected"
	EventCallEnded     = "call_ended"
	EventIncomingCall  = "incoming_call"
)

// Wire names of outbound signals.
const (
	SignalAccept = "accept"
	SignalReject = "reject"
)

var (
	ErrUnknownEvent = errors.New("eventchannel: unknown event")
	ErrMalformed    = errors.New("eventchannel: malformed message")
)

// envelope is the frame format in both directions: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type signalData struct {
	ID     string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// Decode parses one inbound frame into a calls.Event.
func Decode(raw []byte) (calls.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		ev  calls.Event
		err error
	)
	switch env.Event {
	case EventCallCancelled:
		ev, err = decodeData[calls.CallCancelled](env.Data)
	case EventCallAccepted:
		ev, err = decodeData[calls.CallAccepted](env.Data)
	case EventCallRejected:
		ev, err = decodeData[calls.CallRejected](env.Data)
	case EventCallEnded:
		ev, err = decodeData[calls.CallEnded](env.Data)
	case EventIncomingCall:
		var snap calls.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ev = calls.IncomingCall{Call: snap}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, err
	}
	if ev.SessionID() == "" {
		return nil, fmt.Errorf("%w: %s without call_id", ErrMalformed, env.Event)
	}
	return ev, nil
}

func decodeData[T calls.Event](data json.RawMessage) (calls.Event, error) {
	var v T
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
