package ingest

import (
	"context"
	"errors"
	"log/slog"

	"callsignal/internal/calls"
	"callsignal/pkg/logger"
)

const PushTypeIncomingCall = "incoming_call"

var ErrInvalidPush = errors.New("ingest: invalid push payload")

// PushPayload is the descriptor delivered by the push service.
type PushPayload struct {
	Type string         `json:"type"`
	Call calls.Snapshot `json:"call"`
}

func (p PushPayload) Validate() error {
	if p.Type != PushTypeIncomingCall {
		return ErrInvalidPush
	}
	if p.Call.ID == "" || p.Call.CreatedAt.IsZero() {
		return ErrInvalidPush
	}
	return nil
}

// PushCoordinator passes push-delivered offers through the freshness filter
// into the state machine.
type PushCoordinator struct {
	fwd forwarder
}

func NewPushCoordinator(filter Filter, sink Offerer, rec Recorder, log *slog.Logger) *PushCoordinator {
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &PushCoordinator{fwd: forwarder{
		filter: filter,
		sink:   sink,
		rec:    rec,
		log:    logger.Component(log, "push_ingest"),
	}}
}

func (p *PushCoordinator) Ingest(ctx context.Context, in PushPayload) (Outcome, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	return p.fwd.forward(ctx, in.Call, calls.SourcePush)
}
