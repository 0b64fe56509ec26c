package signaling

import (
	"context"
	"log/slog"
	"time"

	"callsignal/internal/calls"
	"callsignal/pkg/logger"
)

// StatusReader reads the backend's view of a call, retrying transient failures.
type StatusReader interface {
	GetSessionStatusWithRetry(ctx context.Context, sessionID string) (calls.Snapshot, error)
}

// Reconciler settles a session that is active locally but whose acceptance the
// backend never acknowledged. It only reads; it never repeats the failed write.
type Reconciler struct {
	status   StatusReader
	interval time.Duration
	log      *slog.Logger
}

func NewReconciler(status StatusReader, interval time.Duration, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{status: status, interval: interval, log: logger.Component(log, "reconciler")}
}

// Resolve reads the backend status once. It returns the event that brings local
// state in line with the backend, and whether the backend view is settled. A
// call the backend still shows as offerable is not settled.
func (r *Reconciler) Resolve(ctx context.Context, id string) (calls.Event, bool, error) {
	snap, err := r.status.GetSessionStatusWithRetry(ctx, id)
	if err != nil {
		return nil, false, err
	}

	switch {
	case snap.Status == calls.RemoteCancelled, snap.Status == calls.RemoteRejected, snap.Status == calls.RemoteMissed:
		r.log.Info("backend reports call withdrawn", "call_id", id, "status", snap.Status)
		return calls.CallCancelled{ID: id}, true, nil
	case snap.Status == calls.RemoteEnded:
		r.log.Info("backend reports call ended", "call_id", id)
		return calls.CallEnded{ID: id}, true, nil
	case snap.Status.Offerable():
		r.log.Debug("backend has not recorded the accept yet", "call_id", id, "status", snap.Status)
		return nil, false, nil
	default:
		r.log.Debug("backend view consistent", "call_id", id, "status", snap.Status)
		return nil, true, nil
	}
}

// Watch polls Resolve every interval until the backend view settles, pending
// reports false, or ctx is done. A nil event with a nil error means the backend
// acknowledged the call or it no longer needs settling.
func (r *Reconciler) Watch(ctx context.Context, id string, pending func() bool) (calls.Event, error) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		ev, settled, err := r.Resolve(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Warn("status read failed", "call_id", id, "err", err)
		case settled:
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		if !pending() {
			return nil, nil
		}
	}
}
