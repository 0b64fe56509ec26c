package ingest

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"callsignal/internal/calls"
	"callsignal/internal/registry"
	"callsignal/internal/signaling"
)

// Outcome is what became of one candidate: either a filter rejection or the
// machine's verdict on it.
type Outcome string

const (
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeTooOld           Outcome = "too_old"
	OutcomeWrongState       Outcome = "wrong_state"
	OutcomeSuperseded       Outcome = "superseded"
)

// Offerer is the state machine as seen by the ingress paths.
type Offerer interface {
	Offer(ctx context.Context, snap calls.Snapshot, src calls.Source) (signaling.Verdict, error)
}

// Recorder counts candidates per source and outcome.
type Recorder interface {
	Candidate(src calls.Source, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) Candidate(calls.Source, string) {}

// Filter decides whether an out-of-band candidate is still actionable.
type Filter struct {
	Window   time.Duration
	Registry registry.Registry
	Now      func() time.Time
}

// Check returns "" when snap passes, otherwise the reason it was filtered.
func (f Filter) Check(ctx context.Context, snap calls.Snapshot) (Outcome, error) {
	if !snap.Status.Offerable() {
		return OutcomeWrongState, nil
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	if now().Sub(snap.CreatedAt) > f.Window {
		return OutcomeTooOld, nil
	}
	done, err := f.Registry.Contains(ctx, snap.ID)
	if err != nil {
		return "", err
	}
	if done {
		return OutcomeAlreadyProcessed, nil
	}
	return "", nil
}

// forwarder is shared by push and poll: filter, forward, record, log.
type forwarder struct {
	filter Filter
	sink   Offerer
	rec    Recorder
	log    *slog.Logger
}

func (f forwarder) forward(ctx context.Context, snap calls.Snapshot, src calls.Source) (Outcome, error) {
	reason, err := f.filter.Check(ctx, snap)
	if err != nil {
		return "", err
	}
	if reason != "" {
		f.drop(snap, src, reason)
		return reason, nil
	}
	return f.offer(ctx, snap, src)
}

func (f forwarder) offer(ctx context.Context, snap calls.Snapshot, src calls.Source) (Outcome, error) {
	v, err := f.sink.Offer(ctx, snap, src)
	if err != nil {
		return "", err
	}
	f.rec.Candidate(src, string(v))
	if v != signaling.VerdictRang {
		f.log.Info("candidate not offered", "call_id", snap.ID, "source", src, "reason", v)
	}
	return Outcome(v), nil
}

func (f forwarder) drop(snap calls.Snapshot, src calls.Source, reason Outcome) {
	f.rec.Candidate(src, string(reason))
	f.log.Info("candidate filtered", "call_id", snap.ID, "source", src, "reason", reason, "created_at", snap.CreatedAt)
}

// selectBatch forwards the earliest passing candidate of a batch and logs the rest.
func (f forwarder) selectBatch(ctx context.Context, batch []calls.Snapshot, src calls.Source) (Outcome, error) {
	var passing []calls.Snapshot
	for _, snap := range batch {
		if snap.ID == "" {
			continue
		}
		reason, err := f.filter.Check(ctx, snap)
		if err != nil {
			return "", err
		}
		if reason != "" {
			f.drop(snap, src, reason)
			continue
		}
		passing = append(passing, snap)
	}
	if len(passing) == 0 {
		return "", nil
	}

	sort.SliceStable(passing, func(i, j int) bool {
		return passing[i].CreatedAt.Before(passing[j].CreatedAt)
	})
	for _, snap := range passing[1:] {
		f.drop(snap, src, OutcomeSuperseded)
	}
	return f.offer(ctx, passing[0], src)
}
