package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"callsignal/internal/calls"
	"callsignal/pkg/logger"
)

// Lister returns the backend's current incoming candidates for this user.
type Lister interface {
	ListIncomingCandidates(ctx context.Context) ([]calls.Snapshot, error)
}

// Poller is the polling fallback: it periodically asks the backend for offers
// the push path and event channel may have missed.
//
// It only polls while the machine is idle. Wire SetBusy to the machine's
// activity hook so polling is suspended for the whole life of a session.
type Poller struct {
	lister   Lister
	fwd      forwarder
	interval time.Duration
	busy     atomic.Bool
}

func NewPoller(lister Lister, filter Filter, sink Offerer, interval time.Duration, rec Recorder, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		lister:   lister,
		interval: interval,
		fwd: forwarder{
			filter: filter,
			sink:   sink,
			rec:    rec,
			log:    logger.Component(log, "poller"),
		},
	}
}

// SetBusy suspends (true) or resumes (false) polling. It never blocks.
func (p *Poller) SetBusy(busy bool) { p.busy.Store(busy) }

func (p *Poller) Suspended() bool { return p.busy.Load() }

// Run polls on every tick until ctx is done. Failures are logged and the
// next tick tries again.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if p.busy.Load() {
				continue
			}
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.fwd.log.Warn("poll failed", "err", err)
			}
		}
	}
}

// PollOnce fetches one batch and forwards at most one candidate.
// It returns "" when nothing was forwarded.
func (p *Poller) PollOnce(ctx context.Context) (Outcome, error) {
	batch, err := p.lister.ListIncomingCandidates(ctx)
	if err != nil {
		return "", err
	}
	if p.busy.Load() {
		return "", nil
	}
	return p.fwd.selectBatch(ctx, batch, calls.SourcePoll)
}
