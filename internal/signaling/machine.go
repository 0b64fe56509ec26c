package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsignal/internal/calls"
	"callsignal/internal/journal"
	"callsignal/internal/registry"
	"callsignal/pkg/logger"
)

var (
	ErrNoSession         = errors.New("signaling: no such current session")
	ErrInvalidTransition = errors.New("signaling: invalid transition")
	ErrBusy              = errors.New("signaling: a call is already in progress")
	ErrInvalidOffer      = errors.New("signaling: offer has no call id")
	ErrClosed            = errors.New("signaling: machine closed")
)

// Verdict is the outcome of offering a candidate to the machine.
type Verdict string

const (
	VerdictRang      Verdict = "rang"
	VerdictDuplicate Verdict = "duplicate"
	VerdictProcessed Verdict = "already_processed"
	VerdictBusy      Verdict = "busy"
	VerdictStale     Verdict = "stale"
)

// Terminal reasons recorded on sessions and journal entries.
const (
	ReasonDeclined          = "declined"
	ReasonTimeout           = "timeout"
	ReasonHangup            = "hangup"
	ReasonTransportFailure  = "transport_failure"
	ReasonRemoteCancelled   = "remote_cancelled"
	ReasonRemoteEnded       = "remote_ended"
	ReasonRemoteRejected    = "remote_rejected"
	ReasonAnsweredElsewhere = "answered_elsewhere"
	ReasonCallerCancelled   = "caller_cancelled"
)

const noticeConnectFailed = "The call could not be connected."

const minRing = 10 * time.Millisecond

// Deps are the collaborators of the machine. Registry and Backend are required.
type Deps struct {
	Registry   registry.Registry
	Backend    Backend
	Signaler   Signaler
	Presenter  Presenter
	Journal    Journal
	Observer   Observer
	Reconciler *Reconciler
}

type Options struct {
	UserID string

	// FreshnessWindow bounds both how old an offer may be and how long it rings.
	FreshnessWindow time.Duration
	// EffectTimeout bounds each fire-and-forget backend or signal write.
	EffectTimeout time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// Machine is the single authority over this participant's current call.
//
// All mutations are serialized by one mutex. Local transitions never wait on the
// network: backend writes, outbound signals and journal appends run in tracked
// goroutines after the transition has been applied.
type Machine struct {
	mu           sync.Mutex
	current      *calls.Session
	timer        *time.Timer
	initiating   bool
	acceptFailed bool
	joinFailedID string
	closed       bool
	activity     []func(busy bool)

	reg        registry.Registry
	backend    Backend
	sig        Signaler
	presenter  Presenter
	journal    Journal
	obs        Observer
	reconciler *Reconciler

	userID        string
	window        time.Duration
	effectTimeout time.Duration
	clock         func() time.Time
	log           *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps, opts Options) *Machine {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = 20 * time.Second
	}
	if opts.EffectTimeout <= 0 {
		opts.EffectTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Signaler == nil {
		deps.Signaler = nopSignaler{}
	}
	if deps.Presenter == nil {
		deps.Presenter = nopPresenter{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	base, cancel := context.WithCancel(context.Background())
	return &Machine{
		reg:           deps.Registry,
		backend:       deps.Backend,
		sig:           deps.Signaler,
		presenter:     deps.Presenter,
		journal:       deps.Journal,
		obs:           deps.Observer,
		reconciler:    deps.Reconciler,
		userID:        opts.UserID,
		window:        opts.FreshnessWindow,
		effectTimeout: opts.EffectTimeout,
		clock:         opts.Clock,
		log:           logger.Component(opts.Logger, "signaling"),
		base:          base,
		cancel:        cancel,
	}
}

// OnActivity registers fn to be told when the machine leaves or returns to NONE.
// fn runs under the machine's lock and must not block.
func (m *Machine) OnActivity(fn func(busy bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, fn)
}

// Current returns a copy of the current session, if any.
func (m *Machine) Current() (calls.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return calls.Session{}, false
	}
	return *m.current, true
}

// CurrentID returns the current session id, or "" when idle.
func (m *Machine) CurrentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

// Offer proposes an incoming session seen on an ingress path.
// The first candidate for an id to pass the registry check wins; later ones are dropped.
func (m *Machine) Offer(ctx context.Context, snap calls.Snapshot, src calls.Source) (Verdict, error) {
	if snap.ID == "" {
		return "", ErrInvalidOffer
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	if m.current != nil && m.current.ID == snap.ID {
		return VerdictDuplicate, nil
	}
	done, err := m.reg.Contains(ctx, snap.ID)
	if err != nil {
		return "", fmt.Errorf("signaling: registry lookup: %w", err)
	}
	if done {
		return VerdictProcessed, nil
	}
	if m.current != nil || m.initiating {
		return VerdictBusy, nil
	}

	// An offer exactly window old is still actionable; it rings for minRing.
	remaining := snap.CreatedAt.Add(m.window).Sub(m.clock())
	if !snap.Status.Offerable() || remaining < 0 {
		return VerdictStale, nil
	}
	remaining = max(remaining, minRing)

	s := snap.IncomingSession(src)
	m.enterLocked(s)
	m.armTimerLocked(s.ID, remaining)
	m.log.Info("incoming call ringing", "call_id", s.ID, "source", src, "kind", s.Kind)
	return VerdictRang, nil
}

// Initiate places an outgoing call to receiverID.
func (m *Machine) Initiate(ctx context.Context, receiverID string, kind calls.Kind) (calls.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return calls.Session{}, ErrClosed
	}
	if m.current != nil || m.initiating {
		m.mu.Unlock()
		return calls.Session{}, ErrBusy
	}
	m.initiating = true
	m.mu.Unlock()

	out, err := m.backend.InitiateCall(ctx, receiverID, kind)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiating = false
	if err != nil {
		return calls.Session{}, err
	}
	if m.closed || m.current != nil {
		id := out.SessionID
		m.log.Warn("outgoing call superseded before ringing", "call_id", id)
		if !m.closed {
			m.spawn("cancel_call", id, func(ctx context.Context) error { return m.backend.CancelCall(ctx, id) })
		}
		return calls.Session{}, ErrBusy
	}

	createdAt := out.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.clock()
	}
	s := calls.Session{
		ID:             out.SessionID,
		CounterpartyID: receiverID,
		Direction:      calls.DirectionOutgoing,
		Kind:           kind,
		State:          calls.StateRinging,
		Media:          out.Media,
		CreatedAt:      createdAt,
		Source:         calls.SourceLocal,
	}
	m.enterLocked(s)
	m.armTimerLocked(s.ID, m.window)
	m.log.Info("outgoing call ringing", "call_id", s.ID, "kind", kind)
	return s, nil
}

// Accept answers the ringing incoming session. Accepting twice is a no-op.
func (m *Machine) Accept(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.currentLocked(id)
	if err != nil {
		return err
	}
	switch {
	case cur.State == calls.StateAccepted || cur.State == calls.StateActive:
		m.log.Debug("duplicate accept ignored", "call_id", id)
		return nil
	case cur.State != calls.StateRinging || cur.Direction != calls.DirectionIncoming:
		return m.invalidLocked("accept")
	}

	m.spawn("send_accept", id, func(ctx context.Context) error { return m.sig.SendAccept(ctx, id) })
	s := m.moveLocked(ctx, calls.StateAccepted, "", calls.SourceLocal)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.effectTimeout)
		defer cancel()
		m.acceptResult(id, m.backend.AcceptCall(ctx, id))
	}()

	m.presenter.JoinMedia(s)
	return nil
}

// Reject declines the ringing incoming session. The id is registered as
// processed before anything is sent, so the offer cannot ring again.
func (m *Machine) Reject(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.currentLocked(id)
	if err != nil {
		return err
	}
	if cur.State != calls.StateRinging || cur.Direction != calls.DirectionIncoming {
		return m.invalidLocked("reject")
	}
	if reason == "" {
		reason = ReasonDeclined
	}

	m.moveLocked(ctx, calls.StateRejected, reason, calls.SourceLocal)
	m.spawn("send_reject", id, func(ctx context.Context) error { return m.sig.SendReject(ctx, id, reason) })
	m.spawn("reject_call", id, func(ctx context.Context) error { return m.backend.RejectCall(ctx, id, reason) })
	return nil
}

// Cancel withdraws the ringing outgoing session.
func (m *Machine) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.currentLocked(id)
	if err != nil {
		return err
	}
	if cur.State != calls.StateRinging || cur.Direction != calls.DirectionOutgoing {
		return m.invalidLocked("cancel")
	}

	m.moveLocked(ctx, calls.StateCancelled, ReasonCallerCancelled, calls.SourceLocal)
	m.spawn("cancel_call", id, func(ctx context.Context) error { return m.backend.CancelCall(ctx, id) })
	return nil
}

// JoinConfirmed records that the media transport joined successfully.
func (m *Machine) JoinConfirmed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.currentLocked(id)
	if err != nil {
		return err
	}
	switch cur.State {
	case calls.StateActive:
		return nil
	case calls.StateAccepted:
		m.moveLocked(ctx, calls.StateActive, "", calls.SourceLocal)
		return nil
	default:
		return m.invalidLocked("join_confirmed")
	}
}

// JoinFailed ends the session after the media transport failed. The user is
// only told when the backend accept failed as well.
func (m *Machine) JoinFailed(ctx context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.currentLocked(id)
	if err != nil {
		return err
	}
	if cur.State != calls.StateAccepted && cur.State != calls.StateActive {
		return m.invalidLocked("join_failed")
	}

	m.log.Warn("media transport failed", "call_id", id, "err", cause)
	acceptFailed := m.acceptFailed
	s := m.moveLocked(ctx, calls.StateEnded, ReasonTransportFailure, calls.SourceLocal)
	if acceptFailed {
		m.presenter.Notice(id, noticeConnectFailed)
	} else {
		m.joinFailedID = id
	}
	m.endCallLocked(s)
	return nil
}

// End hangs up an accepted or active session.
func (m *Machine) End(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.currentLocked(id)
	if err != nil {
		return err
	}
	if cur.State != calls.StateAccepted && cur.State != calls.StateActive {
		return m.invalidLocked("end")
	}

	s := m.moveLocked(ctx, calls.StateEnded, ReasonHangup, calls.SourceLocal)
	m.endCallLocked(s)
	return nil
}

// HandleRemote applies a lifecycle event about the current session.
// Events for any other id are stale and dropped. It reports whether the event changed state.
func (m *Machine) HandleRemote(ctx context.Context, ev calls.Event, src calls.Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.current == nil || m.current.ID != ev.SessionID() {
		return false
	}
	cur := m.current
	ringing := cur.State == calls.StateRinging
	connected := cur.State == calls.StateAccepted || cur.State == calls.StateActive

	switch e := ev.(type) {
	case calls.CallCancelled:
		switch {
		case ringing:
			m.moveLocked(ctx, calls.StateCancelled, ReasonRemoteCancelled, src)
		case connected:
			m.moveLocked(ctx, calls.StateEnded, ReasonRemoteCancelled, src)
		default:
			return false
		}

	case calls.CallEnded:
		switch {
		case ringing:
			m.moveLocked(ctx, calls.StateCancelled, ReasonRemoteEnded, src)
		case connected:
			m.moveLocked(ctx, calls.StateEnded, ReasonRemoteEnded, src)
		default:
			return false
		}

	case calls.CallAccepted:
		if !ringing {
			return false
		}
		if cur.Direction == calls.DirectionIncoming {
			m.moveLocked(ctx, calls.StateCancelled, ReasonAnsweredElsewhere, src)
			return true
		}
		if cur.Media == nil && e.Media != nil {
			cur.Media = e.Media
		}
		s := m.moveLocked(ctx, calls.StateAccepted, "", src)
		m.presenter.JoinMedia(s)

	case calls.CallRejected:
		if !ringing {
			return false
		}
		reason := e.Reason
		if reason == "" {
			reason = ReasonRemoteRejected
		}
		m.moveLocked(ctx, calls.StateRejected, reason, src)

	case calls.IncomingCall:
		return false

	default:
		m.log.Warn("unhandled event type", "type", fmt.Sprintf("%T", ev))
		return false
	}
	return true
}

// Close stops the ring timer and waits for in-flight side effects.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimerLocked()
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Machine) currentLocked(id string) (*calls.Session, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.current == nil || m.current.ID != id {
		return nil, ErrNoSession
	}
	return m.current, nil
}

func (m *Machine) invalidLocked(op string) error {
	m.log.Info("invalid transition ignored", "op", op, "call_id", m.current.ID, "state", m.current.State)
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, m.current.State)
}

func (m *Machine) enterLocked(s calls.Session) {
	m.current = &s
	m.acceptFailed = false
	m.obs.Transition(calls.StateNone, s.State)
	m.presenter.SessionChanged(s)
	for _, fn := range m.activity {
		fn(true)
	}
}

// moveLocked applies the transition and returns a copy of the session as it
// entered the new state. Terminal states evict the session.
func (m *Machine) moveLocked(ctx context.Context, to calls.State, reason string, src calls.Source) calls.Session {
	cur := m.current
	from := cur.State
	now := m.clock()

	cur.State = to
	switch {
	case to == calls.StateAccepted:
		cur.AcceptedAt = now
	case to == calls.StateActive:
		cur.ActiveAt = now
	case to.Terminal():
		cur.EndedAt = now
		cur.Reason = reason
	}
	s := *cur

	if to == calls.StateAccepted || to.Terminal() {
		if err := m.reg.Mark(ctx, s.ID, now); err != nil {
			m.log.Warn("registry mark failed", "call_id", s.ID, "err", err)
		}
		m.recordLocked(s, src)
	}

	m.obs.Transition(from, to)
	m.presenter.SessionChanged(s)
	m.log.Info("call transition", "call_id", s.ID, "from", from, "to", to, "source", src, "reason", reason)

	if to.Terminal() {
		m.stopTimerLocked()
		m.current = nil
		m.acceptFailed = false
		for _, fn := range m.activity {
			fn(false)
		}
	}
	return s
}

func (m *Machine) recordLocked(s calls.Session, src calls.Source) {
	if m.journal == nil {
		return
	}
	e := journal.FromSession(m.userID, s)
	e.Source = src
	m.spawn("journal_append", s.ID, func(ctx context.Context) error { return m.journal.Append(ctx, e) })
}

func (m *Machine) endCallLocked(s calls.Session) {
	duration := 0
	if !s.ActiveAt.IsZero() {
		duration = int(s.EndedAt.Sub(s.ActiveAt).Seconds())
	}
	id := s.ID
	m.spawn("end_call", id, func(ctx context.Context) error { return m.backend.EndCall(ctx, id, duration) })
}

func (m *Machine) armTimerLocked(id string, d time.Duration) {
	m.stopTimerLocked()
	m.timer = time.AfterFunc(d, func() { m.expire(id) })
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.current == nil || m.current.ID != id || m.current.State != calls.StateRinging {
		return
	}
	s := m.moveLocked(context.Background(), calls.StateExpired, ReasonTimeout, calls.SourceLocal)
	if s.Direction == calls.DirectionIncoming {
		m.spawn("send_reject", id, func(ctx context.Context) error { return m.sig.SendReject(ctx, id, ReasonTimeout) })
		m.spawn("reject_call", id, func(ctx context.Context) error { return m.backend.RejectCall(ctx, id, ReasonTimeout) })
		return
	}
	m.spawn("cancel_call", id, func(ctx context.Context) error { return m.backend.CancelCall(ctx, id) })
}

func (m *Machine) acceptResult(id string, err error) {
	if err == nil {
		return
	}
	m.log.Warn("backend accept failed; call continues locally", "call_id", id, "err", err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.current != nil && m.current.ID == id {
		m.acceptFailed = true
		m.reconcileLocked(id)
		return
	}
	if m.joinFailedID == id {
		m.presenter.Notice(id, noticeConnectFailed)
	}
}

func (m *Machine) reconcileLocked(id string) {
	if m.reconciler == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ev, err := m.reconciler.Watch(m.base, id, func() bool { return m.unsettled(id) })
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.log.Warn("reconcile failed", "call_id", id, "err", err)
			}
			return
		}
		if ev != nil {
			m.HandleRemote(m.base, ev, calls.SourceReconcile)
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.current != nil && m.current.ID == id && m.acceptFailed {
			m.acceptFailed = false
			m.log.Info("backend acknowledged accept", "call_id", id)
		}
	}()
}

// unsettled reports whether id is still the current call with an unacknowledged accept.
func (m *Machine) unsettled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.current != nil && m.current.ID == id && m.acceptFailed
}

// spawn runs a fire-and-forget write. Failures are logged and swallowed.
func (m *Machine) spawn(op, id string, fn func(ctx context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.effectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.log.Warn("side effect failed", "op", op, "call_id", id, "err", err)
		}
	}()
}
