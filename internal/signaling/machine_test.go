package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callsignal/internal/backend"
	"callsignal/internal/calls"
	"callsignal/internal/journal"
	"callsignal/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu sync.Mutex

	accepts []string
	rejects []string
	reasons []string
	cancels []string
	ends    map[string]int

	acceptErr   error
	initiated   backend.Initiated
	initiateErr error
}

func (f *fakeBackend) InitiateCall(_ context.Context, _ string, _ calls.Kind) (backend.Initiated, error) {
	return f.initiated, f.initiateErr
}

func (f *fakeBackend) AcceptCall(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, id)
	return f.acceptErr
}

func (f *fakeBackend) RejectCall(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, id)
	f.reasons = append(f.reasons, reason)
	return errors.New("backend down")
}

func (f *fakeBackend) CancelCall(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeBackend) EndCall(_ context.Context, id string, d int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ends == nil {
		f.ends = map[string]int{}
	}
	f.ends[id] = d
	return nil
}

type fakePresenter struct {
	mu      sync.Mutex
	states  []calls.State
	joins   []string
	notices []string
}

func (p *fakePresenter) SessionChanged(s calls.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s.State)
}

func (p *fakePresenter) JoinMedia(s calls.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins = append(p.joins, s.ID)
}

func (p *fakePresenter) Notice(id, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, id)
}

type fakeSignaler struct {
	mu      sync.Mutex
	accepts int
	rejects int
}

func (s *fakeSignaler) SendAccept(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepts++
	return nil
}

func (s *fakeSignaler) SendReject(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects++
	return errors.New("disconnected")
}

type fixture struct {
	m       *Machine
	backend *fakeBackend
	pres    *fakePresenter
	sig     *fakeSignaler
	reg     *registry.Memory
	journal *journal.MemoryRepo
}

func newFixture(t *testing.T, window time.Duration, status StatusReader) *fixture {
	t.Helper()
	f := &fixture{
		backend: &fakeBackend{},
		pres:    &fakePresenter{},
		sig:     &fakeSignaler{},
		reg:     registry.NewMemory(time.Hour),
		journal: journal.NewMemoryRepo(),
	}
	deps := Deps{
		Registry:  f.reg,
		Backend:   f.backend,
		Signaler:  f.sig,
		Presenter: f.pres,
		Journal:   journal.NewService(f.journal),
	}
	if status != nil {
		deps.Reconciler = NewReconciler(status, 10*time.Millisecond, nil)
	}
	f.m = New(deps, Options{UserID: "u1", FreshnessWindow: window})
	t.Cleanup(f.m.Close)
	return f
}

func ringing(id string) calls.Snapshot {
	return calls.Snapshot{
		ID:         id,
		CallerID:   "caller",
		ReceiverID: "u1",
		Kind:       calls.KindVideo,
		Status:     calls.RemoteRinging,
		Media:      &calls.MediaCredentials{AppID: "app", Token: "tok", Channel: "ch-" + id},
		CreatedAt:  time.Now(),
	}
}

func TestOffer_FirstCandidateWins(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	v, err := f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, err)
	assert.Equal(t, VerdictRang, v)

	v, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePoll)
	assert.Equal(t, VerdictDuplicate, v)

	v, _ = f.m.Offer(ctx, ringing("S2"), calls.SourcePoll)
	assert.Equal(t, VerdictBusy, v)

	cur, ok := f.m.Current()
	require.True(t, ok)
	assert.Equal(t, "S1", cur.ID)
	assert.Equal(t, calls.SourcePush, cur.Source)
}

func TestOffer_ConcurrentDuplicatesRingOnce(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	snap := ringing("S1")

	var wg sync.WaitGroup
	verdicts := make(chan Verdict, 30)
	for i := 0; i < 10; i++ {
		for _, src := range []calls.Source{calls.SourcePush, calls.SourcePoll, calls.SourceEventChannel} {
			wg.Add(1)
			go func(src calls.Source) {
				defer wg.Done()
				v, err := f.m.Offer(context.Background(), snap, src)
				if err == nil {
					verdicts <- v
				}
			}(src)
		}
	}
	wg.Wait()
	close(verdicts)

	rang := 0
	for v := range verdicts {
		if v == VerdictRang {
			rang++
		}
	}
	assert.Equal(t, 1, rang)
}

func TestOffer_DropsStaleAndUnofferable(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	old := ringing("S1")
	old.CreatedAt = time.Now().Add(-21 * time.Second)
	v, err := f.m.Offer(ctx, old, calls.SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, VerdictStale, v)

	ended := ringing("S2")
	ended.Status = calls.RemoteEnded
	v, _ = f.m.Offer(ctx, ended, calls.SourcePoll)
	assert.Equal(t, VerdictStale, v)

	_, ok := f.m.Current()
	assert.False(t, ok)

	_, err = f.m.Offer(ctx, calls.Snapshot{}, calls.SourcePush)
	require.ErrorIs(t, err, ErrInvalidOffer)
}

func TestOffer_FreshAtExactWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := registry.NewMemory(time.Hour)
	m := New(Deps{Registry: reg, Backend: &fakeBackend{}}, Options{
		FreshnessWindow: 20 * time.Second,
		Clock:           func() time.Time { return now },
	})
	t.Cleanup(m.Close)
	ctx := context.Background()

	edge := ringing("S1")
	edge.CreatedAt = now.Add(-20 * time.Second)
	v, err := m.Offer(ctx, edge, calls.SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, VerdictRang, v)

	require.Eventually(t, func() bool {
		ok, _ := reg.Contains(ctx, "S1")
		return ok
	}, time.Second, 5*time.Millisecond, "expires right after ringing")

	late := ringing("S2")
	late.CreatedAt = now.Add(-20*time.Second - time.Nanosecond)
	v, err = m.Offer(ctx, late, calls.SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, VerdictStale, v)
}

func TestAccept_TwiceCallsBackendOnce(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	_, err := f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, err)

	require.NoError(t, f.m.Accept(ctx, "S1"))
	require.NoError(t, f.m.Accept(ctx, "S1"))
	f.m.Close()

	assert.Equal(t, []string{"S1"}, f.backend.accepts)
	assert.Equal(t, 1, f.sig.accepts)
	assert.Equal(t, []string{"S1"}, f.pres.joins)

	ok, _ := f.reg.Contains(ctx, "S1")
	assert.True(t, ok, "accepted call must be registered as processed")

	cur, _ := f.m.Current()
	assert.Equal(t, calls.StateAccepted, cur.State)
}

func TestScenarioA_PollDuplicateAfterAcceptIsProcessed(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	snap := ringing("S1")
	_, err := f.m.Offer(ctx, snap, calls.SourcePush)
	require.NoError(t, err)
	require.NoError(t, f.m.Accept(ctx, "S1"))
	require.NoError(t, f.m.JoinConfirmed(ctx, "S1"))
	require.NoError(t, f.m.End(ctx, "S1"))

	v, err := f.m.Offer(ctx, snap, calls.SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, VerdictProcessed, v)
}

func TestReject_MarksBeforeBackendAndSwallowsFailure(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	_, err := f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, err)
	require.NoError(t, f.m.Reject(ctx, "S1", ""))

	ok, _ := f.reg.Contains(ctx, "S1")
	assert.True(t, ok)
	_, busy := f.m.Current()
	assert.False(t, busy)

	f.m.Close()
	assert.Equal(t, []string{"S1"}, f.backend.rejects)
	assert.Equal(t, []string{ReasonDeclined}, f.backend.reasons)
	assert.Equal(t, 1, f.sig.rejects)
	assert.Empty(t, f.pres.notices, "reject failures are never surfaced")

	err = f.m.Accept(ctx, "S1")
	require.ErrorIs(t, err, ErrClosed)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	require.ErrorIs(t, f.m.Accept(ctx, "nope"), ErrNoSession)

	_, err := f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, err)
	require.ErrorIs(t, f.m.End(ctx, "S1"), ErrInvalidTransition)
	require.ErrorIs(t, f.m.Cancel(ctx, "S1"), ErrInvalidTransition)
	require.ErrorIs(t, f.m.JoinConfirmed(ctx, "S1"), ErrInvalidTransition)

	require.NoError(t, f.m.Accept(ctx, "S1"))
	require.ErrorIs(t, f.m.Reject(ctx, "S1", ""), ErrInvalidTransition)
	assert.Empty(t, f.pres.notices)
}

func TestScenarioD_RingingExpires(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, nil)
	ctx := context.Background()

	_, err := f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, busy := f.m.Current()
		return !busy
	}, time.Second, 5*time.Millisecond)

	ok, _ := f.reg.Contains(ctx, "S1")
	assert.True(t, ok)

	v, _ := f.m.Offer(ctx, ringing("S1"), calls.SourcePoll)
	assert.Equal(t, VerdictProcessed, v)

	f.m.Close()
	assert.Equal(t, []string{ReasonTimeout}, f.backend.reasons)
	assert.Equal(t, 1, f.sig.rejects, "expiry signals the caller too")

	entries := f.journal.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, calls.StateExpired, entries[0].State)
	assert.Equal(t, "u1", entries[0].UserID)
}

func TestHandleRemote_CancelWhileRinging(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	_, err := f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, err)

	assert.False(t, f.m.HandleRemote(ctx, calls.CallCancelled{ID: "other"}, calls.SourceEventChannel))
	assert.False(t, f.m.HandleRemote(ctx, calls.IncomingCall{Call: ringing("S1")}, calls.SourceEventChannel))
	assert.True(t, f.m.HandleRemote(ctx, calls.CallCancelled{ID: "S1"}, calls.SourceEventChannel))

	f.m.Close()
	assert.Empty(t, f.backend.rejects, "remote cancel needs no backend write")
	assert.Equal(t, calls.StateCancelled, f.pres.states[len(f.pres.states)-1])

	entries := f.journal.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, calls.SourceEventChannel, entries[0].Source)
	assert.Equal(t, ReasonRemoteCancelled, entries[0].Reason)
}

func TestHandleRemote_EndWhileActive(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, f.m.Accept(ctx, "S1"))
	require.NoError(t, f.m.JoinConfirmed(ctx, "S1"))

	assert.True(t, f.m.HandleRemote(ctx, calls.CallEnded{ID: "S1"}, calls.SourceEventChannel))
	assert.False(t, f.m.HandleRemote(ctx, calls.CallEnded{ID: "S1"}, calls.SourceEventChannel))

	assert.Equal(t, []calls.State{calls.StateRinging, calls.StateAccepted, calls.StateActive, calls.StateEnded}, f.pres.states)
}

func TestHandleRemote_AcceptedElsewhereStopsRinging(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	assert.True(t, f.m.HandleRemote(ctx, calls.CallAccepted{ID: "S1"}, calls.SourceEventChannel))

	_, busy := f.m.Current()
	assert.False(t, busy)
	assert.Empty(t, f.pres.joins)
}

func TestJoinFailed_NoticeOnlyWhenAcceptAlsoFailed(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, 20*time.Second, nil)
	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, f.m.Accept(ctx, "S1"))
	require.NoError(t, f.m.JoinFailed(ctx, "S1", errors.New("ice failed")))
	f.m.Close()
	assert.Empty(t, f.pres.notices)
	assert.Contains(t, f.backend.ends, "S1")

	g := newFixture(t, 20*time.Second, nil)
	g.backend.acceptErr = &backend.APIError{Sentinel: backend.ErrServer, Op: "accept_call", Status: 500}
	_, _ = g.m.Offer(ctx, ringing("S2"), calls.SourcePush)
	require.NoError(t, g.m.Accept(ctx, "S2"))
	require.NoError(t, g.m.JoinFailed(ctx, "S2", errors.New("ice failed")))
	g.m.Close()
	assert.Equal(t, []string{"S2"}, g.pres.notices)
}

type fakeStatus struct {
	snap calls.Snapshot
}

func (s fakeStatus) GetSessionStatusWithRetry(context.Context, string) (calls.Snapshot, error) {
	return s.snap, nil
}

// scriptedStatus replays statuses in order and repeats the last one.
type scriptedStatus struct {
	mu       sync.Mutex
	statuses []calls.RemoteStatus
	reads    int
}

func (s *scriptedStatus) GetSessionStatusWithRetry(_ context.Context, id string) (calls.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.reads
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	s.reads++
	return calls.Snapshot{ID: id, Status: s.statuses[i]}, nil
}

func (s *scriptedStatus) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func TestAcceptFailure_ReconcilesWithBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 20*time.Second, fakeStatus{snap: calls.Snapshot{ID: "S1", Status: calls.RemoteEnded}})
	f.backend.acceptErr = &backend.APIError{Sentinel: backend.ErrUnavailable, Op: "accept_call"}

	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, f.m.Accept(ctx, "S1"))

	require.Eventually(t, func() bool {
		_, busy := f.m.Current()
		return !busy
	}, time.Second, 5*time.Millisecond)

	f.m.Close()
	var ended *journal.Entry
	for _, e := range f.journal.Entries() {
		if e.State == calls.StateEnded {
			ended = &e
		}
	}
	require.NotNil(t, ended)
	assert.Equal(t, calls.SourceReconcile, ended.Source)
	assert.Equal(t, ReasonRemoteEnded, ended.Reason)
}

func TestAcceptFailure_ReconcileKeepsLiveCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 20*time.Second, fakeStatus{snap: calls.Snapshot{ID: "S1", Status: calls.RemoteAccepted}})
	f.backend.acceptErr = &backend.APIError{Sentinel: backend.ErrUnavailable, Op: "accept_call"}

	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, f.m.Accept(ctx, "S1"))
	f.m.Close()

	cur, ok := f.m.Current()
	require.True(t, ok)
	assert.Equal(t, calls.StateAccepted, cur.State)
}

func TestAcceptFailure_KeepsReadingUntilBackendSettles(t *testing.T) {
	ctx := context.Background()
	status := &scriptedStatus{statuses: []calls.RemoteStatus{calls.RemoteRinging, calls.RemoteRinging, calls.RemoteEnded}}
	f := newFixture(t, 20*time.Second, status)
	f.backend.acceptErr = &backend.APIError{Sentinel: backend.ErrUnavailable, Op: "accept_call"}

	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, f.m.Accept(ctx, "S1"))
	require.NoError(t, f.m.JoinConfirmed(ctx, "S1"))

	require.Eventually(t, func() bool {
		_, busy := f.m.Current()
		return !busy
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, status.readCount())

	f.m.Close()
	assert.Equal(t, calls.StateEnded, f.pres.states[len(f.pres.states)-1])
}

func TestAcceptFailure_StopsReadingOnceCallEnds(t *testing.T) {
	ctx := context.Background()
	status := &scriptedStatus{statuses: []calls.RemoteStatus{calls.RemoteRinging}}
	f := newFixture(t, 20*time.Second, status)
	f.backend.acceptErr = &backend.APIError{Sentinel: backend.ErrUnavailable, Op: "accept_call"}

	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, f.m.Accept(ctx, "S1"))

	require.Eventually(t, func() bool { return status.readCount() >= 3 }, time.Second, 5*time.Millisecond)
	cur, ok := f.m.Current()
	require.True(t, ok)
	assert.Equal(t, calls.StateAccepted, cur.State)

	require.NoError(t, f.m.End(ctx, "S1"))
	time.Sleep(30 * time.Millisecond)
	reads := status.readCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, reads, status.readCount())
}

func TestAcceptFailure_BackendAcknowledgesLater(t *testing.T) {
	ctx := context.Background()
	status := &scriptedStatus{statuses: []calls.RemoteStatus{calls.RemoteRinging, calls.RemoteAccepted}}
	f := newFixture(t, 20*time.Second, status)
	f.backend.acceptErr = &backend.APIError{Sentinel: backend.ErrUnavailable, Op: "accept_call"}

	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, f.m.Accept(ctx, "S1"))
	require.Eventually(t, func() bool { return !f.m.unsettled("S1") && status.readCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.JoinFailed(ctx, "S1", errors.New("ice failed")))
	f.m.Close()
	assert.Empty(t, f.pres.notices, "accept was persisted after all")
}

func TestEnd_ReportsDurationFromActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	fb := &fakeBackend{}
	m := New(Deps{Registry: registry.NewMemory(time.Hour), Backend: fb}, Options{FreshnessWindow: 20 * time.Second, Clock: clock})
	ctx := context.Background()

	snap := ringing("S1")
	snap.CreatedAt = now
	v, err := m.Offer(ctx, snap, calls.SourcePoll)
	require.NoError(t, err)
	require.Equal(t, VerdictRang, v)

	require.NoError(t, m.Accept(ctx, "S1"))
	advance(2 * time.Second)
	require.NoError(t, m.JoinConfirmed(ctx, "S1"))
	advance(95 * time.Second)
	require.NoError(t, m.End(ctx, "S1"))
	m.Close()

	assert.Equal(t, 95, fb.ends["S1"])
}

func TestOutgoing_InitiateAcceptedRemotely(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()
	f.backend.initiated = backend.Initiated{SessionID: "S7"}

	s, err := f.m.Initiate(ctx, "u2", calls.KindAudio)
	require.NoError(t, err)
	assert.Equal(t, calls.DirectionOutgoing, s.Direction)
	assert.Equal(t, calls.StateRinging, s.State)

	_, err = f.m.Initiate(ctx, "u3", calls.KindAudio)
	require.ErrorIs(t, err, ErrBusy)

	v, _ := f.m.Offer(ctx, ringing("S8"), calls.SourcePush)
	assert.Equal(t, VerdictBusy, v)

	media := &calls.MediaCredentials{Channel: "ch"}
	assert.True(t, f.m.HandleRemote(ctx, calls.CallAccepted{ID: "S7", Media: media}, calls.SourceEventChannel))

	cur, _ := f.m.Current()
	assert.Equal(t, calls.StateAccepted, cur.State)
	assert.Equal(t, "ch", cur.Media.Channel)
	assert.Equal(t, []string{"S7"}, f.pres.joins)
}

func TestOutgoing_CancelAndRemoteReject(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	f.backend.initiated = backend.Initiated{SessionID: "S7"}
	_, err := f.m.Initiate(ctx, "u2", calls.KindAudio)
	require.NoError(t, err)
	require.NoError(t, f.m.Cancel(ctx, "S7"))

	f.backend.initiated = backend.Initiated{SessionID: "S8"}
	_, err = f.m.Initiate(ctx, "u2", calls.KindVideo)
	require.NoError(t, err)
	assert.True(t, f.m.HandleRemote(ctx, calls.CallRejected{ID: "S8", Reason: "busy"}, calls.SourceEventChannel))

	f.m.Close()
	assert.Equal(t, []string{"S7"}, f.backend.cancels)

	byState := map[calls.State]journal.Entry{}
	for _, e := range f.journal.Entries() {
		byState[e.State] = e
	}
	require.Len(t, byState, 2)
	assert.Equal(t, "S7", byState[calls.StateCancelled].SessionID)
	assert.Equal(t, "busy", byState[calls.StateRejected].Reason)
}

func TestOnActivity_ReportsBusyAndIdle(t *testing.T) {
	f := newFixture(t, 20*time.Second, nil)
	ctx := context.Background()

	var got []bool
	f.m.OnActivity(func(busy bool) { got = append(got, busy) })

	_, _ = f.m.Offer(ctx, ringing("S1"), calls.SourcePush)
	require.NoError(t, f.m.Reject(ctx, "S1", "busy"))

	assert.Equal(t, []bool{true, false}, got)
}
