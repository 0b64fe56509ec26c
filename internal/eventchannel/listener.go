package eventchannel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"callsignal/internal/calls"
	"callsignal/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

var ErrDisconnected = errors.New("eventchannel: not connected")

// Sink is the state machine as seen by the listener.
type Sink interface {
	CurrentID() string
	HandleRemote(ctx context.Context, ev calls.Event, src calls.Source) bool
}

// TokenSource yields the bearer token presented when dialing.
type TokenSource interface {
	Token() (string, error)
}

// Observer is told about connection state changes. Used for metrics.
type Observer interface {
	Connected(up bool)
	Reconnecting()
}

type nopObserver struct{}

func (nopObserver) Connected(bool) {}
func (nopObserver) Reconnecting()  {}

type Options struct {
	URL    string
	Tokens TokenSource
	Dialer *websocket.Dialer

	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Observer Observer
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Dialer == nil {
		out.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if out.PongWait <= 0 {
		out.PongWait = 60 * time.Second
	}
	if out.PingPeriod <= 0 || out.PingPeriod >= out.PongWait {
		out.PingPeriod = out.PongWait * 9 / 10
	}
	if out.WriteWait <= 0 {
		out.WriteWait = 10 * time.Second
	}
	if out.MinBackoff <= 0 {
		out.MinBackoff = 500 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.Observer == nil {
		out.Observer = nopObserver{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Listener keeps a persistent subscription to the backend's call event stream
// and forwards lifecycle events for known sessions to the Sink given to Run. It never
// originates a session: incoming offers belong to push and polling.
//
// While disconnected nothing is delivered. Silence is not a signal; the
// machine keeps its state until an explicit event or its own timeout.
type Listener struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewListener(opts Options) *Listener {
	opts = opts.withDefaults()
	return &Listener{
		opts: opts,
		log:  logger.Component(opts.Logger, "event_channel"),
	}
}

// Connected reports whether a subscription is currently open.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Run subscribes and resubscribes until ctx is done, delivering events to sink.
func (l *Listener) Run(ctx context.Context, sink Sink) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.MinBackoff
	b.MaxInterval = l.opts.MaxBackoff

	for {
		conn, err := l.dial(ctx)
		if err == nil {
			b.Reset()
			l.opts.Observer.Connected(true)
			l.log.Info("event channel connected")

			err = l.serve(ctx, conn, sink)

			l.opts.Observer.Connected(false)
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		l.opts.Observer.Reconnecting()
		l.log.Warn("event channel down; resubscribing", "err", err, "retry_in", wait.String())

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if l.opts.Tokens != nil {
		tok, err := l.opts.Tokens.Token()
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, res, err := l.opts.Dialer.DialContext(ctx, l.opts.URL, header)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	return conn, err
}

// serve reads until the connection fails or ctx is done.
func (l *Listener) serve(ctx context.Context, conn *websocket.Conn, sink Sink) error {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		close(done)
		_ = conn.Close()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			l.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(l.opts.WriteWait))
			l.writeMu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer wg.Done()
		l.pingLoop(conn, done)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(l.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.opts.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.opts.PongWait))

		ev, err := Decode(raw)
		if err != nil {
			l.log.Warn("event dropped", "err", err)
			continue
		}
		l.dispatch(ctx, sink, ev)
	}
}

func (l *Listener) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(l.opts.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.opts.WriteWait))
			l.writeMu.Unlock()
			if err != nil {
				l.log.Debug("ping failed", "err", err)
				return
			}
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, sink Sink, ev calls.Event) {
	switch ev.(type) {
	case calls.IncomingCall:
		l.log.Debug("incoming call on event channel ignored", "call_id", ev.SessionID())
		return
	case calls.CallCancelled, calls.CallEnded:
		if cur := sink.CurrentID(); cur != ev.SessionID() {
			l.log.Debug("event for non-current call dropped", "call_id", ev.SessionID(), "current", cur)
			return
		}
	}
	if !sink.HandleRemote(ctx, ev, calls.SourceEventChannel) {
		l.log.Debug("event had no effect", "call_id", ev.SessionID())
	}
}

// SendAccept sends the low-latency accept hint. It fails fast when disconnected.
func (l *Listener) SendAccept(ctx context.Context, sessionID string) error {
	return l.send(ctx, outbound{Event: SignalAccept, Data: signalData{ID: sessionID}})
}

// SendReject sends the low-latency reject hint. It fails fast when disconnected.
func (l *Listener) SendReject(ctx context.Context, sessionID, reason string) error {
	return l.send(ctx, outbound{Event: SignalReject, Data: signalData{ID: sessionID, Reason: reason}})
}

func (l *Listener) send(ctx context.Context, msg outbound) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	deadline := time.Now().Add(l.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(msg)
}
