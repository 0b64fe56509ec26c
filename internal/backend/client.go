package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callsignal/internal/calls"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// TokenSource yields the bearer token attached to every backend request.
type TokenSource interface {
	Token() (string, error)
}

// Options tunes the client. Zero values fall back to conservative defaults.
type Options struct {
	Timeout time.Duration

	// WriteRate throttles state-changing requests on the client side so bursts
	// (reconnect storms, availability toggles) stay under the backend's limits.
	WriteRate  rate.Limit
	WriteBurst int

	// StatusMaxTries bounds retries of the idempotent status read.
	StatusMaxTries uint
	// StatusInitialBackoff is the first retry delay of the status read.
	StatusInitialBackoff time.Duration

	Tokens     TokenSource
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.WriteRate <= 0 {
		out.WriteRate = 5
	}
	if out.WriteBurst <= 0 {
		out.WriteBurst = 5
	}
	if out.StatusMaxTries == 0 {
		out.StatusMaxTries = 4
	}
	if out.StatusInitialBackoff <= 0 {
		out.StatusInitialBackoff = 250 * time.Millisecond
	}
	return out
}

// Client talks to the backend call registry, the authoritative store of call
// lifecycle and user availability.
//
// Only GetSessionStatusWithRetry retries. Accept/reject/cancel/end writes are
// never retried here: a stale retry could double-apply a side effect.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	writes *rate.Limiter

	statusTries   uint
	statusInitial time.Duration
}

func New(base string, opts Options) *Client {
	opts = opts.withDefaults()
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:          strings.TrimRight(base, "/"),
		http:          hc,
		tokens:        opts.Tokens,
		writes:        rate.NewLimiter(opts.WriteRate, opts.WriteBurst),
		statusTries:   opts.StatusMaxTries,
		statusInitial: opts.StatusInitialBackoff,
	}
}

// Initiated is the backend's answer to a new outgoing call.
type Initiated struct {
	SessionID string                  `json:"call_id"`
	Media     *calls.MediaCredentials `json:"media"`
	CreatedAt time.Time               `json:"created_at"`
}

func (c *Client) InitiateCall(ctx context.Context, receiverID string, kind calls.Kind) (Initiated, error) {
	if receiverID == "" || !kind.Valid() {
		return Initiated{}, ErrInvalidInput
	}
	var out Initiated
	err := c.do(ctx, "initiate_call", http.MethodPost, "/calls", map[string]any{
		"receiver_id": receiverID,
		"kind":        kind,
	}, &out, true)
	if err != nil {
		return Initiated{}, err
	}
	if out.SessionID == "" {
		return Initiated{}, &APIError{Sentinel: ErrBadResponse, Op: "initiate_call", Body: "missing call_id"}
	}
	return out, nil
}

func (c *Client) AcceptCall(ctx context.Context, sessionID string) error {
	return c.callAction(ctx, "accept_call", sessionID, "accept", nil)
}

func (c *Client) RejectCall(ctx context.Context, sessionID, reason string) error {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.callAction(ctx, "reject_call", sessionID, "reject", body)
}

func (c *Client) CancelCall(ctx context.Context, sessionID string) error {
	return c.callAction(ctx, "cancel_call", sessionID, "cancel", nil)
}

func (c *Client) EndCall(ctx context.Context, sessionID string, durationSeconds int) error {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	return c.callAction(ctx, "end_call", sessionID, "end", map[string]int{"duration_seconds": durationSeconds})
}

func (c *Client) callAction(ctx context.Context, op, sessionID, action string, body any) error {
	if sessionID == "" {
		return ErrInvalidInput
	}
	return c.do(ctx, op, http.MethodPost, "/calls/"+url.PathEscape(sessionID)+"/"+action, body, nil, true)
}

func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (calls.Snapshot, error) {
	if sessionID == "" {
		return calls.Snapshot{}, ErrInvalidInput
	}
	var out calls.Snapshot
	if err := c.do(ctx, "get_session_status", http.MethodGet, "/calls/"+url.PathEscape(sessionID), nil, &out, false); err != nil {
		return calls.Snapshot{}, err
	}
	return out, nil
}

// GetSessionStatusWithRetry retries transient failures with exponential backoff.
// Non-transient errors (404, 401, malformed body) are returned immediately.
func (c *Client) GetSessionStatusWithRetry(ctx context.Context, sessionID string) (calls.Snapshot, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.statusInitial
	b.MaxInterval = 8 * c.statusInitial

	return backoff.Retry(ctx, func() (calls.Snapshot, error) {
		snap, err := c.GetSessionStatus(ctx, sessionID)
		if err != nil && !IsTransient(err) {
			return calls.Snapshot{}, backoff.Permanent(err)
		}
		return snap, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.statusTries))
}

func (c *Client) ListIncomingCandidates(ctx context.Context) ([]calls.Snapshot, error) {
	var out struct {
		Calls []calls.Snapshot `json:"calls"`
	}
	if err := c.do(ctx, "list_incoming_candidates", http.MethodGet, "/calls/incoming", nil, &out, false); err != nil {
		return nil, err
	}
	return out.Calls, nil
}

// Availability is the user's availability as the backend holds it.
type Availability struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

func (c *Client) GetAvailability(ctx context.Context) (Availability, error) {
	var out Availability
	if err := c.do(ctx, "get_availability", http.MethodGet, "/me/availability", nil, &out, false); err != nil {
		return Availability{}, err
	}
	return out, nil
}

func (c *Client) SetAvailability(ctx context.Context, audio, video bool) error {
	return c.do(ctx, "set_availability", http.MethodPut, "/me/availability", map[string]bool{
		"audio": audio,
		"video": video,
	}, nil, true)
}

func (c *Client) SetOnlinePresence(ctx context.Context, online bool) error {
	return c.do(ctx, "set_online_presence", http.MethodPut, "/me/presence", map[string]bool{"online": online}, nil, true)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, write bool) error {
	if write {
		if err := c.writes.Wait(ctx); err != nil {
			return &APIError{Sentinel: ErrUnavailable, Op: op, Err: err}
		}
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &APIError{Sentinel: ErrInvalidInput, Op: op, Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return &APIError{Sentinel: ErrInvalidInput, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return &APIError{Sentinel: ErrUnauthorized, Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &APIError{Sentinel: ErrUnavailable, Op: op, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &APIError{
			Sentinel: sentinelForStatus(res.StatusCode),
			Op:       op,
			Status:   res.StatusCode,
			Body:     strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &APIError{Sentinel: ErrBadResponse, Op: op, Status: res.StatusCode, Err: err}
	}
	return nil
}
