package presenter

import (
	"sync"
	"time"

	"callsignal/internal/availability"
	"callsignal/internal/calls"
)

// Update kinds, also used as SSE event names.
const (
	KindSession      = "session"
	KindMedia        = "media"
	KindAvailability = "availability"
	KindNotice       = "notice"
)

type Notice struct {
	SessionID string `json:"call_id,omitempty"`
	Message   string `json:"message"`
}

// Update is one message for the presentation layer.
type Update struct {
	Kind         string               `json:"kind"`
	Session      *calls.Session       `json:"session,omitempty"`
	Availability *availability.Intent `json:"availability,omitempty"`
	Notice       *Notice              `json:"notice,omitempty"`
	At           time.Time            `json:"at"`
}

// Hub fans state out to presentation subscribers. Publishing never blocks:
// a subscriber that falls behind loses transient updates, never the latest state.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Update]struct{}

	lastSession      *Update
	lastAvailability *Update

	clock func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs:  make(map[chan Update]struct{}),
		clock: time.Now,
	}
}

func (h *Hub) SessionChanged(s calls.Session) {
	u := Update{Kind: KindSession, Session: &s}
	h.mu.Lock()
	defer h.mu.Unlock()
	u.At = h.clock()
	h.lastSession = &u
	h.broadcastLocked(u)
}

// JoinMedia hands the session's media credentials to the client for transport join.
func (h *Hub) JoinMedia(s calls.Session) {
	h.publish(Update{Kind: KindMedia, Session: &s})
}

func (h *Hub) AvailabilityChanged(i availability.Intent) {
	u := Update{Kind: KindAvailability, Availability: &i}
	h.mu.Lock()
	defer h.mu.Unlock()
	u.At = h.clock()
	h.lastAvailability = &u
	h.broadcastLocked(u)
}

func (h *Hub) Notice(sessionID, message string) {
	h.publish(Update{Kind: KindNotice, Notice: &Notice{SessionID: sessionID, Message: message}})
}

// Subscribe returns a channel of updates, primed with the latest session and
// availability state. cancel must be called to release it.
func (h *Hub) Subscribe() (ch chan Update, cancel func()) {
	ch = make(chan Update, 32)

	h.mu.Lock()
	if h.lastSession != nil {
		ch <- *h.lastSession
	}
	if h.lastAvailability != nil {
		ch <- *h.lastAvailability
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u.At = h.clock()
	h.broadcastLocked(u)
}

// broadcastLocked never blocks. A full subscriber loses notices and media
// hints, but state updates evict its oldest queued update so the latest
// session and availability always arrive.
func (h *Hub) broadcastLocked(u Update) {
	state := u.Kind == KindSession || u.Kind == KindAvailability
	for ch := range h.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		if !state {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}
