package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Registry records call ids that have been terminally handled, so duplicate
// deliveries of the same call from other ingress paths become no-ops.
//
// Entries are bounded by a retention period: an id older than that can never
// legitimately resurface, because every ingress path rejects offers that old.
type Registry interface {
	// Contains reports whether id was marked processed within the retention period.
	Contains(ctx context.Context, id string) (bool, error)
	// Mark records id as processed at the given wall-clock time.
	Mark(ctx context.Context, id string, at time.Time) error
}

var ErrEmptyID = errors.New("registry: call id is required")

// DefaultRetention returns the retention used when none is configured.
func DefaultRetention(freshness time.Duration) time.Duration {
	return 10 * freshness
}

// Memory is the process-local registry.
// It is safe for concurrent use, though the state machine serializes its own access.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	retention time.Duration
	lastSweep time.Time

	clock func() time.Time
}

func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = DefaultRetention(20 * time.Second)
	}
	return &Memory{
		entries:   make(map[string]time.Time),
		retention: retention,
		clock:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.mu.Lock()
	m.clock = clock
	m.mu.Unlock()
	return m
}

func (m *Memory) Contains(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	if m.clock().Sub(at) > m.retention {
		delete(m.entries, id)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Mark(_ context.Context, id string, at time.Time) error {
	if id == "" {
		return ErrEmptyID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// First mark wins; a later duplicate must not extend the entry's life.
	if _, ok := m.entries[id]; !ok {
		m.entries[id] = at
	}
	m.sweepLocked()
	return nil
}

// Len returns the number of retained entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) sweepLocked() {
	now := m.clock()
	if now.Sub(m.lastSweep) < m.retention/4 {
		return
	}
	m.lastSweep = now
	for id, at := range m.entries {
		if now.Sub(at) > m.retention {
			delete(m.entries, id)
		}
	}
}
