package auth

import (
	"sync"
	"time"
)

// ServiceTokenSource issues the access token this agent presents to the
// backend registry and the event channel. A token is reused until it is
// within a tenth of its lifetime of expiring.
type ServiceTokenSource struct {
	m      *Manager
	userID string
	role   string
	clock  func() time.Time

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

func NewServiceTokenSource(m *Manager, userID, role string) *ServiceTokenSource {
	return &ServiceTokenSource{m: m, userID: userID, role: role, clock: time.Now}
}

func (s *ServiceTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if s.token != "" && now.Before(s.renewAt) {
		return s.token, nil
	}

	tok, err := s.m.IssueAccess(now, s.userID, s.role)
	if err != nil {
		return "", err
	}
	s.token = tok
	ttl := s.m.AccessTTL()
	s.renewAt = now.Add(ttl - ttl/10)
	return tok, nil
}
