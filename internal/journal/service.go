package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for journal entries.
// It is append-only; there are no update or delete methods.
type Repository interface {
	Append(ctx context.Context, e Entry) error
}

// Reader lists a session's history.
type Reader interface {
	ListBySession(ctx context.Context, sessionID string) ([]Entry, error)
}

// Service validates and stamps entries before handing them to the repository.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("journal: invalid entry")

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("journal: repository not configured")
	}
	if e.SessionID == "" || e.State == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}
