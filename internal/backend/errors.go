package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Sentinel errors for errors.Is checks by callers.
	ErrRateLimited  = errors.New("backend: rate limited")
	ErrNotFound     = errors.New("backend: call not found")
	ErrConflict     = errors.New("backend: conflicting call state")
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrServer       = errors.New("backend: server error (5xx)")
	ErrUnavailable  = errors.New("backend: unreachable or timed out")
	ErrBadResponse  = errors.New("backend: invalid response")
	ErrInvalidInput = errors.New("backend: invalid input")
)

// APIError carries the operation and HTTP details behind a sentinel.
type APIError struct {
	Sentinel error
	Op       string
	Status   int
	Body     string
	Err      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("backend: %s: %v", e.Op, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Sentinel }

// IsTransient reports whether err is worth retrying for an idempotent read.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrServer)
}

// IsRateLimited reports whether err is backpressure from the backend.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func sentinelForStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status >= 500:
		return ErrServer
	default:
		return ErrBadResponse
	}
}
