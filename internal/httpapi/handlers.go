package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"callsignal/internal/availability"
	"callsignal/internal/backend"
	"callsignal/internal/calls"
	"callsignal/internal/journal"
	"callsignal/internal/presenter"
	"callsignal/internal/signaling"
	"callsignal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallControl is the state machine as driven by the presentation layer.
type CallControl interface {
	Current() (calls.Session, bool)
	Initiate(ctx context.Context, receiverID string, kind calls.Kind) (calls.Session, error)
	Accept(ctx context.Context, id string) error
	Reject(ctx context.Context, id, reason string) error
	Cancel(ctx context.Context, id string) error
	End(ctx context.Context, id string) error
	JoinConfirmed(ctx context.Context, id string) error
	JoinFailed(ctx context.Context, id string, cause error) error
}

type AvailabilityControl interface {
	Intent() availability.Intent
	Set(audio, video *bool) availability.Intent
}

type Stream interface {
	Subscribe() (chan presenter.Update, func())
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls        CallControl
	Availability AvailabilityControl
	Stream       Stream
	History      journal.Reader

	// Heartbeat is the SSE keep-alive period. Zero means 15s.
	Heartbeat time.Duration
}

// --- Calls ---

func (h Handlers) CurrentCall(c *gin.Context) {
	s, ok := h.Calls.Current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"state": calls.StateNone})
		return
	}
	c.JSON(http.StatusOK, s)
}

type initiateRequest struct {
	ReceiverID string     `json:"receiver_id"`
	Kind       calls.Kind `json:"kind"`
}

func (h Handlers) InitiateCall(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ReceiverID == "" || !req.Kind.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "receiver_id and kind (audio|video) required"})
		return
	}
	s, err := h.Calls.Initiate(c.Request.Context(), req.ReceiverID, req.Kind)
	if err != nil {
		writeError(c, "initiate", err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	h.intent(c, "accept", h.Calls.Accept)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) RejectCall(c *gin.Context) {
	var req rejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = signaling.ReasonDeclined
	}
	h.intent(c, "reject", func(ctx context.Context, id string) error {
		return h.Calls.Reject(ctx, id, req.Reason)
	})
}

func (h Handlers) CancelCall(c *gin.Context) {
	h.intent(c, "cancel", h.Calls.Cancel)
}

func (h Handlers) EndCall(c *gin.Context) {
	h.intent(c, "end", h.Calls.End)
}

func (h Handlers) JoinConfirmed(c *gin.Context) {
	h.intent(c, "joined", h.Calls.JoinConfirmed)
}

type joinFailedRequest struct {
	Error string `json:"error"`
}

func (h Handlers) JoinFailed(c *gin.Context) {
	var req joinFailedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if req.Error == "" {
		req.Error = "transport join failed"
	}
	h.intent(c, "join_failed", func(ctx context.Context, id string) error {
		return h.Calls.JoinFailed(ctx, id, errors.New(req.Error))
	})
}

func (h Handlers) CallHistory(c *gin.Context) {
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "history not configured"})
		return
	}
	entries, err := h.History.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		logger.FromGin(c).Error("history read failed", "call_id", c.Param("id"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"call_id": c.Param("id"), "entries": entries})
}

// intent applies a user intent to the call named in the path and returns the
// resulting session. The session may already be terminal and evicted.
func (h Handlers) intent(c *gin.Context, op string, apply func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}
	if err := apply(c.Request.Context(), id); err != nil {
		writeError(c, op, err)
		return
	}
	if s, ok := h.Calls.Current(); ok && s.ID == id {
		c.JSON(http.StatusOK, s)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": id, "status": "done"})
}

// --- Availability ---

func (h Handlers) GetAvailability(c *gin.Context) {
	c.JSON(http.StatusOK, h.Availability.Intent())
}

type availabilityRequest struct {
	Audio *bool `json:"audio"`
	Video *bool `json:"video"`
}

func (h Handlers) PutAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Audio == nil && req.Video == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "audio or video required"})
		return
	}
	c.JSON(http.StatusAccepted, h.Availability.Set(req.Audio, req.Video))
}

// --- Events ---

// Events streams presentation updates as server-sent events until the client goes away.
func (h Handlers) Events(c *gin.Context) {
	ch, cancel := h.Stream.Subscribe()
	defer cancel()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	t := time.NewTicker(heartbeat)
	defer t.Stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
		case u, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(u.Kind, u)
		}
		c.Writer.Flush()
	}
}

func writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, signaling.ErrNoSession):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no such call"})
	case errors.Is(err, signaling.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "invalid transition"})
	case errors.Is(err, signaling.ErrBusy):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call in progress"})
	case errors.Is(err, signaling.ErrClosed):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	case errors.Is(err, backend.ErrRateLimited):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
	case errors.Is(err, backend.ErrInvalidInput):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
	default:
		logger.FromGin(c).Error("call intent failed", "op", op, "call_id", c.Param("id"), "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "backend unavailable"})
	}
}
