package ingest

import (
	"errors"
	"net/http"

	"callsignal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// PushWebhookHandler converts the push service's request into a PushPayload and
// delegates to the coordinator. A filtered or duplicate offer is still a 202:
// from the push service's point of view delivery succeeded.
type PushWebhookHandler struct {
	Coordinator *PushCoordinator
}

func (h PushWebhookHandler) HandleIncoming(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Coordinator == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "push ingest not configured"})
		return
	}

	var in PushPayload
	if err := c.ShouldBindJSON(&in); err != nil {
		log.Warn("push payload parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	outcome, err := h.Coordinator.Ingest(c.Request.Context(), in)
	switch {
	case errors.Is(err, ErrInvalidPush):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid push payload"})
		return
	case err != nil:
		log.Error("push ingest failed", "call_id", in.Call.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "ingest unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"call_id": in.Call.ID, "outcome": outcome})
}
