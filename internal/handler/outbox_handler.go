package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"earnedvalue/pkg/outbox"
)

// OutboxHandler exposes requeueing of failed outbox events.
type OutboxHandler struct {
	replay *outbox.ReplayService
	logger *zap.Logger
}

func NewOutboxHandler(replay *outbox.ReplayService, logger *zap.Logger) *OutboxHandler {
	return &OutboxHandler{replay: replay, logger: logger}
}

// ReplayEvent POST /admin/outbox/events/:id/replay
func (h *OutboxHandler) ReplayEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, h.logger, "ReplayEvent", "invalid event id")
		return
	}
	if err := h.replay.ReplayEvent(c.Request.Context(), id); err != nil {
		writeError(c, h.logger, "ReplayEvent", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requeued", "event_id": id})
}

// ReplayFailed POST /admin/outbox/failed/replay?limit=
func (h *OutboxHandler) ReplayFailed(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		badRequest(c, h.logger, "ReplayFailed", "invalid limit")
		return
	}
	n, err := h.replay.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.logger, "ReplayFailed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requeued", "count": n})
}
