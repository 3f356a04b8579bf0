package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/pkg/outbox"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidMilestoneValue),
		errors.Is(err, model.ErrTemplateIntegrity),
		errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound), errors.Is(err, outbox.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAggregationRefresh):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs and renders err. Client errors carry the reason; server
// errors do not leak internals.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(op+": failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	logger.Warn(op+": rejected", zap.Int("status", status), zap.Error(err))
	body := gin.H{"error": err.Error()}
	if status == http.StatusConflict {
		body["retryable"] = true
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, logger *zap.Logger, op, reason string) {
	logger.Warn(op+": "+reason)
	c.JSON(http.StatusBadRequest, gin.H{"error": reason})
}
