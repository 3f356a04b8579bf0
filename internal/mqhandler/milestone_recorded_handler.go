package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/pkg/logger"
	"earnedvalue/pkg/util"
)

const (
	handlerName = "milestone_recorded"
	maxRetries  = 5
)

// DirtyMarker queues a project for the next aggregation refresh.
type DirtyMarker interface {
	MarkDirty(ctx context.Context, projectID string) error
}

type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
	Release(ctx context.Context, handler string, id string)
}

type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DeadLetterPublisher parks messages that can never be processed.
type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// MilestoneRecordedHandler consumes milestone.recorded events and marks the
// owning project dirty so the refresher picks it up.
type MilestoneRecordedHandler struct {
	dirty        DirtyMarker
	deduper      Deduper
	retryCounter RetryCounter
	dlq          DeadLetterPublisher
	logger       *zap.Logger
}

func NewMilestoneRecordedHandler(
	dirty DirtyMarker,
	deduper Deduper,
	retryCounter RetryCounter,
	dlq DeadLetterPublisher,
	logger *zap.Logger,
) *MilestoneRecordedHandler {
	return &MilestoneRecordedHandler{
		dirty:        dirty,
		deduper:      deduper,
		retryCounter: retryCounter,
		dlq:          dlq,
		logger:       logger,
	}
}

// Handle returns an error only when the message should be requeued.
func (h *MilestoneRecordedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p model.MilestoneRecordedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// decode errors never succeed on retry
		log.Error("Failed to unmarshal milestone recorded payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		h.deadLetter(ctx, raw, fmt.Errorf("json_unmarshal_error: %w", err))
		return nil
	}
	if p.EventID == "" || p.ProjectID == "" {
		log.Error("Milestone recorded payload missing ids (sending to DLQ)", zap.String("raw_payload", string(raw)))
		h.deadLetter(ctx, raw, fmt.Errorf("%w: event_id and project_id required", model.ErrInvalidInput))
		return nil
	}

	log = log.With(zap.String("event_id", p.EventID), zap.String("project_id", p.ProjectID))

	// dedup: one mark per event
	if !h.deduper.AcquireOnce(ctx, handlerName, p.EventID) {
		log.Debug("Skipped duplicated milestone event")
		return nil
	}

	if err := h.dirty.MarkDirty(ctx, p.ProjectID); err != nil {
		return h.onFailure(ctx, log, p, raw, err)
	}

	log.Info("Project marked dirty",
		zap.String("component_id", p.ComponentID),
		zap.String("milestone", p.Milestone),
		zap.Float64("delta", p.Delta),
	)
	return nil
}

func (h *MilestoneRecordedHandler) onFailure(ctx context.Context, log *zap.Logger, p model.MilestoneRecordedPayload, raw []byte, err error) error {
	retryable, errType := util.IsRetryableError(err)
	retryKey := util.FormatRetryKey(handlerName, p.EventID)

	retryCount, cerr := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if cerr != nil {
		// a Redis failure here does not block processing
		log.Warn("Failed to get retry count, continuing anyway", zap.Error(cerr))
		retryCount = 1
	}

	log.Error("Failed to mark project dirty",
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Int64("retry_count", retryCount),
		zap.Error(err),
	)

	if util.ShouldRetry(retryCount, maxRetries, retryable) {
		// release the dedup key so the redelivery is processed
		h.deduper.Release(ctx, handlerName, p.EventID)
		return err
	}

	log.Warn("Giving up on milestone event, sending to DLQ", zap.Int64("retry_count", retryCount))
	h.deadLetter(ctx, raw, err)
	if rerr := h.retryCounter.Reset(ctx, retryKey); rerr != nil {
		log.Warn("Failed to reset retry count", zap.Error(rerr))
	}
	return nil
}

func (h *MilestoneRecordedHandler) deadLetter(ctx context.Context, raw []byte, cause error) {
	if h.dlq == nil {
		return
	}
	if err := h.dlq.PublishToDLQ(ctx, model.RoutingKeyMilestoneRecorded, raw, cause.Error()); err != nil {
		h.logger.Error("Failed to publish to DLQ", zap.Error(err))
	}
}
