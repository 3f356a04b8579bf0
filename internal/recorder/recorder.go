// Package recorder applies milestone state changes to components. Each change
// is one atomic unit under the component's lock: the component row, the
// immutable event and (in PostgreSQL) the outbox row commit together.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"earnedvalue/internal/calc"
	"earnedvalue/internal/model"
	"earnedvalue/internal/repository"
	"earnedvalue/internal/template"
	"earnedvalue/pkg/logger"
	"earnedvalue/pkg/metrics"
	"earnedvalue/pkg/otel"
)

// DirtyMarker is told which project needs its aggregations refreshed.
type DirtyMarker interface {
	MarkDirty(ctx context.Context, projectID string) error
}

type Recorder struct {
	store     repository.ComponentStore
	templates *template.Resolver
	dirty     DirtyMarker
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Recorder)

// WithDirtyMarker marks the project dirty after each committed write. Used
// when no outbox consumer does it (in-memory storage).
func WithDirtyMarker(d DirtyMarker) Option {
	return func(r *Recorder) { r.dirty = d }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(store repository.ComponentStore, templates *template.Resolver, logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:     store,
		templates: templates,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordMilestoneUpdate sets one milestone of a component to newValue and
// returns the updated component and the appended event.
func (r *Recorder) RecordMilestoneUpdate(ctx context.Context, componentID, milestone string, newValue float64, userID string) (*model.Component, *model.MilestoneEvent, error) {
	ctx, span := otel.StartSpan(ctx, "recorder.RecordMilestoneUpdate")
	var err error
	defer func() { otel.EndSpan(span, err) }()

	log := logger.WithTrace(ctx, r.logger).With(
		zap.String("component_id", componentID),
		zap.String("milestone", milestone),
	)

	if strings.TrimSpace(userID) == "" {
		err = fmt.Errorf("%w: user id required", model.ErrInvalidInput)
		metrics.IncrementMilestoneUpdate("invalid")
		return nil, nil, err
	}

	var (
		updated *model.Component
		event   *model.MilestoneEvent
	)
	waitStart := time.Now()
	err = r.store.WithComponentLock(ctx, componentID, func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
		metrics.RecordLockWait(time.Since(waitStart))

		if c.Retired {
			return fmt.Errorf("%w: component %s is retired", model.ErrInvalidMilestoneValue, c.ID)
		}

		t, err := r.templates.Resolve(ctx, c.WorkItemType, c.ProjectID)
		if err != nil {
			return err
		}
		def, ok := t.Milestone(milestone)
		if !ok {
			return fmt.Errorf("%w: milestone %q not in %s template", model.ErrInvalidMilestoneValue, milestone, c.WorkItemType)
		}
		if err := calc.ValidateValue(def, newValue); err != nil {
			return err
		}

		if c.Milestones == nil {
			c.Milestones = calc.InitialState(t)
		}
		previous := c.Milestones[milestone]
		delta := calc.Delta(c.BudgetHours, def, previous, newValue)

		c.Milestones[milestone] = newValue
		c.PercentComplete = r.percent(ctx, c, t)
		c.TemplateID = t.ID
		c.Version++

		if err := tx.SaveComponent(ctx, c); err != nil {
			return err
		}

		e := &model.MilestoneEvent{
			ComponentID:   c.ID,
			ProjectID:     c.ProjectID,
			Milestone:     milestone,
			PreviousValue: previous,
			NewValue:      newValue,
			UserID:        userID,
			Category:      def.Category,
			Weight:        def.Weight,
			Delta:         delta,
			Sequence:      c.Version,
			CreatedAt:     r.now().UTC(),
		}
		if err := tx.AppendEvent(ctx, e); err != nil {
			return err
		}

		updated, event = c, e
		return nil
	})
	if err != nil {
		metrics.IncrementMilestoneUpdate(outcome(err))
		log.Info("Milestone update rejected", zap.Error(err))
		return nil, nil, err
	}

	metrics.IncrementMilestoneUpdate("recorded")
	metrics.RecordEarnedDelta(string(event.Category), event.Delta)
	log.Info("Milestone recorded",
		zap.String("event_id", event.ID),
		zap.Float64("previous", event.PreviousValue),
		zap.Float64("new", event.NewValue),
		zap.Float64("delta_hours", event.Delta),
		zap.Float64("percent_complete", updated.PercentComplete),
	)

	r.markDirty(ctx, updated.ProjectID)
	return updated, event, nil
}

// Recompute re-derives a component's percent complete against template t
// under the component lock. It reports whether the stored value changed.
// Milestone values and events are left untouched. A component already
// computed under a later template version is skipped.
func (r *Recorder) Recompute(ctx context.Context, componentID string, t *model.Template) (bool, error) {
	changed := false
	err := r.store.WithComponentLock(ctx, componentID, func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
		if c.WorkItemType != t.WorkItemType {
			return fmt.Errorf("%w: component %s is %s, template is for %s", model.ErrInvalidInput, c.ID, c.WorkItemType, t.WorkItemType)
		}
		if c.TemplateID > t.ID {
			return nil
		}
		if c.Milestones == nil {
			c.Milestones = make(map[string]float64, len(t.Milestones))
		}
		// milestones added by the new template start at 0
		for _, m := range t.Milestones {
			if _, ok := c.Milestones[m.Name]; !ok {
				c.Milestones[m.Name] = 0
			}
		}
		percent := r.percent(ctx, c, t)
		if percent == c.PercentComplete && c.TemplateID == t.ID {
			return nil
		}
		c.PercentComplete = percent
		c.TemplateID = t.ID
		c.Version++
		changed = true
		return tx.SaveComponent(ctx, c)
	})
	return changed, err
}

// percent computes percent complete and reports discrete anomalies.
func (r *Recorder) percent(ctx context.Context, c *model.Component, t *model.Template) float64 {
	percent, anomalies := calc.ComputePercentWithAnomalies(c.Milestones, t)
	for _, a := range anomalies {
		metrics.IncrementDiscreteAnomaly(c.WorkItemType)
		logger.WithTrace(ctx, r.logger).Warn("Discrete milestone holds an intermediate value, counted as 0",
			zap.String("component_id", c.ID),
			zap.String("milestone", a.Milestone),
			zap.Float64("value", a.Value),
		)
	}
	return percent
}

func (r *Recorder) markDirty(ctx context.Context, projectID string) {
	if r.dirty == nil {
		return
	}
	if err := r.dirty.MarkDirty(ctx, projectID); err != nil {
		// the periodic full refresh still picks the project up
		r.logger.Warn("Failed to mark project dirty", zap.String("project_id", projectID), zap.Error(err))
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidMilestoneValue), errors.Is(err, model.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, model.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, model.ErrConfiguration):
		return "config_error"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
