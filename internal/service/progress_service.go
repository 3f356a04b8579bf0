package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"earnedvalue/internal/calc"
	"earnedvalue/internal/inherit"
	"earnedvalue/internal/model"
	"earnedvalue/internal/recompute"
	"earnedvalue/internal/recorder"
	"earnedvalue/internal/report"
	"earnedvalue/internal/repository"
	"earnedvalue/internal/template"
	"earnedvalue/pkg/logger"
)

// ProgressService is the entry point used by the HTTP handlers.
type ProgressService struct {
	store     repository.Store
	templates *template.Resolver
	recorder  *recorder.Recorder
	reports   *report.Engine
	recompute *recompute.Runner
	dirty     recorder.DirtyMarker
	logger    *zap.Logger
}

func NewProgressService(
	store repository.Store,
	templates *template.Resolver,
	rec *recorder.Recorder,
	reports *report.Engine,
	runner *recompute.Runner,
	dirty recorder.DirtyMarker,
	logger *zap.Logger,
) *ProgressService {
	return &ProgressService{
		store:     store,
		templates: templates,
		recorder:  rec,
		reports:   reports,
		recompute: runner,
		dirty:     dirty,
		logger:    logger,
	}
}

// Ping checks the backing store.
func (s *ProgressService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// RecordMilestoneUpdate records one milestone change.
func (s *ProgressService) RecordMilestoneUpdate(ctx context.Context, componentID, milestone string, value float64, userID string) (*model.ResolvedComponent, *model.MilestoneEvent, error) {
	c, e, err := s.recorder.RecordMilestoneUpdate(ctx, componentID, milestone, value, userID)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := s.resolve(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return resolved, e, nil
}

// GetComponent returns a component with its resolved grouping attributes.
func (s *ProgressService) GetComponent(ctx context.Context, id string) (*model.ResolvedComponent, error) {
	c, err := s.store.GetComponent(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, c)
}

func (s *ProgressService) resolve(ctx context.Context, c *model.Component) (*model.ResolvedComponent, error) {
	var d *model.Drawing
	if c.DrawingID != "" {
		var err error
		d, err = s.store.GetDrawing(ctx, c.DrawingID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}
	return &model.ResolvedComponent{Component: *c, Resolved: inherit.Resolve(c, d)}, nil
}

// ListComponentsByGrouping lists the non-retired members of a grouping,
// including components that only inherit the attribute from their drawing.
func (s *ProgressService) ListComponentsByGrouping(ctx context.Context, groupingID, projectID string) ([]model.ResolvedComponent, error) {
	g, err := s.store.GetGrouping(ctx, groupingID)
	if err != nil {
		return nil, err
	}
	if projectID != "" && projectID != g.ProjectID {
		return nil, fmt.Errorf("grouping %s in project %s: %w", groupingID, projectID, model.ErrNotFound)
	}

	components, err := s.store.ListComponents(ctx, g.ProjectID)
	if err != nil {
		return nil, err
	}
	drawings, err := s.store.ListDrawings(ctx, g.ProjectID)
	if err != nil {
		return nil, err
	}

	idx := inherit.NewIndex(drawings)
	members := idx.Members(components, g)
	out := make([]model.ResolvedComponent, 0, len(members))
	for i := range members {
		out = append(out, model.ResolvedComponent{Component: members[i], Resolved: idx.ResolveAll(&members[i])})
	}
	return out, nil
}

// CreateComponentInput describes a new component.
type CreateComponentInput struct {
	ProjectID    string
	WorkItemType string
	Identity     string
	BudgetHours  float64
	DrawingID    string
	Attributes   map[string]string
}

// CreateComponent registers a component with every milestone at 0.
func (s *ProgressService) CreateComponent(ctx context.Context, in CreateComponentInput) (*model.ResolvedComponent, error) {
	if strings.TrimSpace(in.ProjectID) == "" || strings.TrimSpace(in.WorkItemType) == "" || strings.TrimSpace(in.Identity) == "" {
		return nil, fmt.Errorf("%w: project id, work item type and identity are required", model.ErrInvalidInput)
	}
	if in.BudgetHours < 0 || math.IsNaN(in.BudgetHours) || math.IsInf(in.BudgetHours, 0) {
		return nil, fmt.Errorf("%w: budget hours must be a non-negative number", model.ErrInvalidInput)
	}
	for name := range in.Attributes {
		if !model.IsGroupingAttribute(name) {
			return nil, fmt.Errorf("%w: unknown attribute %q", model.ErrInvalidInput, name)
		}
	}
	if in.DrawingID != "" {
		d, err := s.store.GetDrawing(ctx, in.DrawingID)
		if err != nil {
			return nil, err
		}
		if d.ProjectID != in.ProjectID {
			return nil, fmt.Errorf("%w: drawing %s belongs to another project", model.ErrInvalidInput, in.DrawingID)
		}
	}

	t, err := s.templates.Resolve(ctx, in.WorkItemType, in.ProjectID)
	if err != nil {
		return nil, err
	}

	c := &model.Component{
		ProjectID:    in.ProjectID,
		WorkItemType: in.WorkItemType,
		Identity:     in.Identity,
		BudgetHours:  in.BudgetHours,
		DrawingID:    in.DrawingID,
		Attributes:   nonEmpty(in.Attributes),
		Milestones:   calc.InitialState(t),
		TemplateID:   t.ID,
	}
	if err := s.store.CreateComponent(ctx, c); err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("Component created",
		zap.String("component_id", c.ID),
		zap.String("project_id", c.ProjectID),
		zap.String("work_item_type", c.WorkItemType),
		zap.String("identity", c.Identity),
	)
	s.markDirty(ctx, c.ProjectID)
	return s.resolve(ctx, c)
}

// SetComponentAttribute sets an explicit override. An empty value clears it
// and the component inherits from its drawing again.
func (s *ProgressService) SetComponentAttribute(ctx context.Context, id, name, value string) (*model.ResolvedComponent, error) {
	if !model.IsGroupingAttribute(name) {
		return nil, fmt.Errorf("%w: unknown attribute %q", model.ErrInvalidInput, name)
	}
	return s.mutate(ctx, id, func(c *model.Component) error {
		if value == "" {
			delete(c.Attributes, name)
			return nil
		}
		if c.Attributes == nil {
			c.Attributes = make(map[string]string)
		}
		c.Attributes[name] = value
		return nil
	})
}

// SetComponentFlags updates blocked / needs-review; nil leaves a flag as is.
func (s *ProgressService) SetComponentFlags(ctx context.Context, id string, blocked, needsReview *bool) (*model.ResolvedComponent, error) {
	return s.mutate(ctx, id, func(c *model.Component) error {
		if blocked != nil {
			c.Blocked = *blocked
		}
		if needsReview != nil {
			c.NeedsReview = *needsReview
		}
		return nil
	})
}

// RetireComponent removes a component from rollups and reports. Its event
// history is kept.
func (s *ProgressService) RetireComponent(ctx context.Context, id string) (*model.ResolvedComponent, error) {
	return s.mutate(ctx, id, func(c *model.Component) error {
		c.Retired = true
		return nil
	})
}

func (s *ProgressService) mutate(ctx context.Context, id string, apply func(c *model.Component) error) (*model.ResolvedComponent, error) {
	var updated *model.Component
	err := s.store.WithComponentLock(ctx, id, func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
		if err := apply(c); err != nil {
			return err
		}
		c.Version++
		updated = c
		return tx.SaveComponent(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	s.markDirty(ctx, updated.ProjectID)
	return s.resolve(ctx, updated)
}

// CreateDrawing registers a drawing.
func (s *ProgressService) CreateDrawing(ctx context.Context, projectID, number string, attributes map[string]string) (*model.Drawing, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(number) == "" {
		return nil, fmt.Errorf("%w: project id and drawing number are required", model.ErrInvalidInput)
	}
	for name := range attributes {
		if !model.IsGroupingAttribute(name) {
			return nil, fmt.Errorf("%w: unknown attribute %q", model.ErrInvalidInput, name)
		}
	}
	d := &model.Drawing{ProjectID: projectID, Number: number, Attributes: nonEmpty(attributes)}
	if err := s.store.CreateDrawing(ctx, d); err != nil {
		return nil, err
	}
	s.markDirty(ctx, projectID)
	return d, nil
}

// SetDrawingAttribute changes a drawing attribute; every component that
// inherits it moves with the drawing on the next refresh.
func (s *ProgressService) SetDrawingAttribute(ctx context.Context, id, name, value string) (*model.Drawing, error) {
	if !model.IsGroupingAttribute(name) {
		return nil, fmt.Errorf("%w: unknown attribute %q", model.ErrInvalidInput, name)
	}
	d, err := s.store.SetDrawingAttribute(ctx, id, name, value)
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("Drawing attribute changed",
		zap.String("drawing_id", id),
		zap.String("attribute", name),
		zap.String("value", value),
	)
	s.markDirty(ctx, d.ProjectID)
	return d, nil
}

// CreateGrouping registers an area, system or test package.
func (s *ProgressService) CreateGrouping(ctx context.Context, projectID, attribute, name string) (*model.Grouping, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: project id and name are required", model.ErrInvalidInput)
	}
	if !model.IsGroupingAttribute(attribute) {
		return nil, fmt.Errorf("%w: unknown grouping attribute %q", model.ErrInvalidInput, attribute)
	}
	g := &model.Grouping{ProjectID: projectID, Attribute: attribute, Name: name}
	if err := s.store.CreateGrouping(ctx, g); err != nil {
		return nil, err
	}
	s.markDirty(ctx, projectID)
	return g, nil
}

// GetAggregation returns a precomputed rollup with its refresh timestamp.
func (s *ProgressService) GetAggregation(ctx context.Context, scope model.Scope, key string) (*model.AggregationRecord, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: unknown scope %q", model.ErrInvalidInput, scope)
	}
	return s.store.GetAggregation(ctx, scope, key)
}

// GetDelta builds an earned-value delta report.
func (s *ProgressService) GetDelta(ctx context.Context, dimension report.Dimension, projectID string, start, end time.Time) (*report.DeltaReport, error) {
	return s.reports.GetDelta(ctx, dimension, projectID, start, end)
}

// GetTemplate returns the template in effect for a project and type.
func (s *ProgressService) GetTemplate(ctx context.Context, projectID, workItemType string) (*model.Template, error) {
	return s.templates.Resolve(ctx, workItemType, projectID)
}

// SetTemplateOverride activates a project override and queues a recompute
// of existing components of that type.
func (s *ProgressService) SetTemplateOverride(ctx context.Context, projectID, workItemType string, milestones []model.MilestoneDef) (*model.Template, *model.RecomputeJob, error) {
	t, err := s.templates.SetOverride(ctx, projectID, workItemType, milestones)
	if err != nil {
		logger.WithTrace(ctx, s.logger).Warn("Template override rejected",
			zap.String("project_id", projectID),
			zap.String("work_item_type", workItemType),
			zap.Error(err),
		)
		return nil, nil, err
	}
	job, err := s.recompute.Enqueue(ctx, projectID, workItemType, t.ID)
	if err != nil {
		return t, nil, err
	}
	return t, job, nil
}

// GetRecomputeJob returns a recompute job's progress.
func (s *ProgressService) GetRecomputeJob(ctx context.Context, id string) (*model.RecomputeJob, error) {
	return s.recompute.Get(ctx, id)
}

// ResumeRecomputeJob requeues an interrupted or failed job from its checkpoint.
func (s *ProgressService) ResumeRecomputeJob(ctx context.Context, id string) (*model.RecomputeJob, error) {
	return s.recompute.Resume(ctx, id)
}

func (s *ProgressService) markDirty(ctx context.Context, projectID string) {
	if s.dirty == nil {
		return
	}
	if err := s.dirty.MarkDirty(ctx, projectID); err != nil {
		s.logger.Warn("Failed to mark project dirty", zap.String("project_id", projectID), zap.Error(err))
	}
}

func nonEmpty(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
