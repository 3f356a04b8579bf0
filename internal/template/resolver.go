// Package template resolves the weighted milestone list for a work-item type,
// preferring a project override over the global default.
package template

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"earnedvalue/internal/model"
	"earnedvalue/internal/repository"

	"go.uber.org/zap"
)

// weightTolerance absorbs float noise such as 33.33+33.33+33.34.
const weightTolerance = 1e-6

type Resolver struct {
	store  repository.TemplateStore
	logger *zap.Logger
}

func NewResolver(store repository.TemplateStore, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the project override for workItemType, else the global
// default. Missing or malformed templates are a model.ErrConfiguration.
func (r *Resolver) Resolve(ctx context.Context, workItemType, projectID string) (*model.Template, error) {
	t, err := r.store.FindActiveTemplate(ctx, workItemType, projectID)
	if errors.Is(err, model.ErrNotFound) && projectID != "" {
		t, err = r.store.FindActiveTemplate(ctx, workItemType, "")
	}
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: no progress template for work item type %q", model.ErrConfiguration, workItemType)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(t.Milestones); err != nil {
		r.logger.Error("Active template failed validation",
			zap.Int64("template_id", t.ID),
			zap.String("work_item_type", workItemType),
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: template %d: %v", model.ErrConfiguration, t.ID, err)
	}
	return t, nil
}

// ResolveByID loads a specific template version (used when reporting against
// the version a component was computed with).
func (r *Resolver) ResolveByID(ctx context.Context, id int64) (*model.Template, error) {
	t, err := r.store.GetTemplate(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: template %d missing", model.ErrConfiguration, id)
	}
	return t, err
}

// SetOverride validates and activates a project-specific template. The prior
// template stays active when validation fails.
func (r *Resolver) SetOverride(ctx context.Context, projectID, workItemType string, milestones []model.MilestoneDef) (*model.Template, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("%w: project id required for an override", model.ErrTemplateIntegrity)
	}
	return r.activate(ctx, projectID, workItemType, milestones)
}

// SetDefault validates and activates a global default template.
func (r *Resolver) SetDefault(ctx context.Context, workItemType string, milestones []model.MilestoneDef) (*model.Template, error) {
	return r.activate(ctx, "", workItemType, milestones)
}

func (r *Resolver) activate(ctx context.Context, projectID, workItemType string, milestones []model.MilestoneDef) (*model.Template, error) {
	if strings.TrimSpace(workItemType) == "" {
		return nil, fmt.Errorf("%w: work item type required", model.ErrTemplateIntegrity)
	}
	if err := Validate(milestones); err != nil {
		return nil, err
	}
	t := &model.Template{
		WorkItemType: workItemType,
		ProjectID:    projectID,
		Milestones:   append([]model.MilestoneDef(nil), milestones...),
	}
	if err := r.store.ActivateTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("activate template: %w", err)
	}
	r.logger.Info("Template activated",
		zap.Int64("template_id", t.ID),
		zap.String("work_item_type", workItemType),
		zap.String("project_id", projectID),
		zap.Int("version", t.Version),
	)
	return t, nil
}

// Validate checks a milestone list before activation.
func Validate(milestones []model.MilestoneDef) error {
	if len(milestones) == 0 {
		return fmt.Errorf("%w: template has no milestones", model.ErrTemplateIntegrity)
	}
	seen := make(map[string]struct{}, len(milestones))
	var sum float64
	for _, m := range milestones {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return fmt.Errorf("%w: milestone name required", model.ErrTemplateIntegrity)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate milestone %q", model.ErrTemplateIntegrity, name)
		}
		seen[name] = struct{}{}
		if m.Weight <= 0 || math.IsNaN(m.Weight) {
			return fmt.Errorf("%w: milestone %q weight must be positive", model.ErrTemplateIntegrity, name)
		}
		if !m.Category.Valid() {
			return fmt.Errorf("%w: milestone %q has unknown category %q", model.ErrTemplateIntegrity, name, m.Category)
		}
		sum += m.Weight
	}
	if math.Abs(sum-100) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %.4f, want 100", model.ErrTemplateIntegrity, sum)
	}
	return nil
}
