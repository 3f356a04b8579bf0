// Package report builds earned-value delta reports over a time window from
// the stored milestone events. Deltas are summed as recorded, never
// re-derived from the current template.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"earnedvalue/internal/calc"
	"earnedvalue/internal/inherit"
	"earnedvalue/internal/model"
	"earnedvalue/internal/template"
	"earnedvalue/pkg/logger"
	"earnedvalue/pkg/otel"
)

// Dimension is what a delta report is grouped by.
type Dimension string

const (
	DimensionArea        Dimension = model.AttributeArea
	DimensionSystem      Dimension = model.AttributeSystem
	DimensionTestPackage Dimension = model.AttributeTestPackage
	DimensionDrawing     Dimension = "drawing"
	DimensionProject     Dimension = "project"
)

// Unassigned is the row key for components with no value on the dimension.
const Unassigned = "unassigned"

func (d Dimension) Valid() bool {
	switch d {
	case DimensionArea, DimensionSystem, DimensionTestPackage, DimensionDrawing, DimensionProject:
		return true
	}
	return false
}

// CategoryDelta is one category's earned hours within a row. Percent is nil
// when the category has no budget in this row.
type CategoryDelta struct {
	Category model.Category `json:"category"`
	Delta    float64        `json:"delta_hours"`
	Budget   float64        `json:"budget_hours"`
	Percent  *float64       `json:"percent"`
}

// Row is one dimension value. Category percentages are relative to the
// category budget and do not add up to Percent.
type Row struct {
	Key         string          `json:"key"`
	Label       string          `json:"label,omitempty"`
	Components  int             `json:"components"`
	Categories  []CategoryDelta `json:"categories"`
	TotalDelta  float64         `json:"total_delta_hours"`
	TotalBudget float64         `json:"total_budget_hours"`
	Percent     *float64        `json:"percent"`
}

type DeltaReport struct {
	ProjectID   string    `json:"project_id"`
	Dimension   Dimension `json:"dimension"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Events      int       `json:"events"`
	Rows        []Row     `json:"rows"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Store is the read side the engine needs.
type Store interface {
	ListComponents(ctx context.Context, projectID string) ([]model.Component, error)
	ListDrawings(ctx context.Context, projectID string) ([]model.Drawing, error)
	ListGroupings(ctx context.Context, projectID string) ([]model.Grouping, error)
	ListEvents(ctx context.Context, projectID string, start, end time.Time) ([]model.MilestoneEvent, error)
}

type Engine struct {
	store     Store
	templates *template.Resolver
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(store Store, templates *template.Resolver, logger *zap.Logger) *Engine {
	return &Engine{store: store, templates: templates, logger: logger, now: time.Now}
}

type rowAcc struct {
	components int
	deltas     map[model.Category]float64
	budgets    map[model.Category]float64
}

// GetDelta reports earned hours per dimension value and category for events
// with start <= created_at < end.
func (e *Engine) GetDelta(ctx context.Context, dimension Dimension, projectID string, start, end time.Time) (*DeltaReport, error) {
	ctx, span := otel.StartSpan(ctx, "report.GetDelta")
	var err error
	defer func() { otel.EndSpan(span, err) }()

	if !dimension.Valid() {
		err = fmt.Errorf("%w: unknown dimension %q", model.ErrInvalidInput, dimension)
		return nil, err
	}
	if projectID == "" {
		err = fmt.Errorf("%w: project id required", model.ErrInvalidInput)
		return nil, err
	}
	if !start.Before(end) {
		err = fmt.Errorf("%w: window start %s must be before end %s", model.ErrInvalidInput, start.Format(time.RFC3339), end.Format(time.RFC3339))
		return nil, err
	}

	components, err := e.store.ListComponents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	drawings, err := e.store.ListDrawings(ctx, projectID)
	if err != nil {
		return nil, err
	}
	groupings, err := e.store.ListGroupings(ctx, projectID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, projectID, start, end)
	if err != nil {
		return nil, err
	}

	idx := inherit.NewIndex(drawings)
	rows := make(map[string]*rowAcc)
	rowOf := make(map[string]string, len(components))
	weights := make(map[string]map[model.Category]float64)

	for i := range components {
		c := &components[i]
		if c.Retired {
			continue
		}
		key := dimensionKey(idx, c, dimension, projectID)
		rowOf[c.ID] = key
		acc := rows[key]
		if acc == nil {
			acc = &rowAcc{deltas: map[model.Category]float64{}, budgets: map[model.Category]float64{}}
			rows[key] = acc
		}
		acc.components++

		cw, ok := weights[c.WorkItemType]
		if !ok {
			cw, err = e.categoryWeights(ctx, c.WorkItemType, projectID)
			if err != nil {
				return nil, err
			}
			weights[c.WorkItemType] = cw
		}
		for cat, w := range cw {
			acc.budgets[cat] += c.BudgetHours * w / 100
		}
	}

	counted := 0
	for _, ev := range events {
		key, ok := rowOf[ev.ComponentID]
		if !ok {
			// retired or removed component
			continue
		}
		rows[key].deltas[ev.Category] += ev.Delta
		counted++
	}

	report := &DeltaReport{
		ProjectID:   projectID,
		Dimension:   dimension,
		Start:       start,
		End:         end,
		Events:      counted,
		Rows:        make([]Row, 0, len(rows)),
		GeneratedAt: e.now().UTC(),
	}
	labels := labelsFor(dimension, drawings, groupings)
	for key, acc := range rows {
		report.Rows = append(report.Rows, buildRow(key, labels[key], acc))
	}
	sort.Slice(report.Rows, func(i, j int) bool {
		a, b := report.Rows[i].Key, report.Rows[j].Key
		if (a == Unassigned) != (b == Unassigned) {
			return b == Unassigned
		}
		return a < b
	})

	logger.WithTrace(ctx, e.logger).Debug("Delta report built",
		zap.String("project_id", projectID),
		zap.String("dimension", string(dimension)),
		zap.Int("events", counted),
		zap.Int("rows", len(report.Rows)),
	)
	return report, nil
}

// categoryWeights uses the currently resolved template. A type with no
// template contributes no budget rather than failing the whole report.
func (e *Engine) categoryWeights(ctx context.Context, workItemType, projectID string) (map[model.Category]float64, error) {
	t, err := e.templates.Resolve(ctx, workItemType, projectID)
	if errors.Is(err, model.ErrConfiguration) {
		e.logger.Warn("No template for work item type, excluded from report budgets",
			zap.String("work_item_type", workItemType),
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return map[model.Category]float64{}, nil
	}
	if err != nil {
		return nil, err
	}
	return calc.CategoryWeights(t), nil
}

func dimensionKey(idx *inherit.Index, c *model.Component, dimension Dimension, projectID string) string {
	switch dimension {
	case DimensionProject:
		return projectID
	case DimensionDrawing:
		if idx.Drawing(c) == nil {
			return Unassigned
		}
		return c.DrawingID
	default:
		if v, ok := idx.Resolve(c, string(dimension)); ok {
			return v
		}
		return Unassigned
	}
}

func labelsFor(dimension Dimension, drawings []model.Drawing, groupings []model.Grouping) map[string]string {
	labels := make(map[string]string)
	switch dimension {
	case DimensionDrawing:
		for _, d := range drawings {
			labels[d.ID] = d.Number
		}
	case DimensionArea, DimensionSystem, DimensionTestPackage:
		for _, g := range groupings {
			if g.Attribute == string(dimension) {
				labels[g.ID] = g.Name
			}
		}
	}
	return labels
}

func buildRow(key, label string, acc *rowAcc) Row {
	row := Row{Key: key, Label: label, Components: acc.components}
	for _, cat := range model.Categories {
		cd := CategoryDelta{
			Category: cat,
			Delta:    acc.deltas[cat],
			Budget:   acc.budgets[cat],
			Percent:  percentOf(acc.deltas[cat], acc.budgets[cat]),
		}
		row.Categories = append(row.Categories, cd)
		row.TotalDelta += cd.Delta
		row.TotalBudget += cd.Budget
	}
	row.Percent = percentOf(row.TotalDelta, row.TotalBudget)
	return row
}

// percentOf returns nil for a zero budget: "not applicable", not 0%.
func percentOf(delta, budget float64) *float64 {
	if budget == 0 {
		return nil
	}
	p := delta / budget * 100
	return &p
}
