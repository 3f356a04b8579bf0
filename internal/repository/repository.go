// Package repository holds the persistence contracts of the progress engine and
// their PostgreSQL implementation. The memory subpackage implements the same
// contracts in-process.
package repository

import (
	"context"
	"time"

	"earnedvalue/internal/model"
)

// ComponentTx is the write side of a per-component unit of work. Everything
// written through it commits or rolls back together.
type ComponentTx interface {
	SaveComponent(ctx context.Context, c *model.Component) error
	AppendEvent(ctx context.Context, e *model.MilestoneEvent) error
}

// LockedFunc runs while the component's lock is held. c is a private copy.
type LockedFunc func(ctx context.Context, c *model.Component, tx ComponentTx) error

type ComponentStore interface {
	CreateComponent(ctx context.Context, c *model.Component) error
	GetComponent(ctx context.Context, id string) (*model.Component, error)
	ListComponents(ctx context.Context, projectID string) ([]model.Component, error)
	// ListComponentsAfter pages components of one type ordered by ID, strictly after afterID.
	ListComponentsAfter(ctx context.Context, projectID, workItemType, afterID string, limit int) ([]model.Component, error)
	// WithComponentLock serializes writers of one component. Lock contention past
	// the configured timeout returns model.ErrConcurrentModification.
	WithComponentLock(ctx context.Context, id string, fn LockedFunc) error
	ListProjects(ctx context.Context) ([]string, error)
}

type DrawingStore interface {
	CreateDrawing(ctx context.Context, d *model.Drawing) error
	GetDrawing(ctx context.Context, id string) (*model.Drawing, error)
	ListDrawings(ctx context.Context, projectID string) ([]model.Drawing, error)
	SetDrawingAttribute(ctx context.Context, id, name, value string) (*model.Drawing, error)
}

type GroupingStore interface {
	CreateGrouping(ctx context.Context, g *model.Grouping) error
	GetGrouping(ctx context.Context, id string) (*model.Grouping, error)
	ListGroupings(ctx context.Context, projectID string) ([]model.Grouping, error)
}

type TemplateStore interface {
	// FindActiveTemplate returns the active template for (type, project);
	// projectID "" addresses the global default. model.ErrNotFound if none.
	FindActiveTemplate(ctx context.Context, workItemType, projectID string) (*model.Template, error)
	GetTemplate(ctx context.Context, id int64) (*model.Template, error)
	// ActivateTemplate stores t as a new version and deactivates the prior one.
	ActivateTemplate(ctx context.Context, t *model.Template) error
}

type EventStore interface {
	// ListEvents returns project events with start <= created_at < end, oldest first.
	ListEvents(ctx context.Context, projectID string, start, end time.Time) ([]model.MilestoneEvent, error)
	ListComponentEvents(ctx context.Context, componentID string) ([]model.MilestoneEvent, error)
}

// Snapshot is a consistent view of one project's component graph.
type Snapshot struct {
	ProjectID  string
	Components []model.Component
	Drawings   []model.Drawing
	Groupings  []model.Grouping
	TakenAt    time.Time
}

type AggregationStore interface {
	Snapshot(ctx context.Context, projectID string) (*Snapshot, error)
	// ReplaceAggregations swaps every record of a project in one write.
	ReplaceAggregations(ctx context.Context, projectID string, records []model.AggregationRecord) error
	GetAggregation(ctx context.Context, scope model.Scope, key string) (*model.AggregationRecord, error)
}

type RecomputeJobStore interface {
	CreateRecomputeJob(ctx context.Context, j *model.RecomputeJob) error
	GetRecomputeJob(ctx context.Context, id string) (*model.RecomputeJob, error)
	SaveRecomputeJob(ctx context.Context, j *model.RecomputeJob) error
	ListRecomputeJobs(ctx context.Context, status model.RecomputeStatus, limit int) ([]model.RecomputeJob, error)
}

// Store is everything the engine persists.
type Store interface {
	ComponentStore
	DrawingStore
	GroupingStore
	TemplateStore
	EventStore
	AggregationStore
	RecomputeJobStore
	Ping(ctx context.Context) error
}
