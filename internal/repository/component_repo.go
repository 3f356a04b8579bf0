package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/pkg/db"
	"earnedvalue/pkg/metrics"
	"earnedvalue/pkg/otel"
	"earnedvalue/pkg/outbox"
	"earnedvalue/pkg/trace"
)

const componentColumns = `id, project_id, work_item_type, identity, milestones, percent_complete,
	budget_hours, drawing_id, attributes, template_id, blocked, needs_review, retired,
	version, created_at, updated_at`

type ComponentRepository struct {
	db          *pgxpool.Pool
	outbox      *outbox.Repository
	lockTimeout time.Duration
	logger      *zap.Logger
}

func NewComponentRepository(pool *pgxpool.Pool, outboxRepo *outbox.Repository, lockTimeout time.Duration, logger *zap.Logger) *ComponentRepository {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &ComponentRepository{db: pool, outbox: outboxRepo, lockTimeout: lockTimeout, logger: logger}
}

func scanComponent(row pgx.Row) (*model.Component, error) {
	var c model.Component
	var drawingID *string
	err := row.Scan(
		&c.ID,
		&c.ProjectID,
		&c.WorkItemType,
		&c.Identity,
		&c.Milestones,
		&c.PercentComplete,
		&c.BudgetHours,
		&drawingID,
		&c.Attributes,
		&c.TemplateID,
		&c.Blocked,
		&c.NeedsReview,
		&c.Retired,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if drawingID != nil {
		c.DrawingID = *drawingID
	}
	if c.Milestones == nil {
		c.Milestones = map[string]float64{}
	}
	if len(c.Attributes) == 0 {
		c.Attributes = nil
	}
	return &c, nil
}

func collectComponents(rows pgx.Rows) ([]model.Component, error) {
	defer rows.Close()
	out := []model.Component{}
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CreateComponent inserts c, assigning an ID when empty.
func (r *ComponentRepository) CreateComponent(ctx context.Context, c *model.Component) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Milestones == nil {
		c.Milestones = map[string]float64{}
	}
	query := `
		INSERT INTO components (id, project_id, work_item_type, identity, milestones, percent_complete,
			budget_hours, drawing_id, attributes, template_id, blocked, needs_review, retired, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err := otel.Traced(ctx, "insert", "components", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			c.ID, c.ProjectID, c.WorkItemType, c.Identity, c.Milestones, c.PercentComplete,
			c.BudgetHours, nullable(c.DrawingID), nonNil(c.Attributes), c.TemplateID,
			c.Blocked, c.NeedsReview, c.Retired, c.Version,
		).Scan(&c.CreatedAt, &c.UpdatedAt)
	})
	if err != nil {
		return fmt.Errorf("create component: %w", constraintError(err, "component "+c.WorkItemType+"/"+c.Identity))
	}
	return nil
}

func (r *ComponentRepository) GetComponent(ctx context.Context, id string) (*model.Component, error) {
	var c *model.Component
	err := otel.Traced(ctx, "select", "components", func(ctx context.Context) error {
		var err error
		c, err = scanComponent(r.db.QueryRow(ctx, `SELECT `+componentColumns+` FROM components WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, notFound(err, "component "+id)
	}
	return c, nil
}

func (r *ComponentRepository) ListComponents(ctx context.Context, projectID string) ([]model.Component, error) {
	return listComponents(ctx, r.db, projectID)
}

func listComponents(ctx context.Context, q querier, projectID string) ([]model.Component, error) {
	rows, err := q.Query(ctx, `SELECT `+componentColumns+` FROM components WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	return collectComponents(rows)
}

func (r *ComponentRepository) ListComponentsAfter(ctx context.Context, projectID, workItemType, afterID string, limit int) ([]model.Component, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+componentColumns+`
		FROM components
		WHERE project_id = $1 AND work_item_type = $2 AND id > $3
		ORDER BY id
		LIMIT NULLIF($4, 0)
	`, projectID, workItemType, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("page components: %w", err)
	}
	return collectComponents(rows)
}

func (r *ComponentRepository) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT project_id FROM components
		UNION
		SELECT project_id FROM drawings
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return ids, nil
}

// WithComponentLock runs fn inside a transaction holding the component's row
// lock. Waiting longer than lockTimeout yields model.ErrConcurrentModification.
func (r *ComponentRepository) WithComponentLock(ctx context.Context, id string, fn LockedFunc) error {
	ctx, span := otel.DBSpan(ctx, "lock", "components")
	defer span.End()

	err := db.WithTx(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}

		start := time.Now()
		c, err := scanComponent(tx.QueryRow(ctx, `SELECT `+componentColumns+` FROM components WHERE id = $1 FOR UPDATE`, id))
		metrics.RecordLockWait(time.Since(start))
		if err != nil {
			return notFound(err, "component "+id)
		}
		return fn(ctx, c, &componentTx{tx: tx, outbox: r.outbox})
	})
	otel.WrapDBError(span, err)
	if db.HasCode(err, db.CodeLockNotAvailable) {
		r.logger.Warn("Component lock timeout", zap.String("component_id", id), zap.Duration("timeout", r.lockTimeout))
		return fmt.Errorf("component %s: %w", id, model.ErrConcurrentModification)
	}
	return err
}

type componentTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *componentTx) SaveComponent(ctx context.Context, c *model.Component) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE components
		SET milestones = $2, percent_complete = $3, budget_hours = $4, drawing_id = $5,
		    attributes = $6, template_id = $7, blocked = $8, needs_review = $9, retired = $10,
		    version = $11, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, c.ID, c.Milestones, c.PercentComplete, c.BudgetHours, nullable(c.DrawingID),
		nonNil(c.Attributes), c.TemplateID, c.Blocked, c.NeedsReview, c.Retired, c.Version,
	).Scan(&c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save component %s: %w", c.ID, constraintError(notFound(err, "component "+c.ID), "component "+c.ID))
	}
	return nil
}

// AppendEvent inserts e and queues a milestone.recorded message in the same
// transaction.
func (t *componentTx) AppendEvent(ctx context.Context, e *model.MilestoneEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO milestone_events (id, component_id, project_id, milestone, previous_value, new_value,
			user_id, category, weight, delta, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.ComponentID, e.ProjectID, e.Milestone, e.PreviousValue, e.NewValue,
		e.UserID, string(e.Category), e.Weight, e.Delta, e.Sequence, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if t.outbox == nil {
		return nil
	}
	payload := model.MilestoneRecordedPayload{
		EventID:     e.ID,
		ComponentID: e.ComponentID,
		ProjectID:   e.ProjectID,
		Milestone:   e.Milestone,
		Delta:       e.Delta,
		RecordedAt:  e.CreatedAt,
		TraceID:     trace.FromContext(ctx),
	}
	return t.outbox.InsertEventInTx(ctx, t.tx, "component", e.ComponentID, model.RoutingKeyMilestoneRecorded, payload)
}
