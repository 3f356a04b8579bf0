package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"earnedvalue/internal/model"
	"earnedvalue/pkg/otel"
)

const eventColumns = `id, component_id, project_id, milestone, previous_value, new_value,
	user_id, category, weight, delta, sequence, created_at`

// EventRepository reads the insert-only milestone event log. Writes go through
// the component transaction.
type EventRepository struct {
	db *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: pool}
}

func (r *EventRepository) ListEvents(ctx context.Context, projectID string, start, end time.Time) ([]model.MilestoneEvent, error) {
	var out []model.MilestoneEvent
	err := otel.Traced(ctx, "select", "milestone_events", func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT `+eventColumns+`
			FROM milestone_events
			WHERE project_id = $1 AND created_at >= $2 AND created_at < $3
			ORDER BY created_at, sequence
		`, projectID, start, end)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToStructByPos[model.MilestoneEvent])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func (r *EventRepository) ListComponentEvents(ctx context.Context, componentID string) ([]model.MilestoneEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM milestone_events
		WHERE component_id = $1
		ORDER BY sequence
	`, componentID)
	if err != nil {
		return nil, fmt.Errorf("list component events: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.MilestoneEvent])
	if err != nil {
		return nil, fmt.Errorf("scan component events: %w", err)
	}
	return out, nil
}
