package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"earnedvalue/internal/model"
)

const groupingColumns = `id, project_id, attribute, name, created_at`

type GroupingRepository struct {
	db *pgxpool.Pool
}

func NewGroupingRepository(pool *pgxpool.Pool) *GroupingRepository {
	return &GroupingRepository{db: pool}
}

func (r *GroupingRepository) CreateGrouping(ctx context.Context, g *model.Grouping) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO groupings (id, project_id, attribute, name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, g.ID, g.ProjectID, g.Attribute, g.Name).Scan(&g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create grouping: %w", constraintError(err, "grouping "+g.Name))
	}
	return nil
}

func (r *GroupingRepository) GetGrouping(ctx context.Context, id string) (*model.Grouping, error) {
	rows, err := r.db.Query(ctx, `SELECT `+groupingColumns+` FROM groupings WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get grouping: %w", err)
	}
	g, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[model.Grouping])
	if err != nil {
		return nil, notFound(err, "grouping "+id)
	}
	return &g, nil
}

func (r *GroupingRepository) ListGroupings(ctx context.Context, projectID string) ([]model.Grouping, error) {
	return listGroupings(ctx, r.db, projectID)
}

func listGroupings(ctx context.Context, q querier, projectID string) ([]model.Grouping, error) {
	rows, err := q.Query(ctx, `SELECT `+groupingColumns+` FROM groupings WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list groupings: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.Grouping])
	if err != nil {
		return nil, fmt.Errorf("scan groupings: %w", err)
	}
	return out, nil
}
