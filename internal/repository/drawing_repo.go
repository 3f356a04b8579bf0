package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"earnedvalue/internal/model"
	"earnedvalue/pkg/otel"
)

const drawingColumns = `id, project_id, number, attributes, created_at, updated_at`

type DrawingRepository struct {
	db *pgxpool.Pool
}

func NewDrawingRepository(pool *pgxpool.Pool) *DrawingRepository {
	return &DrawingRepository{db: pool}
}

func scanDrawing(row pgx.Row) (*model.Drawing, error) {
	var d model.Drawing
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Number, &d.Attributes, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if len(d.Attributes) == 0 {
		d.Attributes = nil
	}
	return &d, nil
}

func (r *DrawingRepository) CreateDrawing(ctx context.Context, d *model.Drawing) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	err := otel.Traced(ctx, "insert", "drawings", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, `
			INSERT INTO drawings (id, project_id, number, attributes)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at, updated_at
		`, d.ID, d.ProjectID, d.Number, nonNil(d.Attributes)).Scan(&d.CreatedAt, &d.UpdatedAt)
	})
	if err != nil {
		return fmt.Errorf("create drawing: %w", constraintError(err, "drawing "+d.Number))
	}
	return nil
}

func (r *DrawingRepository) GetDrawing(ctx context.Context, id string) (*model.Drawing, error) {
	d, err := scanDrawing(r.db.QueryRow(ctx, `SELECT `+drawingColumns+` FROM drawings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "drawing "+id)
	}
	return d, nil
}

func (r *DrawingRepository) ListDrawings(ctx context.Context, projectID string) ([]model.Drawing, error) {
	return listDrawings(ctx, r.db, projectID)
}

func listDrawings(ctx context.Context, q querier, projectID string) ([]model.Drawing, error) {
	rows, err := q.Query(ctx, `SELECT `+drawingColumns+` FROM drawings WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list drawings: %w", err)
	}
	defer rows.Close()

	out := []model.Drawing{}
	for rows.Next() {
		d, err := scanDrawing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drawing: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SetDrawingAttribute sets or, for an empty value, removes one attribute.
// Inheriting components pick the change up on their next resolution.
func (r *DrawingRepository) SetDrawingAttribute(ctx context.Context, id, name, value string) (*model.Drawing, error) {
	var d *model.Drawing
	err := otel.Traced(ctx, "update", "drawings", func(ctx context.Context) error {
		var err error
		if value == "" {
			d, err = scanDrawing(r.db.QueryRow(ctx, `
				UPDATE drawings SET attributes = attributes - $2::text, updated_at = NOW()
				WHERE id = $1
				RETURNING `+drawingColumns, id, name))
		} else {
			d, err = scanDrawing(r.db.QueryRow(ctx, `
				UPDATE drawings SET attributes = attributes || jsonb_build_object($2::text, $3::text), updated_at = NOW()
				WHERE id = $1
				RETURNING `+drawingColumns, id, name, value))
		}
		return err
	})
	if err != nil {
		return nil, notFound(err, "drawing "+id)
	}
	return d, nil
}
