package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"earnedvalue/internal/model"
)

const jobColumns = `id, project_id, work_item_type, template_id, cursor, processed, failed,
	status, last_error, created_at, updated_at`

type RecomputeJobRepository struct {
	db *pgxpool.Pool
}

func NewRecomputeJobRepository(pool *pgxpool.Pool) *RecomputeJobRepository {
	return &RecomputeJobRepository{db: pool}
}

func (r *RecomputeJobRepository) CreateRecomputeJob(ctx context.Context, j *model.RecomputeJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO recompute_jobs (id, project_id, work_item_type, template_id, cursor, processed, failed, status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, j.ID, j.ProjectID, j.WorkItemType, j.TemplateID, j.Cursor, j.Processed, j.Failed, string(j.Status), j.LastError,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create recompute job: %w", err)
	}
	return nil
}

func (r *RecomputeJobRepository) GetRecomputeJob(ctx context.Context, id string) (*model.RecomputeJob, error) {
	rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM recompute_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get recompute job: %w", err)
	}
	j, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[model.RecomputeJob])
	if err != nil {
		return nil, notFound(err, "recompute job "+id)
	}
	return &j, nil
}

// SaveRecomputeJob persists the job's checkpoint (cursor, counters, status).
func (r *RecomputeJobRepository) SaveRecomputeJob(ctx context.Context, j *model.RecomputeJob) error {
	err := r.db.QueryRow(ctx, `
		UPDATE recompute_jobs
		SET cursor = $2, processed = $3, failed = $4, status = $5, last_error = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, j.ID, j.Cursor, j.Processed, j.Failed, string(j.Status), j.LastError).Scan(&j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save recompute job: %w", notFound(err, "recompute job "+j.ID))
	}
	return nil
}

func (r *RecomputeJobRepository) ListRecomputeJobs(ctx context.Context, status model.RecomputeStatus, limit int) ([]model.RecomputeJob, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM recompute_jobs
		WHERE status = $1
		ORDER BY created_at
		LIMIT NULLIF($2, 0)
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list recompute jobs: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.RecomputeJob])
	if err != nil {
		return nil, fmt.Errorf("scan recompute jobs: %w", err)
	}
	return out, nil
}
