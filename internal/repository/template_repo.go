package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"earnedvalue/internal/model"
	"earnedvalue/pkg/db"
	"earnedvalue/pkg/otel"
)

const templateColumns = `id, work_item_type, project_id, milestones, version, active, created_at`

type TemplateRepository struct {
	db *pgxpool.Pool
}

func NewTemplateRepository(pool *pgxpool.Pool) *TemplateRepository {
	return &TemplateRepository{db: pool}
}

func scanTemplate(row pgx.Row) (*model.Template, error) {
	var t model.Template
	if err := row.Scan(&t.ID, &t.WorkItemType, &t.ProjectID, &t.Milestones, &t.Version, &t.Active, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) FindActiveTemplate(ctx context.Context, workItemType, projectID string) (*model.Template, error) {
	var t *model.Template
	err := otel.Traced(ctx, "select", "progress_templates", func(ctx context.Context) error {
		var err error
		t, err = scanTemplate(r.db.QueryRow(ctx, `
			SELECT `+templateColumns+`
			FROM progress_templates
			WHERE work_item_type = $1 AND project_id = $2 AND active
		`, workItemType, projectID))
		return err
	})
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("template %s/%s", workItemType, projectID))
	}
	return t, nil
}

func (r *TemplateRepository) GetTemplate(ctx context.Context, id int64) (*model.Template, error) {
	t, err := scanTemplate(r.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM progress_templates WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("template %d", id))
	}
	return t, nil
}

// ActivateTemplate stores t as the next version for its (type, project) and
// deactivates the previous one in the same transaction.
func (r *TemplateRepository) ActivateTemplate(ctx context.Context, t *model.Template) error {
	err := db.WithTx(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// activations for one (type, project) are serialized
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.WorkItemType+"/"+t.ProjectID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE progress_templates SET active = FALSE
			WHERE work_item_type = $1 AND project_id = $2 AND active
		`, t.WorkItemType, t.ProjectID); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO progress_templates (work_item_type, project_id, milestones, version, active)
			SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, TRUE
			FROM progress_templates
			WHERE work_item_type = $1 AND project_id = $2
			RETURNING id, version, active, created_at
		`, t.WorkItemType, t.ProjectID, t.Milestones).Scan(&t.ID, &t.Version, &t.Active, &t.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("activate template %s/%s: %w", t.WorkItemType, t.ProjectID, err)
	}
	return nil
}
