package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/pkg/db"
	"earnedvalue/pkg/otel"
)

var aggregationColumns = []string{
	"scope", "key", "project_id", "total", "complete", "avg_percent",
	"flagged", "budget_hours", "earned_hours", "refreshed_at",
}

type AggregationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewAggregationRepository(pool *pgxpool.Pool, logger *zap.Logger) *AggregationRepository {
	return &AggregationRepository{db: pool, logger: logger}
}

// ReplaceAggregations deletes and re-copies every record of the project in
// one transaction; readers see either the old set or the new one.
func (r *AggregationRepository) ReplaceAggregations(ctx context.Context, projectID string, records []model.AggregationRecord) error {
	return otel.Traced(ctx, "replace", "aggregations", func(ctx context.Context) error {
		return db.WithTx(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM aggregations WHERE project_id = $1`, projectID); err != nil {
				return fmt.Errorf("clear aggregations: %w", err)
			}
			n, err := tx.CopyFrom(ctx, pgx.Identifier{"aggregations"}, aggregationColumns,
				pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
					a := records[i]
					return []any{
						string(a.Scope), a.Key, a.ProjectID, a.Total, a.Complete, a.AvgPercent,
						a.Flagged, a.BudgetHours, a.EarnedHours, a.RefreshedAt,
					}, nil
				}))
			if err != nil {
				return fmt.Errorf("copy aggregations: %w", err)
			}
			r.logger.Debug("Aggregations replaced", zap.String("project_id", projectID), zap.Int64("rows", n))
			return nil
		})
	})
}

func (r *AggregationRepository) GetAggregation(ctx context.Context, scope model.Scope, key string) (*model.AggregationRecord, error) {
	var a model.AggregationRecord
	err := r.db.QueryRow(ctx, `
		SELECT scope, key, project_id, total, complete, avg_percent, flagged, budget_hours, earned_hours, refreshed_at
		FROM aggregations
		WHERE scope = $1 AND key = $2
	`, string(scope), key).Scan(
		&a.Scope, &a.Key, &a.ProjectID, &a.Total, &a.Complete, &a.AvgPercent,
		&a.Flagged, &a.BudgetHours, &a.EarnedHours, &a.RefreshedAt,
	)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("aggregation %s/%s", scope, key))
	}
	return &a, nil
}
