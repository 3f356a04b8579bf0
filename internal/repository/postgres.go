package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/pkg/db"
	"earnedvalue/pkg/outbox"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on PostgreSQL. Milestone events are written
// together with an outbox row in the component transaction.
type PostgresStore struct {
	*ComponentRepository
	*DrawingRepository
	*GroupingRepository
	*TemplateRepository
	*EventRepository
	*AggregationRepository
	*RecomputeJobRepository

	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wires every repository onto one pool. outboxRepo may be nil,
// in which case no milestone.recorded messages are queued.
func NewPostgresStore(pool *pgxpool.Pool, outboxRepo *outbox.Repository, lockTimeout time.Duration, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		ComponentRepository:    NewComponentRepository(pool, outboxRepo, lockTimeout, logger),
		DrawingRepository:      NewDrawingRepository(pool),
		GroupingRepository:     NewGroupingRepository(pool),
		TemplateRepository:     NewTemplateRepository(pool),
		EventRepository:        NewEventRepository(pool),
		AggregationRepository:  NewAggregationRepository(pool, logger),
		RecomputeJobRepository: NewRecomputeJobRepository(pool),
		db:                     pool,
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Snapshot reads a project's graph in one REPEATABLE READ transaction so the
// refresher sees a consistent point in time without blocking writers.
func (s *PostgresStore) Snapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	snap := &Snapshot{ProjectID: projectID}
	err := db.WithTx(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		if err = tx.QueryRow(ctx, `SELECT NOW()`).Scan(&snap.TakenAt); err != nil {
			return err
		}
		if snap.Components, err = listComponents(ctx, tx, projectID); err != nil {
			return err
		}
		if snap.Drawings, err = listDrawings(ctx, tx, projectID); err != nil {
			return err
		}
		snap.Groupings, err = listGroupings(ctx, tx, projectID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot project %s: %w", projectID, err)
	}
	return snap, nil
}

// notFound converts pgx.ErrNoRows into model.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return err
}

// constraintError maps integrity violations caused by bad input.
func constraintError(err error, what string) error {
	switch {
	case db.HasCode(err, db.CodeUniqueViolation):
		return fmt.Errorf("%w: %s already exists", model.ErrInvalidInput, what)
	case db.HasCode(err, db.CodeForeignKeyViolation):
		return fmt.Errorf("%w: %s references a missing row", model.ErrInvalidInput, what)
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
