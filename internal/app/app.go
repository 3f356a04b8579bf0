// Package app wires storage, templates and the progress engine for the api
// and worker processes.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"earnedvalue/config"
	"earnedvalue/internal/aggregate"
	"earnedvalue/internal/httpserver"
	"earnedvalue/internal/recompute"
	"earnedvalue/internal/recorder"
	"earnedvalue/internal/report"
	"earnedvalue/internal/repository"
	"earnedvalue/internal/repository/memory"
	"earnedvalue/internal/repository/migrations"
	"earnedvalue/internal/service"
	"earnedvalue/internal/template"
	"earnedvalue/pkg/db"
	"earnedvalue/pkg/outbox"
	redisclient "earnedvalue/pkg/redis"
)

// Infra holds the storage backends selected by the storage driver.
type Infra struct {
	Store     repository.Store
	Dirty     aggregate.DirtyTracker
	Templates *template.Resolver

	// Set only for the postgres driver.
	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Outbox *outbox.Repository

	Checks  []httpserver.Check
	closers []func()
}

// Open connects the configured backends, applies migrations and seeds the
// default templates.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infra, error) {
	infra := &Infra{}

	if cfg.UsesPostgres() {
		pool, err := db.NewConnection(ctx, cfg.DB, logger)
		if err != nil {
			return nil, fmt.Errorf("DB initialization failed: %w", err)
		}
		infra.Pool = pool
		infra.closers = append(infra.closers, pool.Close)

		if _, err := db.ApplyMigrations(ctx, pool, migrations.FS, logger); err != nil {
			infra.Close()
			return nil, err
		}

		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("Redis initialization failed: %w", err)
		}
		infra.Redis = rdb
		infra.closers = append(infra.closers, func() { _ = rdb.Close() })

		infra.Outbox = outbox.NewRepository(pool)
		infra.Store = repository.NewPostgresStore(pool, infra.Outbox, cfg.Engine.LockTimeout, logger)
		infra.Dirty = aggregate.NewRedisDirtyTracker(rdb)
		infra.Checks = []httpserver.Check{
			{Name: "db", Fn: pool.Ping},
			{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		}
		logger.Info("Storage ready", zap.String("driver", config.DriverPostgres))
	} else {
		infra.Store = memory.NewStore(memory.WithLockTimeout(cfg.Engine.LockTimeout))
		infra.Dirty = aggregate.NewMemoryDirtyTracker()
		logger.Warn("Using in-memory storage; state is lost on restart", zap.String("driver", config.DriverMemory))
	}

	infra.Templates = template.NewResolver(infra.Store, logger)
	if cfg.Engine.TemplatesFile != "" {
		defaults, err := template.LoadDefaults(cfg.Engine.TemplatesFile)
		if err != nil {
			infra.Close()
			return nil, err
		}
		if _, err := infra.Templates.SeedDefaults(ctx, defaults); err != nil {
			infra.Close()
			return nil, err
		}
	}
	return infra, nil
}

// Close releases connections in reverse order of opening.
func (i *Infra) Close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		i.closers[j]()
	}
	i.closers = nil
}

// Engine is the assembled progress engine.
type Engine struct {
	Recorder  *recorder.Recorder
	Reports   *report.Engine
	Runner    *recompute.Runner
	Refresher *aggregate.Refresher
	Service   *service.ProgressService
}

// NewEngine builds the engine on infra. With the postgres driver the recorder
// does not mark projects dirty itself; the milestone.recorded consumer does.
func NewEngine(infra *Infra, cfg *config.Config, logger *zap.Logger) *Engine {
	var recOpts []recorder.Option
	if infra.Outbox == nil {
		recOpts = append(recOpts, recorder.WithDirtyMarker(infra.Dirty))
	}
	rec := recorder.New(infra.Store, infra.Templates, logger, recOpts...)
	reports := report.NewEngine(infra.Store, infra.Templates, logger)
	runner := recompute.NewRunner(infra.Store, rec, infra.Templates, infra.Dirty, logger).
		WithBatchSize(cfg.Engine.RecomputeBatchSize).
		WithPollInterval(cfg.Engine.RecomputePoll)
	refresher := aggregate.NewRefresher(infra.Store, infra.Dirty, logger).
		WithInterval(cfg.Engine.RefreshInterval).
		WithFullRefreshEvery(cfg.Engine.FullRefreshEvery).
		WithConcurrency(cfg.Engine.RefreshConcurrency)

	return &Engine{
		Recorder:  rec,
		Reports:   reports,
		Runner:    runner,
		Refresher: refresher,
		Service:   service.NewProgressService(infra.Store, infra.Templates, rec, reports, runner, infra.Dirty, logger),
	}
}
