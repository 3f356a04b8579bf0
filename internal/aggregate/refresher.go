// Package aggregate maintains the precomputed drawing, grouping and project
// rollups. Records are rebuilt from a snapshot and swapped per project, so
// readers never see a half-refreshed project.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"earnedvalue/internal/model"
	"earnedvalue/internal/repository"
	"earnedvalue/pkg/metrics"
	"earnedvalue/pkg/otel"
)

// Store is what the refresher reads and writes.
type Store interface {
	repository.AggregationStore
	ListProjects(ctx context.Context) ([]string, error)
}

type Refresher struct {
	store       Store
	dirty       DirtyTracker
	logger      *zap.Logger
	interval    time.Duration
	fullEvery   int
	concurrency int
	now         func() time.Time
}

func NewRefresher(store Store, dirty DirtyTracker, logger *zap.Logger) *Refresher {
	return &Refresher{
		store:       store,
		dirty:       dirty,
		logger:      logger,
		interval:    30 * time.Second,
		fullEvery:   10,
		concurrency: 4,
		now:         time.Now,
	}
}

// WithInterval sets the tick period.
func (r *Refresher) WithInterval(d time.Duration) *Refresher {
	r.interval = d
	return r
}

// WithFullRefreshEvery makes every n-th tick a full refresh; 0 disables it.
func (r *Refresher) WithFullRefreshEvery(n int) *Refresher {
	r.fullEvery = n
	return r
}

// WithConcurrency bounds how many projects refresh in parallel.
func (r *Refresher) WithConcurrency(n int) *Refresher {
	r.concurrency = n
	return r
}

func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// Refresh rebuilds every record of one project. On failure the prior records
// stay in place and the project is marked dirty again.
func (r *Refresher) Refresh(ctx context.Context, projectID string) error {
	ctx, span := otel.StartSpan(ctx, "aggregate.Refresh")
	start := time.Now()

	err := r.refresh(ctx, projectID)
	otel.EndSpan(span, err)
	metrics.RecordAggregationRefresh(projectID, err == nil, time.Since(start), r.now())

	if err != nil {
		if markErr := r.dirty.MarkDirty(ctx, projectID); markErr != nil {
			r.logger.Error("Failed to re-mark project dirty", zap.String("project_id", projectID), zap.Error(markErr))
		}
		r.logger.Warn("Aggregation refresh failed, prior snapshot retained",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: project %s: %v", model.ErrAggregationRefresh, projectID, err)
	}
	return nil
}

func (r *Refresher) refresh(ctx context.Context, projectID string) error {
	snap, err := r.store.Snapshot(ctx, projectID)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	records := Compute(snap, r.now().UTC())
	if err := r.store.ReplaceAggregations(ctx, projectID, records); err != nil {
		return fmt.Errorf("replace aggregations: %w", err)
	}
	r.logger.Debug("Aggregations refreshed",
		zap.String("project_id", projectID),
		zap.Int("components", len(snap.Components)),
		zap.Int("records", len(records)),
	)
	return nil
}

// RefreshProjects refreshes projects in parallel, bounded by the configured
// concurrency. One project's failure does not stop the others.
func (r *Refresher) RefreshProjects(ctx context.Context, projectIDs []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, id := range projectIDs {
		id := id
		g.Go(func() error {
			if err := r.Refresh(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RefreshAll refreshes every known project.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("%w: list projects: %v", model.ErrAggregationRefresh, err)
	}
	return r.RefreshProjects(ctx, projects)
}

// Tick runs one refresh cycle: a full refresh when full is set, otherwise
// only projects marked dirty since the last cycle. Projects drained before a
// drain error are still refreshed this cycle.
func (r *Refresher) Tick(ctx context.Context, full bool) error {
	if full {
		projects, err := r.store.ListProjects(ctx)
		if err != nil {
			// keep the dirty marks and fall back to an incremental cycle
			r.logger.Warn("Failed to list projects for full refresh", zap.Error(err))
			return errors.Join(fmt.Errorf("%w: list projects: %v", model.ErrAggregationRefresh, err), r.Tick(ctx, false))
		}
		// every project is about to be rebuilt; pending marks are covered
		drained, drainErr := r.dirty.Drain(ctx)
		if drainErr != nil {
			r.logger.Warn("Failed to clear dirty set before full refresh", zap.Error(drainErr))
		}
		return r.RefreshProjects(ctx, union(projects, drained))
	}

	projects, drainErr := r.dirty.Drain(ctx)
	if drainErr != nil {
		drainErr = fmt.Errorf("%w: %v", model.ErrAggregationRefresh, drainErr)
	}
	if len(projects) == 0 {
		return drainErr
	}
	return errors.Join(drainErr, r.RefreshProjects(ctx, projects))
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Run refreshes everything once, then ticks until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("Starting aggregation refresher",
		zap.Duration("interval", r.interval),
		zap.Int("full_refresh_every", r.fullEvery),
		zap.Int("concurrency", r.concurrency),
	)
	if err := r.Tick(ctx, true); err != nil {
		r.logger.Error("Initial aggregation refresh incomplete", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Aggregation refresher stopped")
			return
		case <-ticker.C:
			tick++
			full := r.fullEvery > 0 && tick%r.fullEvery == 0
			if err := r.Tick(ctx, full); err != nil {
				r.logger.Error("Aggregation refresh cycle incomplete", zap.Bool("full", full), zap.Error(err))
			}
		}
	}
}
