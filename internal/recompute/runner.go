// Package recompute re-derives percent complete for every component of a
// work-item type after its template changes. Jobs are checkpointed by the
// last processed component ID and can resume after a crash or cancellation.
package recompute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/internal/recorder"
	"earnedvalue/internal/template"
	"earnedvalue/pkg/metrics"
	"earnedvalue/pkg/otel"
)

type Store interface {
	CreateRecomputeJob(ctx context.Context, j *model.RecomputeJob) error
	GetRecomputeJob(ctx context.Context, id string) (*model.RecomputeJob, error)
	SaveRecomputeJob(ctx context.Context, j *model.RecomputeJob) error
	ListRecomputeJobs(ctx context.Context, status model.RecomputeStatus, limit int) ([]model.RecomputeJob, error)
	ListComponentsAfter(ctx context.Context, projectID, workItemType, afterID string, limit int) ([]model.Component, error)
}

type Runner struct {
	store     Store
	recorder  *recorder.Recorder
	templates *template.Resolver
	dirty     recorder.DirtyMarker
	logger    *zap.Logger

	batchSize int
	poll      time.Duration

	mu      sync.Mutex
	running map[string]struct{}
}

func NewRunner(store Store, rec *recorder.Recorder, templates *template.Resolver, dirty recorder.DirtyMarker, logger *zap.Logger) *Runner {
	return &Runner{
		store:     store,
		recorder:  rec,
		templates: templates,
		dirty:     dirty,
		logger:    logger,
		batchSize: 200,
		poll:      5 * time.Second,
		running:   make(map[string]struct{}),
	}
}

// WithBatchSize sets components per batch; the checkpoint is saved after each batch.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithPollInterval sets how often Poll looks for pending jobs.
func (r *Runner) WithPollInterval(d time.Duration) *Runner {
	if d > 0 {
		r.poll = d
	}
	return r
}

// Enqueue creates a pending job for (project, type) against templateID.
func (r *Runner) Enqueue(ctx context.Context, projectID, workItemType string, templateID int64) (*model.RecomputeJob, error) {
	job := &model.RecomputeJob{
		ProjectID:    projectID,
		WorkItemType: workItemType,
		TemplateID:   templateID,
		Status:       model.RecomputePending,
	}
	if err := r.store.CreateRecomputeJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create recompute job: %w", err)
	}
	r.logger.Info("Recompute job enqueued",
		zap.String("job_id", job.ID),
		zap.String("project_id", projectID),
		zap.String("work_item_type", workItemType),
		zap.Int64("template_id", templateID),
	)
	return job, nil
}

// Get returns a job with its progress.
func (r *Runner) Get(ctx context.Context, jobID string) (*model.RecomputeJob, error) {
	return r.store.GetRecomputeJob(ctx, jobID)
}

// Resume puts a failed or interrupted job back in the queue. Progress made
// before the interruption is kept.
func (r *Runner) Resume(ctx context.Context, jobID string) (*model.RecomputeJob, error) {
	job, err := r.store.GetRecomputeJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Done() {
		return job, nil
	}
	if r.isRunning(jobID) {
		return job, nil
	}
	job.Status = model.RecomputePending
	job.LastError = ""
	if err := r.store.SaveRecomputeJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Run processes a job from its checkpoint until done or ctx ends. On
// cancellation the job goes back to pending with its cursor saved.
func (r *Runner) Run(ctx context.Context, jobID string) (err error) {
	if !r.claim(jobID) {
		return fmt.Errorf("%w: recompute job %s already running", model.ErrConcurrentModification, jobID)
	}
	defer r.release(jobID)

	ctx, span := otel.StartSpan(ctx, "recompute.Run")
	defer func() { otel.EndSpan(span, err) }()

	job, err := r.store.GetRecomputeJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Done() {
		return nil
	}

	log := r.logger.With(zap.String("job_id", job.ID), zap.String("project_id", job.ProjectID), zap.String("work_item_type", job.WorkItemType))

	t, err := r.templates.ResolveByID(ctx, job.TemplateID)
	if err != nil {
		return r.fail(ctx, job, err)
	}
	if superseded, err := r.superseded(ctx, job); err != nil {
		return r.fail(ctx, job, err)
	} else if superseded {
		return r.supersede(ctx, job)
	}

	job.Status = model.RecomputeRunning
	if err := r.store.SaveRecomputeJob(ctx, job); err != nil {
		return err
	}
	log.Info("Recompute job started", zap.String("cursor", job.Cursor), zap.Int("processed", job.Processed))

	for {
		batch, err := r.store.ListComponentsAfter(ctx, job.ProjectID, job.WorkItemType, job.Cursor, r.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupt(job, ctx.Err())
			}
			return r.fail(ctx, job, err)
		}
		if len(batch) == 0 {
			break
		}
		// a template activated mid-run has its own job; stop here and leave the rest to it
		if superseded, err := r.superseded(ctx, job); err == nil && superseded {
			return r.supersede(ctx, job)
		}

		for _, c := range batch {
			if ctx.Err() != nil {
				return r.interrupt(job, ctx.Err())
			}
			changed, err := r.recorder.Recompute(ctx, c.ID, t)
			switch {
			case err != nil && ctx.Err() != nil:
				return r.interrupt(job, ctx.Err())
			case err != nil:
				job.Failed++
				job.LastError = fmt.Sprintf("component %s: %v", c.ID, err)
				metrics.IncrementRecompute("failed")
				log.Warn("Component recompute failed", zap.String("component_id", c.ID), zap.Error(err))
			case changed:
				metrics.IncrementRecompute("updated")
			default:
				metrics.IncrementRecompute("unchanged")
			}
			job.Cursor = c.ID
			job.Processed++
		}

		if err := r.store.SaveRecomputeJob(ctx, job); err != nil {
			if ctx.Err() != nil {
				return r.interrupt(job, ctx.Err())
			}
			return err
		}
	}

	job.Status = model.RecomputeCompleted
	if err := r.store.SaveRecomputeJob(ctx, job); err != nil {
		return err
	}
	if r.dirty != nil {
		if err := r.dirty.MarkDirty(ctx, job.ProjectID); err != nil {
			log.Warn("Failed to mark project dirty after recompute", zap.Error(err))
		}
	}
	log.Info("Recompute job completed", zap.Int("processed", job.Processed), zap.Int("failed", job.Failed))
	return nil
}

// superseded reports whether the job's template is no longer the one
// resolved for its (project, type).
func (r *Runner) superseded(ctx context.Context, job *model.RecomputeJob) (bool, error) {
	active, err := r.templates.Resolve(ctx, job.WorkItemType, job.ProjectID)
	if err != nil {
		return false, err
	}
	return active.ID != job.TemplateID, nil
}

func (r *Runner) supersede(ctx context.Context, job *model.RecomputeJob) error {
	job.Status = model.RecomputeSuperseded
	if err := r.store.SaveRecomputeJob(ctx, job); err != nil {
		return err
	}
	r.logger.Info("Recompute job superseded by a newer template",
		zap.String("job_id", job.ID),
		zap.Int64("template_id", job.TemplateID),
		zap.Int("processed", job.Processed),
	)
	return nil
}

// interrupt saves the checkpoint with a fresh context since ctx is done.
func (r *Runner) interrupt(job *model.RecomputeJob, cause error) error {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job.Status = model.RecomputePending
	if err := r.store.SaveRecomputeJob(saveCtx, job); err != nil {
		r.logger.Error("Failed to checkpoint interrupted recompute job", zap.String("job_id", job.ID), zap.Error(err))
		return errors.Join(cause, err)
	}
	r.logger.Info("Recompute job interrupted, checkpoint saved",
		zap.String("job_id", job.ID),
		zap.String("cursor", job.Cursor),
		zap.Int("processed", job.Processed),
	)
	return cause
}

func (r *Runner) fail(ctx context.Context, job *model.RecomputeJob, cause error) error {
	job.Status = model.RecomputeFailed
	job.LastError = cause.Error()
	if err := r.store.SaveRecomputeJob(ctx, job); err != nil {
		return errors.Join(cause, err)
	}
	r.logger.Error("Recompute job failed", zap.String("job_id", job.ID), zap.Error(cause))
	return cause
}

// RunPending runs every pending job once, oldest first.
func (r *Runner) RunPending(ctx context.Context) error {
	jobs, err := r.store.ListRecomputeJobs(ctx, model.RecomputePending, 10)
	if err != nil {
		return fmt.Errorf("list pending recompute jobs: %w", err)
	}
	var errs []error
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := r.Run(ctx, j.ID); err != nil && !errors.Is(err, model.ErrConcurrentModification) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Poll runs pending jobs on an interval until ctx is done.
func (r *Runner) Poll(ctx context.Context) {
	r.logger.Info("Starting recompute poller", zap.Duration("interval", r.poll), zap.Int("batch_size", r.batchSize))
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Recompute poller stopped")
			return
		case <-ticker.C:
			if err := r.RunPending(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Recompute poll cycle failed", zap.Error(err))
			}
		}
	}
}

func (r *Runner) claim(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[jobID]; ok {
		return false
	}
	r.running[jobID] = struct{}{}
	return true
}

func (r *Runner) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
}

func (r *Runner) isRunning(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[jobID]
	return ok
}
