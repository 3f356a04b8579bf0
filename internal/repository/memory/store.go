// Package memory is an in-process implementation of repository.Store with the
// same transactional guarantees as the PostgreSQL store: per-component locks,
// all-or-nothing component units of work and wholesale aggregation swaps.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"earnedvalue/internal/model"
	"earnedvalue/internal/repository"

	"github.com/google/uuid"
)

type aggKey struct {
	scope model.Scope
	key   string
}

// Store keeps all state in maps guarded by one short-held RWMutex. Component
// writers serialize on their own per-component lock, not on mu.
type Store struct {
	mu           sync.RWMutex
	components   map[string]model.Component
	drawings     map[string]model.Drawing
	groupings    map[string]model.Grouping
	templates    map[int64]model.Template
	nextTmplID   int64
	events       []model.MilestoneEvent
	aggregations map[aggKey]model.AggregationRecord
	jobs         map[string]model.RecomputeJob

	locks       *lockTable
	lockTimeout time.Duration
	now         func() time.Time
}

var _ repository.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a writer waits on a component lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithClock overrides time.Now, used for deterministic event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		components:   make(map[string]model.Component),
		drawings:     make(map[string]model.Drawing),
		groupings:    make(map[string]model.Grouping),
		templates:    make(map[int64]model.Template),
		aggregations: make(map[aggKey]model.AggregationRecord),
		jobs:         make(map[string]model.RecomputeJob),
		locks:        newLockTable(),
		lockTimeout:  2 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// ---- components ----

func (s *Store) CreateComponent(ctx context.Context, c *model.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.components[c.ID]; exists {
		return fmt.Errorf("%w: component %s already exists", model.ErrInvalidInput, c.ID)
	}
	for _, other := range s.components {
		if other.ProjectID == c.ProjectID && other.WorkItemType == c.WorkItemType && other.Identity == c.Identity {
			return fmt.Errorf("%w: component %s/%s already exists in project %s", model.ErrInvalidInput, c.WorkItemType, c.Identity, c.ProjectID)
		}
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.components[c.ID] = c.Clone()
	return nil
}

func (s *Store) GetComponent(ctx context.Context, id string) (*model.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.components[id]
	if !ok {
		return nil, fmt.Errorf("component %s: %w", id, model.ErrNotFound)
	}
	out := c.Clone()
	return &out, nil
}

func (s *Store) ListComponents(ctx context.Context, projectID string) ([]model.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectComponentsLocked(projectID), nil
}

func (s *Store) projectComponentsLocked(projectID string) []model.Component {
	out := []model.Component{}
	for _, c := range s.components {
		if c.ProjectID == projectID {
			out = append(out, c.Clone())
		}
	}
	model.SortComponentsByID(out)
	return out
}

func (s *Store) ListComponentsAfter(ctx context.Context, projectID, workItemType, afterID string, limit int) ([]model.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Component
	for _, c := range s.projectComponentsLocked(projectID) {
		if c.WorkItemType != workItemType || c.ID <= afterID {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, c := range s.components {
		seen[c.ProjectID] = struct{}{}
	}
	for _, d := range s.drawings {
		seen[d.ProjectID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// componentTx buffers writes until the locked function returns nil.
type componentTx struct {
	component *model.Component
	events    []model.MilestoneEvent
}

func (tx *componentTx) SaveComponent(ctx context.Context, c *model.Component) error {
	cp := c.Clone()
	tx.component = &cp
	return nil
}

func (tx *componentTx) AppendEvent(ctx context.Context, e *model.MilestoneEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tx.events = append(tx.events, *e)
	return nil
}

func (s *Store) WithComponentLock(ctx context.Context, id string, fn repository.LockedFunc) error {
	release, err := s.locks.acquire(ctx, id, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	c, err := s.GetComponent(ctx, id)
	if err != nil {
		return err
	}

	tx := &componentTx{}
	if err := fn(ctx, c, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if tx.component != nil {
		tx.component.UpdatedAt = now
		s.components[id] = *tx.component
	}
	for _, e := range tx.events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		s.events = append(s.events, e)
	}
	return nil
}

// ---- drawings ----

func (s *Store) CreateDrawing(ctx context.Context, d *model.Drawing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now
	s.drawings[d.ID] = copyDrawing(*d)
	return nil
}

func (s *Store) GetDrawing(ctx context.Context, id string) (*model.Drawing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drawings[id]
	if !ok {
		return nil, fmt.Errorf("drawing %s: %w", id, model.ErrNotFound)
	}
	out := copyDrawing(d)
	return &out, nil
}

func (s *Store) ListDrawings(ctx context.Context, projectID string) ([]model.Drawing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectDrawingsLocked(projectID), nil
}

func (s *Store) projectDrawingsLocked(projectID string) []model.Drawing {
	out := []model.Drawing{}
	for _, d := range s.drawings {
		if d.ProjectID == projectID {
			out = append(out, copyDrawing(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) SetDrawingAttribute(ctx context.Context, id, name, value string) (*model.Drawing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drawings[id]
	if !ok {
		return nil, fmt.Errorf("drawing %s: %w", id, model.ErrNotFound)
	}
	d = copyDrawing(d)
	if d.Attributes == nil {
		d.Attributes = map[string]string{}
	}
	if value == "" {
		delete(d.Attributes, name)
	} else {
		d.Attributes[name] = value
	}
	d.UpdatedAt = s.now()
	s.drawings[id] = d
	out := copyDrawing(d)
	return &out, nil
}

func copyDrawing(d model.Drawing) model.Drawing {
	out := d
	if d.Attributes != nil {
		out.Attributes = make(map[string]string, len(d.Attributes))
		for k, v := range d.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// ---- groupings ----

func (s *Store) CreateGrouping(ctx context.Context, g *model.Grouping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.CreatedAt = s.now()
	s.groupings[g.ID] = *g
	return nil
}

func (s *Store) GetGrouping(ctx context.Context, id string) (*model.Grouping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groupings[id]
	if !ok {
		return nil, fmt.Errorf("grouping %s: %w", id, model.ErrNotFound)
	}
	return &g, nil
}

func (s *Store) ListGroupings(ctx context.Context, projectID string) ([]model.Grouping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectGroupingsLocked(projectID), nil
}

func (s *Store) projectGroupingsLocked(projectID string) []model.Grouping {
	out := []model.Grouping{}
	for _, g := range s.groupings {
		if g.ProjectID == projectID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- templates ----

func (s *Store) FindActiveTemplate(ctx context.Context, workItemType, projectID string) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.templates {
		if t.Active && t.WorkItemType == workItemType && t.ProjectID == projectID {
			out := copyTemplate(t)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("template %s/%s: %w", workItemType, projectID, model.ErrNotFound)
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %d: %w", id, model.ErrNotFound)
	}
	out := copyTemplate(t)
	return &out, nil
}

func (s *Store) ActivateTemplate(ctx context.Context, t *model.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 0
	for id, prior := range s.templates {
		if prior.WorkItemType != t.WorkItemType || prior.ProjectID != t.ProjectID {
			continue
		}
		if prior.Version > version {
			version = prior.Version
		}
		if prior.Active {
			prior.Active = false
			s.templates[id] = prior
		}
	}
	s.nextTmplID++
	t.ID = s.nextTmplID
	t.Version = version + 1
	t.Active = true
	t.CreatedAt = s.now()
	s.templates[t.ID] = copyTemplate(*t)
	return nil
}

func copyTemplate(t model.Template) model.Template {
	out := t
	out.Milestones = append([]model.MilestoneDef(nil), t.Milestones...)
	return out
}

// ---- events ----

func (s *Store) ListEvents(ctx context.Context, projectID string, start, end time.Time) ([]model.MilestoneEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.MilestoneEvent{}
	for _, e := range s.events {
		if e.ProjectID != projectID {
			continue
		}
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ListComponentEvents(ctx context.Context, componentID string) ([]model.MilestoneEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.MilestoneEvent{}
	for _, e := range s.events {
		if e.ComponentID == componentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ---- aggregation ----

func (s *Store) Snapshot(ctx context.Context, projectID string) (*repository.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &repository.Snapshot{
		ProjectID:  projectID,
		Components: s.projectComponentsLocked(projectID),
		Drawings:   s.projectDrawingsLocked(projectID),
		Groupings:  s.projectGroupingsLocked(projectID),
		TakenAt:    s.now(),
	}, nil
}

func (s *Store) ReplaceAggregations(ctx context.Context, projectID string, records []model.AggregationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.aggregations {
		if r.ProjectID == projectID {
			delete(s.aggregations, k)
		}
	}
	for _, r := range records {
		s.aggregations[aggKey{scope: r.Scope, key: r.Key}] = r
	}
	return nil
}

func (s *Store) GetAggregation(ctx context.Context, scope model.Scope, key string) (*model.AggregationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.aggregations[aggKey{scope: scope, key: key}]
	if !ok {
		return nil, fmt.Errorf("aggregation %s/%s: %w", scope, key, model.ErrNotFound)
	}
	return &r, nil
}

// ---- recompute jobs ----

func (s *Store) CreateRecomputeJob(ctx context.Context, j *model.RecomputeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := s.now()
	j.CreatedAt, j.UpdatedAt = now, now
	s.jobs[j.ID] = *j
	return nil
}

func (s *Store) GetRecomputeJob(ctx context.Context, id string) (*model.RecomputeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("recompute job %s: %w", id, model.ErrNotFound)
	}
	return &j, nil
}

func (s *Store) SaveRecomputeJob(ctx context.Context, j *model.RecomputeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("recompute job %s: %w", j.ID, model.ErrNotFound)
	}
	j.UpdatedAt = s.now()
	s.jobs[j.ID] = *j
	return nil
}

func (s *Store) ListRecomputeJobs(ctx context.Context, status model.RecomputeStatus, limit int) ([]model.RecomputeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.RecomputeJob{}
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
