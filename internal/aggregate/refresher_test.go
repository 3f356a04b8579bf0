package aggregate

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/internal/repository"
	"earnedvalue/internal/repository/memory"
)

var refreshedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type world struct {
	store   *memory.Store
	g1, g2  *model.Grouping
	g3      *model.Grouping
	drawing *model.Drawing
	inherit *model.Component
	ovr     *model.Component
}

// newWorld: drawing D1 in area G1; component A inherits, component B
// overrides area to G3.
func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStore()
	w := &world{store: s}

	w.g1 = &model.Grouping{ProjectID: "p1", Attribute: model.AttributeArea, Name: "G1"}
	w.g2 = &model.Grouping{ProjectID: "p1", Attribute: model.AttributeArea, Name: "G2"}
	w.g3 = &model.Grouping{ProjectID: "p1", Attribute: model.AttributeArea, Name: "G3"}
	for _, g := range []*model.Grouping{w.g1, w.g2, w.g3} {
		if err := s.CreateGrouping(ctx, g); err != nil {
			t.Fatal(err)
		}
	}
	w.drawing = &model.Drawing{ProjectID: "p1", Number: "D-100", Attributes: map[string]string{model.AttributeArea: w.g1.ID}}
	if err := s.CreateDrawing(ctx, w.drawing); err != nil {
		t.Fatal(err)
	}
	w.inherit = &model.Component{ProjectID: "p1", WorkItemType: "spool", Identity: "A", DrawingID: w.drawing.ID, BudgetHours: 10, PercentComplete: 100}
	w.ovr = &model.Component{ProjectID: "p1", WorkItemType: "spool", Identity: "B", DrawingID: w.drawing.ID, BudgetHours: 30, PercentComplete: 50,
		Blocked: true, Attributes: map[string]string{model.AttributeArea: w.g3.ID}}
	retired := &model.Component{ProjectID: "p1", WorkItemType: "spool", Identity: "R", DrawingID: w.drawing.ID, BudgetHours: 99, Retired: true}
	for _, c := range []*model.Component{w.inherit, w.ovr, retired} {
		if err := s.CreateComponent(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	return w
}

func (w *world) refresher() (*Refresher, *MemoryDirtyTracker) {
	dirty := NewMemoryDirtyTracker()
	return NewRefresher(w.store, dirty, zap.NewNop()).WithClock(func() time.Time { return refreshedAt }), dirty
}

func get(t *testing.T, s repository.AggregationStore, scope model.Scope, key string) *model.AggregationRecord {
	t.Helper()
	r, err := s.GetAggregation(context.Background(), scope, key)
	if err != nil {
		t.Fatalf("GetAggregation(%s, %s): %v", scope, key, err)
	}
	return r
}

func TestRefreshComputesRollups(t *testing.T) {
	w := newWorld(t)
	r, _ := w.refresher()
	if err := r.Refresh(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}

	project := get(t, w.store, model.ScopeProject, "p1")
	if project.Total != 2 || project.Complete != 1 || project.Flagged != 1 {
		t.Fatalf("project counts = %+v", project)
	}
	if math.Abs(project.AvgPercent-75) > 1e-9 || project.BudgetHours != 40 || math.Abs(project.EarnedHours-25) > 1e-9 {
		t.Fatalf("project hours/percent = %+v", project)
	}
	if !project.RefreshedAt.Equal(refreshedAt) {
		t.Fatalf("refreshed at = %v", project.RefreshedAt)
	}

	if d := get(t, w.store, model.ScopeDrawing, w.drawing.ID); d.Total != 2 {
		t.Fatalf("drawing total = %d, want 2 (retired excluded)", d.Total)
	}

	// override wins: B is only under G3, never under the drawing's G1
	if g1 := get(t, w.store, model.ScopeGrouping, w.g1.ID); g1.Total != 1 || g1.Complete != 1 {
		t.Fatalf("G1 = %+v, want only the inheriting component", g1)
	}
	if g3 := get(t, w.store, model.ScopeGrouping, w.g3.ID); g3.Total != 1 || g3.Flagged != 1 {
		t.Fatalf("G3 = %+v, want only the overriding component", g3)
	}
	if g2 := get(t, w.store, model.ScopeGrouping, w.g2.ID); g2.Total != 0 || g2.AvgPercent != 0 {
		t.Fatalf("G2 = %+v, want empty", g2)
	}
}

func TestDrawingReassignmentMovesInheritingComponents(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	r, _ := w.refresher()
	if err := r.Refresh(ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	if _, err := w.store.SetDrawingAttribute(ctx, w.drawing.ID, model.AttributeArea, w.g2.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh(ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	if g1 := get(t, w.store, model.ScopeGrouping, w.g1.ID); g1.Total != 0 {
		t.Fatalf("G1 total = %d, want 0 after reassignment", g1.Total)
	}
	if g2 := get(t, w.store, model.ScopeGrouping, w.g2.ID); g2.Total != 1 {
		t.Fatalf("G2 total = %d, want 1 after reassignment", g2.Total)
	}
	if g3 := get(t, w.store, model.ScopeGrouping, w.g3.ID); g3.Total != 1 {
		t.Fatalf("G3 total = %d, override must not follow the drawing", g3.Total)
	}
}

type failingStore struct {
	*memory.Store
	fail bool
}

func (s *failingStore) ReplaceAggregations(ctx context.Context, projectID string, records []model.AggregationRecord) error {
	if s.fail {
		return errors.New("write timeout")
	}
	return s.Store.ReplaceAggregations(ctx, projectID, records)
}

func TestRefreshFailureKeepsPriorRecords(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	fs := &failingStore{Store: w.store}
	dirty := NewMemoryDirtyTracker()
	r := NewRefresher(fs, dirty, zap.NewNop()).WithClock(func() time.Time { return refreshedAt })

	if err := r.Refresh(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	before := get(t, w.store, model.ScopeProject, "p1")

	if err := w.store.CreateComponent(ctx, &model.Component{ProjectID: "p1", WorkItemType: "valve", Identity: "V", BudgetHours: 5}); err != nil {
		t.Fatal(err)
	}
	fs.fail = true
	r.WithClock(func() time.Time { return refreshedAt.Add(time.Minute) })
	err := r.Refresh(ctx, "p1")
	if !errors.Is(err, model.ErrAggregationRefresh) {
		t.Fatalf("got %v, want ErrAggregationRefresh", err)
	}

	after := get(t, w.store, model.ScopeProject, "p1")
	if after.Total != before.Total || !after.RefreshedAt.Equal(before.RefreshedAt) {
		t.Fatalf("prior record replaced: before=%+v after=%+v", before, after)
	}
	if pending, _ := dirty.Drain(ctx); len(pending) != 1 || pending[0] != "p1" {
		t.Fatalf("dirty = %v, want failed project re-marked", pending)
	}
}

func TestNeverRefreshedIsNotFound(t *testing.T) {
	w := newWorld(t)
	if _, err := w.store.GetAggregation(context.Background(), model.ScopeProject, "p1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestTickRefreshesOnlyDirtyProjects(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	if err := w.store.CreateComponent(ctx, &model.Component{ProjectID: "p2", WorkItemType: "spool", Identity: "X", BudgetHours: 1}); err != nil {
		t.Fatal(err)
	}
	r, dirty := w.refresher()

	if err := dirty.MarkDirty(ctx, "p2"); err != nil {
		t.Fatal(err)
	}
	if err := r.Tick(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := w.store.GetAggregation(ctx, model.ScopeProject, "p2"); err != nil {
		t.Fatalf("dirty project not refreshed: %v", err)
	}
	if _, err := w.store.GetAggregation(ctx, model.ScopeProject, "p1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("clean project refreshed on an incremental tick: %v", err)
	}

	if err := r.Tick(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := w.store.GetAggregation(ctx, model.ScopeProject, "p1"); err != nil {
		t.Fatalf("full tick skipped p1: %v", err)
	}
}

// flakyDrain hands back part of the dirty set along with an error, like a
// Redis drain that fails on a later SPOP batch.
type flakyDrain struct {
	*MemoryDirtyTracker
	partial []string
}

func (d *flakyDrain) Drain(ctx context.Context) ([]string, error) {
	if d.partial != nil {
		out := d.partial
		d.partial = nil
		return out, errors.New("connection reset")
	}
	return d.MemoryDirtyTracker.Drain(ctx)
}

func TestTickRefreshesProjectsDrainedBeforeError(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	dirty := &flakyDrain{MemoryDirtyTracker: NewMemoryDirtyTracker(), partial: []string{"p1"}}
	r := NewRefresher(w.store, dirty, zap.NewNop()).WithClock(func() time.Time { return refreshedAt })

	err := r.Tick(ctx, false)
	if !errors.Is(err, model.ErrAggregationRefresh) {
		t.Fatalf("got %v, want ErrAggregationRefresh for the drain failure", err)
	}
	if _, err := w.store.GetAggregation(ctx, model.ScopeProject, "p1"); err != nil {
		t.Fatalf("project popped before the drain error was not refreshed: %v", err)
	}
}

type unlistableStore struct {
	*memory.Store
}

func (s *unlistableStore) ListProjects(context.Context) ([]string, error) {
	return nil, errors.New("statement timeout")
}

func TestFullTickFallsBackToDirtyWhenListingFails(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	dirty := NewMemoryDirtyTracker()
	r := NewRefresher(&unlistableStore{Store: w.store}, dirty, zap.NewNop()).WithClock(func() time.Time { return refreshedAt })

	if err := dirty.MarkDirty(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Tick(ctx, true); !errors.Is(err, model.ErrAggregationRefresh) {
		t.Fatalf("got %v, want ErrAggregationRefresh", err)
	}
	if _, err := w.store.GetAggregation(ctx, model.ScopeProject, "p1"); err != nil {
		t.Fatalf("dirty project dropped when the full refresh could not list projects: %v", err)
	}
}
