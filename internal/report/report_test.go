package report

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/internal/recorder"
	"earnedvalue/internal/repository"
	"earnedvalue/internal/repository/memory"
	"earnedvalue/internal/template"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type reportFixture struct {
	store    *memory.Store
	engine   *Engine
	recorder *recorder.Recorder
	clock    *clock
	area     *model.Grouping
	drawing  *model.Drawing
}

func newReportFixture(t *testing.T) *reportFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	templates := template.NewResolver(store, zap.NewNop())
	if _, err := templates.SetDefault(ctx, "spool", []model.MilestoneDef{
		{Name: "Receive", Weight: 10, Category: model.CategoryReceiving},
		{Name: "Install", Weight: 80, Category: model.CategoryInstallation, Partial: true},
		{Name: "Test", Weight: 10, Category: model.CategoryTesting},
	}); err != nil {
		t.Fatal(err)
	}

	area := &model.Grouping{ProjectID: "p1", Attribute: model.AttributeArea, Name: "Area 1"}
	if err := store.CreateGrouping(ctx, area); err != nil {
		t.Fatal(err)
	}
	drawing := &model.Drawing{ProjectID: "p1", Number: "D-1", Attributes: map[string]string{model.AttributeArea: area.ID}}
	if err := store.CreateDrawing(ctx, drawing); err != nil {
		t.Fatal(err)
	}

	clk := &clock{t: day.Add(9 * time.Hour)}
	return &reportFixture{
		store:    store,
		engine:   NewEngine(store, templates, zap.NewNop()),
		recorder: recorder.New(store, templates, zap.NewNop(), recorder.WithClock(clk.now)),
		clock:    clk,
		area:     area,
		drawing:  drawing,
	}
}

func (f *reportFixture) component(t *testing.T, identity, drawingID string, budget float64) *model.Component {
	t.Helper()
	c := &model.Component{ProjectID: "p1", WorkItemType: "spool", Identity: identity, DrawingID: drawingID, BudgetHours: budget}
	if err := f.store.CreateComponent(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *reportFixture) record(t *testing.T, c *model.Component, milestone string, value float64) {
	t.Helper()
	if _, _, err := f.recorder.RecordMilestoneUpdate(context.Background(), c.ID, milestone, value, "u1"); err != nil {
		t.Fatalf("record %s=%v: %v", milestone, value, err)
	}
}

func rowByKey(t *testing.T, r *DeltaReport, key string) Row {
	t.Helper()
	for _, row := range r.Rows {
		if row.Key == key {
			return row
		}
	}
	t.Fatalf("row %q missing from %+v", key, r.Rows)
	return Row{}
}

func category(row Row, cat model.Category) CategoryDelta {
	for _, cd := range row.Categories {
		if cd.Category == cat {
			return cd
		}
	}
	return CategoryDelta{}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDeltaByAreaSumsCategoriesToTotal(t *testing.T) {
	f := newReportFixture(t)
	ctx := context.Background()
	a := f.component(t, "A", f.drawing.ID, 10)
	b := f.component(t, "B", "", 20)

	f.record(t, a, "Receive", 100)
	f.record(t, a, "Install", 50)
	f.record(t, b, "Install", 25)

	r, err := f.engine.GetDelta(ctx, DimensionArea, "p1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if r.Events != 3 {
		t.Fatalf("events = %d, want 3", r.Events)
	}

	area := rowByKey(t, r, f.area.ID)
	if area.Label != "Area 1" || area.Components != 1 {
		t.Fatalf("area row = %+v", area)
	}
	// Receive: 10h * 10% = 1.0; Install: 10h * 80% * 50% = 4.0
	if !near(category(area, model.CategoryReceiving).Delta, 1) || !near(category(area, model.CategoryInstallation).Delta, 4) {
		t.Fatalf("area deltas = %+v", area.Categories)
	}
	if !near(area.TotalDelta, 5) || !near(area.TotalBudget, 10) || !near(*area.Percent, 50) {
		t.Fatalf("area totals = delta %v budget %v percent %v", area.TotalDelta, area.TotalBudget, *area.Percent)
	}
	install := category(area, model.CategoryInstallation)
	if !near(install.Budget, 8) || !near(*install.Percent, 50) {
		t.Fatalf("install category = %+v", install)
	}
	// receiving is normalized against its own 1h budget, not the row's
	receiving := category(area, model.CategoryReceiving)
	if !near(receiving.Budget, 1) || !near(*receiving.Percent, 100) {
		t.Fatalf("receiving category = %+v", receiving)
	}

	for _, row := range r.Rows {
		var sum float64
		for _, cd := range row.Categories {
			sum += cd.Delta
		}
		if !near(sum, row.TotalDelta) {
			t.Fatalf("row %s: categories sum %v != total %v", row.Key, sum, row.TotalDelta)
		}
	}

	unassigned := rowByKey(t, r, Unassigned)
	if !near(unassigned.TotalDelta, 4) || r.Rows[len(r.Rows)-1].Key != Unassigned {
		t.Fatalf("unassigned row = %+v (must sort last)", unassigned)
	}
}

func TestCategoryPercentsDifferFromOverall(t *testing.T) {
	f := newReportFixture(t)
	ctx := context.Background()
	c := f.component(t, "A", f.drawing.ID, 10)

	f.record(t, c, "Receive", 100)
	f.record(t, c, "Install", 25)

	r, err := f.engine.GetDelta(ctx, DimensionProject, "p1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	row := rowByKey(t, r, "p1")

	// overall: (1h + 2h) / 10h
	if !near(row.TotalDelta, 3) || !near(*row.Percent, 30) {
		t.Fatalf("overall = delta %v percent %v, want 3h and 30%%", row.TotalDelta, *row.Percent)
	}
	tests := []struct {
		cat     model.Category
		budget  float64
		delta   float64
		percent float64
	}{
		{model.CategoryReceiving, 1, 1, 100},
		{model.CategoryInstallation, 8, 2, 25},
		{model.CategoryTesting, 1, 0, 0},
	}
	var mean float64
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			cd := category(row, tt.cat)
			if cd.Percent == nil {
				t.Fatalf("%s percent is nil with a %vh budget", tt.cat, tt.budget)
			}
			if !near(cd.Budget, tt.budget) || !near(cd.Delta, tt.delta) || !near(*cd.Percent, tt.percent) {
				t.Fatalf("%s = budget %v delta %v percent %v", tt.cat, cd.Budget, cd.Delta, *cd.Percent)
			}
			if near(*cd.Percent, *row.Percent) {
				t.Fatalf("%s percent %v equals the overall percent", tt.cat, *cd.Percent)
			}
		})
		mean += tt.percent / float64(len(tests))
	}
	// overall is budget-weighted, not the mean of category percents
	if near(mean, *row.Percent) {
		t.Fatalf("overall %v should not equal the unweighted category mean %v", *row.Percent, mean)
	}
}

func TestDeltaWindowIsHalfOpen(t *testing.T) {
	f := newReportFixture(t)
	ctx := context.Background()
	c := f.component(t, "A", f.drawing.ID, 10)

	f.clock.t = day
	f.record(t, c, "Receive", 100)
	f.clock.t = day.Add(24 * time.Hour)
	f.record(t, c, "Test", 100)

	r, err := f.engine.GetDelta(ctx, DimensionProject, "p1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	row := rowByKey(t, r, "p1")
	if !near(row.TotalDelta, 1) || !near(category(row, model.CategoryTesting).Delta, 0) {
		t.Fatalf("window included the end boundary: %+v", row)
	}
}

func TestDeltaRollbackNetsToZero(t *testing.T) {
	f := newReportFixture(t)
	c := f.component(t, "A", f.drawing.ID, 10)
	f.record(t, c, "Install", 100)
	f.record(t, c, "Install", 0)

	r, err := f.engine.GetDelta(context.Background(), DimensionDrawing, "p1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	row := rowByKey(t, r, f.drawing.ID)
	if row.Label != "D-1" || !near(row.TotalDelta, 0) || r.Events != 2 {
		t.Fatalf("rollback row = %+v events=%d", row, r.Events)
	}
}

func TestDeltaExcludesRetiredComponents(t *testing.T) {
	f := newReportFixture(t)
	ctx := context.Background()
	keep := f.component(t, "A", f.drawing.ID, 10)
	gone := f.component(t, "B", f.drawing.ID, 50)
	f.record(t, keep, "Receive", 100)
	f.record(t, gone, "Receive", 100)

	err := f.store.WithComponentLock(ctx, gone.ID, func(ctx context.Context, c *model.Component, tx repository.ComponentTx) error {
		c.Retired = true
		return tx.SaveComponent(ctx, c)
	})
	if err != nil {
		t.Fatal(err)
	}

	r, err := f.engine.GetDelta(ctx, DimensionProject, "p1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	row := rowByKey(t, r, "p1")
	if row.Components != 1 || !near(row.TotalBudget, 10) || !near(row.TotalDelta, 1) {
		t.Fatalf("retired component leaked into report: %+v", row)
	}
}

func TestDeltaZeroBudgetIsNotApplicable(t *testing.T) {
	f := newReportFixture(t)
	f.component(t, "A", f.drawing.ID, 0)

	r, err := f.engine.GetDelta(context.Background(), DimensionProject, "p1", day, day.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	row := rowByKey(t, r, "p1")
	if row.Percent != nil {
		t.Fatalf("percent = %v, want nil for zero budget", *row.Percent)
	}
	for _, cd := range row.Categories {
		if cd.Percent != nil || cd.Delta != 0 {
			t.Fatalf("category %+v, want zero delta and nil percent", cd)
		}
	}
}

func TestDeltaRejectsBadInput(t *testing.T) {
	f := newReportFixture(t)
	ctx := context.Background()

	if _, err := f.engine.GetDelta(ctx, "colour", "p1", day, day.Add(time.Hour)); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("unknown dimension: got %v", err)
	}
	if _, err := f.engine.GetDelta(ctx, DimensionArea, "p1", day, day); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("empty window: got %v", err)
	}
}
