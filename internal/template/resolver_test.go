package template

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"earnedvalue/internal/model"
	"earnedvalue/internal/repository/memory"

	"go.uber.org/zap"
)

func spoolMilestones() []model.MilestoneDef {
	return []model.MilestoneDef{
		{Name: "Receive", Weight: 10, Category: model.CategoryReceiving},
		{Name: "Install", Weight: 80, Category: model.CategoryInstallation},
		{Name: "Test", Weight: 10, Category: model.CategoryTesting},
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(memory.NewStore(), zap.NewNop())

	if _, err := r.Resolve(ctx, "spool", "p1"); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration without templates, got %v", err)
	}

	def, err := r.SetDefault(ctx, "spool", spoolMilestones())
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Resolve(ctx, "spool", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != def.ID {
		t.Fatalf("expected global default %d, got %d", def.ID, got.ID)
	}

	override := []model.MilestoneDef{
		{Name: "Receive", Weight: 20, Category: model.CategoryReceiving},
		{Name: "Install", Weight: 80, Category: model.CategoryInstallation},
	}
	ov, err := r.SetOverride(ctx, "p1", "spool", override)
	if err != nil {
		t.Fatal(err)
	}
	got, _ = r.Resolve(ctx, "spool", "p1")
	if got.ID != ov.ID || !got.IsOverride() {
		t.Fatalf("expected project override, got %+v", got)
	}
	got, _ = r.Resolve(ctx, "spool", "p2")
	if got.ID != def.ID {
		t.Fatalf("other projects keep the default, got %+v", got)
	}
}

func TestSetOverrideRejectsBadWeightsAndKeepsPrior(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(memory.NewStore(), zap.NewNop())
	prior, err := r.SetOverride(ctx, "p1", "spool", spoolMilestones())
	if err != nil {
		t.Fatal(err)
	}

	bad := []model.MilestoneDef{
		{Name: "Receive", Weight: 10, Category: model.CategoryReceiving},
		{Name: "Install", Weight: 70, Category: model.CategoryInstallation},
	}
	if _, err := r.SetOverride(ctx, "p1", "spool", bad); !errors.Is(err, model.ErrTemplateIntegrity) {
		t.Fatalf("expected ErrTemplateIntegrity, got %v", err)
	}
	active, _ := r.Resolve(ctx, "spool", "p1")
	if active.ID != prior.ID {
		t.Fatalf("prior template must stay active, got %d want %d", active.ID, prior.ID)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string][]model.MilestoneDef{
		"empty":     nil,
		"duplicate": {{Name: "A", Weight: 50, Category: model.CategoryTesting}, {Name: "A", Weight: 50, Category: model.CategoryTesting}},
		"zero":      {{Name: "A", Weight: 0, Category: model.CategoryTesting}, {Name: "B", Weight: 100, Category: model.CategoryTesting}},
		"category":  {{Name: "A", Weight: 100, Category: "painting"}},
		"over":      {{Name: "A", Weight: 60, Category: model.CategoryTesting}, {Name: "B", Weight: 60, Category: model.CategoryTesting}},
	}
	for name, ms := range cases {
		t.Run(name, func(t *testing.T) {
			if err := Validate(ms); !errors.Is(err, model.ErrTemplateIntegrity) {
				t.Fatalf("expected ErrTemplateIntegrity, got %v", err)
			}
		})
	}

	thirds := []model.MilestoneDef{
		{Name: "A", Weight: 33.33, Category: model.CategoryTesting},
		{Name: "B", Weight: 33.33, Category: model.CategoryTesting},
		{Name: "C", Weight: 33.34, Category: model.CategoryTesting},
	}
	if err := Validate(thirds); err != nil {
		t.Fatalf("thirds should validate: %v", err)
	}
}

func TestSeedDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	content := `templates:
  - work_item_type: valve
    milestones:
      - {name: Receive, weight: 10, category: receiving}
      - {name: Install, weight: 60, category: installation}
      - {name: Test, weight: 30, category: testing}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadDefaults(path)
	if err != nil {
		t.Fatal(err)
	}

	r := NewResolver(memory.NewStore(), zap.NewNop())
	n, err := r.SeedDefaults(context.Background(), f)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 seeded, got %d (%v)", n, err)
	}
	n, _ = r.SeedDefaults(context.Background(), f)
	if n != 0 {
		t.Fatalf("second seed should be a no-op, got %d", n)
	}
	tmpl, err := r.Resolve(context.Background(), "valve", "")
	if err != nil || len(tmpl.Milestones) != 3 {
		t.Fatalf("unexpected seeded template %+v (%v)", tmpl, err)
	}
}
