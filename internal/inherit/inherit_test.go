package inherit

import (
	"testing"

	"earnedvalue/internal/model"
)

func TestResolveAttribute(t *testing.T) {
	drawing := &model.Drawing{ID: "d1", Attributes: map[string]string{model.AttributeArea: "G1"}}

	t.Run("inherits from drawing", func(t *testing.T) {
		c := &model.Component{ID: "c1", DrawingID: "d1"}
		v, ok := ResolveAttribute(c, drawing, model.AttributeArea)
		if !ok || v != "G1" {
			t.Fatalf("expected G1, got %q (%v)", v, ok)
		}
	})

	t.Run("override wins", func(t *testing.T) {
		c := &model.Component{ID: "c1", DrawingID: "d1", Attributes: map[string]string{model.AttributeArea: "G3"}}
		v, ok := ResolveAttribute(c, drawing, model.AttributeArea)
		if !ok || v != "G3" {
			t.Fatalf("expected G3, got %q", v)
		}
	})

	t.Run("empty override falls through", func(t *testing.T) {
		c := &model.Component{ID: "c1", Attributes: map[string]string{model.AttributeArea: ""}}
		v, _ := ResolveAttribute(c, drawing, model.AttributeArea)
		if v != "G1" {
			t.Fatalf("expected G1, got %q", v)
		}
	})

	t.Run("nil drawing is unassigned", func(t *testing.T) {
		c := &model.Component{ID: "c1"}
		var d *model.Drawing
		v, ok := ResolveAttribute(c, d, model.AttributeSystem)
		if ok || v != Unassigned {
			t.Fatalf("expected unassigned, got %q (%v)", v, ok)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		c := &model.Component{ID: "c1", DrawingID: "d1"}
		first, _ := ResolveAttribute(c, drawing, model.AttributeArea)
		for i := 0; i < 5; i++ {
			again, _ := ResolveAttribute(c, drawing, model.AttributeArea)
			if again != first {
				t.Fatalf("resolution changed between calls: %q vs %q", first, again)
			}
		}
	})
}

func TestIndexMembership(t *testing.T) {
	drawings := []model.Drawing{
		{ID: "d1", Attributes: map[string]string{model.AttributeArea: "G1"}},
	}
	components := []model.Component{
		{ID: "inherits", DrawingID: "d1"},
		{ID: "overrides", DrawingID: "d1", Attributes: map[string]string{model.AttributeArea: "G3"}},
		{ID: "retired", DrawingID: "d1", Retired: true},
		{ID: "loose"},
	}
	idx := NewIndex(drawings)

	g1 := &model.Grouping{ID: "G1", Attribute: model.AttributeArea}
	g3 := &model.Grouping{ID: "G3", Attribute: model.AttributeArea}

	members := idx.Members(components, g1)
	if len(members) != 1 || members[0].ID != "inherits" {
		t.Fatalf("expected only inherits under G1, got %+v", members)
	}
	members = idx.Members(components, g3)
	if len(members) != 1 || members[0].ID != "overrides" {
		t.Fatalf("expected only overrides under G3, got %+v", members)
	}

	resolved := idx.ResolveAll(&components[3])
	if len(resolved) != 0 {
		t.Fatalf("expected no resolved attributes for loose component, got %+v", resolved)
	}
}
