// Package inherit resolves overridable grouping attributes: the component's own
// value wins, else the drawing's, else unassigned. Every listing, aggregation
// and report goes through ResolveAttribute so membership never drifts.
package inherit

import "earnedvalue/internal/model"

// Unassigned is the resolved value when neither component nor drawing sets the attribute.
const Unassigned = ""

// Source is anything carrying overridable attributes. Implementations must be nil-safe.
type Source interface {
	AttributeValue(name string) (string, bool)
}

// ResolveAttribute returns the component value if present, else the drawing
// value, else Unassigned with ok=false.
func ResolveAttribute(component, drawing Source, name string) (string, bool) {
	if component != nil {
		if v, ok := component.AttributeValue(name); ok {
			return v, true
		}
	}
	if drawing != nil {
		if v, ok := drawing.AttributeValue(name); ok {
			return v, true
		}
	}
	return Unassigned, false
}

// Index resolves attributes for many components against a fixed drawing set.
type Index struct {
	drawings map[string]*model.Drawing
}

// NewIndex builds an Index over drawings.
func NewIndex(drawings []model.Drawing) *Index {
	idx := &Index{drawings: make(map[string]*model.Drawing, len(drawings))}
	for i := range drawings {
		idx.drawings[drawings[i].ID] = &drawings[i]
	}
	return idx
}

// Drawing returns the component's drawing, or nil.
func (idx *Index) Drawing(c *model.Component) *model.Drawing {
	if c == nil || c.DrawingID == "" {
		return nil
	}
	return idx.drawings[c.DrawingID]
}

// Resolve resolves one attribute for c.
func (idx *Index) Resolve(c *model.Component, name string) (string, bool) {
	return ResolveAttribute(c, idx.Drawing(c), name)
}

// ResolveAll resolves every grouping attribute for c. Unassigned attributes are omitted.
func (idx *Index) ResolveAll(c *model.Component) map[string]string {
	out := make(map[string]string, len(model.GroupingAttributes))
	d := idx.Drawing(c)
	for _, name := range model.GroupingAttributes {
		if v, ok := ResolveAttribute(c, d, name); ok {
			out[name] = v
		}
	}
	return out
}

// IsMember reports whether c belongs to grouping g by resolved attribute.
func (idx *Index) IsMember(c *model.Component, g *model.Grouping) bool {
	v, ok := idx.Resolve(c, g.Attribute)
	return ok && v == g.ID
}

// Members filters components belonging to g. Retired components are skipped.
func (idx *Index) Members(components []model.Component, g *model.Grouping) []model.Component {
	var out []model.Component
	for i := range components {
		c := &components[i]
		if c.Retired {
			continue
		}
		if idx.IsMember(c, g) {
			out = append(out, *c)
		}
	}
	return out
}

// Resolve is a convenience for single lookups where drawing may be nil.
func Resolve(c *model.Component, d *model.Drawing) map[string]string {
	out := make(map[string]string, len(model.GroupingAttributes))
	for _, name := range model.GroupingAttributes {
		if v, ok := ResolveAttribute(c, d, name); ok {
			out[name] = v
		}
	}
	return out
}
