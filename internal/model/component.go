package model

import (
	"sort"
	"time"
)

// Grouping attributes a component may override.
const (
	AttributeArea        = "area"
	AttributeSystem      = "system"
	AttributeTestPackage = "test_package"
)

// GroupingAttributes lists the attributes a component may inherit from its drawing.
var GroupingAttributes = []string{AttributeArea, AttributeSystem, AttributeTestPackage}

// IsGroupingAttribute reports whether name is an inheritable grouping attribute.
func IsGroupingAttribute(name string) bool {
	for _, a := range GroupingAttributes {
		if a == name {
			return true
		}
	}
	return false
}

// Component is a trackable physical work item (spool, weld, valve...).
type Component struct {
	ID              string             `json:"id"`
	ProjectID       string             `json:"project_id"`
	WorkItemType    string             `json:"work_item_type"`
	Identity        string             `json:"identity"`
	Milestones      map[string]float64 `json:"milestones"`
	PercentComplete float64            `json:"percent_complete"`
	BudgetHours     float64            `json:"budget_hours"`
	DrawingID       string             `json:"drawing_id,omitempty"`
	Attributes      map[string]string  `json:"attributes,omitempty"` // explicit overrides only
	TemplateID      int64              `json:"template_id"`
	Blocked         bool               `json:"blocked"`
	NeedsReview     bool               `json:"needs_review"`
	Retired         bool               `json:"retired"`
	Version         int64              `json:"version"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// AttributeValue returns the component's own value for name, if set.
func (c *Component) AttributeValue(name string) (string, bool) {
	if c == nil || c.Attributes == nil {
		return "", false
	}
	v, ok := c.Attributes[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Flagged reports whether the component counts as blocked / needs-review.
func (c *Component) Flagged() bool {
	return c.Blocked || c.NeedsReview
}

// Clone returns a deep copy so callers can mutate maps safely.
func (c Component) Clone() Component {
	out := c
	out.Milestones = make(map[string]float64, len(c.Milestones))
	for k, v := range c.Milestones {
		out.Milestones[k] = v
	}
	if c.Attributes != nil {
		out.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// SortComponentsByID orders components by ID, the recompute cursor order.
func SortComponentsByID(cs []Component) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

// Drawing groups components and carries attributes they may inherit.
type Drawing struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"project_id"`
	Number     string            `json:"number"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// AttributeValue returns the drawing's value for name. Nil-safe.
func (d *Drawing) AttributeValue(name string) (string, bool) {
	if d == nil || d.Attributes == nil {
		return "", false
	}
	v, ok := d.Attributes[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Grouping is an area / system / test package. Membership is computed, not stored:
// a component belongs when its resolved Attribute equals the grouping ID.
type Grouping struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Attribute string    `json:"attribute"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ResolvedComponent is a component plus its effective grouping attributes.
type ResolvedComponent struct {
	Component
	Resolved map[string]string `json:"resolved_attributes"`
}
