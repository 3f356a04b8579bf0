package model

import "time"

// Category groups milestones for earned-value reporting.
type Category string

const (
	CategoryReceiving    Category = "receiving"
	CategoryInstallation Category = "installation"
	CategoryInspection   Category = "inspection"
	CategoryTesting      Category = "testing"
	CategoryRestoration  Category = "restoration"
)

// Categories is the fixed category set, in reporting order.
var Categories = []Category{
	CategoryReceiving,
	CategoryInstallation,
	CategoryInspection,
	CategoryTesting,
	CategoryRestoration,
}

// Valid reports whether c belongs to the fixed category set.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// MilestoneDef is one weighted step of a progress template.
type MilestoneDef struct {
	Name     string   `json:"name" yaml:"name"`
	Weight   float64  `json:"weight" yaml:"weight"` // percent of component value
	Category Category `json:"category" yaml:"category"`
	Partial  bool     `json:"partial" yaml:"partial"`
}

// Template is the ordered milestone list for a work-item type.
// ProjectID is empty for the global default.
type Template struct {
	ID           int64          `json:"id"`
	WorkItemType string         `json:"work_item_type"`
	ProjectID    string         `json:"project_id,omitempty"`
	Milestones   []MilestoneDef `json:"milestones"`
	Version      int            `json:"version"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Milestone looks up a milestone definition by name.
func (t *Template) Milestone(name string) (MilestoneDef, bool) {
	for _, m := range t.Milestones {
		if m.Name == name {
			return m, true
		}
	}
	return MilestoneDef{}, false
}

// IsOverride reports whether the template is project-specific.
func (t *Template) IsOverride() bool {
	return t.ProjectID != ""
}
