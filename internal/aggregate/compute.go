package aggregate

import (
	"time"

	"earnedvalue/internal/calc"
	"earnedvalue/internal/inherit"
	"earnedvalue/internal/model"
	"earnedvalue/internal/repository"
)

type accumulator struct {
	total    int
	complete int
	percent  float64
	flagged  int
	budget   float64
	earned   float64
}

func (a *accumulator) add(c *model.Component) {
	a.total++
	if c.PercentComplete >= 100 {
		a.complete++
	}
	a.percent += c.PercentComplete
	if c.Flagged() {
		a.flagged++
	}
	a.budget += c.BudgetHours
	a.earned += calc.EarnedHours(c.BudgetHours, c.PercentComplete)
}

func (a *accumulator) record(scope model.Scope, key, projectID string, at time.Time) model.AggregationRecord {
	r := model.AggregationRecord{
		Scope:       scope,
		Key:         key,
		ProjectID:   projectID,
		Total:       a.total,
		Complete:    a.complete,
		Flagged:     a.flagged,
		BudgetHours: a.budget,
		EarnedHours: a.earned,
		RefreshedAt: at,
	}
	if a.total > 0 {
		r.AvgPercent = a.percent / float64(a.total)
	}
	return r
}

// Compute derives every aggregation record of a project from a snapshot:
// one per drawing, one per grouping entity and one for the project.
// Retired components are excluded everywhere; grouping membership uses the
// resolved (inherited or overridden) attribute.
func Compute(snap *repository.Snapshot, at time.Time) []model.AggregationRecord {
	idx := inherit.NewIndex(snap.Drawings)

	project := &accumulator{}
	drawings := make(map[string]*accumulator, len(snap.Drawings))
	for _, d := range snap.Drawings {
		drawings[d.ID] = &accumulator{}
	}
	groupings := make(map[string]*accumulator, len(snap.Groupings))
	byAttribute := make(map[string]map[string]bool)
	for _, g := range snap.Groupings {
		groupings[g.ID] = &accumulator{}
		if byAttribute[g.Attribute] == nil {
			byAttribute[g.Attribute] = make(map[string]bool)
		}
		byAttribute[g.Attribute][g.ID] = true
	}

	for i := range snap.Components {
		c := &snap.Components[i]
		if c.Retired {
			continue
		}
		project.add(c)
		if acc, ok := drawings[c.DrawingID]; ok {
			acc.add(c)
		}
		for attr, ids := range byAttribute {
			v, ok := idx.Resolve(c, attr)
			if ok && ids[v] {
				groupings[v].add(c)
			}
		}
	}

	records := make([]model.AggregationRecord, 0, 1+len(drawings)+len(groupings))
	records = append(records, project.record(model.ScopeProject, snap.ProjectID, snap.ProjectID, at))
	for _, d := range snap.Drawings {
		records = append(records, drawings[d.ID].record(model.ScopeDrawing, d.ID, snap.ProjectID, at))
	}
	for _, g := range snap.Groupings {
		records = append(records, groupings[g.ID].record(model.ScopeGrouping, g.ID, snap.ProjectID, at))
	}
	return records
}
