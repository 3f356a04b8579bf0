// Package calc derives percent-complete and earned-value deltas from milestone
// state and a resolved template.
package calc

import (
	"fmt"
	"math"

	"earnedvalue/internal/model"
)

const (
	minValue = 0.0
	maxValue = 100.0
)

// Anomaly describes a discrete milestone stored strictly between 0 and 100.
// Such values are treated as 0 (see EffectiveValue).
type Anomaly struct {
	Milestone string
	Value     float64
}

// EffectiveValue is the contribution basis of a raw stored value.
// Discrete milestones count only at 100; anything else (including an
// out-of-policy value between 0 and 100) counts as 0.
func EffectiveValue(def model.MilestoneDef, raw float64) float64 {
	if !def.Partial {
		if raw == maxValue {
			return maxValue
		}
		return minValue
	}
	return clamp(raw)
}

// ComputePercent sums weight * effective value / 100 over the template,
// clamped to [0,100]. Milestones missing from state count as 0.
func ComputePercent(state map[string]float64, t *model.Template) float64 {
	percent, _ := ComputePercentWithAnomalies(state, t)
	return percent
}

// ComputePercentWithAnomalies is ComputePercent that also reports discrete
// milestones found at a value strictly between 0 and 100.
func ComputePercentWithAnomalies(state map[string]float64, t *model.Template) (float64, []Anomaly) {
	if t == nil {
		return 0, nil
	}
	var sum float64
	var anomalies []Anomaly
	for _, m := range t.Milestones {
		raw := state[m.Name]
		if !m.Partial && raw > minValue && raw < maxValue {
			anomalies = append(anomalies, Anomaly{Milestone: m.Name, Value: raw})
		}
		sum += m.Weight * EffectiveValue(m, raw) / 100
	}
	return clamp(sum), anomalies
}

// Delta is the labor-hour value of moving a milestone from prev to next:
// budget * weight/100 * (next-prev)/100. Negative for rollbacks.
func Delta(budgetHours float64, def model.MilestoneDef, prev, next float64) float64 {
	change := EffectiveValue(def, next) - EffectiveValue(def, prev)
	return budgetHours * (def.Weight / 100) * (change / 100)
}

// ValidateValue checks a new value against the milestone kind:
// partial accepts 0..100, discrete exactly 0 or 100.
func ValidateValue(def model.MilestoneDef, v float64) error {
	if math.IsNaN(v) {
		return fmt.Errorf("%w: %s: value is not a number", model.ErrInvalidMilestoneValue, def.Name)
	}
	if def.Partial {
		if v < minValue || v > maxValue {
			return fmt.Errorf("%w: %s: partial value %.2f outside 0-100", model.ErrInvalidMilestoneValue, def.Name, v)
		}
		return nil
	}
	if v != minValue && v != maxValue {
		return fmt.Errorf("%w: %s: discrete milestone accepts only 0 or 100, got %.2f", model.ErrInvalidMilestoneValue, def.Name, v)
	}
	return nil
}

// CategoryWeights sums template weights per category.
func CategoryWeights(t *model.Template) map[model.Category]float64 {
	out := make(map[model.Category]float64, len(model.Categories))
	if t == nil {
		return out
	}
	for _, m := range t.Milestones {
		out[m.Category] += m.Weight
	}
	return out
}

// EarnedHours is the labor-hour value already earned at a given percent.
func EarnedHours(budgetHours, percent float64) float64 {
	return budgetHours * percent / 100
}

// InitialState returns a milestone map with every template milestone at 0.
func InitialState(t *model.Template) map[string]float64 {
	state := make(map[string]float64, len(t.Milestones))
	for _, m := range t.Milestones {
		state[m.Name] = 0
	}
	return state
}

func clamp(v float64) float64 {
	if v < minValue {
		return minValue
	}
	if v > maxValue {
		return maxValue
	}
	return v
}
