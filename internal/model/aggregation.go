package model

import "time"

// Scope identifies the dimension an aggregation record rolls up.
type Scope string

const (
	ScopeDrawing  Scope = "drawing"
	ScopeGrouping Scope = "grouping"
	ScopeProject  Scope = "project"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeDrawing, ScopeGrouping, ScopeProject:
		return true
	}
	return false
}

// AggregationRecord is a precomputed rollup. RefreshedAt exposes staleness.
type AggregationRecord struct {
	Scope       Scope     `json:"scope"`
	Key         string    `json:"key"`
	ProjectID   string    `json:"project_id"`
	Total       int       `json:"total"`
	Complete    int       `json:"complete"`
	AvgPercent  float64   `json:"avg_percent"`
	Flagged     int       `json:"flagged"`
	BudgetHours float64   `json:"budget_hours"`
	EarnedHours float64   `json:"earned_hours"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// RecomputeStatus is the lifecycle state of a recompute job.
type RecomputeStatus string

const (
	RecomputePending   RecomputeStatus = "pending"
	RecomputeRunning   RecomputeStatus = "running"
	RecomputeCompleted RecomputeStatus = "completed"
	RecomputeFailed    RecomputeStatus = "failed"

	// RecomputeSuperseded: a newer template version was activated before the job finished.
	RecomputeSuperseded RecomputeStatus = "superseded"
)

// Done reports whether the job has reached a terminal state it cannot leave.
func (s RecomputeStatus) Done() bool {
	return s == RecomputeCompleted || s == RecomputeSuperseded
}

// RecomputeJob is a checkpointed retroactive recomputation after a template edit.
type RecomputeJob struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	WorkItemType string          `json:"work_item_type"`
	TemplateID   int64           `json:"template_id"`
	Cursor       string          `json:"cursor"`
	Processed    int             `json:"processed"`
	Failed       int             `json:"failed"`
	Status       RecomputeStatus `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
