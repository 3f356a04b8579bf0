package model

import "time"

// MilestoneEvent is an immutable record of one milestone state change.
// Category and Weight are copied from the template at write time.
type MilestoneEvent struct {
	ID            string    `json:"id"`
	ComponentID   string    `json:"component_id"`
	ProjectID     string    `json:"project_id"`
	Milestone     string    `json:"milestone"`
	PreviousValue float64   `json:"previous_value"`
	NewValue      float64   `json:"new_value"`
	UserID        string    `json:"user_id"`
	Category      Category  `json:"category"`
	Weight        float64   `json:"weight"`
	Delta         float64   `json:"delta"` // earned labor hours, may be negative
	Sequence      int64     `json:"sequence"`
	CreatedAt     time.Time `json:"created_at"`
}

// MilestoneRecordedPayload is published on milestone.recorded.
type MilestoneRecordedPayload struct {
	EventID     string    `json:"event_id"`
	ComponentID string    `json:"component_id"`
	ProjectID   string    `json:"project_id"`
	Milestone   string    `json:"milestone"`
	Delta       float64   `json:"delta"`
	RecordedAt  time.Time `json:"recorded_at"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// RoutingKeyMilestoneRecorded is the MQ routing key for recorded milestones.
const RoutingKeyMilestoneRecorded = "milestone.recorded"
