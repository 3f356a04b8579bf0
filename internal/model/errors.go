package model

import "errors"

// Error classes
var (
	// ErrConfiguration: missing or malformed template; blocks writes for that type.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidMilestoneValue: rejected at the write boundary, state unchanged.
	ErrInvalidMilestoneValue = errors.New("invalid milestone value")
	// ErrConcurrentModification: per-component lock contention, caller retries.
	ErrConcurrentModification = errors.New("concurrent modification conflict")
	// ErrAggregationRefresh: non-fatal, prior snapshot retained.
	ErrAggregationRefresh = errors.New("aggregation refresh failure")
	// ErrTemplateIntegrity: weights do not sum to 100, rejected before activation.
	ErrTemplateIntegrity = errors.New("template integrity violation")

	ErrNotFound = errors.New("not found")
	// ErrInvalidInput: malformed request outside milestone values (missing ids, bad attribute names).
	ErrInvalidInput = errors.New("invalid input")
)
