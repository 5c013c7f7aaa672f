package model

import (
	"encoding/json"
	"time"
)

// BatchItemResult is the result of one item of a batch execution.
type BatchItemResult struct {
	// ID is the caller supplied correlation id.
	ID           string
	ExecutionID  string
	Status       ExecutionStatus
	Output       json.RawMessage
	ErrorMessage string
	LatencyMs    float64
	Sampled      bool
	// Skipped is true when the item was never dispatched (stop on first error or cancellation).
	Skipped bool
}

// PoolStats is a snapshot of the session pool occupancy.
type PoolStats struct {
	Total  int
	Active int
	Idle   int
}

// BatchResult is the aggregated result of a batch execution.
type BatchResult struct {
	BatchID        string
	TaskID         string
	ProgramID      string
	ProgramVersion int
	// Items are in the same order as the request items.
	Items        []BatchItemResult
	Total        int
	SuccessCount int
	FailureCount int
	SkippedCount int
	DurationMs   float64
	AvgLatencyMs float64
	PoolStats    PoolStats
	StartedAt    time.Time
	CompletedAt  time.Time
}
