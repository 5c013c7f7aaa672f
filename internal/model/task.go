package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultAccuracyTarget is the accuracy target used when a task doesn't set one.
	DefaultAccuracyTarget = 0.9
	// DefaultLatencyTargetMs is the latency target used when a task doesn't set one.
	DefaultLatencyTargetMs = 10
	// DefaultSamplingRate is the sampling rate used when a task doesn't set one.
	DefaultSamplingRate = 0.1
)

// Task is a named, schema-bound unit of work that owns program versions.
type Task struct {
	ID          string
	Name        string
	Description string
	// InputSchema and OutputSchema are CUE constraints (e.g. `{text: string}`).
	// An empty schema accepts any value.
	InputSchema  string
	OutputSchema string
	Examples     []Example

	AccuracyTarget  float64
	LatencyTargetMs int
	// SamplingRate is the probability (0-1) of an execution being validated.
	SamplingRate float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Example is an input/output pair that describes the expected task behavior.
type Example struct {
	Input  json.RawMessage
	Output json.RawMessage
}

// SetDefaults fills the unset tuning fields with the defaults.
func (t *Task) SetDefaults() {
	if t.AccuracyTarget == 0 {
		t.AccuracyTarget = DefaultAccuracyTarget
	}
	if t.LatencyTargetMs == 0 {
		t.LatencyTargetMs = DefaultLatencyTargetMs
	}
}

// Validate validates the task.
func (t Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required: %w", ErrNotValid)
	}
	if t.AccuracyTarget < 0 || t.AccuracyTarget > 1 {
		return fmt.Errorf("accuracy target must be between 0 and 1: %w", ErrNotValid)
	}
	if t.LatencyTargetMs < 0 {
		return fmt.Errorf("latency target can't be negative: %w", ErrNotValid)
	}
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1: %w", ErrNotValid)
	}
	for i, e := range t.Examples {
		if len(e.Input) == 0 || !json.Valid(e.Input) {
			return fmt.Errorf("example %d input is not valid JSON: %w", i, ErrNotValid)
		}
		if len(e.Output) == 0 || !json.Valid(e.Output) {
			return fmt.Errorf("example %d output is not valid JSON: %w", i, ErrNotValid)
		}
	}
	return nil
}
