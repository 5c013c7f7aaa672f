package model

import (
	"fmt"
	"time"
)

// ProgramStatus represents the lifecycle status of a program version.
type ProgramStatus string

const (
	// ProgramStatusDraft is a generated program that doesn't serve traffic unless a canary says so.
	ProgramStatusDraft ProgramStatus = "draft"
	// ProgramStatusActive is the program serving the task traffic.
	ProgramStatusActive ProgramStatus = "active"
	// ProgramStatusDeprecated is a program that was superseded by a newer active one.
	ProgramStatusDeprecated ProgramStatus = "deprecated"
	// ProgramStatusDiscarded is a draft whose rollout was rolled back.
	ProgramStatusDiscarded ProgramStatus = "discarded"
)

// Program is one versioned executable implementation of a task.
type Program struct {
	ID       string
	TaskID   string
	Version  int
	Language string
	Code     string
	Status   ProgramStatus
	// DeploymentPercentage is the share of the task traffic (0-100) the program receives.
	DeploymentPercentage float64
	Complexity           ComplexityMetrics
	GenerationTime       time.Duration

	CreatedAt  time.Time
	DeployedAt *time.Time
}

// ComplexityMetrics are static metrics of a program source.
type ComplexityMetrics struct {
	LinesOfCode          int
	CyclomaticComplexity int
}

// Validate validates the program.
func (p Program) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("task id is required: %w", ErrNotValid)
	}
	if p.Version < 1 {
		return fmt.Errorf("version must be positive: %w", ErrNotValid)
	}
	if p.Code == "" {
		return fmt.Errorf("code is required: %w", ErrNotValid)
	}
	if p.Language == "" {
		return fmt.Errorf("language is required: %w", ErrNotValid)
	}
	if p.DeploymentPercentage < 0 || p.DeploymentPercentage > 100 {
		return fmt.Errorf("deployment percentage must be between 0 and 100: %w", ErrNotValid)
	}
	switch p.Status {
	case ProgramStatusDraft, ProgramStatusActive, ProgramStatusDeprecated, ProgramStatusDiscarded:
	default:
		return fmt.Errorf("unknown program status %q: %w", p.Status, ErrNotValid)
	}
	return nil
}
