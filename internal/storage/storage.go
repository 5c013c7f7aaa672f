package storage

import (
	"context"
	"time"

	"github.com/slok/distill/internal/model"
)

// TaskRepository is the interface for task persistence.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskByName(ctx context.Context, name string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	UpdateTask(ctx context.Context, t model.Task) error
}

// ProgramRepository is the interface for program version persistence.
type ProgramRepository interface {
	// CreateProgram fails with model.ErrAlreadyExists if the task already has the program version,
	// or already has an active program and p is active.
	CreateProgram(ctx context.Context, p model.Program) error
	GetProgram(ctx context.Context, id string) (*model.Program, error)
	GetProgramByVersion(ctx context.Context, taskID string, version int) (*model.Program, error)
	// ListProgramsByTask returns the task programs sorted by version ascending.
	ListProgramsByTask(ctx context.Context, taskID string) ([]model.Program, error)
	// GetActiveProgram returns model.ErrNotFound when the task has no active program.
	GetActiveProgram(ctx context.Context, taskID string) (*model.Program, error)
	// GetLatestVersion returns 0 when the task has no programs.
	GetLatestVersion(ctx context.Context, taskID string) (int, error)
	// UpdateProgram fails with model.ErrAlreadyExists when it would leave the task with two active programs.
	UpdateProgram(ctx context.Context, p model.Program) error
}

// ListExecutionsOpts are the options to filter execution listings.
type ListExecutionsOpts struct {
	// Since filters executions executed at or after the time (zero means no filter).
	Since time.Time
	// Until filters executions executed before the time (zero means no filter).
	Until       time.Time
	SampledOnly bool
	// Limit of 0 means no limit.
	Limit int
}

// ExecutionRepository is the interface for execution record persistence.
// Execution records are immutable so there is no update.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, e model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	// ListExecutionsByProgram returns the most recent executions first.
	ListExecutionsByProgram(ctx context.Context, programID string, opts ListExecutionsOpts) ([]model.Execution, error)
	// ListExecutionsByTask returns the most recent executions first.
	ListExecutionsByTask(ctx context.Context, taskID string, opts ListExecutionsOpts) ([]model.Execution, error)
	// DeleteExecutionsBefore removes the executions executed before the time and returns how many.
	DeleteExecutionsBefore(ctx context.Context, before time.Time) (int, error)
}

// ListValidationsOpts are the options to filter validation listings.
type ListValidationsOpts struct {
	InvalidOnly bool
	// Limit of 0 means no limit.
	Limit int
}

// ValidationRepository is the interface for validation result persistence.
// Validation results are immutable so there is no update.
type ValidationRepository interface {
	// CreateValidation fails with model.ErrAlreadyExists if the execution already has a validation.
	CreateValidation(ctx context.Context, v model.Validation) error
	GetValidation(ctx context.Context, id string) (*model.Validation, error)
	GetValidationByExecution(ctx context.Context, executionID string) (*model.Validation, error)
	// ListValidationsByProgram returns the most recent validations first.
	ListValidationsByProgram(ctx context.Context, programID string, opts ListValidationsOpts) ([]model.Validation, error)
	// DeleteValidationsBefore removes the validations validated before the time and returns how many.
	DeleteValidationsBefore(ctx context.Context, before time.Time) (int, error)
}

// CanaryRepository is the interface for canary deployment persistence.
type CanaryRepository interface {
	CreateCanary(ctx context.Context, c model.Canary) error
	GetCanary(ctx context.Context, id string) (*model.Canary, error)
	// ListCanariesByTask returns the most recent canaries first.
	ListCanariesByTask(ctx context.Context, taskID string) ([]model.Canary, error)
	UpdateCanary(ctx context.Context, c model.Canary) error
}

// RolloutTransition is a rollout state change: the canary and the programs whose
// status or traffic it changes.
type RolloutTransition struct {
	Canary model.Canary
	// FromStage is the stage the stored canary must still be at. Ignored on start.
	FromStage int
	// Programs are updated in order.
	Programs []model.Program
}

// RolloutRepository applies rollout transitions atomically. Transitions racing on the
// same rollout or task, from this or other processes, fail with model.ErrRolloutConflict
// and change nothing.
type RolloutRepository interface {
	// StartRollout creates the in progress canary, a task can't have two of them.
	StartRollout(ctx context.Context, t RolloutTransition) error
	// TransitionRollout updates a canary that is still in progress at t.FromStage.
	TransitionRollout(ctx context.Context, t RolloutTransition) error
}

// Repository groups all the repositories.
type Repository interface {
	TaskRepository
	ProgramRepository
	ExecutionRepository
	ValidationRepository
	CanaryRepository
	RolloutRepository
}
