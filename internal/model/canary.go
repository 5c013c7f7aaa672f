package model

import "time"

// CanaryStatus is the status of a canary deployment.
type CanaryStatus string

const (
	// CanaryStatusInProgress is a rollout that can still progress or be rolled back.
	CanaryStatusInProgress CanaryStatus = "in_progress"
	// CanaryStatusCompleted is a rollout that promoted the new program.
	CanaryStatusCompleted CanaryStatus = "completed"
	// CanaryStatusRolledBack is a rollout that restored the previous program.
	CanaryStatusRolledBack CanaryStatus = "rolled_back"
)

// Terminal returns true if no more transitions are allowed from the status.
func (s CanaryStatus) Terminal() bool {
	return s == CanaryStatusCompleted || s == CanaryStatusRolledBack
}

// CanaryAction is the transition recorded on a canary history event.
type CanaryAction string

const (
	CanaryActionStart    CanaryAction = "start"
	CanaryActionProgress CanaryAction = "progress"
	CanaryActionComplete CanaryAction = "complete"
	CanaryActionRollback CanaryAction = "rollback"
)

// Canary is the rollout state of a new program version for a task.
type Canary struct {
	ID                string
	TaskID            string
	NewProgramID      string
	PreviousProgramID string // Empty when the task had no active program.
	// Stage is the index of the current stage in the rollout stage list.
	Stage      int
	Percentage float64
	Status     CanaryStatus
	Reason     string
	// History is append-only, ordered by time.
	History []CanaryEvent

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanaryEvent is an immutable history entry of a canary transition.
type CanaryEvent struct {
	Stage      int
	Percentage float64
	Action     CanaryAction
	Reason     string
	At         time.Time
}
