package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrGenerationFailed is returned when the program generator could not produce a program.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrRolloutConflict is returned when a rollout transition is not allowed in the current state.
	ErrRolloutConflict = errors.New("rollout conflict")
	// ErrRuntimeUnavailable is returned when no sandboxed runtime is configured.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	// ErrPoolExhausted is returned when a session could not be acquired in time.
	ErrPoolExhausted = errors.New("session pool exhausted")
)
