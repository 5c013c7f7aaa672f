// Package runtime has the session oriented sandboxed execution runtime abstraction
// where generated programs run.
package runtime

import (
	"context"
	"encoding/json"
	"time"
)

// Session is a handle to a runtime execution context for one language.
type Session struct {
	ID       string
	Language string
}

// ExecuteRequest is the request to run a program inside a session.
type ExecuteRequest struct {
	Code  string
	Input json.RawMessage
	// Timeout of 0 means the runtime default.
	Timeout time.Duration
}

// ExecuteResult is the outcome reported by the runtime. Program failures are
// reported with Success false and an error message, not as Go errors.
type ExecuteResult struct {
	Success bool
	Output  json.RawMessage
	Error   string
}

// Runtime is the sandboxed execution runtime.
type Runtime interface {
	// AcquireSession creates a new session for the language.
	AcquireSession(ctx context.Context, language string) (Session, error)
	// Execute runs the program on the session. Errors are reserved for runtime
	// (infrastructure) failures.
	Execute(ctx context.Context, s Session, req ExecuteRequest) (*ExecuteResult, error)
	// ReleaseSession destroys the session and its resources.
	ReleaseSession(ctx context.Context, s Session) error
	// Languages returns the languages the runtime can execute.
	Languages() []string
}

//go:generate mockery --case underscore --output runtimemock --outpkg runtimemock --name Runtime
