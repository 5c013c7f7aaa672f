// Package engine runs one program against one input on the sandboxed runtime.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/pool"
	"github.com/slok/distill/internal/runtime"
)

// Request is an execution request.
type Request struct {
	Code     string
	Language string
	Input    json.RawMessage
	// Timeout of 0 means the engine default.
	Timeout time.Duration
}

// Result is the outcome of an execution. Failures are data, not errors.
type Result struct {
	Status model.ExecutionStatus
	// Output is nil unless the execution succeeded.
	Output    json.RawMessage
	Error     string
	LatencyMs float64
}

// Failed returns true if the execution didn't succeed.
func (r Result) Failed() bool { return r.Status != model.ExecutionStatusSuccess }

// EngineConfig is the configuration of the execution engine.
type EngineConfig struct {
	// Runtime is optional, without it all executions fail with model.ErrRuntimeUnavailable.
	Runtime runtime.Runtime
	// Pool is optional, when set sessions are taken from the pool instead of
	// being created for each execution.
	Pool           *pool.Pool
	DefaultTimeout time.Duration
	Logger         log.Logger
}

func (c *EngineConfig) defaults() error {
	if c.Runtime == nil && c.Pool != nil {
		c.Runtime = c.Pool.Runtime()
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "engine.Engine"})
	return nil
}

// Engine executes programs measuring their latency.
type Engine struct {
	runtime        runtime.Runtime
	pool           *pool.Pool
	defaultTimeout time.Duration
	logger         log.Logger
}

// NewEngine returns a new execution engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		runtime:        cfg.Runtime,
		pool:           cfg.Pool,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
	}, nil
}

// Available returns true if the engine has a runtime to execute programs.
func (e *Engine) Available() bool { return e.runtime != nil }

// Pool returns the engine session pool, nil when the engine doesn't use one.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Execute runs the program. It never fails, runtime and program failures are
// reported in the result status. The latency includes the session acquisition.
func (e *Engine) Execute(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("Recovered panic executing program: %v", r)
			res = Result{Status: model.ExecutionStatusError, Error: fmt.Sprintf("panic: %v", r)}
		}
		res.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	if e.runtime == nil {
		return Result{Status: model.ExecutionStatusError, Error: model.ErrRuntimeUnavailable.Error()}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.run(execCtx, req, timeout)
	switch {
	case err == nil:
		return Result{Status: model.ExecutionStatusSuccess, Output: out}
	case ctx.Err() != nil:
		return Result{Status: model.ExecutionStatusError, Error: fmt.Sprintf("execution cancelled: %s", ctx.Err())}
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return Result{Status: model.ExecutionStatusTimeout, Error: fmt.Sprintf("execution exceeded the %s timeout", timeout)}
	}

	return Result{Status: model.ExecutionStatusError, Error: err.Error()}
}

func (e *Engine) run(ctx context.Context, req Request, timeout time.Duration) (json.RawMessage, error) {
	session, release, err := e.session(ctx, req.Language)
	if err != nil {
		return nil, err
	}

	// Sessions interrupted mid execution are not reused.
	healthy := false
	defer func() { release(healthy) }()

	res, err := e.runtime.Execute(ctx, session, runtime.ExecuteRequest{
		Code:    req.Code,
		Input:   req.Input,
		Timeout: timeout,
	})
	healthy = err == nil && ctx.Err() == nil
	if err != nil {
		return nil, fmt.Errorf("runtime failure: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "program failed without error message"
		}
		return nil, errors.New(msg)
	}

	out := res.Output
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("program output is not valid JSON")
	}

	return out, nil
}

// session returns a runtime session and the function to give it back.
func (e *Engine) session(ctx context.Context, language string) (runtime.Session, func(healthy bool), error) {
	releaseCtx := context.WithoutCancel(ctx)

	if e.pool != nil {
		s, err := e.pool.Acquire(ctx, language)
		if err != nil {
			return runtime.Session{}, nil, err
		}
		return s.Session, func(healthy bool) { e.pool.Release(releaseCtx, s, healthy) }, nil
	}

	s, err := e.runtime.AcquireSession(ctx, language)
	if err != nil {
		return runtime.Session{}, nil, fmt.Errorf("could not acquire session: %w", err)
	}
	return s, func(bool) {
		if err := e.runtime.ReleaseSession(releaseCtx, s); err != nil {
			e.logger.Warningf("Could not release session %s: %s", s.ID, err)
		}
	}, nil
}
