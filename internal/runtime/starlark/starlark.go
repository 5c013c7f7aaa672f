// Package starlark is an in-process runtime that runs Starlark programs.
//
// A program must define a `run(input)` function, the input is the decoded JSON
// request and the returned value is encoded back to JSON.
package starlark

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/runtime"
)

// Language is the language name of the runtime programs.
const Language = "starlark"

const (
	entrypoint        = "run"
	defaultMaxSteps   = 10_000_000
	defaultTimeout    = 5 * time.Second
	maxCachedPrograms = 32
	programFileName   = "program.star"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// RuntimeConfig is the configuration of the Starlark runtime.
type RuntimeConfig struct {
	// MaxSteps bounds the computation steps of an execution.
	MaxSteps uint64
	// DefaultTimeout is used when the request doesn't have one.
	DefaultTimeout time.Duration
	Logger         log.Logger
}

func (c *RuntimeConfig) defaults() error {
	if c.MaxSteps == 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Starlark"})
	return nil
}

type session struct {
	// programs caches the compiled programs by code hash.
	programs map[string]*starlark.Program
}

// Runtime runs Starlark programs in the same process.
type Runtime struct {
	maxSteps       uint64
	defaultTimeout time.Duration
	sessions       map[string]*session
	mu             sync.Mutex
	logger         log.Logger
}

var _ runtime.Runtime = &Runtime{}

// NewRuntime returns a new Starlark runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runtime{
		maxSteps:       cfg.MaxSteps,
		defaultTimeout: cfg.DefaultTimeout,
		sessions:       map[string]*session{},
		logger:         cfg.Logger,
	}, nil
}

func (r *Runtime) Languages() []string { return []string{Language} }

func (r *Runtime) AcquireSession(ctx context.Context, language string) (runtime.Session, error) {
	if language != Language {
		return runtime.Session{}, fmt.Errorf("unsupported language %q: %w", language, model.ErrNotValid)
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()

	r.mu.Lock()
	r.sessions[id] = &session{programs: map[string]*starlark.Program{}}
	r.mu.Unlock()

	r.logger.Debugf("Created starlark session: %s", id)
	return runtime.Session{ID: id, Language: Language}, nil
}

func (r *Runtime) ReleaseSession(ctx context.Context, s runtime.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s: %w", s.ID, model.ErrNotFound)
	}
	delete(r.sessions, s.ID)

	r.logger.Debugf("Destroyed starlark session: %s", s.ID)
	return nil
}

func (r *Runtime) Execute(ctx context.Context, s runtime.Session, req runtime.ExecuteRequest) (*runtime.ExecuteResult, error) {
	prog, err := r.program(s.ID, req.Code)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return &runtime.ExecuteResult{Error: err.Error()}, nil
	}

	input, err := decodeInput(req.Input)
	if err != nil {
		return &runtime.ExecuteResult{Error: err.Error()}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var prints bytes.Buffer
	thread := &starlark.Thread{
		Name:  s.ID,
		Print: func(_ *starlark.Thread, msg string) { prints.WriteString(msg + "\n") },
	}
	thread.SetMaxExecutionSteps(r.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := prog.Init(thread, nil)
	if err != nil {
		return &runtime.ExecuteResult{Error: fmt.Sprintf("could not init program: %s", err)}, nil
	}
	fn, ok := globals[entrypoint].(starlark.Callable)
	if !ok {
		return &runtime.ExecuteResult{Error: fmt.Sprintf("program must define a %q function", entrypoint)}, nil
	}

	res, err := starlark.Call(thread, fn, starlark.Tuple{input}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return &runtime.ExecuteResult{Error: ctx.Err().Error()}, nil
		}
		return &runtime.ExecuteResult{Error: errorMessage(err)}, nil
	}

	out, err := encodeOutput(res)
	if err != nil {
		return &runtime.ExecuteResult{Error: err.Error()}, nil
	}

	if prints.Len() > 0 {
		r.logger.Debugf("Program output on session %s: %s", s.ID, prints.String())
	}

	return &runtime.ExecuteResult{Success: true, Output: out}, nil
}

// program returns the compiled program from the session cache or compiles it.
func (r *Runtime) program(sessionID, code string) (*starlark.Program, error) {
	sum := sha256.Sum256([]byte(code))
	key := hex.EncodeToString(sum[:])

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	prog, ok := sess.programs[key]
	r.mu.Unlock()
	if ok {
		return prog, nil
	}

	_, prog, err := starlark.SourceProgramOptions(fileOptions, programFileName, code, noPredeclared)
	if err != nil {
		return nil, fmt.Errorf("could not compile program: %s", errorMessage(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(sess.programs) >= maxCachedPrograms {
		clear(sess.programs)
	}
	sess.programs[key] = prog

	return prog, nil
}

func noPredeclared(string) bool { return false }

func errorMessage(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}
