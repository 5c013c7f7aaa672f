package fake

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/runtime"
)

// Handler is the Go implementation of a fake program.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// RuntimeConfig is the configuration for the fake runtime.
type RuntimeConfig struct {
	// Languages supported, by default `fake`.
	Languages []string
	// Programs maps program code to its implementation.
	Programs map[string]Handler
	// Delay added to every execution.
	Delay  time.Duration
	Logger log.Logger
}

func (c *RuntimeConfig) defaults() error {
	if len(c.Languages) == 0 {
		c.Languages = []string{"fake"}
	}
	if c.Programs == nil {
		c.Programs = map[string]Handler{}
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay can't be negative")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Fake"})
	return nil
}

// Runtime is a fake implementation of the runtime.Runtime interface.
// It runs programs registered as Go functions instead of real code.
type Runtime struct {
	languages map[string]bool
	programs  map[string]Handler
	delay     time.Duration
	sessions  map[string]runtime.Session
	busy      map[string]bool
	created   int
	destroyed int
	inFlight  int
	maxFlight int
	mu        sync.Mutex
	logger    log.Logger
}

var _ runtime.Runtime = &Runtime{}

// NewRuntime creates a new fake runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	langs := map[string]bool{}
	for _, l := range cfg.Languages {
		langs[l] = true
	}
	programs := map[string]Handler{}
	for code, h := range cfg.Programs {
		programs[code] = h
	}

	return &Runtime{
		languages: langs,
		programs:  programs,
		delay:     cfg.Delay,
		sessions:  map[string]runtime.Session{},
		busy:      map[string]bool{},
		logger:    cfg.Logger,
	}, nil
}

// Register registers a program implementation.
func (r *Runtime) Register(code string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[code] = h
}

// AcquireSession creates a new fake session.
func (r *Runtime) AcquireSession(ctx context.Context, language string) (runtime.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.languages[language] {
		return runtime.Session{}, fmt.Errorf("language %q: %w", language, model.ErrNotValid)
	}

	s := runtime.Session{
		ID:       ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		Language: language,
	}
	r.sessions[s.ID] = s
	r.created++
	r.logger.Debugf("Created fake session: %s (%s)", s.ID, language)

	return s, nil
}

// Execute runs the registered program handler.
func (r *Runtime) Execute(ctx context.Context, s runtime.Session, req runtime.ExecuteRequest) (*runtime.ExecuteResult, error) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", s.ID, model.ErrNotFound)
	}
	if r.busy[s.ID] {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s is already executing", s.ID)
	}
	h, ok := r.programs[req.Code]
	r.busy[s.ID] = true
	r.inFlight++
	if r.inFlight > r.maxFlight {
		r.maxFlight = r.inFlight
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.busy[s.ID] = false
		r.inFlight--
		r.mu.Unlock()
	}()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return &runtime.ExecuteResult{Error: ctx.Err().Error()}, nil
		}
	}

	if !ok {
		return &runtime.ExecuteResult{Error: "unknown program"}, nil
	}

	out, err := h(ctx, req.Input)
	if err != nil {
		return &runtime.ExecuteResult{Error: err.Error()}, nil
	}

	return &runtime.ExecuteResult{Success: true, Output: out}, nil
}

// ReleaseSession destroys a fake session.
func (r *Runtime) ReleaseSession(ctx context.Context, s runtime.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s: %w", s.ID, model.ErrNotFound)
	}
	delete(r.sessions, s.ID)
	delete(r.busy, s.ID)
	r.destroyed++
	r.logger.Debugf("Destroyed fake session: %s", s.ID)

	return nil
}

// Languages returns the fake supported languages.
func (r *Runtime) Languages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	langs := make([]string, 0, len(r.languages))
	for l := range r.languages {
		langs = append(langs, l)
	}
	return langs
}

// Stats are the fake runtime usage counters.
type Stats struct {
	Live        int
	Created     int
	Destroyed   int
	MaxInFlight int
}

// Stats returns the usage counters.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Live:        len(r.sessions),
		Created:     r.created,
		Destroyed:   r.destroyed,
		MaxInFlight: r.maxFlight,
	}
}
