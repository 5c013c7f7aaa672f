// Package pool has a bounded pool of reusable runtime sessions shared by
// concurrent executions.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/runtime"
)

// SessionState is the lifecycle state of a pooled session.
type SessionState string

const (
	SessionStateIdle   SessionState = "idle"
	SessionStateActive SessionState = "active"
)

// Session is a pooled runtime session.
type Session struct {
	runtime.Session
	Executions int
	State      SessionState
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// PoolConfig is the configuration of the session pool.
type PoolConfig struct {
	Runtime runtime.Runtime
	// MaxSessions is the limit of live sessions across all languages.
	MaxSessions int
	// IdleTimeout is the time an idle session is kept before being reaped.
	IdleTimeout time.Duration
	// MaxLifetime is the time after which a session is never reused.
	MaxLifetime time.Duration
	// AcquireTimeout bounds the wait for a free session, 0 waits until the context ends.
	AcquireTimeout time.Duration
	ReapInterval   time.Duration
	Clock          func() time.Time
	Logger         log.Logger
}

func (c *PoolConfig) defaults() error {
	if c.Runtime == nil {
		return fmt.Errorf("runtime is required")
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("acquire timeout can't be negative")
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pool.Pool"})
	return nil
}

// Pool is a bounded set of reusable runtime sessions keyed by language.
// Idle sessions are reused before creating new ones, and a session is never
// handed to two executions at the same time.
type Pool struct {
	runtime        runtime.Runtime
	maxSessions    int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	acquireTimeout time.Duration
	reapInterval   time.Duration
	clock          func() time.Time
	logger         log.Logger

	mu sync.Mutex
	// idle sessions per language, the most recently used last.
	idle   map[string][]*Session
	active map[string]*Session
	// slots counts live sessions plus the ones being created.
	slots   int
	changed chan struct{}
	closed  bool
}

// NewPool returns a new session pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Pool{
		runtime:        cfg.Runtime,
		maxSessions:    cfg.MaxSessions,
		idleTimeout:    cfg.IdleTimeout,
		maxLifetime:    cfg.MaxLifetime,
		acquireTimeout: cfg.AcquireTimeout,
		reapInterval:   cfg.ReapInterval,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		idle:           map[string][]*Session{},
		active:         map[string]*Session{},
		changed:        make(chan struct{}),
	}, nil
}

// Runtime returns the runtime the pool sessions belong to.
func (p *Pool) Runtime() runtime.Runtime { return p.runtime }

// Acquire returns a session for the language, blocking until one is free or the
// pool has room to create one.
func (p *Pool) Acquire(ctx context.Context, language string) (*Session, error) {
	waitCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool is closed: %w", model.ErrPoolExhausted)
		}

		// Reuse idle sessions first.
		if s := p.popIdle(language); s != nil {
			p.activate(s)
			p.mu.Unlock()
			return s, nil
		}

		// Create a new one if there is room.
		if p.slots < p.maxSessions {
			p.slots++
			p.mu.Unlock()
			return p.create(ctx, language)
		}

		// Make room evicting an idle session of another language.
		if victim := p.popOldestIdle(); victim != nil {
			p.mu.Unlock()
			p.logger.Debugf("Evicting idle %s session %s to make room for %s", victim.Language, victim.ID, language)
			p.destroy(ctx, victim)
			return p.create(ctx, language)
		}

		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, fmt.Errorf("could not acquire %s session: %w", language, ctx.Err())
			}
			return nil, fmt.Errorf("no %s session available after %s: %w", language, p.acquireTimeout, model.ErrPoolExhausted)
		}
	}
}

// create creates a new session on an already reserved slot.
func (p *Pool) create(ctx context.Context, language string) (*Session, error) {
	rs, err := p.runtime.AcquireSession(ctx, language)
	if err != nil {
		p.mu.Lock()
		p.slots--
		p.notify()
		p.mu.Unlock()
		return nil, fmt.Errorf("could not create %s session: %w", language, err)
	}

	now := p.clock()
	s := &Session{Session: rs, CreatedAt: now, LastUsedAt: now}

	p.mu.Lock()
	p.activate(s)
	p.mu.Unlock()

	p.logger.Debugf("Created %s session: %s", language, s.ID)
	return s, nil
}

// Release returns the session to the pool. Unhealthy or expired sessions are destroyed.
func (p *Pool) Release(ctx context.Context, s *Session, healthy bool) {
	p.mu.Lock()
	if _, ok := p.active[s.ID]; !ok {
		p.mu.Unlock()
		p.logger.Warningf("Released unknown session: %s", s.ID)
		return
	}
	delete(p.active, s.ID)

	now := p.clock()
	s.LastUsedAt = now
	expired := now.Sub(s.CreatedAt) >= p.maxLifetime
	if !healthy || expired || p.closed {
		p.slots--
		p.notify()
		p.mu.Unlock()
		p.destroy(ctx, s)
		return
	}

	s.State = SessionStateIdle
	p.idle[s.Language] = append(p.idle[s.Language], s)
	p.notify()
	p.mu.Unlock()
}

// Reap destroys the idle sessions past their idle timeout or max lifetime.
// Returns the number of destroyed sessions.
func (p *Pool) Reap(ctx context.Context) int {
	now := p.clock()

	p.mu.Lock()
	var reaped []*Session
	for lang, ss := range p.idle {
		kept := ss[:0]
		for _, s := range ss {
			if now.Sub(s.LastUsedAt) >= p.idleTimeout || now.Sub(s.CreatedAt) >= p.maxLifetime {
				reaped = append(reaped, s)
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(p.idle, lang)
		} else {
			p.idle[lang] = kept
		}
	}
	if len(reaped) > 0 {
		p.slots -= len(reaped)
		p.notify()
	}
	p.mu.Unlock()

	for _, s := range reaped {
		p.destroy(ctx, s)
	}
	if len(reaped) > 0 {
		p.logger.Debugf("Reaped %d idle sessions", len(reaped))
	}

	return len(reaped)
}

// Run reaps the pool periodically until the context is done.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Reap(ctx)
		}
	}
}

// Stats returns the current pool usage.
func (p *Pool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, ss := range p.idle {
		idle += len(ss)
	}
	return model.PoolStats{
		Total:  idle + len(p.active),
		Active: len(p.active),
		Idle:   idle,
	}
}

// Close destroys the idle sessions, active ones are destroyed when released.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var idle []*Session
	for _, ss := range p.idle {
		idle = append(idle, ss...)
	}
	p.idle = map[string][]*Session{}
	p.slots -= len(idle)
	p.notify()
	p.mu.Unlock()

	for _, s := range idle {
		p.destroy(ctx, s)
	}
}

func (p *Pool) destroy(ctx context.Context, s *Session) {
	if err := p.runtime.ReleaseSession(context.WithoutCancel(ctx), s.Session); err != nil {
		p.logger.Errorf("Could not destroy session %s: %s", s.ID, err)
		return
	}
	p.logger.Debugf("Destroyed %s session: %s", s.Language, s.ID)
}

// Must be called with the lock held.
func (p *Pool) activate(s *Session) {
	s.State = SessionStateActive
	s.Executions++
	p.active[s.ID] = s
}

// Must be called with the lock held.
func (p *Pool) popIdle(language string) *Session {
	ss := p.idle[language]
	if len(ss) == 0 {
		return nil
	}
	s := ss[len(ss)-1]
	if len(ss) == 1 {
		delete(p.idle, language)
	} else {
		p.idle[language] = ss[:len(ss)-1]
	}
	return s
}

// popOldestIdle removes the least recently used idle session of any language.
// Must be called with the lock held.
func (p *Pool) popOldestIdle() *Session {
	var oldest *Session
	oldestLang, oldestIdx := "", 0
	for lang, ss := range p.idle {
		for i, s := range ss {
			if oldest == nil || s.LastUsedAt.Before(oldest.LastUsedAt) {
				oldest, oldestLang, oldestIdx = s, lang, i
			}
		}
	}
	if oldest == nil {
		return nil
	}

	ss := p.idle[oldestLang]
	ss = append(ss[:oldestIdx], ss[oldestIdx+1:]...)
	if len(ss) == 0 {
		delete(p.idle, oldestLang)
	} else {
		p.idle[oldestLang] = ss
	}
	return oldest
}

// notify wakes up the waiters. Must be called with the lock held.
func (p *Pool) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}
