package improve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slok/distill/internal/log"
)

// Queue hands off programs to be checked for improvement.
type Queue interface {
	Enqueue(ctx context.Context, programID string)
}

// Checker checks and improves programs, *Service implements it.
type Checker interface {
	Check(ctx context.Context, programID string) (*Outcome, error)
}

// CheckerFunc is a helper to use functions as checkers.
type CheckerFunc func(ctx context.Context, programID string) (*Outcome, error)

func (c CheckerFunc) Check(ctx context.Context, programID string) (*Outcome, error) {
	return c(ctx, programID)
}

// Event is the report of a processed improvement check.
type Event struct {
	ProgramID string
	// Outcome is nil when the program didn't need improvement or the check failed.
	Outcome *Outcome
	Err     error
	At      time.Time
}

// Notifier receives the improvement check events.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc is a helper to use functions as notifiers.
type NotifierFunc func(ctx context.Context, e Event)

func (n NotifierFunc) Notify(ctx context.Context, e Event) { n(ctx, e) }

// ChannelNotifier sends the events to a channel, events are dropped when the channel is full.
type ChannelNotifier chan Event

func (c ChannelNotifier) Notify(ctx context.Context, e Event) {
	select {
	case c <- e:
	default:
	}
}

var noopNotifier = NotifierFunc(func(context.Context, Event) {})

type processor struct {
	checker  Checker
	notifier Notifier
	logger   log.Logger
}

// process runs the check, failures are logged and notified, never returned.
func (p processor) process(ctx context.Context, programID string) {
	e := Event{ProgramID: programID}
	e.Outcome, e.Err = p.checker.Check(ctx, programID)
	e.At = time.Now().UTC()

	switch {
	case e.Err != nil:
		p.logger.Errorf("Improvement check of program %s failed: %s", programID, e.Err)
	case e.Outcome != nil && !e.Outcome.Success:
		p.logger.Warningf("Improvement of program %s failed: %s", programID, e.Outcome.Reason)
	case e.Outcome != nil:
		p.logger.Infof("Program %s improved with draft v%d", programID, e.Outcome.Program.Version)
	}

	p.notifier.Notify(ctx, e)
}

// SyncQueueConfig is the configuration of the synchronous queue.
type SyncQueueConfig struct {
	Checker  Checker
	Notifier Notifier
	Logger   log.Logger
}

func (c *SyncQueueConfig) defaults() error {
	if c.Checker == nil {
		return fmt.Errorf("checker is required")
	}
	if c.Notifier == nil {
		c.Notifier = noopNotifier
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "improve.SyncQueue"})
	return nil
}

// SyncQueue processes the programs when they are enqueued.
type SyncQueue struct {
	p processor
}

// NewSyncQueue returns a new synchronous queue.
func NewSyncQueue(cfg SyncQueueConfig) (*SyncQueue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SyncQueue{p: processor{checker: cfg.Checker, notifier: cfg.Notifier, logger: cfg.Logger}}, nil
}

func (q *SyncQueue) Enqueue(ctx context.Context, programID string) {
	q.p.process(ctx, programID)
}

// AsyncQueueConfig is the configuration of the asynchronous queue.
type AsyncQueueConfig struct {
	Checker  Checker
	Notifier Notifier
	// Size is the maximum number of pending programs.
	Size   int
	Logger log.Logger
}

func (c *AsyncQueueConfig) defaults() error {
	if c.Checker == nil {
		return fmt.Errorf("checker is required")
	}
	if c.Notifier == nil {
		c.Notifier = noopNotifier
	}
	if c.Size <= 0 {
		c.Size = 100
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "improve.AsyncQueue"})
	return nil
}

// AsyncQueue is a bounded queue consumed by a worker loop. A program already pending
// is not enqueued twice and programs are dropped when the queue is full.
type AsyncQueue struct {
	p       processor
	queue   chan string
	mu      sync.Mutex
	pending map[string]struct{}
	logger  log.Logger
}

// NewAsyncQueue returns a new asynchronous queue, Run must be called to process it.
func NewAsyncQueue(cfg AsyncQueueConfig) (*AsyncQueue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &AsyncQueue{
		p:       processor{checker: cfg.Checker, notifier: cfg.Notifier, logger: cfg.Logger},
		queue:   make(chan string, cfg.Size),
		pending: map[string]struct{}{},
		logger:  cfg.Logger,
	}, nil
}

// Enqueue never blocks.
func (q *AsyncQueue) Enqueue(ctx context.Context, programID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[programID]; ok {
		return
	}

	select {
	case q.queue <- programID:
		q.pending[programID] = struct{}{}
	default:
		q.logger.Warningf("Improvement queue is full, dropping program %s", programID)
	}
}

// Len returns the number of pending programs.
func (q *AsyncQueue) Len() int {
	return len(q.queue)
}

// Run processes the queue until the context is done.
func (q *AsyncQueue) Run(ctx context.Context) error {
	q.logger.Infof("Improvement worker started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Infof("Improvement worker stopped")
			return nil
		case programID := <-q.queue:
			q.mu.Lock()
			delete(q.pending, programID)
			q.mu.Unlock()

			q.p.process(ctx, programID)
		}
	}
}
