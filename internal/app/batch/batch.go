package batch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/distill/internal/app/execute"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/pool"
	"github.com/slok/distill/internal/syncs"
)

const (
	// DefaultMaxConcurrency is the concurrency of a batch that doesn't set one.
	DefaultMaxConcurrency = 10
	// MaxConcurrencyLimit is the highest allowed batch concurrency.
	MaxConcurrencyLimit = 100
)

// ServiceConfig is the configuration for the batch service.
type ServiceConfig struct {
	Executor *execute.Service
	// Pool is optional, its stats are reported on the batch results.
	Pool   *pool.Pool
	Clock  func() time.Time
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Batch"})
	return nil
}

// Service executes batches of inputs concurrently against one task program.
type Service struct {
	exec   *execute.Service
	pool   *pool.Pool
	clock  func() time.Time
	logger log.Logger
}

// NewService creates a new batch service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		exec:   cfg.Executor,
		pool:   cfg.Pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Item is one input of a batch.
type Item struct {
	// ID is the caller correlation id, defaults to the item index.
	ID              string
	Input           json.RawMessage
	ForceValidation bool
}

// Request is a batch execution request.
type Request struct {
	// TaskID is the task ID or name.
	TaskID string
	Items  []Item
	// Version is optional, 0 resolves the serving program.
	Version int
	// MaxConcurrency is clamped to [1, 100], 0 uses the default.
	MaxConcurrency   int
	StopOnFirstError bool
	// Timeout of each item, 0 uses the engine default.
	Timeout time.Duration
}

// Execute runs all the batch items with the same program, at most MaxConcurrency
// at the same time. Item failures are part of the result. A cancelled batch
// returns the partial result without error, undispatched items are skipped.
func (s *Service) Execute(ctx context.Context, req Request) (*model.BatchResult, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required: %w", model.ErrNotValid)
	}

	task, err := s.exec.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	// 1. Check all the inputs before running anything.
	items := make([]model.BatchItemResult, len(req.Items))
	for i, it := range req.Items {
		if it.ID == "" {
			req.Items[i].ID = strconv.Itoa(i)
		}
		if err := execute.CheckInput(*task, it.Input); err != nil {
			return nil, fmt.Errorf("item %s: %w", req.Items[i].ID, err)
		}
		items[i] = model.BatchItemResult{ID: req.Items[i].ID, Skipped: true}
	}

	// 2. Resolve the program once for all the batch.
	program, err := s.exec.ResolveProgram(ctx, *task, req.Version, true)
	if err != nil {
		return nil, err
	}

	concurrency := clamp(req.MaxConcurrency)
	startedAt := s.clock().UTC()
	s.logger.Infof("Running batch of %d items for task %s with program v%d (concurrency %d)", len(req.Items), task.Name, program.Version, concurrency)

	// 3. Dispatch.
	var (
		wg      sync.WaitGroup
		stopped atomic.Bool
		sem     = syncs.NewSemaphore(concurrency)
	)
	for i, it := range req.Items {
		if stopped.Load() || ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx); err != nil {
			break
		}
		if stopped.Load() {
			sem.Release()
			break
		}

		wg.Add(1)
		go func(i int, it Item) {
			defer wg.Done()
			defer sem.Release()

			item := s.runItem(ctx, *task, *program, it, req.Timeout)
			items[i] = item
			if req.StopOnFirstError && !item.Skipped && item.Status != model.ExecutionStatusSuccess {
				stopped.Store(true)
			}
		}(i, it)
	}
	wg.Wait()

	// 4. Aggregate.
	completedAt := s.clock().UTC()
	res := &model.BatchResult{
		BatchID:        ulid.MustNew(ulid.Timestamp(startedAt), rand.Reader).String(),
		TaskID:         task.ID,
		ProgramID:      program.ID,
		ProgramVersion: program.Version,
		Items:          items,
		Total:          len(items),
		DurationMs:     float64(completedAt.Sub(startedAt)) / float64(time.Millisecond),
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
	}
	var latency float64
	for _, it := range items {
		switch {
		case it.Skipped:
			res.SkippedCount++
		case it.Status == model.ExecutionStatusSuccess:
			res.SuccessCount++
			latency += it.LatencyMs
		default:
			res.FailureCount++
			latency += it.LatencyMs
		}
	}
	if ran := res.SuccessCount + res.FailureCount; ran > 0 {
		res.AvgLatencyMs = latency / float64(ran)
	}
	if s.pool != nil {
		res.PoolStats = s.pool.Stats()
	}

	s.logger.Infof("Batch %s finished: %d succeeded, %d failed, %d skipped", res.BatchID, res.SuccessCount, res.FailureCount, res.SkippedCount)

	return res, nil
}

func (s *Service) runItem(ctx context.Context, task model.Task, program model.Program, it Item, timeout time.Duration) model.BatchItemResult {
	r, err := s.exec.Run(ctx, task, program, execute.RunOptions{
		Input:           it.Input,
		Timeout:         timeout,
		ForceValidation: it.ForceValidation,
	})
	if err != nil {
		if ctx.Err() != nil {
			return model.BatchItemResult{ID: it.ID, Skipped: true}
		}
		s.logger.Warningf("Batch item %s failed: %s", it.ID, err)
		return model.BatchItemResult{ID: it.ID, Status: model.ExecutionStatusError, ErrorMessage: err.Error()}
	}

	e := r.Execution
	return model.BatchItemResult{
		ID:           it.ID,
		ExecutionID:  e.ID,
		Status:       e.Status,
		Output:       e.Output,
		ErrorMessage: e.ErrorMessage,
		LatencyMs:    e.LatencyMs,
		Sampled:      e.SampledForValidation,
	}
}

func clamp(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxConcurrency
	case n > MaxConcurrencyLimit:
		return MaxConcurrencyLimit
	default:
		return n
	}
}
