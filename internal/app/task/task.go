package task

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
	"github.com/slok/distill/internal/validation"
)

// ServiceConfig is the configuration for the task service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Clock      func() time.Time
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Task"})
	return nil
}

// Service handles the task specifications.
type Service struct {
	repo   storage.TaskRepository
	clock  func() time.Time
	logger log.Logger
}

// NewService creates a new task service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Create validates and stores a new task.
func (s *Service) Create(ctx context.Context, t model.Task) (*model.Task, error) {
	t.SetDefaults()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}
	if err := validation.CompileSchema(t.InputSchema); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w: %w", err, model.ErrNotValid)
	}
	if err := validation.CompileSchema(t.OutputSchema); err != nil {
		return nil, fmt.Errorf("invalid output schema: %w: %w", err, model.ErrNotValid)
	}
	for i, ex := range t.Examples {
		errs, err := validation.CheckSchema(t.OutputSchema, ex.Output)
		if err != nil {
			return nil, err
		}
		if len(errs) > 0 {
			return nil, fmt.Errorf("example %d output doesn't match the output schema: %v: %w", i, errs, model.ErrNotValid)
		}
	}

	_, err := s.repo.GetTaskByName(ctx, t.Name)
	if err == nil {
		return nil, fmt.Errorf("task with name %q already exists: %w", t.Name, model.ErrAlreadyExists)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not check name uniqueness: %w", err)
	}

	now := s.clock().UTC()
	t.ID = ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("could not save task: %w", err)
	}

	s.logger.Infof("Created task: %s (%s)", t.Name, t.ID)

	return &t, nil
}

// Get returns a task by ID or name.
func (s *Service) Get(ctx context.Context, ref string) (*model.Task, error) {
	t, err := s.repo.GetTask(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	t, err = s.repo.GetTaskByName(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return t, nil
}

// List returns all the tasks.
func (s *Service) List(ctx context.Context) ([]model.Task, error) {
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}
	return tasks, nil
}

// TuneOptions are the task fields that can change after creation, nil fields are not changed.
type TuneOptions struct {
	AccuracyTarget  *float64
	LatencyTargetMs *int
	SamplingRate    *float64
}

// Tune updates the targets and the sampling rate of a task.
func (s *Service) Tune(ctx context.Context, ref string, opts TuneOptions) (*model.Task, error) {
	t, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	if opts.AccuracyTarget != nil {
		t.AccuracyTarget = *opts.AccuracyTarget
	}
	if opts.LatencyTargetMs != nil {
		t.LatencyTargetMs = *opts.LatencyTargetMs
	}
	if opts.SamplingRate != nil {
		t.SamplingRate = *opts.SamplingRate
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	t.UpdatedAt = s.clock().UTC()
	if err := s.repo.UpdateTask(ctx, *t); err != nil {
		return nil, fmt.Errorf("could not update task: %w", err)
	}

	s.logger.Infof("Tuned task: %s (%s)", t.Name, t.ID)

	return t, nil
}
