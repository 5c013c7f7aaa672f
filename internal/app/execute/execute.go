package execute

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/distill/internal/app/improve"
	"github.com/slok/distill/internal/app/validate"
	"github.com/slok/distill/internal/engine"
	"github.com/slok/distill/internal/generator"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/sampling"
	"github.com/slok/distill/internal/storage"
	"github.com/slok/distill/internal/syncs"
	"github.com/slok/distill/internal/validation"
)

// Publisher receives the programs that become active.
type Publisher interface {
	Publish(ctx context.Context, task model.Task, p model.Program) error
}

// ServiceConfig is the configuration for the execute service.
type ServiceConfig struct {
	Repository storage.Repository
	Engine     *engine.Engine
	// Generator is optional, without it tasks without programs can't be executed.
	Generator generator.Generator
	// Sampler is by default the random sampler.
	Sampler sampling.Sampler
	// Validator is optional, without it sampled executions are only flagged.
	Validator *validate.Service
	// Queue is optional, it receives the programs of invalid validations.
	Queue improve.Queue
	// Publisher is optional, it receives the lazily generated programs.
	Publisher Publisher
	// Draw is the traffic split random source, returns [0, 1).
	Draw   func() float64
	Clock  func() time.Time
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.Sampler == nil {
		c.Sampler = sampling.NewRandomSampler(nil)
	}
	if c.Draw == nil {
		c.Draw = mathrand.Float64
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Execute"})
	return nil
}

// Service executes tasks with their programs.
type Service struct {
	repo      storage.Repository
	engine    *engine.Engine
	gen       generator.Generator
	sampler   sampling.Sampler
	validator *validate.Service
	queue     improve.Queue
	publisher Publisher
	draw      func() float64
	clock     func() time.Time
	logger    log.Logger
	genLocks  syncs.KeyedMutex
}

// NewService creates a new execute service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:      cfg.Repository,
		engine:    cfg.Engine,
		gen:       cfg.Generator,
		sampler:   cfg.Sampler,
		validator: cfg.Validator,
		queue:     cfg.Queue,
		publisher: cfg.Publisher,
		draw:      cfg.Draw,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// Request is a task execution request.
type Request struct {
	// TaskID is the task ID or name.
	TaskID string
	Input  json.RawMessage
	// Version is optional, 0 resolves the serving program.
	Version int
	// Timeout of 0 uses the engine default.
	Timeout         time.Duration
	ForceValidation bool
}

// Result is the result of a task execution.
type Result struct {
	Execution model.Execution
	// Validation is set when the execution was sampled and validated.
	Validation *model.Validation
}

// Execute runs the task program on the input. Program failures and timeouts are
// part of the result, errors are returned only for unknown tasks or programs,
// invalid inputs and generation or storage failures.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	task, err := s.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	if err := CheckInput(*task, req.Input); err != nil {
		return nil, err
	}

	program, err := s.ResolveProgram(ctx, *task, req.Version, true)
	if err != nil {
		return nil, err
	}

	return s.Run(ctx, *task, *program, RunOptions{Input: req.Input, Timeout: req.Timeout, ForceValidation: req.ForceValidation})
}

// GetTask returns a task by ID or name.
func (s *Service) GetTask(ctx context.Context, ref string) (*model.Task, error) {
	task, err := s.repo.GetTask(ctx, ref)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	task, err = s.repo.GetTaskByName(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return task, nil
}

// CheckInput checks the input is JSON and follows the task input schema.
func CheckInput(task model.Task, input json.RawMessage) error {
	if len(input) == 0 || !json.Valid(input) {
		return fmt.Errorf("input is not valid JSON: %w", model.ErrNotValid)
	}
	errs, err := validation.CheckSchema(task.InputSchema, input)
	if err != nil {
		return fmt.Errorf("could not check input: %w", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("input doesn't match the input schema: %s: %w", strings.Join(errs, "; "), model.ErrNotValid)
	}
	return nil
}

// ResolveProgram returns the program that serves the execution:
//   - The requested version when there is one.
//   - The canary draft for its share of the traffic when there is a rollout in progress.
//   - The active program.
//   - A new active program when the task has none and generate is set.
func (s *Service) ResolveProgram(ctx context.Context, task model.Task, version int, generate bool) (*model.Program, error) {
	if version > 0 {
		p, err := s.repo.GetProgramByVersion(ctx, task.ID, version)
		if err != nil {
			return nil, fmt.Errorf("could not get program version: %w", err)
		}
		return p, nil
	}

	active, err := s.repo.GetActiveProgram(ctx, task.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get active program: %w", err)
	}

	draft, err := s.canaryDraft(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if draft != nil {
		if active == nil || s.draw()*100 < draft.DeploymentPercentage {
			return draft, nil
		}
	}

	if active != nil {
		return active, nil
	}

	if !generate {
		return nil, fmt.Errorf("task %s has no active program: %w", task.Name, model.ErrNotFound)
	}
	return s.generateFirst(ctx, task)
}

// canaryDraft returns the program of the task rollout in progress, nil if there is none.
func (s *Service) canaryDraft(ctx context.Context, taskID string) (*model.Program, error) {
	canaries, err := s.repo.ListCanariesByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not list canaries: %w", err)
	}
	for _, c := range canaries {
		if c.Status != model.CanaryStatusInProgress {
			continue
		}
		p, err := s.repo.GetProgram(ctx, c.NewProgramID)
		if err != nil {
			return nil, fmt.Errorf("could not get canary program: %w", err)
		}
		return p, nil
	}
	return nil, nil
}

// generateFirst generates and activates a program for a task without one. Generations
// are serialized per task so concurrent requests create a single program.
func (s *Service) generateFirst(ctx context.Context, task model.Task) (*model.Program, error) {
	if s.gen == nil {
		return nil, fmt.Errorf("task %s has no program and there is no generator: %w", task.Name, model.ErrGenerationFailed)
	}

	unlock := s.genLocks.Lock(task.ID)
	defer unlock()

	// Someone else could have generated it while we were waiting.
	active, err := s.repo.GetActiveProgram(ctx, task.ID)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get active program: %w", err)
	}

	s.logger.Infof("Task %s has no program, generating it", task.Name)

	start := s.clock()
	res, err := s.gen.Generate(ctx, generator.Request{Task: task})
	if err != nil {
		if errors.Is(err, model.ErrGenerationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrGenerationFailed, err)
	}
	if strings.TrimSpace(res.Code) == "" {
		return nil, fmt.Errorf("empty program: %w", model.ErrGenerationFailed)
	}
	genTime := s.clock().Sub(start)

	latest, err := s.repo.GetLatestVersion(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("could not get latest version: %w", err)
	}

	now := s.clock().UTC()
	p := model.Program{
		ID:                   ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		TaskID:               task.ID,
		Version:              latest + 1,
		Language:             res.Language,
		Code:                 res.Code,
		Status:               model.ProgramStatusActive,
		DeploymentPercentage: 100,
		Complexity:           res.Complexity,
		GenerationTime:       genTime,
		CreatedAt:            now,
		DeployedAt:           &now,
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generated program: %w", err)
	}
	if err := s.repo.CreateProgram(ctx, p); err != nil {
		if !errors.Is(err, model.ErrAlreadyExists) {
			return nil, fmt.Errorf("could not save program: %w", err)
		}

		// Another process activated a program first, use that one.
		active, aerr := s.repo.GetActiveProgram(ctx, task.ID)
		if aerr != nil {
			return nil, fmt.Errorf("could not save program: %w", err)
		}
		s.logger.Warningf("Discarded generated program for task %s, program %s was activated meanwhile", task.Name, active.ID)
		return active, nil
	}

	s.logger.Infof("Generated program v%d for task %s (%s)", p.Version, task.Name, p.ID)

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, task, p); err != nil {
			s.logger.Warningf("Could not publish program %s: %s", p.ID, err)
		}
	}

	return &p, nil
}

// RunOptions are the options of a single program run.
type RunOptions struct {
	Input           json.RawMessage
	Timeout         time.Duration
	ForceValidation bool
}

// Run executes the program, decides the sampling, stores the execution and validates it
// when sampled. Invalid validations are handed off to the improvement queue. Executions
// interrupted by the caller cancellation are not stored.
func (s *Service) Run(ctx context.Context, task model.Task, program model.Program, opts RunOptions) (*Result, error) {
	executedAt := s.clock().UTC()
	res := s.engine.Execute(ctx, engine.Request{
		Code:     program.Code,
		Language: program.Language,
		Input:    opts.Input,
		Timeout:  opts.Timeout,
	})

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execution cancelled: %w", err)
	}

	exec := model.Execution{
		ID:                   ulid.MustNew(ulid.Timestamp(executedAt), rand.Reader).String(),
		TaskID:               task.ID,
		ProgramID:            program.ID,
		ProgramVersion:       program.Version,
		Input:                opts.Input,
		Output:               res.Output,
		Status:               res.Status,
		ErrorMessage:         res.Error,
		LatencyMs:            res.LatencyMs,
		SampledForValidation: s.sampler.ShouldSample(task.SamplingRate, opts.ForceValidation),
		ExecutedAt:           executedAt,
	}

	if err := s.repo.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("could not save execution: %w", err)
	}

	result := &Result{Execution: exec}
	if !exec.SampledForValidation || s.validator == nil {
		return result, nil
	}

	v, err := s.validator.ValidateExecution(ctx, task, exec)
	if err != nil {
		s.logger.Warningf("Could not validate execution %s: %s", exec.ID, err)
		return result, nil
	}
	result.Validation = v

	if !v.IsValid && s.queue != nil {
		s.queue.Enqueue(ctx, program.ID)
	}

	return result, nil
}
