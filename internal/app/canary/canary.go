package canary

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/distill/internal/app/abtest"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
	"github.com/slok/distill/internal/syncs"
)

// DefaultMaxDegradation is the default tolerated drop of the validation rate and rise of the error rate.
const DefaultMaxDegradation = 0.05

// DefaultStages are the default rollout traffic percentages.
var DefaultStages = []float64{0, 10, 50, 100}

// Publisher receives the programs promoted by a completed rollout.
type Publisher interface {
	Publish(ctx context.Context, task model.Task, p model.Program) error
}

// ServiceConfig is the configuration for the canary service.
type ServiceConfig struct {
	Repository storage.Repository
	ABTest     *abtest.Service
	// Stages are the increasing traffic percentages of the rollout, the last one must be 100.
	Stages []float64
	// MaxDegradation is the tolerated validation rate drop and error rate rise of a stage.
	MaxDegradation float64
	// MinSamples is the minimum number of executions of the new program in a stage before progressing.
	MinSamples int
	// Comparison sets the significance of the stage comparisons, Since is ignored.
	Comparison abtest.Config
	// Publisher is optional.
	Publisher Publisher
	Clock     func() time.Time
	Logger    log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.ABTest == nil {
		ab, err := abtest.NewService(abtest.ServiceConfig{Repository: c.Repository, Logger: c.Logger})
		if err != nil {
			return fmt.Errorf("could not create ab test service: %w", err)
		}
		c.ABTest = ab
	}

	if c.Stages == nil {
		c.Stages = DefaultStages
	}
	if len(c.Stages) < 2 {
		return fmt.Errorf("at least 2 stages are required")
	}
	for i, s := range c.Stages {
		if s < 0 || s > 100 {
			return fmt.Errorf("stage %d percentage must be in [0, 100]", i)
		}
		if i > 0 && s <= c.Stages[i-1] {
			return fmt.Errorf("stages must be increasing")
		}
	}
	if c.Stages[len(c.Stages)-1] != 100 {
		return fmt.Errorf("last stage must be 100")
	}

	if c.MaxDegradation == 0 {
		c.MaxDegradation = DefaultMaxDegradation
	}
	if c.MaxDegradation < 0 || c.MaxDegradation > 1 {
		return fmt.Errorf("max degradation must be in [0, 1]")
	}
	if c.MinSamples < 0 {
		return fmt.Errorf("min samples can't be negative")
	}
	if c.Comparison.MinimumSampleSize <= 0 {
		c.Comparison.MinimumSampleSize = abtest.DefaultMinimumSampleSize
	}
	if c.Comparison.RequiredConfidence == 0 {
		c.Comparison.RequiredConfidence = abtest.DefaultRequiredConfidence
	}

	if c.Clock == nil {
		c.Clock = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Canary"})

	return nil
}

// Service drives the staged rollouts of new program versions.
type Service struct {
	repo           storage.Repository
	ab             *abtest.Service
	stages         []float64
	maxDegradation float64
	minSamples     int
	comparison     abtest.Config
	publisher      Publisher
	clock          func() time.Time
	logger         log.Logger
	locks          syncs.KeyedMutex
}

// NewService creates a new canary service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:           cfg.Repository,
		ab:             cfg.ABTest,
		stages:         cfg.Stages,
		maxDegradation: cfg.MaxDegradation,
		minSamples:     cfg.MinSamples,
		comparison:     cfg.Comparison,
		publisher:      cfg.Publisher,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}, nil
}

// Start starts the rollout of a draft program against the active program of its task.
func (s *Service) Start(ctx context.Context, programID string) (*model.Canary, error) {
	p, err := s.repo.GetProgram(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("could not get program: %w", err)
	}

	unlock := s.locks.Lock(p.TaskID)
	defer unlock()

	// 1. Check the rollout can start.
	p, err = s.repo.GetProgram(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("could not get program: %w", err)
	}
	if p.Status != model.ProgramStatusDraft {
		return nil, fmt.Errorf("program %s is %s, only drafts can be rolled out: %w", p.ID, p.Status, model.ErrRolloutConflict)
	}
	current, err := s.inProgress(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("task %s already has rollout %s in progress: %w", p.TaskID, current.ID, model.ErrRolloutConflict)
	}

	previous, err := s.repo.GetActiveProgram(ctx, p.TaskID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get active program: %w", err)
	}

	// 2. Store the rollout with its traffic split.
	now := s.clock().UTC()
	pct := s.stages[0]
	c := model.Canary{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		TaskID:       p.TaskID,
		NewProgramID: p.ID,
		Stage:        0,
		Percentage:   pct,
		Status:       model.CanaryStatusInProgress,
		History: []model.CanaryEvent{
			{Stage: 0, Percentage: pct, Action: model.CanaryActionStart, At: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if previous != nil {
		c.PreviousProgramID = previous.ID
	}
	err = s.repo.StartRollout(ctx, storage.RolloutTransition{Canary: c, Programs: traffic(p, previous, pct)})
	if err != nil {
		return nil, fmt.Errorf("could not start rollout: %w", err)
	}

	s.logger.Infof("Rollout %s started for program %s at %.0f%%", c.ID, p.ID, pct)
	return &c, nil
}

// Decision is the outcome of a progress request.
type Decision struct {
	Canary   model.Canary
	Advanced bool
	// Reason explains why the rollout didn't advance.
	Reason string
	// Comparison is the stage comparison, nil without a previous program.
	Comparison *abtest.Comparison
}

// Progress advances the rollout to the next stage when the new program metrics of the
// current stage are within the tolerated degradation. Reaching the last stage completes
// the rollout promoting the new program.
func (s *Service) Progress(ctx context.Context, canaryID string) (*Decision, error) {
	c, unlock, err := s.lockCanary(ctx, canaryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c.Status.Terminal() {
		return nil, fmt.Errorf("rollout %s is %s: %w", c.ID, c.Status, model.ErrRolloutConflict)
	}

	// 1. Evaluate the current stage.
	comparison, reason, err := s.evaluate(ctx, *c)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		s.logger.Warningf("Rollout %s not advanced: %s", c.ID, reason)
		return &Decision{Canary: *c, Reason: reason, Comparison: comparison}, nil
	}

	draft, err := s.repo.GetProgram(ctx, c.NewProgramID)
	if err != nil {
		return nil, fmt.Errorf("could not get program: %w", err)
	}
	previous, err := s.previous(ctx, *c)
	if err != nil {
		return nil, err
	}

	// 2. Advance, unless another process moved the rollout meanwhile.
	now := s.clock().UTC()
	from := c.Stage
	next := c.Stage + 1
	pct := s.stages[next]
	action := model.CanaryActionProgress
	var programs []model.Program
	if next == len(s.stages)-1 {
		action = model.CanaryActionComplete
		programs, err = s.promotion(ctx, draft, now)
		if err != nil {
			return nil, err
		}
		c.Status = model.CanaryStatusCompleted
	} else {
		programs = traffic(draft, previous, pct)
	}

	c.Stage = next
	c.Percentage = pct
	c.UpdatedAt = now
	c.History = append(c.History, model.CanaryEvent{Stage: next, Percentage: pct, Action: action, At: now})
	err = s.repo.TransitionRollout(ctx, storage.RolloutTransition{Canary: *c, FromStage: from, Programs: programs})
	if err != nil {
		return nil, fmt.Errorf("could not advance rollout: %w", err)
	}

	if c.Status == model.CanaryStatusCompleted {
		s.publish(ctx, *draft)
		s.logger.Infof("Rollout %s completed, program %s promoted", c.ID, draft.ID)
	} else {
		s.logger.Infof("Rollout %s advanced to %.0f%%", c.ID, pct)
	}

	return &Decision{Canary: *c, Advanced: true, Comparison: comparison}, nil
}

// Rollback aborts the rollout discarding the new program and restoring all the
// traffic to the previous one.
func (s *Service) Rollback(ctx context.Context, canaryID, reason string) (*model.Canary, error) {
	c, unlock, err := s.lockCanary(ctx, canaryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c.Status.Terminal() {
		return nil, fmt.Errorf("rollout %s is %s: %w", c.ID, c.Status, model.ErrRolloutConflict)
	}

	draft, err := s.repo.GetProgram(ctx, c.NewProgramID)
	if err != nil {
		return nil, fmt.Errorf("could not get program: %w", err)
	}
	previous, err := s.previous(ctx, *c)
	if err != nil {
		return nil, err
	}

	draft.Status = model.ProgramStatusDiscarded
	draft.DeploymentPercentage = 0
	programs := []model.Program{*draft}
	if previous != nil {
		previous.DeploymentPercentage = 100
		programs = append(programs, *previous)
	}

	now := s.clock().UTC()
	from := c.Stage
	c.Status = model.CanaryStatusRolledBack
	c.Percentage = 0
	c.Reason = reason
	c.UpdatedAt = now
	c.History = append(c.History, model.CanaryEvent{Stage: c.Stage, Percentage: 0, Action: model.CanaryActionRollback, Reason: reason, At: now})
	err = s.repo.TransitionRollout(ctx, storage.RolloutTransition{Canary: *c, FromStage: from, Programs: programs})
	if err != nil {
		return nil, fmt.Errorf("could not roll back rollout: %w", err)
	}

	s.logger.Infof("Rollout %s rolled back: %s", c.ID, reason)
	return c, nil
}

// Get returns a rollout.
func (s *Service) Get(ctx context.Context, canaryID string) (*model.Canary, error) {
	return s.repo.GetCanary(ctx, canaryID)
}

// ListByTask returns the rollouts of a task, most recent first.
func (s *Service) ListByTask(ctx context.Context, taskID string) ([]model.Canary, error) {
	return s.repo.ListCanariesByTask(ctx, taskID)
}

func (s *Service) lockCanary(ctx context.Context, canaryID string) (*model.Canary, func(), error) {
	c, err := s.repo.GetCanary(ctx, canaryID)
	if err != nil {
		return nil, nil, fmt.Errorf("could not get canary: %w", err)
	}

	unlock := s.locks.Lock(c.TaskID)
	c, err = s.repo.GetCanary(ctx, canaryID)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("could not get canary: %w", err)
	}

	return c, unlock, nil
}

func (s *Service) inProgress(ctx context.Context, taskID string) (*model.Canary, error) {
	canaries, err := s.repo.ListCanariesByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not list canaries: %w", err)
	}
	for _, c := range canaries {
		if c.Status == model.CanaryStatusInProgress {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Service) previous(ctx context.Context, c model.Canary) (*model.Program, error) {
	if c.PreviousProgramID == "" {
		return nil, nil
	}
	p, err := s.repo.GetProgram(ctx, c.PreviousProgramID)
	if err != nil {
		return nil, fmt.Errorf("could not get previous program: %w", err)
	}
	return p, nil
}

// evaluate compares the stage metrics of the new program against the previous one.
// A non empty reason means the stage is not healthy enough to advance.
func (s *Service) evaluate(ctx context.Context, c model.Canary) (*abtest.Comparison, string, error) {
	since := c.UpdatedAt
	if n := len(c.History); n > 0 {
		since = c.History[n-1].At
	}

	treatment, err := s.ab.Metrics(ctx, c.NewProgramID, since)
	if err != nil {
		return nil, "", fmt.Errorf("could not get program metrics: %w", err)
	}
	if treatment.Executions < s.minSamples {
		return nil, fmt.Sprintf("insufficient data: %d of %d executions", treatment.Executions, s.minSamples), nil
	}
	if c.PreviousProgramID == "" {
		return nil, "", nil
	}

	control, err := s.ab.Metrics(ctx, c.PreviousProgramID, since)
	if err != nil {
		return nil, "", fmt.Errorf("could not get program metrics: %w", err)
	}
	cmpCfg := s.comparison
	cmpCfg.Since = since
	cmp := abtest.Compute(control, treatment, cmpCfg)

	if control.Validations > 0 && treatment.Validations > 0 {
		if drop := control.ValidationRate - treatment.ValidationRate; drop > s.maxDegradation {
			return &cmp, fmt.Sprintf("validation rate degraded %.1f%% (max %.1f%%)", drop*100, s.maxDegradation*100), nil
		}
	}
	if control.Executions > 0 && treatment.Executions > 0 {
		if rise := treatment.ErrorRate - control.ErrorRate; rise > s.maxDegradation {
			return &cmp, fmt.Sprintf("error rate increased %.1f%% (max %.1f%%)", rise*100, s.maxDegradation*100), nil
		}
	}

	return &cmp, "", nil
}

// traffic gives pct of the traffic to the draft and the rest to the previous program.
func traffic(draft, previous *model.Program, pct float64) []model.Program {
	draft.DeploymentPercentage = pct
	programs := []model.Program{*draft}
	if previous != nil {
		previous.DeploymentPercentage = 100 - pct
		programs = append(programs, *previous)
	}
	return programs
}

// promotion deprecates the active program and activates the draft, in that order.
func (s *Service) promotion(ctx context.Context, draft *model.Program, now time.Time) ([]model.Program, error) {
	active, err := s.repo.GetActiveProgram(ctx, draft.TaskID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get active program: %w", err)
	}

	var programs []model.Program
	if active != nil && active.ID != draft.ID {
		active.Status = model.ProgramStatusDeprecated
		active.DeploymentPercentage = 0
		programs = append(programs, *active)
	}

	draft.Status = model.ProgramStatusActive
	draft.DeploymentPercentage = 100
	draft.DeployedAt = &now
	return append(programs, *draft), nil
}

func (s *Service) publish(ctx context.Context, p model.Program) {
	if s.publisher == nil {
		return
	}
	task, err := s.repo.GetTask(ctx, p.TaskID)
	if err != nil {
		s.logger.Warningf("Could not get task to publish program %s: %s", p.ID, err)
		return
	}
	if err := s.publisher.Publish(ctx, *task, p); err != nil {
		s.logger.Warningf("Could not publish program %s: %s", p.ID, err)
	}
}
