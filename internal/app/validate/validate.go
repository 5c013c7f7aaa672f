package validate

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

// ServiceConfig is the configuration for the validate service.
type ServiceConfig struct {
	Repository storage.Repository
	// Validator grades the outputs, by default the schema validator.
	Validator validation.Validator
	// Oracle answers the expected outputs, by default the task examples.
	Oracle validation.Oracle
	Clock  func() time.Time
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Validator == nil {
		c.Validator = validation.NewSchemaValidator()
	}
	if c.Oracle == nil {
		c.Oracle = validation.ExamplesOracle{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Validate"})
	return nil
}

// Service grades sampled executions and stores the validation results.
type Service struct {
	repo      storage.Repository
	validator validation.Validator
	oracle    validation.Oracle
	clock     func() time.Time
	logger    log.Logger
}

// NewService creates a new validate service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:      cfg.Repository,
		validator: cfg.Validator,
		oracle:    cfg.Oracle,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// Validate validates a stored execution by its ID.
func (s *Service) Validate(ctx context.Context, executionID string) (*model.Validation, error) {
	exec, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("could not get execution: %w", err)
	}

	task, err := s.repo.GetTask(ctx, exec.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	return s.ValidateExecution(ctx, *task, *exec)
}

// ValidateExecution grades the execution of the task and stores the result. The
// execution is never modified. Failed executions are graded invalid without asking
// the oracle. Executions can only be validated once, a second validation fails
// with model.ErrAlreadyExists.
func (s *Service) ValidateExecution(ctx context.Context, task model.Task, exec model.Execution) (*model.Validation, error) {
	_, err := s.repo.GetValidationByExecution(ctx, exec.ID)
	if err == nil {
		return nil, fmt.Errorf("execution %s is already validated: %w", exec.ID, model.ErrAlreadyExists)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not check existing validation: %w", err)
	}

	outcome, oracleLatency, err := s.grade(ctx, task, exec)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	v := model.Validation{
		ID:              ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ExecutionID:     exec.ID,
		ProgramID:       exec.ProgramID,
		TaskID:          exec.TaskID,
		IsValid:         outcome.IsValid,
		Score:           outcome.Score,
		Errors:          outcome.Errors,
		Method:          s.validator.Method(),
		OracleLatencyMs: float64(oracleLatency) / float64(time.Millisecond),
		ValidatedAt:     now,
	}
	if err := s.repo.CreateValidation(ctx, v); err != nil {
		return nil, fmt.Errorf("could not save validation: %w", err)
	}

	if v.IsValid {
		s.logger.Debugf("Execution %s is valid (score %.2f)", exec.ID, v.Score)
	} else {
		s.logger.Infof("Execution %s is not valid: %v", exec.ID, v.Errors)
	}

	return &v, nil
}

// grade returns the validation outcome and the time spent asking the oracle.
func (s *Service) grade(ctx context.Context, task model.Task, exec model.Execution) (validation.Outcome, time.Duration, error) {
	switch exec.Status {
	case model.ExecutionStatusSuccess:
	case model.ExecutionStatusTimeout:
		return validation.Outcome{Errors: []string{validation.CategoryTimeout + ": " + exec.ErrorMessage}}, 0, nil
	default:
		return validation.Outcome{Errors: []string{validation.CategoryExecution + ": " + exec.ErrorMessage}}, 0, nil
	}

	start := s.clock()
	expected, ok, err := s.oracle.Expected(ctx, task, exec.Input)
	oracleLatency := s.clock().Sub(start)
	if err != nil {
		return validation.Outcome{}, 0, fmt.Errorf("could not get expected output: %w", err)
	}
	if !ok {
		expected = nil
	}

	outcome, err := s.validator.Validate(ctx, validation.Subject{Task: task, Execution: exec, Expected: expected})
	if err != nil {
		return validation.Outcome{}, 0, fmt.Errorf("could not validate execution: %w", err)
	}

	return outcome, oracleLatency, nil
}
