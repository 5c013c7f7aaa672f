package improve

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/distill/internal/generator"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
	"github.com/slok/distill/internal/syncs"
	"github.com/slok/distill/internal/validation"
)

const (
	// DefaultMinFailures is the default minimum number of invalid validations to improve a program.
	DefaultMinFailures = 5
	// DefaultRateThreshold is the default validation rate below which a program is improved.
	DefaultRateThreshold = 0.70
	// DefaultFailingExamples is the default number of failing executions given to the generator.
	DefaultFailingExamples = 10
)

// ServiceConfig is the configuration for the improve service.
type ServiceConfig struct {
	Repository storage.Repository
	Generator  generator.Generator
	// Oracle is used to add the expected output to the failing examples, optional.
	Oracle          validation.Oracle
	MinFailures     int
	RateThreshold   float64
	FailingExamples int
	Clock           func() time.Time
	Logger          log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Generator == nil {
		return fmt.Errorf("generator is required")
	}
	if c.Oracle == nil {
		c.Oracle = validation.ExamplesOracle{}
	}
	if c.MinFailures <= 0 {
		c.MinFailures = DefaultMinFailures
	}
	if c.RateThreshold <= 0 {
		c.RateThreshold = DefaultRateThreshold
	}
	if c.RateThreshold > 1 {
		return fmt.Errorf("rate threshold must be between 0 and 1")
	}
	if c.FailingExamples <= 0 {
		c.FailingExamples = DefaultFailingExamples
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Improve"})
	return nil
}

// Service decides when programs need to be regenerated and creates the new versions.
type Service struct {
	repo            storage.Repository
	gen             generator.Generator
	oracle          validation.Oracle
	minFailures     int
	rateThreshold   float64
	failingExamples int
	clock           func() time.Time
	logger          log.Logger
	taskLocks       syncs.KeyedMutex
}

// NewService creates a new improve service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:            cfg.Repository,
		gen:             cfg.Generator,
		oracle:          cfg.Oracle,
		minFailures:     cfg.MinFailures,
		rateThreshold:   cfg.RateThreshold,
		failingExamples: cfg.FailingExamples,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
	}, nil
}

// Stats returns the validation stats of a program, computed from the stored validations.
func (s *Service) Stats(ctx context.Context, programID string) (model.ValidationStats, error) {
	vs, err := s.repo.ListValidationsByProgram(ctx, programID, storage.ListValidationsOpts{})
	if err != nil {
		return model.ValidationStats{}, fmt.Errorf("could not list validations: %w", err)
	}
	return model.NewValidationStats(vs), nil
}

// ShouldImprove returns true when the program has enough invalid validations and
// its validation rate is below the threshold. Both conditions are required.
func (s *Service) ShouldImprove(ctx context.Context, programID string) (bool, error) {
	stats, err := s.Stats(ctx, programID)
	if err != nil {
		return false, err
	}
	return s.shouldImprove(stats), nil
}

func (s *Service) shouldImprove(stats model.ValidationStats) bool {
	return stats.Invalid >= s.minFailures && stats.Rate < s.rateThreshold
}

// Confidence is how much a recommendation can be trusted based on its sample size.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceFor returns the confidence tier of a sample size.
func ConfidenceFor(samples int) Confidence {
	switch {
	case samples < 5:
		return ConfidenceLow
	case samples <= 20:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

// ErrorCategory is an error category and the number of validation errors in it.
type ErrorCategory struct {
	Category string
	Count    int
}

// Recommendation is the improvement analysis of a program.
type Recommendation struct {
	ProgramID       string
	Stats           model.ValidationStats
	ShouldImprove   bool
	Confidence      Confidence
	ErrorCategories []ErrorCategory
	SuggestedFixes  []string
}

var suggestedFixes = map[string]string{
	validation.CategorySchema:    "Make the program output follow the task output schema.",
	validation.CategoryMismatch:  "Add the failing inputs as task examples so the generator learns the expected outputs.",
	validation.CategoryExecution: "Handle the inputs that make the program fail (missing fields, empty values, unexpected types).",
	validation.CategoryTimeout:   "Simplify the program or raise the execution timeout, the program is too slow.",
	validation.CategoryOther:     "Review the failing validations, the errors don't match a known category.",
}

// Analyze returns the improvement recommendation of a program.
func (s *Service) Analyze(ctx context.Context, programID string) (*Recommendation, error) {
	if _, err := s.repo.GetProgram(ctx, programID); err != nil {
		return nil, fmt.Errorf("could not get program: %w", err)
	}

	vs, err := s.repo.ListValidationsByProgram(ctx, programID, storage.ListValidationsOpts{})
	if err != nil {
		return nil, fmt.Errorf("could not list validations: %w", err)
	}
	stats := model.NewValidationStats(vs)

	counts := map[string]int{}
	for _, v := range vs {
		if v.IsValid {
			continue
		}
		for _, e := range v.Errors {
			counts[ErrorCategoryOf(e)]++
		}
	}

	rec := &Recommendation{
		ProgramID:     programID,
		Stats:         stats,
		ShouldImprove: s.shouldImprove(stats),
		Confidence:    ConfidenceFor(stats.Total),
	}
	for c, n := range counts {
		rec.ErrorCategories = append(rec.ErrorCategories, ErrorCategory{Category: c, Count: n})
	}
	sort.Slice(rec.ErrorCategories, func(i, j int) bool {
		a, b := rec.ErrorCategories[i], rec.ErrorCategories[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
	for _, ec := range rec.ErrorCategories {
		rec.SuggestedFixes = append(rec.SuggestedFixes, suggestedFixes[ec.Category])
	}

	return rec, nil
}

// ErrorCategoryOf returns the category of a validation error message.
func ErrorCategoryOf(msg string) string {
	prefix, _, ok := strings.Cut(msg, ":")
	if !ok {
		return validation.CategoryOther
	}
	switch prefix {
	case validation.CategorySchema, validation.CategoryMismatch, validation.CategoryExecution, validation.CategoryTimeout:
		return prefix
	}
	return validation.CategoryOther
}

// Outcome is the result of an improvement attempt. Generation failures are
// reported in the outcome, not as errors.
type Outcome struct {
	Success bool
	Reason  string
	// Program is the new draft program when the improvement succeeded.
	Program         *model.Program
	BaseProgramID   string
	FailingExamples int
}

// Improve regenerates the program with its recent failures as context and stores the
// new version as a draft without traffic. The new version is never activated.
func (s *Service) Improve(ctx context.Context, programID string) (*Outcome, error) {
	program, err := s.repo.GetProgram(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("could not get program: %w", err)
	}
	task, err := s.repo.GetTask(ctx, program.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	failing, err := s.listFailingExamples(ctx, *task, program.ID)
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithValues(log.Kv{"task": task.Name, "program-id": program.ID})
	logger.Infof("Regenerating program v%d with %d failing examples", program.Version, len(failing))

	// No locks held while generating.
	start := s.clock()
	res, err := s.gen.Generate(ctx, generator.Request{
		Task:            *task,
		FailingExamples: failing,
		PreviousCode:    program.Code,
		Language:        program.Language,
	})
	if err == nil && strings.TrimSpace(res.Code) == "" {
		err = fmt.Errorf("empty program: %w", model.ErrGenerationFailed)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warningf("Program generation failed: %s", err)
		return &Outcome{Success: false, Reason: err.Error(), BaseProgramID: program.ID, FailingExamples: len(failing)}, nil
	}
	genTime := s.clock().Sub(start)

	newProgram, err := s.createDraft(ctx, *task, res, genTime)
	if err != nil {
		return nil, err
	}

	logger.Infof("Created draft program v%d (%s)", newProgram.Version, newProgram.ID)

	return &Outcome{Success: true, Program: newProgram, BaseProgramID: program.ID, FailingExamples: len(failing)}, nil
}

// Check improves the program only if it should be improved and its task doesn't
// have a newer draft waiting for rollout. The outcome is nil when no improvement was done.
func (s *Service) Check(ctx context.Context, programID string) (*Outcome, error) {
	should, err := s.ShouldImprove(ctx, programID)
	if err != nil {
		return nil, err
	}
	if !should {
		return nil, nil
	}

	pending, err := s.pendingDraft(ctx, programID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		s.logger.Debugf("Program %s already has draft v%d waiting for rollout, skipping improvement", programID, pending.Version)
		return nil, nil
	}

	return s.Improve(ctx, programID)
}

func (s *Service) pendingDraft(ctx context.Context, programID string) (*model.Program, error) {
	program, err := s.repo.GetProgram(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("could not get program: %w", err)
	}
	programs, err := s.repo.ListProgramsByTask(ctx, program.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not list programs: %w", err)
	}
	for _, p := range programs {
		if p.Status == model.ProgramStatusDraft && p.Version > program.Version {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Service) listFailingExamples(ctx context.Context, task model.Task, programID string) ([]generator.FailingExample, error) {
	invalid, err := s.repo.ListValidationsByProgram(ctx, programID, storage.ListValidationsOpts{InvalidOnly: true, Limit: s.failingExamples})
	if err != nil {
		return nil, fmt.Errorf("could not list invalid validations: %w", err)
	}

	failing := make([]generator.FailingExample, 0, len(invalid))
	for _, v := range invalid {
		exec, err := s.repo.GetExecution(ctx, v.ExecutionID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("could not get execution: %w", err)
		}

		fe := generator.FailingExample{Input: exec.Input, ActualOutput: exec.Output, Errors: v.Errors}
		if exp, ok, err := s.oracle.Expected(ctx, task, exec.Input); err == nil && ok {
			fe.ExpectedOutput = exp
		}
		failing = append(failing, fe)
	}

	return failing, nil
}

// createDraft stores the generated program with the next task version. A version
// taken by a concurrent creation is retried once with the new latest version.
func (s *Service) createDraft(ctx context.Context, task model.Task, res *generator.Result, genTime time.Duration) (*model.Program, error) {
	unlock := s.taskLocks.Lock(task.ID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
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
			Status:               model.ProgramStatusDraft,
			DeploymentPercentage: 0,
			Complexity:           res.Complexity,
			GenerationTime:       genTime,
			CreatedAt:            now,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid generated program: %w", err)
		}

		err = s.repo.CreateProgram(ctx, p)
		if err == nil {
			return &p, nil
		}
		if !errors.Is(err, model.ErrAlreadyExists) {
			return nil, fmt.Errorf("could not save program: %w", err)
		}
		lastErr = err
		s.logger.Warningf("Program version %d of task %s already exists, retrying", p.Version, task.ID)
	}

	return nil, fmt.Errorf("could not allocate a program version: %w", lastErr)
}
