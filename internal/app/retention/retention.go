// Package retention prunes the old execution and validation records.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/storage"
)

// DefaultDays is the default number of days the records are kept.
const DefaultDays = 7

// ServiceConfig is the configuration for the retention service.
type ServiceConfig struct {
	Repository storage.Repository
	// Days the execution and validation records are kept.
	Days   int
	Clock  func() time.Time
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Days == 0 {
		c.Days = DefaultDays
	}
	if c.Days < 0 {
		return fmt.Errorf("days can't be negative")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Retention"})
	return nil
}

// Service prunes the records older than the retention.
type Service struct {
	repo      storage.Repository
	retention time.Duration
	clock     func() time.Time
	logger    log.Logger
}

// NewService creates a new retention service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:      cfg.Repository,
		retention: time.Duration(cfg.Days) * 24 * time.Hour,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// Result is the outcome of a prune.
type Result struct {
	Before      time.Time
	Executions  int
	Validations int
}

// Prune deletes the executions and validations older than the retention.
func (s *Service) Prune(ctx context.Context) (*Result, error) {
	before := s.clock().UTC().Add(-s.retention)

	// Validations first, so a failed prune never leaves validations of deleted executions.
	validations, err := s.repo.DeleteValidationsBefore(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("could not prune validations: %w", err)
	}
	executions, err := s.repo.DeleteExecutionsBefore(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("could not prune executions: %w", err)
	}

	if executions > 0 || validations > 0 {
		s.logger.Infof("Pruned %d executions and %d validations before %s", executions, validations, before.Format(time.RFC3339))
	}

	return &Result{Before: before, Executions: executions, Validations: validations}, nil
}
