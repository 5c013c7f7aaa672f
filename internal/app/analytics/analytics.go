package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/slok/distill/internal/app/abtest"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
)

// ServiceConfig is the configuration for the analytics service.
type ServiceConfig struct {
	Repository storage.Repository
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Analytics"})
	return nil
}

// Service aggregates the task executions per day.
type Service struct {
	repo   storage.Repository
	clock  func() time.Time
	logger log.Logger
}

// NewService creates a new analytics service.
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

// DailyStats are the execution stats of a task in a UTC day.
type DailyStats struct {
	TaskID       string
	Date         string
	Total        int
	Successful   int
	Failed       int
	SuccessRate  float64
	Sampled      int
	SamplingRate float64
	// Latencies are computed over the successful executions.
	AvgLatencyMs float64
	P50LatencyMs float64
	P99LatencyMs float64
}

// Daily returns the stats of the last days of a task (by ID or name), the most
// recent day first. A day of 0 is today.
func (s *Service) Daily(ctx context.Context, taskRef string, days int) ([]DailyStats, error) {
	if days <= 0 {
		days = 1
	}

	task, err := s.task(ctx, taskRef)
	if err != nil {
		return nil, err
	}

	today := s.clock().UTC().Truncate(24 * time.Hour)
	stats := make([]DailyStats, 0, days)
	for i := 0; i < days; i++ {
		st, err := s.Day(ctx, task.ID, today.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		stats = append(stats, *st)
	}

	return stats, nil
}

// Day returns the stats of a task in the UTC day of the time.
func (s *Service) Day(ctx context.Context, taskID string, day time.Time) (*DailyStats, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	execs, err := s.repo.ListExecutionsByTask(ctx, taskID, storage.ListExecutionsOpts{
		Since: start,
		Until: start.Add(24 * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("could not list executions: %w", err)
	}

	return Aggregate(taskID, start, execs), nil
}

// Aggregate computes the day stats of the executions.
func Aggregate(taskID string, day time.Time, execs []model.Execution) *DailyStats {
	st := &DailyStats{
		TaskID: taskID,
		Date:   day.Format(time.DateOnly),
		Total:  len(execs),
	}
	if st.Total == 0 {
		return st
	}

	var latencies []float64
	for _, e := range execs {
		if e.SampledForValidation {
			st.Sampled++
		}
		if e.Failed() {
			st.Failed++
			continue
		}
		st.Successful++
		latencies = append(latencies, e.LatencyMs)
	}

	st.SuccessRate = float64(st.Successful) / float64(st.Total)
	st.SamplingRate = float64(st.Sampled) / float64(st.Total)
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		st.AvgLatencyMs = stat.Mean(latencies, nil)
		st.P50LatencyMs = abtest.Percentile(latencies, 0.50)
		st.P99LatencyMs = abtest.Percentile(latencies, 0.99)
	}

	return st
}

func (s *Service) task(ctx context.Context, ref string) (*model.Task, error) {
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
