package abtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
)

const (
	// DefaultMinimumSampleSize is the default minimum samples per program of a significant comparison.
	DefaultMinimumSampleSize = 30
	// DefaultRequiredConfidence is the default confidence of a significant comparison.
	DefaultRequiredConfidence = 0.95
)

// ServiceConfig is the configuration for the A/B test service.
type ServiceConfig struct {
	Repository storage.Repository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.ABTest"})
	return nil
}

// Service compares program versions with their executions and validations.
type Service struct {
	repo   storage.Repository
	logger log.Logger
}

// NewService creates a new A/B test service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Config is the configuration of a comparison.
type Config struct {
	// Since ignores older executions and validations, zero uses all of them.
	Since              time.Time
	MinimumSampleSize  int
	RequiredConfidence float64
}

func (c *Config) defaults() error {
	if c.MinimumSampleSize <= 0 {
		c.MinimumSampleSize = DefaultMinimumSampleSize
	}
	if c.RequiredConfidence == 0 {
		c.RequiredConfidence = DefaultRequiredConfidence
	}
	if c.RequiredConfidence < 0 || c.RequiredConfidence >= 1 {
		return fmt.Errorf("required confidence must be in [0, 1): %w", model.ErrNotValid)
	}
	return nil
}

// Metrics are the aggregated runtime metrics of a program.
type Metrics struct {
	ProgramID      string
	Executions     int
	Successes      int
	Errors         int
	Timeouts       int
	ErrorRate      float64
	Validations    int
	Valid          int
	ValidationRate float64
	AvgLatencyMs   float64
	P50LatencyMs   float64
	P95LatencyMs   float64
	P99LatencyMs   float64
}

// PerformanceDelta is the treatment change relative to the control.
type PerformanceDelta struct {
	// LatencyDeltaPct is the average latency change in percent, negative is faster.
	LatencyDeltaPct     float64
	ValidationRateDelta float64
	ErrorRateDelta      float64
}

// Recommendation is the outcome of a comparison.
type Recommendation string

const (
	RecommendationInsufficientData Recommendation = "insufficient_data"
	RecommendationPromoteTreatment Recommendation = "promote_treatment"
	RecommendationKeepControl      Recommendation = "keep_control"
	RecommendationNoDifference     Recommendation = "no_difference"
)

const (
	MetricValidationRate = "validation_rate"
	MetricSuccessRate    = "success_rate"
)

// Comparison is the result of comparing two programs.
type Comparison struct {
	Control   Metrics
	Treatment Metrics
	Delta     PerformanceDelta
	// Metric is the rate the significance test was computed on.
	Metric         string
	PValue         float64
	IsSignificant  bool
	Recommendation Recommendation
	// Confidence is 1 - PValue.
	Confidence float64
}

// Metrics computes the metrics of a program from its stored executions and validations.
func (s *Service) Metrics(ctx context.Context, programID string, since time.Time) (Metrics, error) {
	execs, err := s.repo.ListExecutionsByProgram(ctx, programID, storage.ListExecutionsOpts{Since: since})
	if err != nil {
		return Metrics{}, fmt.Errorf("could not list executions: %w", err)
	}
	vals, err := s.repo.ListValidationsByProgram(ctx, programID, storage.ListValidationsOpts{})
	if err != nil {
		return Metrics{}, fmt.Errorf("could not list validations: %w", err)
	}

	m := Metrics{ProgramID: programID, Executions: len(execs)}
	latencies := make([]float64, 0, len(execs))
	for _, e := range execs {
		switch e.Status {
		case model.ExecutionStatusSuccess:
			m.Successes++
		case model.ExecutionStatusTimeout:
			m.Timeouts++
		default:
			m.Errors++
		}
		latencies = append(latencies, e.LatencyMs)
	}
	if m.Executions > 0 {
		m.ErrorRate = float64(m.Errors+m.Timeouts) / float64(m.Executions)
		m.AvgLatencyMs = stat.Mean(latencies, nil)
		sort.Float64s(latencies)
		m.P50LatencyMs = Percentile(latencies, 0.50)
		m.P95LatencyMs = Percentile(latencies, 0.95)
		m.P99LatencyMs = Percentile(latencies, 0.99)
	}

	for _, v := range vals {
		if v.ValidatedAt.Before(since) {
			continue
		}
		m.Validations++
		if v.IsValid {
			m.Valid++
		}
	}
	if m.Validations > 0 {
		m.ValidationRate = float64(m.Valid) / float64(m.Validations)
	}

	return m, nil
}

// Compare compares the treatment program against the control program.
func (s *Service) Compare(ctx context.Context, controlID, treatmentID string, cfg Config) (*Comparison, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	for _, id := range []string{controlID, treatmentID} {
		if _, err := s.repo.GetProgram(ctx, id); err != nil {
			return nil, fmt.Errorf("could not get program: %w", err)
		}
	}

	control, err := s.Metrics(ctx, controlID, cfg.Since)
	if err != nil {
		return nil, err
	}
	treatment, err := s.Metrics(ctx, treatmentID, cfg.Since)
	if err != nil {
		return nil, err
	}

	c := Compute(control, treatment, cfg)
	s.logger.Debugf("Compared %s vs %s: %s (p=%.4f)", controlID, treatmentID, c.Recommendation, c.PValue)

	return &c, nil
}

// Compute compares the metrics. The validation rate is tested when both programs
// have validations, otherwise the success rate. Promotion is never recommended
// below the minimum sample size.
func Compute(control, treatment Metrics, cfg Config) Comparison {
	c := Comparison{
		Control:   control,
		Treatment: treatment,
		Delta: PerformanceDelta{
			ValidationRateDelta: treatment.ValidationRate - control.ValidationRate,
			ErrorRateDelta:      treatment.ErrorRate - control.ErrorRate,
		},
	}
	if control.AvgLatencyMs > 0 {
		c.Delta.LatencyDeltaPct = (treatment.AvgLatencyMs - control.AvgLatencyMs) / control.AvgLatencyMs * 100
	}

	var x1, n1, x2, n2 int
	if control.Validations > 0 && treatment.Validations > 0 {
		c.Metric = MetricValidationRate
		x1, n1, x2, n2 = control.Valid, control.Validations, treatment.Valid, treatment.Validations
	} else {
		c.Metric = MetricSuccessRate
		x1, n1, x2, n2 = control.Successes, control.Executions, treatment.Successes, treatment.Executions
	}

	c.PValue = TwoProportionPValue(x1, n1, x2, n2)
	c.Confidence = 1 - c.PValue
	enough := n1 >= cfg.MinimumSampleSize && n2 >= cfg.MinimumSampleSize
	c.IsSignificant = enough && c.Confidence >= cfg.RequiredConfidence

	switch {
	case !enough:
		c.Recommendation = RecommendationInsufficientData
	case !c.IsSignificant:
		c.Recommendation = RecommendationNoDifference
	case float64(x2)/float64(n2) > float64(x1)/float64(n1):
		c.Recommendation = RecommendationPromoteTreatment
	default:
		c.Recommendation = RecommendationKeepControl
	}

	return c
}

// TwoProportionPValue returns the two sided p-value of the z-test of two proportions.
// Without samples or without variance it returns 1.
func TwoProportionPValue(x1, n1, x2, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 1
	}

	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	p := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 1
	}

	z := (p2 - p1) / se
	return 2 * distuv.UnitNormal.CDF(-math.Abs(z))
}

// Percentile returns the nearest rank percentile (0-1) of sorted values.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return stat.Quantile(min(max(p, 0), 1), stat.Empirical, sorted, nil)
}
