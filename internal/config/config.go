// Package config has the distill deployment configuration loaded from YAML.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/distill/internal/app/abtest"
	"github.com/slok/distill/internal/app/canary"
	"github.com/slok/distill/internal/app/improve"
	"github.com/slok/distill/internal/app/retention"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/sampling"
	"github.com/slok/distill/internal/utils/env"
	"github.com/slok/distill/internal/validation"
)

const (
	RuntimeStarlark = "starlark"
	RuntimeDocker   = "docker"
)

// Config is the deployment configuration.
type Config struct {
	// DataDir is the root of the database and the artifacts, empty uses the CLI default.
	DataDir     string            `yaml:"data_dir"`
	DBPath      string            `yaml:"db_path"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Pool        PoolConfig        `yaml:"pool"`
	Sampling    SamplingConfig    `yaml:"sampling"`
	Validation  ValidationConfig  `yaml:"validation"`
	Improvement ImprovementConfig `yaml:"improvement"`
	Canary      CanaryConfig      `yaml:"canary"`
	Generator   GeneratorConfig   `yaml:"generator"`
	Retention   RetentionConfig   `yaml:"retention"`
}

type RuntimeConfig struct {
	// Kind is `starlark` or `docker`.
	Kind     string              `yaml:"kind"`
	MaxSteps uint64              `yaml:"max_steps"`
	Docker   DockerRuntimeConfig `yaml:"docker"`
}

type DockerRuntimeConfig struct {
	// Images overrides the image per language.
	Images     map[string]string `yaml:"images"`
	Platform   string            `yaml:"platform"`
	PullImages bool              `yaml:"pull_images"`
	VCPUs      float64           `yaml:"vcpus"`
	MemoryMB   int               `yaml:"memory_mb"`
}

type ExecutionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

type PoolConfig struct {
	MaxSessions    int           `yaml:"max_sessions"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
}

type SamplingConfig struct {
	Strategy string        `yaml:"strategy"`
	Period   time.Duration `yaml:"period"`
}

type ValidationConfig struct {
	Method         string  `yaml:"method"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
	// LLMOracle asks the generator for the expected output of inputs without examples.
	LLMOracle bool `yaml:"llm_oracle"`
}

type ImprovementConfig struct {
	MinFailures     int     `yaml:"min_failures"`
	RateThreshold   float64 `yaml:"rate_threshold"`
	FailingExamples int     `yaml:"failing_examples"`
	QueueSize       int     `yaml:"queue_size"`
}

type CanaryConfig struct {
	Stages             []float64 `yaml:"stages"`
	MaxDegradation     float64   `yaml:"max_degradation"`
	MinSamples         int       `yaml:"min_samples"`
	MinimumSampleSize  int       `yaml:"minimum_sample_size"`
	RequiredConfidence float64   `yaml:"required_confidence"`
}

type GeneratorConfig struct {
	Path      string        `yaml:"path"`
	ExtraArgs []string      `yaml:"extra_args"`
	Language  string        `yaml:"language"`
	Timeout   time.Duration `yaml:"timeout"`
}

type RetentionConfig struct {
	// Days the executions and validations are kept.
	Days int `yaml:"days"`
	// Interval between the worker prunes.
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration with all the defaults set.
func Default() Config {
	c := Config{}
	c.SetDefaults()
	return c
}

// SetDefaults sets the default of every unset value.
func (c *Config) SetDefaults() {
	setDefault(&c.Runtime.Kind, RuntimeStarlark)
	setDefault(&c.Runtime.MaxSteps, 10_000_000)

	setDefault(&c.Execution.DefaultTimeout, 5*time.Second)
	setDefault(&c.Execution.MaxConcurrency, 10)

	setDefault(&c.Pool.MaxSessions, 10)
	setDefault(&c.Pool.IdleTimeout, 5*time.Minute)
	setDefault(&c.Pool.MaxLifetime, 30*time.Minute)
	setDefault(&c.Pool.ReapInterval, 30*time.Second)

	setDefault(&c.Sampling.Strategy, sampling.StrategyRandom)
	setDefault(&c.Sampling.Period, time.Minute)

	setDefault(&c.Validation.Method, validation.MethodSchema)
	setDefault(&c.Validation.FuzzyThreshold, 0.9)

	setDefault(&c.Improvement.MinFailures, improve.DefaultMinFailures)
	setDefault(&c.Improvement.RateThreshold, improve.DefaultRateThreshold)
	setDefault(&c.Improvement.FailingExamples, improve.DefaultFailingExamples)
	setDefault(&c.Improvement.QueueSize, 100)

	if c.Canary.Stages == nil {
		c.Canary.Stages = append([]float64{}, canary.DefaultStages...)
	}
	setDefault(&c.Canary.MaxDegradation, canary.DefaultMaxDegradation)
	setDefault(&c.Canary.MinimumSampleSize, abtest.DefaultMinimumSampleSize)
	setDefault(&c.Canary.RequiredConfidence, abtest.DefaultRequiredConfidence)

	setDefault(&c.Generator.Path, "claude")
	setDefault(&c.Generator.Language, "starlark")
	setDefault(&c.Generator.Timeout, 2*time.Minute)

	setDefault(&c.Retention.Days, retention.DefaultDays)
	setDefault(&c.Retention.Interval, time.Hour)
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Runtime.Kind == RuntimeStarlark || c.Runtime.Kind == RuntimeDocker, "runtime.kind must be %q or %q", RuntimeStarlark, RuntimeDocker)
	check(c.Execution.DefaultTimeout > 0, "execution.default_timeout must be positive")
	check(c.Execution.MaxConcurrency >= 1 && c.Execution.MaxConcurrency <= 100, "execution.max_concurrency must be in [1, 100]")
	check(c.Pool.MaxSessions > 0, "pool.max_sessions must be positive")
	check(c.Pool.AcquireTimeout >= 0, "pool.acquire_timeout can't be negative")
	_, err := sampling.DefaultRegistry.New(c.Sampling.Strategy, sampling.Options{})
	check(err == nil, "sampling.strategy: %v", err)
	_, err = validation.DefaultRegistry.New(c.Validation.Method, validation.Options{})
	check(err == nil, "validation.method: %v", err)
	check(c.Validation.FuzzyThreshold > 0 && c.Validation.FuzzyThreshold <= 1, "validation.fuzzy_threshold must be in (0, 1]")
	check(c.Improvement.MinFailures > 0, "improvement.min_failures must be positive")
	check(c.Improvement.RateThreshold > 0 && c.Improvement.RateThreshold <= 1, "improvement.rate_threshold must be in (0, 1]")
	check(c.Improvement.QueueSize > 0, "improvement.queue_size must be positive")
	check(c.Canary.MaxDegradation > 0 && c.Canary.MaxDegradation <= 1, "canary.max_degradation must be in (0, 1]")
	check(c.Canary.RequiredConfidence > 0 && c.Canary.RequiredConfidence < 1, "canary.required_confidence must be in (0, 1)")
	check(len(c.Canary.Stages) >= 2 && c.Canary.Stages[len(c.Canary.Stages)-1] == 100, "canary.stages must have at least 2 stages ending at 100")
	check(c.Generator.Timeout > 0, "generator.timeout must be positive")
	check(c.Retention.Days > 0, "retention.days must be positive")
	check(c.Retention.Interval > 0, "retention.interval must be positive")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", model.ErrNotValid, err)
	}
	return nil
}

// YAMLRepository loads configurations from YAML files.
type YAMLRepository struct {
	fs fs.FS
}

// NewYAMLRepository creates a new YAML config repository.
func NewYAMLRepository(filesystem fs.FS) *YAMLRepository {
	return &YAMLRepository{fs: filesystem}
}

// GetConfig loads, expands the environment variables, defaults and validates a configuration file.
func (r *YAMLRepository) GetConfig(ctx context.Context, path string) (*Config, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return Parse(data)
}

// Parse parses a YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded, err := env.Expand(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment: %w", err)
	}

	var c Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &c, nil
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}
