package commands

import (
	"context"
	"fmt"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/distill/internal/app/abtest"
	"github.com/slok/distill/internal/app/analytics"
	"github.com/slok/distill/internal/app/batch"
	"github.com/slok/distill/internal/app/canary"
	"github.com/slok/distill/internal/app/execute"
	"github.com/slok/distill/internal/app/improve"
	"github.com/slok/distill/internal/app/retention"
	"github.com/slok/distill/internal/app/task"
	"github.com/slok/distill/internal/app/validate"
	"github.com/slok/distill/internal/artifactcache"
	"github.com/slok/distill/internal/config"
	"github.com/slok/distill/internal/conventions"
	"github.com/slok/distill/internal/engine"
	"github.com/slok/distill/internal/generator/llmcli"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/pool"
	"github.com/slok/distill/internal/runtime"
	"github.com/slok/distill/internal/runtime/docker"
	"github.com/slok/distill/internal/runtime/starlark"
	"github.com/slok/distill/internal/sampling"
	"github.com/slok/distill/internal/storage/sqlite"
	"github.com/slok/distill/internal/validation"
)

// services are the application services wired from the configuration.
type services struct {
	cfg       config.Config
	repo      *sqlite.Repository
	pool      *pool.Pool
	artifacts *artifactcache.Cache
	tasks     *task.Service
	improve   *improve.Service
	execute   *execute.Service
	batch     *batch.Service
	abtest    *abtest.Service
	canary    *canary.Service
	analytics *analytics.Service
	retention *retention.Service
}

// newServices wires all the services, queue is optional and receives the programs with invalid validations.
func newServices(ctx context.Context, root RootCommand, queue improve.Queue) (*services, error) {
	logger := root.Logger

	cfg, err := root.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: cfg.DBPath,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	svcs, err := wireServices(*cfg, repo, queue, logger)
	if err != nil {
		repo.Close()
		return nil, err
	}

	return svcs, nil
}

func wireServices(cfg config.Config, repo *sqlite.Repository, queue improve.Queue, logger log.Logger) (*services, error) {
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create runtime: %w", err)
	}

	sessionPool, err := pool.NewPool(pool.PoolConfig{
		Runtime:        rt,
		MaxSessions:    cfg.Pool.MaxSessions,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		MaxLifetime:    cfg.Pool.MaxLifetime,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		ReapInterval:   cfg.Pool.ReapInterval,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create session pool: %w", err)
	}

	eng, err := engine.NewEngine(engine.EngineConfig{
		Pool:           sessionPool,
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create engine: %w", err)
	}

	gen, err := llmcli.NewGenerator(llmcli.GeneratorConfig{
		Path:      cfg.Generator.Path,
		ExtraArgs: cfg.Generator.ExtraArgs,
		Language:  cfg.Generator.Language,
		Timeout:   cfg.Generator.Timeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create generator: %w", err)
	}

	var oracle validation.Oracle = validation.ExamplesOracle{}
	if cfg.Validation.LLMOracle {
		oracle = validation.ChainOracle{validation.ExamplesOracle{}, gen}
	}

	sampler, err := sampling.DefaultRegistry.New(cfg.Sampling.Strategy, sampling.Options{Period: cfg.Sampling.Period})
	if err != nil {
		return nil, err
	}
	validator, err := validation.DefaultRegistry.New(cfg.Validation.Method, validation.Options{FuzzyThreshold: cfg.Validation.FuzzyThreshold})
	if err != nil {
		return nil, err
	}

	artifacts, err := artifactcache.NewCache(artifactcache.CacheConfig{
		Dir:    conventions.ArtifactsPath(cfg.DataDir),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create artifact cache: %w", err)
	}

	taskSvc, err := task.NewService(task.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create task service: %w", err)
	}

	validateSvc, err := validate.NewService(validate.ServiceConfig{
		Repository: repo,
		Validator:  validator,
		Oracle:     oracle,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create validate service: %w", err)
	}

	improveSvc, err := improve.NewService(improve.ServiceConfig{
		Repository:      repo,
		Generator:       gen,
		Oracle:          oracle,
		MinFailures:     cfg.Improvement.MinFailures,
		RateThreshold:   cfg.Improvement.RateThreshold,
		FailingExamples: cfg.Improvement.FailingExamples,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create improve service: %w", err)
	}

	executeSvc, err := execute.NewService(execute.ServiceConfig{
		Repository: repo,
		Engine:     eng,
		Generator:  gen,
		Sampler:    sampler,
		Validator:  validateSvc,
		Queue:      queue,
		Publisher:  artifacts,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create execute service: %w", err)
	}

	batchSvc, err := batch.NewService(batch.ServiceConfig{
		Executor: executeSvc,
		Pool:     sessionPool,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create batch service: %w", err)
	}

	abtestSvc, err := abtest.NewService(abtest.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create A/B test service: %w", err)
	}

	canarySvc, err := canary.NewService(canary.ServiceConfig{
		Repository:     repo,
		ABTest:         abtestSvc,
		Stages:         cfg.Canary.Stages,
		MaxDegradation: cfg.Canary.MaxDegradation,
		MinSamples:     cfg.Canary.MinSamples,
		Comparison: abtest.Config{
			MinimumSampleSize:  cfg.Canary.MinimumSampleSize,
			RequiredConfidence: cfg.Canary.RequiredConfidence,
		},
		Publisher: artifacts,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create canary service: %w", err)
	}

	analyticsSvc, err := analytics.NewService(analytics.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create analytics service: %w", err)
	}

	retentionSvc, err := retention.NewService(retention.ServiceConfig{
		Repository: repo,
		Days:       cfg.Retention.Days,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create retention service: %w", err)
	}

	return &services{
		cfg:       cfg,
		repo:      repo,
		pool:      sessionPool,
		artifacts: artifacts,
		tasks:     taskSvc,
		improve:   improveSvc,
		execute:   executeSvc,
		batch:     batchSvc,
		abtest:    abtestSvc,
		canary:    canarySvc,
		analytics: analyticsSvc,
		retention: retentionSvc,
	}, nil
}

// Close releases the pooled sessions and the database.
func (s *services) Close(ctx context.Context) error {
	s.pool.Close(ctx)
	return s.repo.Close()
}

func newRuntime(cfg config.Config, logger log.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime.Kind {
	case config.RuntimeDocker:
		langs, err := dockerLanguages(cfg.Runtime.Docker.Images)
		if err != nil {
			return nil, err
		}
		platform, err := parsePlatform(cfg.Runtime.Docker.Platform)
		if err != nil {
			return nil, err
		}
		return docker.NewRuntime(docker.RuntimeConfig{
			Languages:  langs,
			Platform:   platform,
			PullImages: cfg.Runtime.Docker.PullImages,
			VCPUs:      cfg.Runtime.Docker.VCPUs,
			MemoryMB:   cfg.Runtime.Docker.MemoryMB,
			Logger:     logger,
		})
	default:
		return starlark.NewRuntime(starlark.RuntimeConfig{
			MaxSteps:       cfg.Runtime.MaxSteps,
			DefaultTimeout: cfg.Execution.DefaultTimeout,
			Logger:         logger,
		})
	}
}

// dockerLanguages returns the builtin languages with their images overridden.
func dockerLanguages(images map[string]string) (map[string]docker.Language, error) {
	langs := make(map[string]docker.Language, len(docker.DefaultLanguages))
	for name, l := range docker.DefaultLanguages {
		langs[name] = l
	}
	for name, image := range images {
		l, ok := langs[name]
		if !ok {
			return nil, fmt.Errorf("unknown docker runtime language %q", name)
		}
		l.Image = image
		langs[name] = l
	}
	return langs, nil
}

// parsePlatform parses `os/arch[/variant]`, empty means the daemon default.
func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, must be os/arch[/variant]", s)
	}

	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}
