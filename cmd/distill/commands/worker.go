package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/slok/distill/internal/app/improve"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
)

type WorkerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	interval   time.Duration
	autoCanary bool
}

// NewWorkerCommand returns the worker command.
func NewWorkerCommand(rootCmd *RootCommand, app *kingpin.Application) *WorkerCommand {
	c := &WorkerCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("worker", "Run the background improvement worker, the session pool reaper and the records pruning.")
	c.Cmd.Flag("interval", "Interval between the checks of the active programs.").Default("1m").DurationVar(&c.interval)
	c.Cmd.Flag("auto-canary", "Progress the in progress rollouts on every interval.").BoolVar(&c.autoCanary)

	return c
}

func (c WorkerCommand) Name() string { return c.Cmd.FullCommand() }

func (c WorkerCommand) Run(ctx context.Context) error {
	if c.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	logger := c.rootCmd.Logger.WithValues(log.Kv{"svc": "worker"})

	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	queue, err := improve.NewAsyncQueue(improve.AsyncQueueConfig{
		Checker: improve.CheckerFunc(svcs.improve.Check),
		Size:    svcs.cfg.Improvement.QueueSize,
		Logger:  c.rootCmd.Logger,
	})
	if err != nil {
		return err
	}

	var g run.Group

	// Improvement queue.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return queue.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Session reaper.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return svcs.pool.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Records retention.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				t := time.NewTicker(svcs.cfg.Retention.Interval)
				defer t.Stop()
				for {
					if _, err := svcs.retention.Prune(ctx); err != nil && ctx.Err() == nil {
						logger.Errorf("Prune failed: %s", err)
					}

					select {
					case <-ctx.Done():
						return nil
					case <-t.C:
					}
				}
			},
			func(_ error) { cancel() },
		)
	}

	// Periodic scan.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				t := time.NewTicker(c.interval)
				defer t.Stop()
				for {
					if err := c.scan(ctx, svcs, queue, logger); err != nil {
						logger.Errorf("Scan failed: %s", err)
					}

					select {
					case <-ctx.Done():
						return nil
					case <-t.C:
					}
				}
			},
			func(_ error) { cancel() },
		)
	}

	logger.Infof("Worker started (interval %s, auto canary %t, retention %d days)", c.interval, c.autoCanary, svcs.cfg.Retention.Days)
	return g.Run()
}

// scan enqueues the active programs for an improvement check and progresses the rollouts.
func (c WorkerCommand) scan(ctx context.Context, svcs *services, queue improve.Queue, logger log.Logger) error {
	tasks, err := svcs.tasks.List(ctx)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return nil
		}

		active, err := svcs.repo.GetActiveProgram(ctx, t.ID)
		switch {
		case err == nil:
			queue.Enqueue(ctx, active.ID)
		case !errors.Is(err, model.ErrNotFound):
			logger.Warningf("Could not get active program of task %s: %s", t.Name, err)
		}

		if !c.autoCanary {
			continue
		}

		canaries, err := svcs.canary.ListByTask(ctx, t.ID)
		if err != nil {
			logger.Warningf("Could not list rollouts of task %s: %s", t.Name, err)
			continue
		}
		for _, cn := range canaries {
			if cn.Status != model.CanaryStatusInProgress {
				continue
			}
			d, err := svcs.canary.Progress(ctx, cn.ID)
			if err != nil {
				logger.Warningf("Could not progress rollout %s: %s", cn.ID, err)
				continue
			}
			if d.Advanced {
				logger.Infof("Rollout %s of task %s advanced to %.0f%%", cn.ID, t.Name, d.Canary.Percentage)
			} else {
				logger.Debugf("Rollout %s of task %s not advanced: %s", cn.ID, t.Name, d.Reason)
			}
		}
	}

	return nil
}
