package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/distill/internal/app/task"
	storageio "github.com/slok/distill/internal/storage/io"
)

type TaskCreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	file   string
	format string
}

// NewTaskCreateCommand returns the task create command.
func NewTaskCreateCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskCreateCommand {
	c := &TaskCreateCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("create", "Create a task from a YAML task file.")
	c.Cmd.Arg("file", "Task YAML file.").Required().StringVar(&c.file)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c TaskCreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskCreateCommand) Run(ctx context.Context) error {
	path, err := filepath.Abs(c.file)
	if err != nil {
		return fmt.Errorf("invalid task file path: %w", err)
	}

	t, err := storageio.NewTaskYAMLRepository(os.DirFS(filepath.Dir(path))).GetTask(ctx, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("could not load task file: %w", err)
	}

	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	created, err := svcs.tasks.Create(ctx, t)
	if err != nil {
		return fmt.Errorf("could not create task: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintTask(*created, nil)
}

type TaskListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	format string
}

// NewTaskListCommand returns the task list command.
func NewTaskListCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskListCommand {
	c := &TaskListCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("list", "List all tasks.")
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c TaskListCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskListCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	tasks, err := svcs.tasks.List(ctx)
	if err != nil {
		return err
	}

	return c.rootCmd.NewPrinter(c.format).PrintTasks(tasks)
}

type TaskShowCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	ref    string
	format string
}

// NewTaskShowCommand returns the task show command.
func NewTaskShowCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskShowCommand {
	c := &TaskShowCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("show", "Show a task with its program versions.")
	c.Cmd.Arg("task", "Task name or ID.").Required().StringVar(&c.ref)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c TaskShowCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskShowCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	t, err := svcs.tasks.Get(ctx, c.ref)
	if err != nil {
		return err
	}
	programs, err := svcs.repo.ListProgramsByTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("could not list programs: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintTask(*t, programs)
}

type TaskTuneCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	ref             string
	accuracyTarget  float64
	latencyTargetMs int
	samplingRate    float64
	format          string
}

// NewTaskTuneCommand returns the task tune command.
func NewTaskTuneCommand(rootCmd *RootCommand, taskCmd *kingpin.CmdClause) *TaskTuneCommand {
	c := &TaskTuneCommand{rootCmd: rootCmd}

	c.Cmd = taskCmd.Command("tune", "Change the targets or the sampling rate of a task.")
	c.Cmd.Arg("task", "Task name or ID.").Required().StringVar(&c.ref)
	c.Cmd.Flag("accuracy-target", "Accuracy target in [0, 1].").Default("-1").Float64Var(&c.accuracyTarget)
	c.Cmd.Flag("latency-target-ms", "Latency target in milliseconds.").Default("-1").IntVar(&c.latencyTargetMs)
	c.Cmd.Flag("sampling-rate", "Validation sampling rate in [0, 1].").Default("-1").Float64Var(&c.samplingRate)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c TaskTuneCommand) Name() string { return c.Cmd.FullCommand() }

func (c TaskTuneCommand) Run(ctx context.Context) error {
	// Negative values mean unset.
	var opts task.TuneOptions
	if c.accuracyTarget >= 0 {
		opts.AccuracyTarget = &c.accuracyTarget
	}
	if c.latencyTargetMs >= 0 {
		opts.LatencyTargetMs = &c.latencyTargetMs
	}
	if c.samplingRate >= 0 {
		opts.SamplingRate = &c.samplingRate
	}
	if opts == (task.TuneOptions{}) {
		return fmt.Errorf("at least one of --accuracy-target, --latency-target-ms or --sampling-rate is required")
	}

	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	t, err := svcs.tasks.Tune(ctx, c.ref, opts)
	if err != nil {
		return err
	}

	return c.rootCmd.NewPrinter(c.format).PrintTask(*t, nil)
}
