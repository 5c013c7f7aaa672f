package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/distill/internal/app/execute"
	"github.com/slok/distill/internal/app/improve"
)

type ExecCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskRef  string
	input    string
	version  int
	timeout  time.Duration
	validate bool
	improve  bool
	format   string
}

// NewExecCommand returns the exec command.
func NewExecCommand(rootCmd *RootCommand, app *kingpin.Application) *ExecCommand {
	c := &ExecCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("exec", "Execute a task with a JSON input.")
	c.Cmd.Arg("task", "Task name or ID.").Required().StringVar(&c.taskRef)
	c.Cmd.Arg("input", "JSON input, `-` reads it from stdin.").Required().StringVar(&c.input)
	c.Cmd.Flag("version", "Program version to execute instead of the serving one.").Short('v').IntVar(&c.version)
	c.Cmd.Flag("timeout", "Execution timeout (by default the configured one).").DurationVar(&c.timeout)
	c.Cmd.Flag("validate", "Validate the execution regardless of the task sampling rate.").BoolVar(&c.validate)
	c.Cmd.Flag("improve", "Check for an improvement of the program when the validation fails.").BoolVar(&c.improve)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c ExecCommand) Name() string { return c.Cmd.FullCommand() }

func (c ExecCommand) Run(ctx context.Context) error {
	input, err := readInput(c.input, c.rootCmd.Stdin)
	if err != nil {
		return err
	}

	// The improvement check runs inline, a separate CLI process has no worker to hand it to.
	var queue improve.Queue
	var svcs *services
	if c.improve {
		checker := improve.CheckerFunc(func(ctx context.Context, programID string) (*improve.Outcome, error) {
			return svcs.improve.Check(ctx, programID)
		})
		q, err := improve.NewSyncQueue(improve.SyncQueueConfig{Checker: checker, Logger: c.rootCmd.Logger})
		if err != nil {
			return err
		}
		queue = q
	}

	svcs, err = newServices(ctx, *c.rootCmd, queue)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	res, err := svcs.execute.Execute(ctx, execute.Request{
		TaskID:          c.taskRef,
		Input:           input,
		Version:         c.version,
		Timeout:         c.timeout,
		ForceValidation: c.validate,
	})
	if err != nil {
		return fmt.Errorf("could not execute task: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintExecution(res.Execution, res.Validation)
}

func readInput(arg string, stdin io.Reader) (json.RawMessage, error) {
	data := []byte(arg)
	if arg == "-" {
		d, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("could not read input: %w", err)
		}
		data = d
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return json.RawMessage(data), nil
}
