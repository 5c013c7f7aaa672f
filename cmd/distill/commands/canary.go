package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/distill/internal/model"
)

type CanaryStartCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	programRef string
	format     string
}

// NewCanaryStartCommand returns the canary start command.
func NewCanaryStartCommand(rootCmd *RootCommand, canaryCmd *kingpin.CmdClause) *CanaryStartCommand {
	c := &CanaryStartCommand{rootCmd: rootCmd}

	c.Cmd = canaryCmd.Command("start", "Start the staged rollout of a draft program.")
	c.Cmd.Arg("program", programRefHelp).Required().StringVar(&c.programRef)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c CanaryStartCommand) Name() string { return c.Cmd.FullCommand() }

func (c CanaryStartCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	p, err := svcs.resolveProgram(ctx, c.programRef)
	if err != nil {
		return err
	}

	cn, err := svcs.canary.Start(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("could not start rollout: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintCanary(*cn)
}

type CanaryProgressCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	canaryID string
	format   string
}

// NewCanaryProgressCommand returns the canary progress command.
func NewCanaryProgressCommand(rootCmd *RootCommand, canaryCmd *kingpin.CmdClause) *CanaryProgressCommand {
	c := &CanaryProgressCommand{rootCmd: rootCmd}

	c.Cmd = canaryCmd.Command("progress", "Evaluate the current stage of a rollout and advance it when healthy.")
	c.Cmd.Arg("rollout", "Rollout ID.").Required().StringVar(&c.canaryID)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c CanaryProgressCommand) Name() string { return c.Cmd.FullCommand() }

func (c CanaryProgressCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	d, err := svcs.canary.Progress(ctx, c.canaryID)
	if err != nil {
		return fmt.Errorf("could not progress rollout: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintDecision(*d)
}

type CanaryRollbackCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	canaryID string
	reason   string
	format   string
}

// NewCanaryRollbackCommand returns the canary rollback command.
func NewCanaryRollbackCommand(rootCmd *RootCommand, canaryCmd *kingpin.CmdClause) *CanaryRollbackCommand {
	c := &CanaryRollbackCommand{rootCmd: rootCmd}

	c.Cmd = canaryCmd.Command("rollback", "Roll back a rollout, the previous program serves all the traffic again.")
	c.Cmd.Arg("rollout", "Rollout ID.").Required().StringVar(&c.canaryID)
	c.Cmd.Flag("reason", "Rollback reason.").Default("manual rollback").StringVar(&c.reason)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c CanaryRollbackCommand) Name() string { return c.Cmd.FullCommand() }

func (c CanaryRollbackCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	cn, err := svcs.canary.Rollback(ctx, c.canaryID, c.reason)
	if err != nil {
		return fmt.Errorf("could not roll back rollout: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintCanary(*cn)
}

type CanaryStatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	ref    string
	format string
}

// NewCanaryStatusCommand returns the canary status command.
func NewCanaryStatusCommand(rootCmd *RootCommand, canaryCmd *kingpin.CmdClause) *CanaryStatusCommand {
	c := &CanaryStatusCommand{rootCmd: rootCmd}

	c.Cmd = canaryCmd.Command("status", "Show a rollout or list the rollouts of a task.")
	c.Cmd.Arg("rollout-or-task", "Rollout ID, or task name or ID.").Required().StringVar(&c.ref)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c CanaryStatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c CanaryStatusCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	printer := c.rootCmd.NewPrinter(c.format)

	cn, err := svcs.canary.Get(ctx, c.ref)
	if err == nil {
		return printer.PrintCanary(*cn)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	t, err := svcs.tasks.Get(ctx, c.ref)
	if err != nil {
		return fmt.Errorf("rollout or task %q: %w", c.ref, model.ErrNotFound)
	}
	cs, err := svcs.canary.ListByTask(ctx, t.ID)
	if err != nil {
		return err
	}

	return printer.PrintCanaries(cs)
}
