package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/distill/internal/model"
)

type ImproveCheckCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	programRef string
	format     string
}

// NewImproveCheckCommand returns the improve check command.
func NewImproveCheckCommand(rootCmd *RootCommand, improveCmd *kingpin.CmdClause) *ImproveCheckCommand {
	c := &ImproveCheckCommand{rootCmd: rootCmd}

	c.Cmd = improveCmd.Command("check", "Analyze the validations of a program and recommend if it should be improved.")
	c.Cmd.Arg("program", programRefHelp).Required().StringVar(&c.programRef)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c ImproveCheckCommand) Name() string { return c.Cmd.FullCommand() }

func (c ImproveCheckCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	p, err := svcs.resolveProgram(ctx, c.programRef)
	if err != nil {
		return err
	}

	rec, err := svcs.improve.Analyze(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("could not analyze program: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintRecommendation(*rec)
}

type ImproveRunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	programRef string
	force      bool
	format     string
}

// NewImproveRunCommand returns the improve run command.
func NewImproveRunCommand(rootCmd *RootCommand, improveCmd *kingpin.CmdClause) *ImproveRunCommand {
	c := &ImproveRunCommand{rootCmd: rootCmd}

	c.Cmd = improveCmd.Command("run", "Regenerate a program with its failing examples as a new draft version.")
	c.Cmd.Arg("program", programRefHelp).Required().StringVar(&c.programRef)
	c.Cmd.Flag("force", "Regenerate even if the validation stats don't require it.").BoolVar(&c.force)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c ImproveRunCommand) Name() string { return c.Cmd.FullCommand() }

func (c ImproveRunCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	p, err := svcs.resolveProgram(ctx, c.programRef)
	if err != nil {
		return err
	}

	printer := c.rootCmd.NewPrinter(c.format)
	if c.force {
		outcome, err := svcs.improve.Improve(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("could not improve program: %w", err)
		}
		return printer.PrintOutcome(*outcome)
	}

	outcome, err := svcs.improve.Check(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("could not improve program: %w", err)
	}
	if outcome == nil {
		return printer.PrintMessage(fmt.Sprintf("Program %s (v%d) doesn't need an improvement", p.ID, p.Version))
	}
	return printer.PrintOutcome(*outcome)
}

const programRefHelp = "Program ID, task name or ID (its active program) or `<task>@v<version>`."

// resolveProgram resolves a program ID, a task reference with a version or a task reference.
func (s *services) resolveProgram(ctx context.Context, ref string) (*model.Program, error) {
	if taskRef, version, ok := strings.Cut(ref, "@"); ok {
		n, err := strconv.Atoi(strings.TrimPrefix(version, "v"))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid program version %q: %w", version, model.ErrNotValid)
		}
		t, err := s.tasks.Get(ctx, taskRef)
		if err != nil {
			return nil, err
		}
		p, err := s.repo.GetProgramByVersion(ctx, t.ID, n)
		if err != nil {
			return nil, fmt.Errorf("could not get program: %w", err)
		}
		return p, nil
	}

	p, err := s.repo.GetProgram(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get program: %w", err)
	}

	t, err := s.tasks.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("program or task %q: %w", ref, model.ErrNotFound)
	}
	p, err = s.repo.GetActiveProgram(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("could not get active program: %w", err)
	}
	return p, nil
}
