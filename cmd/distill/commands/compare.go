package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/distill/internal/app/abtest"
)

type CompareCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	controlRef   string
	treatmentRef string
	since        time.Duration
	format       string
}

// NewCompareCommand returns the compare command.
func NewCompareCommand(rootCmd *RootCommand, app *kingpin.Application) *CompareCommand {
	c := &CompareCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("compare", "Compare two program versions with a significance test.")
	c.Cmd.Arg("control", "Control program. "+programRefHelp).Required().StringVar(&c.controlRef)
	c.Cmd.Arg("treatment", "Treatment program. "+programRefHelp).Required().StringVar(&c.treatmentRef)
	c.Cmd.Flag("since", "Only use the executions and validations of this last period, 0 uses all of them.").Default("0").DurationVar(&c.since)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c CompareCommand) Name() string { return c.Cmd.FullCommand() }

func (c CompareCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	control, err := svcs.resolveProgram(ctx, c.controlRef)
	if err != nil {
		return err
	}
	treatment, err := svcs.resolveProgram(ctx, c.treatmentRef)
	if err != nil {
		return err
	}

	cfg := abtest.Config{
		MinimumSampleSize:  svcs.cfg.Canary.MinimumSampleSize,
		RequiredConfidence: svcs.cfg.Canary.RequiredConfidence,
	}
	if c.since > 0 {
		cfg.Since = time.Now().Add(-c.since)
	}

	cmp, err := svcs.abtest.Compare(ctx, control.ID, treatment.ID, cfg)
	if err != nil {
		return fmt.Errorf("could not compare programs: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintComparison(*cmp)
}
