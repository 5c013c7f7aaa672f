package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type AnalyticsCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskRef string
	days    int
	format  string
}

// NewAnalyticsCommand returns the analytics command.
func NewAnalyticsCommand(rootCmd *RootCommand, app *kingpin.Application) *AnalyticsCommand {
	c := &AnalyticsCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("analytics", "Show the daily execution stats of a task.")
	c.Cmd.Arg("task", "Task name or ID.").Required().StringVar(&c.taskRef)
	c.Cmd.Flag("days", "Number of days, the most recent first.").Default("7").IntVar(&c.days)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c AnalyticsCommand) Name() string { return c.Cmd.FullCommand() }

func (c AnalyticsCommand) Run(ctx context.Context) error {
	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	stats, err := svcs.analytics.Daily(ctx, c.taskRef, c.days)
	if err != nil {
		return fmt.Errorf("could not get analytics: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintAnalytics(stats)
}
