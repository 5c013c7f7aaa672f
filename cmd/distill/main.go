package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/mattn/go-isatty"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/slok/distill/cmd/distill/commands"
	"github.com/slok/distill/internal/log"
	loglogrus "github.com/slok/distill/internal/log/logrus"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"
)

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	app := kingpin.New("distill", "Distill LLM tasks into programs that are validated, improved and rolled out.")
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)

	// Setup commands (registers flags).
	execCmd := commands.NewExecCommand(rootCmd, app)
	batchCmd := commands.NewBatchCommand(rootCmd, app)
	compareCmd := commands.NewCompareCommand(rootCmd, app)
	analyticsCmd := commands.NewAnalyticsCommand(rootCmd, app)
	workerCmd := commands.NewWorkerCommand(rootCmd, app)
	doctorCmd := commands.NewDoctorCommand(rootCmd, app)

	// Task subcommands share a parent command.
	taskCmd := app.Command("task", "Manage tasks.")
	taskCreateCmd := commands.NewTaskCreateCommand(rootCmd, taskCmd)
	taskListCmd := commands.NewTaskListCommand(rootCmd, taskCmd)
	taskShowCmd := commands.NewTaskShowCommand(rootCmd, taskCmd)
	taskTuneCmd := commands.NewTaskTuneCommand(rootCmd, taskCmd)

	// Improve subcommands share a parent command.
	improveCmd := app.Command("improve", "Improve programs with their failing validations.")
	improveCheckCmd := commands.NewImproveCheckCommand(rootCmd, improveCmd)
	improveRunCmd := commands.NewImproveRunCommand(rootCmd, improveCmd)

	// Canary subcommands share a parent command.
	canaryCmd := app.Command("canary", "Manage the staged rollouts of program versions.")
	canaryStartCmd := commands.NewCanaryStartCommand(rootCmd, canaryCmd)
	canaryProgressCmd := commands.NewCanaryProgressCommand(rootCmd, canaryCmd)
	canaryRollbackCmd := commands.NewCanaryRollbackCommand(rootCmd, canaryCmd)
	canaryStatusCmd := commands.NewCanaryStatusCommand(rootCmd, canaryCmd)

	cmds := map[string]commands.Command{
		execCmd.Name():           execCmd,
		batchCmd.Name():          batchCmd,
		compareCmd.Name():        compareCmd,
		analyticsCmd.Name():      analyticsCmd,
		workerCmd.Name():         workerCmd,
		doctorCmd.Name():         doctorCmd,
		taskCreateCmd.Name():     taskCreateCmd,
		taskListCmd.Name():       taskListCmd,
		taskShowCmd.Name():       taskShowCmd,
		taskTuneCmd.Name():       taskTuneCmd,
		improveCheckCmd.Name():   improveCheckCmd,
		improveRunCmd.Name():     improveRunCmd,
		canaryStartCmd.Name():    canaryStartCmd,
		canaryProgressCmd.Name(): canaryProgressCmd,
		canaryRollbackCmd.Name(): canaryRollbackCmd,
		canaryStatusCmd.Name():   canaryStatusCmd,
	}

	// Parse command.
	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// Set standard input/output.
	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr
	if f, ok := stdout.(*os.File); ok {
		rootCmd.StdoutTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	// Printer commands don't log unless debug is enabled, the logs would mix with the output.
	printerCommands := map[string]bool{
		"task list":     true,
		"task show":     true,
		"canary status": true,
		"compare":       true,
		"analytics":     true,
	}
	if printerCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	// Set logger.
	rootCmd.Logger = getLogger(ctx, *rootCmd)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(ctx context.Context, config commands.RootCommand) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	// If logger not disabled use logrus logger.
	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr // By default logger goes to stderr (so it can split stdout prints).
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	// Log format.
	switch config.LoggerType {
	case commands.LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled") // Will log only when debug enabled.

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
