package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/distill/internal/config"
	"github.com/slok/distill/internal/generator/llmcli"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/runtime/docker"
	"github.com/slok/distill/internal/storage/sqlite"
)

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("doctor", "Run preflight checks of the configuration, storage, runtime and generator.")

	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	var groups []checkResults

	// Configuration.
	cfg, err := c.rootCmd.LoadConfig(ctx)
	if err != nil {
		groups = append(groups, checkResults{name: "config", results: []model.CheckResult{
			{ID: "config", Message: err.Error(), Status: model.CheckStatusError},
		}})
		return printChecks(c.rootCmd, groups)
	}
	groups = append(groups, checkResults{name: "config", results: []model.CheckResult{
		{ID: "config", Message: fmt.Sprintf("Configuration is valid (runtime %s)", cfg.Runtime.Kind), Status: model.CheckStatusOK},
	}})

	// Storage.
	groups = append(groups, checkResults{name: "storage", results: []model.CheckResult{
		checkDataDir(cfg.DataDir),
		checkDatabase(ctx, *cfg),
	}})

	// Runtime.
	switch cfg.Runtime.Kind {
	case config.RuntimeDocker:
		rt, err := newRuntime(*cfg, logger)
		if err != nil {
			return fmt.Errorf("could not create runtime: %w", err)
		}
		groups = append(groups, checkResults{name: "docker runtime", results: rt.(*docker.Runtime).Check(ctx)})
	default:
		groups = append(groups, checkResults{name: "starlark runtime", results: []model.CheckResult{
			{ID: "starlark", Message: "Starlark runs in process", Status: model.CheckStatusOK},
		}})
	}

	// Generator.
	gen, err := llmcli.NewGenerator(llmcli.GeneratorConfig{
		Path:      cfg.Generator.Path,
		ExtraArgs: cfg.Generator.ExtraArgs,
		Timeout:   cfg.Generator.Timeout,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("could not create generator: %w", err)
	}
	groups = append(groups, checkResults{name: "generator", results: gen.Check(ctx)})

	return printChecks(c.rootCmd, groups)
}

type checkResults struct {
	name    string
	results []model.CheckResult
}

func checkDataDir(dir string) model.CheckResult {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.CheckResult{ID: "data_dir", Message: fmt.Sprintf("Could not create %s: %s", dir, err), Status: model.CheckStatusError}
	}

	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return model.CheckResult{ID: "data_dir", Message: fmt.Sprintf("%s is not writable: %s", dir, err), Status: model.CheckStatusError}
	}
	f.Close()
	os.Remove(f.Name())

	return model.CheckResult{ID: "data_dir", Message: fmt.Sprintf("%s is writable", dir), Status: model.CheckStatusOK}
}

func checkDatabase(ctx context.Context, cfg config.Config) model.CheckResult {
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: cfg.DBPath})
	if err != nil {
		return model.CheckResult{ID: "database", Message: fmt.Sprintf("Could not open %s: %s", cfg.DBPath, err), Status: model.CheckStatusError}
	}
	defer repo.Close()

	tasks, err := repo.ListTasks(ctx)
	if err != nil {
		return model.CheckResult{ID: "database", Message: fmt.Sprintf("Could not query %s: %s", cfg.DBPath, err), Status: model.CheckStatusError}
	}

	return model.CheckResult{ID: "database", Message: fmt.Sprintf("%s is ready (%d tasks)", cfg.DBPath, len(tasks)), Status: model.CheckStatusOK}
}

func printChecks(root *RootCommand, groups []checkResults) error {
	out := root.Stdout

	var all []model.CheckResult
	for _, g := range groups {
		fmt.Fprintf(out, "Checking %s...\n", g.name)
		for _, r := range g.results {
			fmt.Fprintf(out, "  %s %-20s %s\n", statusIcon(r.Status), r.ID, r.Message)
		}
		all = append(all, g.results...)
	}

	summary := model.SummarizeChecks(all)
	fmt.Fprintln(out)
	fmt.Fprintln(out, summary)

	if summary.Failed() {
		return fmt.Errorf("preflight checks failed with %d error(s)", summary.Errors)
	}
	return nil
}

func statusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}
