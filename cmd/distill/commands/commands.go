package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/slok/distill/internal/config"
	"github.com/slok/distill/internal/conventions"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/printer"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DataDir    string
	DBPath     string
	ConfigPath string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// StdoutTTY is set when the standard output is a terminal.
	StdoutTTY bool
	Logger    log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger and output color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	defaultDataDir := filepath.Join(homedir.HomeDir(), conventions.DefaultDataDir)
	app.Flag("data-dir", "Directory of the database, the program artifacts and the configuration.").Envar("DISTILL_DATA_DIR").Default(defaultDataDir).StringVar(&c.DataDir)
	app.Flag("db-path", "Path to the SQLite database file (by default inside the data dir).").Envar("DISTILL_DB_PATH").StringVar(&c.DBPath)
	app.Flag("config", "Path to the YAML configuration file (by default inside the data dir).").Envar("DISTILL_CONFIG").StringVar(&c.ConfigPath)

	return c
}

// LoadConfig loads the configuration file. The default configuration file is optional.
func (r RootCommand) LoadConfig(ctx context.Context) (*config.Config, error) {
	path := r.ConfigPath
	explicit := path != ""
	if !explicit {
		path = conventions.ConfigPath(r.DataDir)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	repo := config.NewYAMLRepository(os.DirFS(filepath.Dir(abs)))
	cfg, err := repo.GetConfig(ctx, filepath.Base(abs))
	switch {
	case err == nil:
	case !explicit && errors.Is(err, fs.ErrNotExist):
		c := config.Default()
		cfg = &c
	default:
		return nil, fmt.Errorf("could not load configuration: %w", err)
	}

	// Flags have priority over the configuration file.
	if cfg.DataDir == "" {
		cfg.DataDir = r.DataDir
	}
	switch {
	case r.DBPath != "":
		cfg.DBPath = r.DBPath
	case cfg.DBPath == "":
		cfg.DBPath = conventions.DBPath(cfg.DataDir)
	}

	return cfg, nil
}

// NewPrinter returns the printer of an output format.
func (r RootCommand) NewPrinter(format string) printer.Printer {
	if format == formatJSON {
		return printer.NewJSONPrinter(r.Stdout)
	}
	return printer.NewTablePrinter(r.Stdout, r.StdoutTTY && !r.NoColor)
}

func formatFlag(cmd *kingpin.CmdClause, format *string) {
	cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(format, formatTable, formatJSON)
}
