package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/distill/internal/app/batch"
)

type BatchCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskRef          string
	file             string
	raw              bool
	version          int
	maxConcurrency   int
	stopOnFirstError bool
	timeout          time.Duration
	format           string
}

// NewBatchCommand returns the batch command.
func NewBatchCommand(rootCmd *RootCommand, app *kingpin.Application) *BatchCommand {
	c := &BatchCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("batch", "Execute a task concurrently with the inputs of a JSON or JSONL file.")
	c.Cmd.Arg("task", "Task name or ID.").Required().StringVar(&c.taskRef)
	c.Cmd.Arg("file", "Items file, `-` reads it from stdin.").Required().StringVar(&c.file)
	c.Cmd.Flag("raw", "Every file entry is a task input instead of an {id, input, force_validation} item.").BoolVar(&c.raw)
	c.Cmd.Flag("version", "Program version to execute instead of the serving one.").Short('v').IntVar(&c.version)
	c.Cmd.Flag("max-concurrency", "Maximum concurrent executions (by default the configured one).").IntVar(&c.maxConcurrency)
	c.Cmd.Flag("stop-on-first-error", "Skip the pending items after the first failure.").BoolVar(&c.stopOnFirstError)
	c.Cmd.Flag("timeout", "Timeout of each item (by default the configured one).").DurationVar(&c.timeout)
	formatFlag(c.Cmd, &c.format)

	return c
}

func (c BatchCommand) Name() string { return c.Cmd.FullCommand() }

func (c BatchCommand) Run(ctx context.Context) error {
	var r io.Reader = c.rootCmd.Stdin
	if c.file != "-" {
		f, err := os.Open(c.file)
		if err != nil {
			return fmt.Errorf("could not open items file: %w", err)
		}
		defer f.Close()
		r = f
	}

	items, err := readItems(r, c.raw)
	if err != nil {
		return err
	}

	svcs, err := newServices(ctx, *c.rootCmd, nil)
	if err != nil {
		return err
	}
	defer svcs.Close(context.Background())

	concurrency := c.maxConcurrency
	if concurrency == 0 {
		concurrency = svcs.cfg.Execution.MaxConcurrency
	}

	res, err := svcs.batch.Execute(ctx, batch.Request{
		TaskID:           c.taskRef,
		Items:            items,
		Version:          c.version,
		MaxConcurrency:   concurrency,
		StopOnFirstError: c.stopOnFirstError,
		Timeout:          c.timeout,
	})
	if err != nil {
		return fmt.Errorf("could not execute batch: %w", err)
	}

	return c.rootCmd.NewPrinter(c.format).PrintBatch(*res)
}

type batchItem struct {
	ID              string          `json:"id"`
	Input           json.RawMessage `json:"input"`
	ForceValidation bool            `json:"force_validation"`
}

// readItems reads a JSON array or a stream of JSON values (e.g. JSONL).
func readItems(r io.Reader, raw bool) ([]batch.Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read items: %w", err)
	}

	var entries []json.RawMessage
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("[")) {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("invalid items JSON array: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var e json.RawMessage
			err := dec.Decode(&e)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("invalid item %d: %w", len(entries), err)
			}
			entries = append(entries, e)
		}
	}

	items := make([]batch.Item, 0, len(entries))
	for i, e := range entries {
		if raw {
			items = append(items, batch.Item{Input: e})
			continue
		}

		var it batchItem
		if err := json.Unmarshal(e, &it); err != nil {
			return nil, fmt.Errorf("invalid item %d: %w", i, err)
		}
		if len(it.Input) == 0 {
			return nil, fmt.Errorf("item %d has no input", i)
		}
		items = append(items, batch.Item{ID: it.ID, Input: it.Input, ForceValidation: it.ForceValidation})
	}

	return items, nil
}
