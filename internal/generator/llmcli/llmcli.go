// Package llmcli generates programs and oracle answers invoking an LLM command
// line tool in non interactive print mode.
package llmcli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/slok/distill/internal/generator"
	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/runtime/starlark"
)

// CommandRunner runs a command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// GeneratorConfig is the configuration of the LLM CLI generator.
type GeneratorConfig struct {
	// Path of the LLM CLI binary, by default `claude`.
	Path string
	// ExtraArgs are appended to every invocation (e.g. model selection).
	ExtraArgs []string
	Runner    CommandRunner
	// Language of the generated programs, by default starlark.
	Language string
	Timeout  time.Duration
	// MaxExamples is the maximum number of task examples in the prompt.
	MaxExamples int
	Clock       func() time.Time
	Logger      log.Logger
}

func (c *GeneratorConfig) defaults() error {
	if c.Path == "" {
		c.Path = "claude"
	}
	if c.Runner == nil {
		c.Runner = runCommand
	}
	if c.Language == "" {
		c.Language = starlark.Language
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxExamples <= 0 {
		c.MaxExamples = 6
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "llmcli.Generator"})
	return nil
}

// Generator invokes the LLM CLI. It implements generator.Generator and validation.Oracle.
type Generator struct {
	path        string
	extraArgs   []string
	runner      CommandRunner
	language    string
	timeout     time.Duration
	maxExamples int
	clock       func() time.Time
	logger      log.Logger
}

// NewGenerator returns a new LLM CLI generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Generator{
		path:        cfg.Path,
		extraArgs:   cfg.ExtraArgs,
		runner:      cfg.Runner,
		language:    cfg.Language,
		timeout:     cfg.Timeout,
		maxExamples: cfg.MaxExamples,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

var _ generator.Generator = &Generator{}

// Generate asks the LLM for a program and extracts the first code block of the answer.
func (g *Generator) Generate(ctx context.Context, req generator.Request) (*generator.Result, error) {
	language := req.Language
	if language == "" {
		language = g.language
	}

	start := g.clock()
	answer, err := g.invoke(ctx, buildProgramPrompt(req, language, g.maxExamples))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrGenerationFailed, err)
	}

	code, _ := ExtractCode(answer)
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("empty program: %w", model.ErrGenerationFailed)
	}

	g.logger.Infof("Generated %s program for task %s in %s", language, req.Task.Name, g.clock().Sub(start))

	return &generator.Result{
		Code:       code,
		Language:   language,
		Complexity: generator.Complexity(code),
	}, nil
}

// Expected asks the LLM for the task output of the input. Answers that are not JSON are
// reported as no answer.
func (g *Generator) Expected(ctx context.Context, task model.Task, input json.RawMessage) (json.RawMessage, bool, error) {
	answer, err := g.invoke(ctx, buildOraclePrompt(task, input, g.maxExamples))
	if err != nil {
		return nil, false, err
	}

	out, _ := ExtractCode(answer)
	out = strings.TrimSpace(out)
	if !json.Valid([]byte(out)) {
		g.logger.Warningf("Oracle answer for task %s is not JSON, ignoring", task.Name)
		return nil, false, nil
	}

	return json.RawMessage(out), true, nil
}

// BuildCommandArgs returns the CLI arguments for a prompt.
func (g *Generator) BuildCommandArgs(prompt string) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	return append(args, g.extraArgs...)
}

func (g *Generator) invoke(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.runner(ctx, g.path, g.BuildCommandArgs(prompt)...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("llm cli timed out after %s", g.timeout)
		}
		return "", fmt.Errorf("llm cli failed: %w", err)
	}

	return parseOutput(out)
}

// cliOutput is the JSON output of the CLI, depending on the tool the answer
// comes in `result` or `content`.
type cliOutput struct {
	Result  string `json:"result"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
	Error   string `json:"error"`
}

// parseOutput returns the answer of the CLI output, output that is not JSON is the answer itself.
func parseOutput(out []byte) (string, error) {
	var co cliOutput
	if err := json.Unmarshal(out, &co); err != nil || co == (cliOutput{}) {
		return string(out), nil
	}

	if co.IsError || co.Error != "" {
		msg := co.Error
		if msg == "" {
			msg = co.Result
		}
		return "", fmt.Errorf("llm cli reported an error: %s", msg)
	}
	if co.Result != "" {
		return co.Result, nil
	}
	return co.Content, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
