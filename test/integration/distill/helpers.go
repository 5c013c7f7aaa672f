package distill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/slok/distill/test/integration/testutils"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	Binary string
}

func (c *Config) defaults() error {
	if c.Binary == "" {
		c.Binary = "distill"
	}

	// go test changes the CWD to the test package directory, relative paths are ambiguous.
	if !filepath.IsAbs(c.Binary) {
		return fmt.Errorf("DISTILL_INTEGRATION_BINARY must be an absolute path, got %q", c.Binary)
	}
	if _, err := os.Stat(c.Binary); err != nil {
		return fmt.Errorf("distill binary not found at %q: %w", c.Binary, err)
	}

	return nil
}

// NewConfig loads integration test configuration from environment variables.
// If the config is invalid or the activation env var is not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "DISTILL_INTEGRATION"
		envBinary     = "DISTILL_INTEGRATION_BINARY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{Binary: os.Getenv(envBinary)}
	if err := c.defaults(); err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

// fakeLLM answers every prompt with a Starlark program that sums `a` and `b`.
const fakeLLM = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "1.0.0 (fake)"
  exit 0
fi
cat <<'JSON'
{"type": "result", "result": "def run(input):\n    return {\"sum\": input[\"a\"] + input[\"b\"]}\n"}
JSON
`

const sumTask = `name: sum
description: Sum two integers.
input_schema: "{a: int, b: int}"
output_schema: "{sum: int}"
sampling_rate: 1
examples:
  - input: {a: 1, b: 2}
    output: {sum: 3}
  - input: {a: 10, b: -4}
    output: {sum: 6}
`

// Env is an isolated distill data directory using a fake LLM CLI.
type Env struct {
	Config   Config
	DataDir  string
	TaskFile string
}

// NewEnv prepares a data directory with the configuration, the fake LLM CLI and a task file.
func NewEnv(t *testing.T, config Config) Env {
	t.Helper()

	dir := t.TempDir()
	llm := filepath.Join(dir, "fake-llm")
	if err := os.WriteFile(llm, []byte(fakeLLM), 0o755); err != nil {
		t.Fatalf("could not write fake LLM CLI: %s", err)
	}

	cfg := fmt.Sprintf("runtime:\n  kind: starlark\ngenerator:\n  path: %s\ncanary:\n  stages: [50, 100]\n", llm)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("could not write config: %s", err)
	}

	taskFile := filepath.Join(dir, "sum.yaml")
	if err := os.WriteFile(taskFile, []byte(sumTask), 0o644); err != nil {
		t.Fatalf("could not write task file: %s", err)
	}

	return Env{Config: config, DataDir: dir, TaskFile: taskFile}
}

// Run runs a distill command on the environment data directory.
func (e Env) Run(ctx context.Context, cmdArgs string) (stdout, stderr []byte, err error) {
	args := fmt.Sprintf("--no-log --data-dir %s %s", e.DataDir, cmdArgs)
	return testutils.RunDistill(ctx, nil, e.Config.Binary, args, true)
}

// RunArgs runs a distill command with pre-split arguments and stdin on the environment data directory.
func (e Env) RunArgs(ctx context.Context, stdin []byte, args ...string) (stdout, stderr []byte, err error) {
	args = append([]string{"--no-log", "--data-dir", e.DataDir}, args...)
	return testutils.RunDistillArgs(ctx, nil, e.Config.Binary, args, stdin, true)
}
