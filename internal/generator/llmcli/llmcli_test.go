package llmcli_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/generator"
	"github.com/slok/distill/internal/generator/llmcli"
	"github.com/slok/distill/internal/model"
)

type fakeRunner struct {
	out   []byte
	err   error
	block bool
	name  string
	args  []string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = args
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.out, f.err
}

func cliJSON(result string) []byte {
	b, _ := json.Marshal(map[string]any{"type": "result", "result": result})
	return b
}

var testTask = model.Task{
	Name:         "sentiment",
	Description:  "Classify the sentiment of a text.",
	InputSchema:  `{text: string}`,
	OutputSchema: `{label: "positive" | "negative"}`,
	Examples: []model.Example{
		{Input: json.RawMessage(`{"text": "great"}`), Output: json.RawMessage(`{"label": "positive"}`)},
	},
}

func TestGeneratorGenerate(t *testing.T) {
	tests := map[string]struct {
		runner    *fakeRunner
		req       generator.Request
		expResult *generator.Result
		expErr    error
	}{
		"A fenced answer should return the code block.": {
			runner: &fakeRunner{out: cliJSON("Here it is:\n\n```starlark\ndef run(input):\n    if \"great\" in input[\"text\"]:\n        return {\"label\": \"positive\"}\n    return {\"label\": \"negative\"}\n```\n")},
			req:    generator.Request{Task: testTask},
			expResult: &generator.Result{
				Code:       "def run(input):\n    if \"great\" in input[\"text\"]:\n        return {\"label\": \"positive\"}\n    return {\"label\": \"negative\"}",
				Language:   "starlark",
				Complexity: model.ComplexityMetrics{LinesOfCode: 4, CyclomaticComplexity: 2},
			},
		},
		"A raw answer should be used as the code.": {
			runner: &fakeRunner{out: []byte("def run(input):\n    return input\n")},
			req:    generator.Request{Task: testTask, Language: "python"},
			expResult: &generator.Result{
				Code:       "def run(input):\n    return input",
				Language:   "python",
				Complexity: model.ComplexityMetrics{LinesOfCode: 2, CyclomaticComplexity: 1},
			},
		},
		"An empty answer should fail the generation.": {
			runner: &fakeRunner{out: cliJSON("```starlark\n```")},
			req:    generator.Request{Task: testTask},
			expErr: model.ErrGenerationFailed,
		},
		"A CLI error should fail the generation.": {
			runner: &fakeRunner{err: errors.New("exit status 1")},
			req:    generator.Request{Task: testTask},
			expErr: model.ErrGenerationFailed,
		},
		"A CLI reported error should fail the generation.": {
			runner: &fakeRunner{out: []byte(`{"is_error": true, "result": "rate limited"}`)},
			req:    generator.Request{Task: testTask},
			expErr: model.ErrGenerationFailed,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			g, err := llmcli.NewGenerator(llmcli.GeneratorConfig{Runner: test.runner.run})
			require.NoError(err)

			res, err := g.Generate(context.TODO(), test.req)
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(err)
			assert.Equal(test.expResult, res)
			assert.Equal("claude", test.runner.name)
		})
	}
}

func TestGeneratorPromptHasFailingExamples(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	runner := &fakeRunner{out: cliJSON("```starlark\ndef run(input):\n    return None\n```")}
	g, err := llmcli.NewGenerator(llmcli.GeneratorConfig{Runner: runner.run, ExtraArgs: []string{"--model", "small"}})
	require.NoError(err)

	_, err = g.Generate(context.TODO(), generator.Request{
		Task: testTask,
		FailingExamples: []generator.FailingExample{
			{
				Input:          json.RawMessage(`{"text": "awful"}`),
				ActualOutput:   json.RawMessage(`{"label": "positive"}`),
				ExpectedOutput: json.RawMessage(`{"label": "negative"}`),
				Errors:         []string{"mismatch: wrong label"},
			},
		},
		PreviousCode: "def run(input):\n    return {\"label\": \"positive\"}",
	})
	require.NoError(err)

	require.Len(runner.args, 6)
	assert.Equal("-p", runner.args[0])
	assert.Equal([]string{"--output-format", "json", "--model", "small"}, runner.args[2:])

	prompt := runner.args[1]
	assert.Contains(prompt, "Task: sentiment")
	assert.Contains(prompt, `Output schema (CUE): {label: "positive" | "negative"}`)
	assert.Contains(prompt, `1. Input: {"text":"great"} -> Output: {"label":"positive"}`)
	assert.Contains(prompt, `1. Input: {"text":"awful"} -> Got: {"label":"positive"} -> Expected: {"label":"negative"} (mismatch: wrong label)`)
	assert.Contains(prompt, "Current program:")
	assert.Contains(prompt, "Starlark")
}

func TestGeneratorTimeout(t *testing.T) {
	runner := &fakeRunner{block: true}
	g, err := llmcli.NewGenerator(llmcli.GeneratorConfig{Runner: runner.run, Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = g.Generate(context.TODO(), generator.Request{Task: testTask})
	assert.ErrorIs(t, err, model.ErrGenerationFailed)
	assert.Contains(t, err.Error(), "timed out")
}

func TestGeneratorExpected(t *testing.T) {
	tests := map[string]struct {
		runner *fakeRunner
		expOut json.RawMessage
		expOK  bool
		expErr bool
	}{
		"A JSON code block answer should be the expected output.": {
			runner: &fakeRunner{out: cliJSON("```json\n{\"label\": \"negative\"}\n```")},
			expOut: json.RawMessage(`{"label": "negative"}`),
			expOK:  true,
		},
		"A raw JSON answer should be the expected output.": {
			runner: &fakeRunner{out: cliJSON(`"negative"`)},
			expOut: json.RawMessage(`"negative"`),
			expOK:  true,
		},
		"A non JSON answer should be no answer.": {
			runner: &fakeRunner{out: cliJSON("I think it's negative")},
			expOK:  false,
		},
		"A CLI failure should fail.": {
			runner: &fakeRunner{err: errors.New("boom")},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			g, err := llmcli.NewGenerator(llmcli.GeneratorConfig{Runner: test.runner.run})
			require.NoError(err)

			out, ok, err := g.Expected(context.TODO(), testTask, json.RawMessage(`{"text": "awful"}`))
			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			assert.Equal(test.expOK, ok)
			assert.Equal(test.expOut, out)
		})
	}
}

func TestExtractCode(t *testing.T) {
	tests := map[string]struct {
		answer  string
		expCode string
		expLang string
	}{
		"The first fenced block should be returned.": {
			answer:  "text\n\n```python\nprint(1)\n```\n\n```js\nx\n```\n",
			expCode: "print(1)",
			expLang: "python",
		},
		"A fence without language should be returned.": {
			answer:  "```\na = 1\nb = 2\n```",
			expCode: "a = 1\nb = 2",
		},
		"Text without fences should be returned trimmed.": {
			answer:  "  def run(input): return 1  \n",
			expCode: "def run(input): return 1",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			code, lang := llmcli.ExtractCode(test.answer)
			assert.Equal(t, test.expCode, code)
			assert.Equal(t, test.expLang, lang)
		})
	}
}

func TestGeneratorCheck(t *testing.T) {
	tests := map[string]struct {
		runner    *fakeRunner
		expStatus model.CheckStatus
		expMsg    string
	}{
		"An available CLI should pass with its version.": {
			runner:    &fakeRunner{out: []byte("2.1.0 (Claude Code)\nextra")},
			expStatus: model.CheckStatusOK,
			expMsg:    "(2.1.0 (Claude Code))",
		},
		"A missing CLI should warn.": {
			runner:    &fakeRunner{err: errors.New(`exec: "claude": executable file not found in $PATH`)},
			expStatus: model.CheckStatusWarning,
			expMsg:    "not available",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			g, err := llmcli.NewGenerator(llmcli.GeneratorConfig{Runner: test.runner.run})
			require.NoError(err)

			results := g.Check(context.Background())
			require.Len(results, 1)
			assert.Equal("llm_cli", results[0].ID)
			assert.Equal(test.expStatus, results[0].Status)
			assert.Contains(results[0].Message, test.expMsg)
			assert.Equal([]string{"--version"}, test.runner.args)
		})
	}
}
