package llmcli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slok/distill/internal/generator"
	"github.com/slok/distill/internal/model"
)

var languageHints = map[string]string{
	"starlark":   "Starlark (Python dialect: no imports, no classes, no exceptions)",
	"python":     "Python 3 using only the standard library",
	"javascript": "JavaScript (Node.js, CommonJS, no external packages)",
}

func buildProgramPrompt(req generator.Request, language string, maxExamples int) string {
	hint, ok := languageHints[language]
	if !ok {
		hint = language
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", req.Task.Name)
	if req.Task.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", req.Task.Description)
	}
	writeSchemas(&sb, req.Task)

	sb.WriteString("\nRequirements:\n")
	fmt.Fprintf(&sb, "- Write the program in %s.\n", hint)
	sb.WriteString("- Define a function `run(input)` that receives the decoded JSON input and returns a JSON serializable output.\n")
	sb.WriteString("- The function must be deterministic and fast, it can't use the network or the filesystem.\n")

	writeExamples(&sb, req.Task, maxExamples)

	if len(req.FailingExamples) > 0 {
		sb.WriteString("\nThe current program fails on these inputs, the new program must handle them:\n")
		for i, fe := range req.FailingExamples {
			fmt.Fprintf(&sb, "%d. Input: %s", i+1, oneLine(fe.Input))
			if fe.ActualOutput != nil {
				fmt.Fprintf(&sb, " -> Got: %s", oneLine(fe.ActualOutput))
			}
			if fe.ExpectedOutput != nil {
				fmt.Fprintf(&sb, " -> Expected: %s", oneLine(fe.ExpectedOutput))
			}
			if len(fe.Errors) > 0 {
				fmt.Fprintf(&sb, " (%s)", strings.Join(fe.Errors, "; "))
			}
			sb.WriteString("\n")
		}
	}

	if req.PreviousCode != "" {
		fmt.Fprintf(&sb, "\nCurrent program:\n```%s\n%s\n```\n", language, req.PreviousCode)
	}

	fmt.Fprintf(&sb, "\nReturn ONLY the program in a single ```%s code block, no explanations.\n", language)
	return sb.String()
}

func buildOraclePrompt(task model.Task, input json.RawMessage, maxExamples int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", task.Description)
	}
	writeSchemas(&sb, task)
	writeExamples(&sb, task, maxExamples)
	fmt.Fprintf(&sb, "\nInput: %s\n", oneLine(input))
	sb.WriteString("\nReturn ONLY the output for the input as JSON in a single ```json code block.\n")
	return sb.String()
}

func writeSchemas(sb *strings.Builder, task model.Task) {
	if task.InputSchema != "" {
		fmt.Fprintf(sb, "Input schema (CUE): %s\n", task.InputSchema)
	}
	if task.OutputSchema != "" {
		fmt.Fprintf(sb, "Output schema (CUE): %s\n", task.OutputSchema)
	}
}

func writeExamples(sb *strings.Builder, task model.Task, maxExamples int) {
	if len(task.Examples) == 0 {
		return
	}

	sb.WriteString("\nExamples:\n")
	for i, ex := range task.Examples {
		if i >= maxExamples {
			break
		}
		fmt.Fprintf(sb, "%d. Input: %s -> Output: %s\n", i+1, oneLine(ex.Input), oneLine(ex.Output))
	}
}

func oneLine(data json.RawMessage) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(data)
	}
	return string(b)
}
