// Package generator has the program generator collaborator contract.
package generator

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/slok/distill/internal/model"
)

// FailingExample is an execution the previous program got wrong.
type FailingExample struct {
	Input          json.RawMessage
	ActualOutput   json.RawMessage
	ExpectedOutput json.RawMessage
	Errors         []string
}

// Request is a program generation request.
type Request struct {
	Task            model.Task
	FailingExamples []FailingExample
	// PreviousCode is the code of the program being improved, empty on the first generation.
	PreviousCode string
	// Language is optional, the generator default is used when empty.
	Language string
}

// Result is a generated program.
type Result struct {
	Code       string
	Language   string
	Complexity model.ComplexityMetrics
}

// Generator synthesizes programs for tasks. Generators return model.ErrGenerationFailed
// when they can't produce code.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

//go:generate mockery --case underscore --output generatormock --outpkg generatormock --name Generator

var branchRegexp = regexp.MustCompile(`\b(if|elif|for|while|and|or|except|case|catch)\b|&&|\|\|`)

// Complexity returns static metrics of the code: non blank, non comment lines
// and 1 plus the number of branching tokens.
func Complexity(code string) model.ComplexityMetrics {
	m := model.ComplexityMetrics{CyclomaticComplexity: 1}
	for _, line := range strings.Split(code, "\n") {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, "#") || strings.HasPrefix(l, "//") {
			continue
		}
		m.LinesOfCode++
		m.CyclomaticComplexity += len(branchRegexp.FindAllString(l, -1))
	}
	return m
}
