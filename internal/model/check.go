package model

import (
	"fmt"
	"strings"
)

// CheckStatus is the status of a doctor check.
type CheckStatus string

const (
	CheckStatusOK      CheckStatus = "ok"
	CheckStatusWarning CheckStatus = "warning"
	CheckStatusError   CheckStatus = "error"
)

// CheckResult is the result of a single doctor check.
type CheckResult struct {
	// ID identifies the checked dependency (e.g. "database", "docker_daemon", "llm_cli").
	ID      string
	Message string
	Status  CheckStatus
}

// CheckSummary counts the doctor check results by status.
type CheckSummary struct {
	OK       int
	Warnings int
	Errors   int
}

// SummarizeChecks counts the results by status.
func SummarizeChecks(results []CheckResult) CheckSummary {
	var s CheckSummary
	for _, r := range results {
		switch r.Status {
		case CheckStatusOK:
			s.OK++
		case CheckStatusWarning:
			s.Warnings++
		case CheckStatusError:
			s.Errors++
		}
	}
	return s
}

// Failed is true when any of the checks errored, warnings don't fail.
func (s CheckSummary) Failed() bool { return s.Errors > 0 }

func (s CheckSummary) String() string {
	if s.Errors == 0 && s.Warnings == 0 {
		return "All checks passed!"
	}

	var parts []string
	if s.Errors > 0 {
		parts = append(parts, fmt.Sprintf("%d error(s)", s.Errors))
	}
	if s.Warnings > 0 {
		parts = append(parts, fmt.Sprintf("%d warning(s)", s.Warnings))
	}
	return strings.Join(parts, ", ")
}
