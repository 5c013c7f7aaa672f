package llmcli

import (
	"context"
	"fmt"
	"strings"

	"github.com/slok/distill/internal/model"
)

// Check checks that the LLM CLI can be invoked. A missing CLI is a warning, only
// program generation and the LLM oracle need it.
func (g *Generator) Check(ctx context.Context) []model.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.runner(ctx, g.path, "--version")
	if err != nil {
		return []model.CheckResult{{
			ID:      "llm_cli",
			Message: fmt.Sprintf("LLM CLI %q is not available, programs can't be generated: %s", g.path, err),
			Status:  model.CheckStatusWarning,
		}}
	}

	version := strings.TrimSpace(string(out))
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = version[:i]
	}
	return []model.CheckResult{{
		ID:      "llm_cli",
		Message: fmt.Sprintf("LLM CLI %q is available (%s)", g.path, version),
		Status:  model.CheckStatusOK,
	}}
}
