package docker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/slok/distill/internal/model"
)

// Check performs the preflight checks of the Docker runtime.
func (r *Runtime) Check(ctx context.Context) []model.CheckResult {
	var results []model.CheckResult

	// Check 1: Docker daemon reachable.
	daemon := r.checkDaemon(ctx)
	results = append(results, daemon)
	if daemon.Status == model.CheckStatusError {
		return results
	}

	// Check 2: Language images.
	langs := make([]string, 0, len(r.languages))
	for name := range r.languages {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	for _, name := range langs {
		results = append(results, r.checkImage(ctx, name, r.languages[name].Image))
	}

	return results
}

func (r *Runtime) checkDaemon(ctx context.Context) model.CheckResult {
	stdout, stderr, err := r.runner(ctx, nil, "docker", "version", "--format", "{{.Server.Version}}")
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		return model.CheckResult{
			ID:      "docker_daemon",
			Message: fmt.Sprintf("Docker daemon is not reachable: %s", msg),
			Status:  model.CheckStatusError,
		}
	}

	return model.CheckResult{
		ID:      "docker_daemon",
		Message: fmt.Sprintf("Docker daemon %s is reachable", strings.TrimSpace(string(stdout))),
		Status:  model.CheckStatusOK,
	}
}

func (r *Runtime) checkImage(ctx context.Context, language, image string) model.CheckResult {
	id := "image_" + language

	_, _, err := r.runner(ctx, nil, "docker", "image", "inspect", "--format", "{{.Id}}", image)
	if err == nil {
		return model.CheckResult{ID: id, Message: fmt.Sprintf("Image %s is present", image), Status: model.CheckStatusOK}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return model.CheckResult{ID: id, Message: fmt.Sprintf("Could not inspect image %s: %s", image, err), Status: model.CheckStatusError}
	}
	if r.pullImages {
		return model.CheckResult{ID: id, Message: fmt.Sprintf("Image %s is missing, it will be pulled", image), Status: model.CheckStatusWarning}
	}
	return model.CheckResult{ID: id, Message: fmt.Sprintf("Image %s is missing and pulling is disabled", image), Status: model.CheckStatusError}
}
