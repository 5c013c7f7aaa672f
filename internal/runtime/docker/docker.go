// Package docker is a runtime that runs every session in its own long lived
// Docker container, programs are executed with `docker exec`.
package docker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/oklog/ulid/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/runtime"
)

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// CommandRunner runs a command feeding stdin and returns its stdout and stderr.
type CommandRunner func(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)

// Language is how a language runs inside a container.
type Language struct {
	Image string
	// Command is the interpreter command that runs the wrapper script, the
	// wrapper receives the program and input as JSON on stdin.
	Command []string
}

// DefaultLanguages are the builtin languages.
var DefaultLanguages = map[string]Language{
	"python":     {Image: "python:3.12-alpine", Command: []string{"python3", "-c", pythonWrapper}},
	"javascript": {Image: "node:22-alpine", Command: []string{"node", "-e", nodeWrapper}},
}

// RuntimeConfig is the configuration for the Docker runtime.
type RuntimeConfig struct {
	Client    DockerClient
	Runner    CommandRunner
	Languages map[string]Language
	// Platform of the containers, nil means the daemon default.
	Platform   *ocispec.Platform
	PullImages bool
	VCPUs      float64
	MemoryMB   int
	Logger     log.Logger
}

func (c *RuntimeConfig) defaults() error {
	if c.Client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.Runner == nil {
		c.Runner = runCommand
	}
	if len(c.Languages) == 0 {
		c.Languages = DefaultLanguages
	}
	if c.VCPUs <= 0 {
		c.VCPUs = 1
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 256
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Docker"})
	return nil
}

// Runtime is the Docker implementation of the runtime.Runtime interface.
type Runtime struct {
	client     DockerClient
	runner     CommandRunner
	languages  map[string]Language
	platform   *ocispec.Platform
	pullImages bool
	vcpus      float64
	memoryMB   int
	logger     log.Logger
}

var _ runtime.Runtime = &Runtime{}

// NewRuntime creates a new Docker runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runtime{
		client:     cfg.Client,
		runner:     cfg.Runner,
		languages:  cfg.Languages,
		platform:   cfg.Platform,
		pullImages: cfg.PullImages,
		vcpus:      cfg.VCPUs,
		memoryMB:   cfg.MemoryMB,
		logger:     cfg.Logger,
	}, nil
}

// Languages returns the configured languages.
func (r *Runtime) Languages() []string {
	langs := make([]string, 0, len(r.languages))
	for l := range r.languages {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

func containerName(sessionID string) string {
	return fmt.Sprintf("distill-%s", strings.ToLower(sessionID))
}

// AcquireSession creates and starts a new container for the language.
func (r *Runtime) AcquireSession(ctx context.Context, language string) (runtime.Session, error) {
	lang, ok := r.languages[language]
	if !ok {
		return runtime.Session{}, fmt.Errorf("unsupported language %q: %w", language, model.ErrNotValid)
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	name := containerName(id)

	if r.pullImages {
		r.logger.Infof("Pulling image: %s", lang.Image)
		pullResp, err := r.client.ImagePull(ctx, lang.Image, image.PullOptions{})
		if err != nil {
			return runtime.Session{}, fmt.Errorf("failed to pull image %s: %w", lang.Image, err)
		}
		// Consume the pull response to ensure it completes.
		_, _ = io.Copy(io.Discard, pullResp)
		pullResp.Close()
	}

	containerConfig := &container.Config{
		Image:           lang.Image,
		Cmd:             []string{"tail", "-f", "/dev/null"}, // Keep container running.
		NetworkDisabled: true,
		Labels:          map[string]string{"distill.session": id, "distill.language": language},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			NanoCPUs: int64(r.vcpus * 1e9),
			Memory:   int64(r.memoryMB) * 1024 * 1024,
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, r.platform, name)
	if err != nil {
		return runtime.Session{}, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			r.logger.Errorf("Could not remove container %s: %s", resp.ID, rmErr)
		}
		return runtime.Session{}, fmt.Errorf("failed to start container: %w", err)
	}

	r.logger.Debugf("Created docker session: %s (container: %s)", id, resp.ID)

	return runtime.Session{ID: id, Language: language}, nil
}

type execPayload struct {
	Code  string          `json:"code"`
	Input json.RawMessage `json:"input"`
}

type execResponse struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Execute runs the program inside the session container.
func (r *Runtime) Execute(ctx context.Context, s runtime.Session, req runtime.ExecuteRequest) (*runtime.ExecuteResult, error) {
	lang, ok := r.languages[s.Language]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q: %w", s.Language, model.ErrNotValid)
	}

	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	payload, err := json.Marshal(execPayload{Code: req.Code, Input: input})
	if err != nil {
		return nil, fmt.Errorf("could not encode payload: %w", err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	name := containerName(s.ID)
	args := append([]string{"exec", "-i", name}, lang.Command...)
	r.logger.Debugf("Executing program in container %s", name)

	stdout, stderr, err := r.runner(ctx, payload, "docker", args...)
	if ctx.Err() != nil {
		return &runtime.ExecuteResult{Error: ctx.Err().Error()}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute program: %w", err)
		}
		msg := strings.TrimSpace(string(stderr))
		if strings.Contains(msg, "No such container") {
			return nil, fmt.Errorf("container %s: %w", name, model.ErrNotFound)
		}
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		return &runtime.ExecuteResult{Error: msg}, nil
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &resp); err != nil {
		return &runtime.ExecuteResult{Error: fmt.Sprintf("invalid program response: %s", err)}, nil
	}
	if !resp.OK {
		return &runtime.ExecuteResult{Error: resp.Error}, nil
	}

	return &runtime.ExecuteResult{Success: true, Output: resp.Output}, nil
}

// ReleaseSession removes the session container.
func (r *Runtime) ReleaseSession(ctx context.Context, s runtime.Session) error {
	name := containerName(s.ID)
	if err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			r.logger.Debugf("Container %s already removed", name)
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}

	r.logger.Debugf("Removed docker session: %s", s.ID)
	return nil
}

func runCommand(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
