package docker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/runtime"
	"github.com/slok/distill/internal/runtime/docker"
)

type mockDockerClient struct {
	mock.Mock
}

func (m *mockDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, refStr, options)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *mockDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	args := m.Called(ctx, config, hostConfig, networkingConfig, platform, containerName)
	return args.Get(0).(container.CreateResponse), args.Error(1)
}

func (m *mockDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return m.Called(ctx, containerID, options).Error(0)
}

func (m *mockDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return m.Called(ctx, containerID, options).Error(0)
}

func TestRuntimeAcquireSession(t *testing.T) {
	tests := map[string]struct {
		language string
		pull     bool
		mock     func(m *mockDockerClient)
		expErr   bool
	}{
		"Acquiring a session should create and start an isolated container.": {
			language: "python",
			mock: func(m *mockDockerClient) {
				m.On("ContainerCreate", mock.Anything, mock.MatchedBy(func(c *container.Config) bool {
					return c.Image == "python:3.12-alpine" && c.NetworkDisabled
				}), mock.MatchedBy(func(h *container.HostConfig) bool {
					return h.NetworkMode == "none" && h.Resources.Memory == 256*1024*1024
				}), mock.Anything, mock.Anything, mock.MatchedBy(func(name string) bool {
					return strings.HasPrefix(name, "distill-")
				})).Once().Return(container.CreateResponse{ID: "c1"}, nil)
				m.On("ContainerStart", mock.Anything, "c1", mock.Anything).Once().Return(nil)
			},
		},
		"Acquiring a session with image pulling should pull the image first.": {
			language: "javascript",
			pull:     true,
			mock: func(m *mockDockerClient) {
				m.On("ImagePull", mock.Anything, "node:22-alpine", mock.Anything).Once().Return(io.NopCloser(strings.NewReader("{}")), nil)
				m.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Once().Return(container.CreateResponse{ID: "c1"}, nil)
				m.On("ContainerStart", mock.Anything, "c1", mock.Anything).Once().Return(nil)
			},
		},
		"An unsupported language should fail.": {
			language: "cobol",
			mock:     func(m *mockDockerClient) {},
			expErr:   true,
		},
		"A failed start should remove the container.": {
			language: "python",
			mock: func(m *mockDockerClient) {
				m.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Once().Return(container.CreateResponse{ID: "c1"}, nil)
				m.On("ContainerStart", mock.Anything, "c1", mock.Anything).Once().Return(fmt.Errorf("whatever"))
				m.On("ContainerRemove", mock.Anything, "c1", container.RemoveOptions{Force: true}).Once().Return(nil)
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			m := &mockDockerClient{}
			test.mock(m)

			rt, err := docker.NewRuntime(docker.RuntimeConfig{Client: m, PullImages: test.pull})
			require.NoError(err)

			s, err := rt.AcquireSession(context.Background(), test.language)
			if test.expErr {
				assert.Error(err)
			} else if assert.NoError(err) {
				assert.Equal(test.language, s.Language)
				assert.NotEmpty(s.ID)
			}
			m.AssertExpectations(t)
		})
	}
}

func TestRuntimeExecute(t *testing.T) {
	tests := map[string]struct {
		stdout    string
		stderr    string
		runErr    error
		expResult *runtime.ExecuteResult
		expErr    error
	}{
		"A successful program should return its output.": {
			stdout:    `{"ok": true, "output": {"sum": 3}}`,
			expResult: &runtime.ExecuteResult{Success: true, Output: json.RawMessage(`{"sum": 3}`)},
		},
		"A failed program should return its error.": {
			stdout:    `{"ok": false, "error": "KeyError: 'a'"}`,
			expResult: &runtime.ExecuteResult{Error: "KeyError: 'a'"},
		},
		"A garbage response should be a program error.": {
			stdout:    `Traceback`,
			expResult: &runtime.ExecuteResult{Error: "invalid program response: invalid character 'T' looking for beginning of value"},
		},
		"A crashed interpreter should be a program error.": {
			stderr:    "Killed",
			runErr:    &exec.ExitError{},
			expResult: &runtime.ExecuteResult{Error: "Killed"},
		},
		"A missing container should be a runtime error.": {
			stderr: "Error response from daemon: No such container: distill-x",
			runErr: &exec.ExitError{},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			var gotArgs []string
			var gotStdin []byte
			runner := func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
				gotStdin = stdin
				gotArgs = append([]string{name}, args...)
				return []byte(test.stdout), []byte(test.stderr), test.runErr
			}

			rt, err := docker.NewRuntime(docker.RuntimeConfig{Client: &mockDockerClient{}, Runner: runner})
			require.NoError(err)

			res, err := rt.Execute(context.Background(), runtime.Session{ID: "01ABC", Language: "python"}, runtime.ExecuteRequest{
				Code:  "def run(input): return input",
				Input: json.RawMessage(`{"a":1}`),
			})
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(err)
			assert.Equal(test.expResult, res)
			assert.Equal([]string{"docker", "exec", "-i", "distill-01abc", "python3", "-c"}, gotArgs[:6])
			assert.JSONEq(`{"code":"def run(input): return input","input":{"a":1}}`, string(gotStdin))
		})
	}
}

func TestRuntimeReleaseSession(t *testing.T) {
	m := &mockDockerClient{}
	m.On("ContainerRemove", mock.Anything, "distill-01abc", container.RemoveOptions{Force: true}).Once().Return(nil)
	m.On("ContainerRemove", mock.Anything, "distill-01def", container.RemoveOptions{Force: true}).Once().Return(fmt.Errorf("No such container: distill-01def"))

	rt, err := docker.NewRuntime(docker.RuntimeConfig{Client: m, Runner: func(context.Context, []byte, string, ...string) ([]byte, []byte, error) { return nil, nil, nil }})
	require.NoError(t, err)

	assert.NoError(t, rt.ReleaseSession(context.Background(), runtime.Session{ID: "01ABC", Language: "python"}))
	assert.NoError(t, rt.ReleaseSession(context.Background(), runtime.Session{ID: "01DEF", Language: "python"}))
	assert.Equal(t, []string{"javascript", "python"}, rt.Languages())
	m.AssertExpectations(t)
}
