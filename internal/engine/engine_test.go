package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/engine"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/pool"
	"github.com/slok/distill/internal/runtime"
	"github.com/slok/distill/internal/runtime/fake"
	"github.com/slok/distill/internal/runtime/runtimemock"
)

func TestEngineExecute(t *testing.T) {
	session := runtime.Session{ID: "s1", Language: "python"}

	tests := map[string]struct {
		mock      func(m *runtimemock.MockRuntime)
		req       engine.Request
		expResult engine.Result
	}{
		"A successful execution should return the output.": {
			req: engine.Request{Code: "code", Language: "python", Input: json.RawMessage(`{"a":1}`)},
			mock: func(m *runtimemock.MockRuntime) {
				m.On("AcquireSession", mock.Anything, "python").Once().Return(session, nil)
				m.On("Execute", mock.Anything, session, runtime.ExecuteRequest{Code: "code", Input: json.RawMessage(`{"a":1}`), Timeout: 5 * time.Second}).Once().Return(&runtime.ExecuteResult{Success: true, Output: json.RawMessage(`{"b":2}`)}, nil)
				m.On("ReleaseSession", mock.Anything, session).Once().Return(nil)
			},
			expResult: engine.Result{Status: model.ExecutionStatusSuccess, Output: json.RawMessage(`{"b":2}`)},
		},
		"An empty output should be a JSON null.": {
			req: engine.Request{Code: "code", Language: "python"},
			mock: func(m *runtimemock.MockRuntime) {
				m.On("AcquireSession", mock.Anything, "python").Once().Return(session, nil)
				m.On("Execute", mock.Anything, session, mock.Anything).Once().Return(&runtime.ExecuteResult{Success: true}, nil)
				m.On("ReleaseSession", mock.Anything, session).Once().Return(nil)
			},
			expResult: engine.Result{Status: model.ExecutionStatusSuccess, Output: json.RawMessage(`null`)},
		},
		"A program failure should be an error result.": {
			req: engine.Request{Code: "code", Language: "python"},
			mock: func(m *runtimemock.MockRuntime) {
				m.On("AcquireSession", mock.Anything, "python").Once().Return(session, nil)
				m.On("Execute", mock.Anything, session, mock.Anything).Once().Return(&runtime.ExecuteResult{Error: "KeyError: 'a'"}, nil)
				m.On("ReleaseSession", mock.Anything, session).Once().Return(nil)
			},
			expResult: engine.Result{Status: model.ExecutionStatusError, Error: "KeyError: 'a'"},
		},
		"An invalid JSON output should be an error result.": {
			req: engine.Request{Code: "code", Language: "python"},
			mock: func(m *runtimemock.MockRuntime) {
				m.On("AcquireSession", mock.Anything, "python").Once().Return(session, nil)
				m.On("Execute", mock.Anything, session, mock.Anything).Once().Return(&runtime.ExecuteResult{Success: true, Output: json.RawMessage(`{`)}, nil)
				m.On("ReleaseSession", mock.Anything, session).Once().Return(nil)
			},
			expResult: engine.Result{Status: model.ExecutionStatusError, Error: "program output is not valid JSON"},
		},
		"A runtime failure should be an error result.": {
			req: engine.Request{Code: "code", Language: "python"},
			mock: func(m *runtimemock.MockRuntime) {
				m.On("AcquireSession", mock.Anything, "python").Once().Return(session, nil)
				m.On("Execute", mock.Anything, session, mock.Anything).Once().Return(nil, fmt.Errorf("connection lost"))
				m.On("ReleaseSession", mock.Anything, session).Once().Return(nil)
			},
			expResult: engine.Result{Status: model.ExecutionStatusError, Error: "runtime failure: connection lost"},
		},
		"A session acquisition failure should be an error result.": {
			req: engine.Request{Code: "code", Language: "cobol"},
			mock: func(m *runtimemock.MockRuntime) {
				m.On("AcquireSession", mock.Anything, "cobol").Once().Return(runtime.Session{}, fmt.Errorf("unsupported"))
			},
			expResult: engine.Result{Status: model.ExecutionStatusError, Error: "could not acquire session: unsupported"},
		},
		"A panicking runtime should be an error result.": {
			req: engine.Request{Code: "code", Language: "python"},
			mock: func(m *runtimemock.MockRuntime) {
				m.On("AcquireSession", mock.Anything, "python").Once().Return(session, nil)
				m.On("Execute", mock.Anything, session, mock.Anything).Once().Run(func(mock.Arguments) { panic("boom") })
				m.On("ReleaseSession", mock.Anything, session).Once().Return(nil)
			},
			expResult: engine.Result{Status: model.ExecutionStatusError, Error: "panic: boom"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			m := runtimemock.NewMockRuntime(t)
			test.mock(m)

			e, err := engine.NewEngine(engine.EngineConfig{Runtime: m})
			require.NoError(err)

			res := e.Execute(context.Background(), test.req)
			assert.GreaterOrEqual(res.LatencyMs, 0.0)
			res.LatencyMs = 0
			assert.Equal(test.expResult, res)
		})
	}
}

func TestEngineWithoutRuntime(t *testing.T) {
	e, err := engine.NewEngine(engine.EngineConfig{})
	require.NoError(t, err)

	assert.False(t, e.Available())
	res := e.Execute(context.Background(), engine.Request{Code: "x", Language: "python"})
	assert.Equal(t, model.ExecutionStatusError, res.Status)
	assert.Contains(t, res.Error, model.ErrRuntimeUnavailable.Error())
	assert.Nil(t, res.Output)
}

func newFakeRuntime(t *testing.T) *fake.Runtime {
	rt, err := fake.NewRuntime(fake.RuntimeConfig{
		Programs: map[string]fake.Handler{
			"echo": func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) { return in, nil },
			"hang": func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	})
	require.NoError(t, err)
	return rt
}

func TestEngineTimeout(t *testing.T) {
	rt := newFakeRuntime(t)
	p, err := pool.NewPool(pool.PoolConfig{Runtime: rt})
	require.NoError(t, err)
	e, err := engine.NewEngine(engine.EngineConfig{Pool: p})
	require.NoError(t, err)

	res := e.Execute(context.Background(), engine.Request{Code: "hang", Language: "fake", Timeout: 20 * time.Millisecond})
	assert.Equal(t, model.ExecutionStatusTimeout, res.Status)
	assert.Nil(t, res.Output)
	assert.GreaterOrEqual(t, res.LatencyMs, 20.0)

	// Interrupted sessions are not reused.
	assert.Equal(t, model.PoolStats{}, p.Stats())
	assert.Equal(t, 1, rt.Stats().Destroyed)
}

func TestEngineCancellation(t *testing.T) {
	rt := newFakeRuntime(t)
	e, err := engine.NewEngine(engine.EngineConfig{Runtime: rt})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := e.Execute(ctx, engine.Request{Code: "hang", Language: "fake", Timeout: time.Minute})
	assert.Equal(t, model.ExecutionStatusError, res.Status)
	assert.Contains(t, res.Error, "execution cancelled")
	assert.Equal(t, 0, rt.Stats().Live)
}

func TestEnginePooledSessionsAreReused(t *testing.T) {
	rt := newFakeRuntime(t)
	p, err := pool.NewPool(pool.PoolConfig{Runtime: rt})
	require.NoError(t, err)
	e, err := engine.NewEngine(engine.EngineConfig{Pool: p})
	require.NoError(t, err)

	for range 5 {
		res := e.Execute(context.Background(), engine.Request{Code: "echo", Language: "fake", Input: json.RawMessage(`[1]`)})
		require.Equal(t, model.ExecutionStatusSuccess, res.Status)
		assert.Equal(t, json.RawMessage(`[1]`), res.Output)
	}

	assert.Equal(t, 1, rt.Stats().Created)
	assert.Equal(t, model.PoolStats{Total: 1, Idle: 1}, p.Stats())
}
