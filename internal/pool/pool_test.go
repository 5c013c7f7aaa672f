package pool_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/pool"
	"github.com/slok/distill/internal/runtime"
	"github.com/slok/distill/internal/runtime/fake"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, cfg pool.PoolConfig) (*pool.Pool, *fake.Runtime, *testClock) {
	t.Helper()

	rt, err := fake.NewRuntime(fake.RuntimeConfig{
		Languages: []string{"a", "b"},
		Programs: map[string]fake.Handler{
			"echo": func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) { return in, nil },
		},
	})
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Runtime = rt
	cfg.Clock = clock.Now
	p, err := pool.NewPool(cfg)
	require.NoError(t, err)

	return p, rt, clock
}

func TestNewPool(t *testing.T) {
	_, err := pool.NewPool(pool.PoolConfig{})
	assert.Error(t, err)
}

func TestPoolReusesIdleSessions(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t, pool.PoolConfig{MaxSessions: 2})

	s1, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, pool.SessionStateActive, s1.State)
	assert.Equal(t, model.PoolStats{Total: 1, Active: 1, Idle: 0}, p.Stats())

	p.Release(ctx, s1, true)
	assert.Equal(t, pool.SessionStateIdle, s1.State)
	assert.Equal(t, model.PoolStats{Total: 1, Active: 0, Idle: 1}, p.Stats())

	s2, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, 2, s2.Executions)
	assert.Equal(t, 1, rt.Stats().Created)
}

func TestPoolUnhealthySessionsAreDestroyed(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t, pool.PoolConfig{})

	s, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	p.Release(ctx, s, false)

	assert.Equal(t, model.PoolStats{}, p.Stats())
	assert.Equal(t, 1, rt.Stats().Destroyed)
}

func TestPoolExhausted(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, pool.PoolConfig{MaxSessions: 2, AcquireTimeout: 20 * time.Millisecond})

	_, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "b")
	require.NoError(t, err)

	_, err = p.Acquire(ctx, "a")
	assert.ErrorIs(t, err, model.ErrPoolExhausted)
}

func TestPoolAcquireCancelled(t *testing.T) {
	p, _, _ := newTestPool(t, pool.PoolConfig{MaxSessions: 1})

	_, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, model.ErrPoolExhausted)
}

func TestPoolWaiterIsWokenOnRelease(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, pool.PoolConfig{MaxSessions: 1})

	s1, err := p.Acquire(ctx, "a")
	require.NoError(t, err)

	got := make(chan *pool.Session)
	go func() {
		s, err := p.Acquire(ctx, "a")
		assert.NoError(t, err)
		got <- s
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(ctx, s1, true)

	select {
	case s2 := <-got:
		assert.Equal(t, s1.ID, s2.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken up")
	}
}

func TestPoolEvictsIdleSessionsOfOtherLanguages(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t, pool.PoolConfig{MaxSessions: 1})

	sa, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	p.Release(ctx, sa, true)

	sb, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", sb.Language)
	assert.Equal(t, fake.Stats{Live: 1, Created: 2, Destroyed: 1}, rt.Stats())
	assert.Equal(t, model.PoolStats{Total: 1, Active: 1}, p.Stats())
}

func TestPoolReap(t *testing.T) {
	ctx := context.Background()
	p, rt, clock := newTestPool(t, pool.PoolConfig{IdleTimeout: time.Minute, MaxLifetime: time.Hour})

	s1, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	s2, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	p.Release(ctx, s1, true)

	clock.Add(30 * time.Second)
	p.Release(ctx, s2, true)
	assert.Equal(t, 0, p.Reap(ctx))

	clock.Add(45 * time.Second)
	assert.Equal(t, 1, p.Reap(ctx))
	assert.Equal(t, model.PoolStats{Total: 1, Idle: 1}, p.Stats())
	assert.Equal(t, 1, rt.Stats().Destroyed)

	clock.Add(time.Minute)
	assert.Equal(t, 1, p.Reap(ctx))
	assert.Equal(t, model.PoolStats{}, p.Stats())
}

func TestPoolMaxLifetime(t *testing.T) {
	ctx := context.Background()
	p, rt, clock := newTestPool(t, pool.PoolConfig{IdleTimeout: time.Hour, MaxLifetime: time.Minute})

	s, err := p.Acquire(ctx, "a")
	require.NoError(t, err)

	clock.Add(2 * time.Minute)
	p.Release(ctx, s, true)
	assert.Equal(t, model.PoolStats{}, p.Stats())
	assert.Equal(t, 1, rt.Stats().Destroyed)
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	p, rt, _ := newTestPool(t, pool.PoolConfig{})

	s1, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	s2, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	p.Release(ctx, s1, true)

	p.Close(ctx)
	assert.Equal(t, 1, rt.Stats().Destroyed)

	p.Release(ctx, s2, true)
	assert.Equal(t, 2, rt.Stats().Destroyed)

	_, err = p.Acquire(ctx, "a")
	assert.ErrorIs(t, err, model.ErrPoolExhausted)
}

func TestPoolRuntimeFailureFreesTheSlot(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, pool.PoolConfig{MaxSessions: 1, AcquireTimeout: 20 * time.Millisecond})

	_, err := p.Acquire(ctx, "unknown")
	assert.ErrorIs(t, err, model.ErrNotValid)

	_, err = p.Acquire(ctx, "a")
	assert.NoError(t, err)
}

func TestPoolConcurrentUse(t *testing.T) {
	ctx := context.Background()
	const maxSessions = 3
	p, rt, _ := newTestPool(t, pool.PoolConfig{MaxSessions: maxSessions})

	var active, maxActive atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			s, err := p.Acquire(ctx, "a")
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}

			// The fake runtime fails if a session is used concurrently.
			res, err := rt.Execute(ctx, s.Session, runtime.ExecuteRequest{Code: "echo", Input: json.RawMessage(`1`)})
			assert.NoError(t, err)
			assert.True(t, res.Success)
			time.Sleep(time.Millisecond)

			active.Add(-1)
			p.Release(ctx, s, true)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxActive.Load(), int64(maxSessions))
	assert.LessOrEqual(t, rt.Stats().Created, maxSessions)
	assert.Equal(t, model.PoolStats{Total: rt.Stats().Live, Idle: rt.Stats().Live}, p.Stats())
}
