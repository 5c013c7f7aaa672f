package canary_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/app/canary"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
	"github.com/slok/distill/internal/storage/memory"
	"github.com/slok/distill/internal/storage/storagetest"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

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

type recordPublisher struct {
	published []model.Program
}

func (r *recordPublisher) Publish(_ context.Context, _ model.Task, p model.Program) error {
	r.published = append(r.published, p)
	return nil
}

// setup stores task t1 with the active program p1 (when active) and the draft p2.
func setup(t *testing.T, active bool) *memory.Repository {
	t.Helper()
	ctx := context.Background()

	repo := newRepo(t)
	require.NoError(t, repo.CreateTask(ctx, storagetest.TaskFixture("t1", "sum")))
	if active {
		p1 := storagetest.ProgramFixture("p1", "t1", 1)
		p1.Status = model.ProgramStatusActive
		p1.DeploymentPercentage = 100
		require.NoError(t, repo.CreateProgram(ctx, p1))
	}
	require.NoError(t, repo.CreateProgram(ctx, storagetest.ProgramFixture("p2", "t1", 2)))

	return repo
}

var seq int

// seed stores n validated executions of a program where valid of them are valid.
func seed(t *testing.T, repo *memory.Repository, programID string, n, valid int, at time.Time) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < n; i++ {
		seq++
		e := storagetest.ExecutionFixture(fmt.Sprintf("e%d", seq), "t1", programID, at)
		require.NoError(t, repo.CreateExecution(ctx, e))
		require.NoError(t, repo.CreateValidation(ctx, model.Validation{
			ID:          fmt.Sprintf("v%d", seq),
			ExecutionID: e.ID,
			ProgramID:   programID,
			TaskID:      "t1",
			IsValid:     i < valid,
			Method:      "schema",
			ValidatedAt: at,
		}))
	}
}

func getProgram(t *testing.T, repo *memory.Repository, id string) model.Program {
	t.Helper()
	p, err := repo.GetProgram(context.Background(), id)
	require.NoError(t, err)
	return *p
}

func actions(c model.Canary) []model.CanaryAction {
	var as []model.CanaryAction
	for _, e := range c.History {
		as = append(as, e.Action)
	}
	return as
}

func TestServiceDegradedRolloutIsRolledBack(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo := setup(t, true)
	clock := &testClock{now: t0}
	svc, err := canary.NewService(canary.ServiceConfig{Repository: repo, Clock: clock.Now})
	require.NoError(err)

	c, err := svc.Start(ctx, "p2")
	require.NoError(err)
	assert.Equal(model.CanaryStatusInProgress, c.Status)
	assert.Equal("p1", c.PreviousProgramID)
	assert.Equal(0.0, c.Percentage)

	// Stage 0 without traffic advances to 10%.
	clock.Add(time.Minute)
	d, err := svc.Progress(ctx, c.ID)
	require.NoError(err)
	assert.True(d.Advanced)
	assert.Equal(10.0, d.Canary.Percentage)
	assert.Equal(10.0, getProgram(t, repo, "p2").DeploymentPercentage)
	assert.Equal(90.0, getProgram(t, repo, "p1").DeploymentPercentage)

	// A healthy 10% stage advances to 50%.
	seed(t, repo, "p1", 20, 19, clock.Now())
	seed(t, repo, "p2", 10, 10, clock.Now())
	clock.Add(time.Minute)
	d, err = svc.Progress(ctx, c.ID)
	require.NoError(err)
	assert.True(d.Advanced)
	assert.Equal(50.0, d.Canary.Percentage)
	assert.Equal(2, d.Canary.Stage)

	// A degraded 50% stage is refused.
	seed(t, repo, "p1", 20, 19, clock.Now())
	seed(t, repo, "p2", 20, 12, clock.Now())
	clock.Add(time.Minute)
	d, err = svc.Progress(ctx, c.ID)
	require.NoError(err)
	assert.False(d.Advanced)
	assert.Contains(d.Reason, "validation rate degraded")
	require.NotNil(d.Comparison)
	assert.Equal(2, d.Canary.Stage)
	assert.Equal(50.0, getProgram(t, repo, "p2").DeploymentPercentage)

	// The operator rolls back.
	rc, err := svc.Rollback(ctx, c.ID, "degraded accuracy")
	require.NoError(err)
	assert.Equal(model.CanaryStatusRolledBack, rc.Status)
	assert.Equal("degraded accuracy", rc.Reason)
	assert.Equal([]model.CanaryAction{
		model.CanaryActionStart,
		model.CanaryActionProgress,
		model.CanaryActionProgress,
		model.CanaryActionRollback,
	}, actions(*rc))

	p1, p2 := getProgram(t, repo, "p1"), getProgram(t, repo, "p2")
	assert.Equal(model.ProgramStatusActive, p1.Status)
	assert.Equal(100.0, p1.DeploymentPercentage)
	assert.Equal(model.ProgramStatusDiscarded, p2.Status)
	assert.Equal(0.0, p2.DeploymentPercentage)

	// Terminal rollouts can't transition.
	_, err = svc.Progress(ctx, c.ID)
	assert.ErrorIs(err, model.ErrRolloutConflict)
	_, err = svc.Rollback(ctx, c.ID, "again")
	assert.ErrorIs(err, model.ErrRolloutConflict)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(err)
	assert.Equal(rc, stored)
}

func TestServiceCompletedRolloutPromotes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo := setup(t, true)
	pub := &recordPublisher{}
	svc, err := canary.NewService(canary.ServiceConfig{
		Repository: repo,
		Publisher:  pub,
		Clock:      func() time.Time { return t0 },
	})
	require.NoError(err)

	c, err := svc.Start(ctx, "p2")
	require.NoError(err)

	var d *canary.Decision
	for i := 0; i < 3; i++ {
		d, err = svc.Progress(ctx, c.ID)
		require.NoError(err)
		require.True(d.Advanced)
	}
	assert.Equal(model.CanaryStatusCompleted, d.Canary.Status)
	assert.Equal(100.0, d.Canary.Percentage)
	assert.Equal(model.CanaryActionComplete, d.Canary.History[len(d.Canary.History)-1].Action)

	p1, p2 := getProgram(t, repo, "p1"), getProgram(t, repo, "p2")
	assert.Equal(model.ProgramStatusDeprecated, p1.Status)
	assert.Equal(0.0, p1.DeploymentPercentage)
	assert.Equal(model.ProgramStatusActive, p2.Status)
	assert.Equal(100.0, p2.DeploymentPercentage)
	require.NotNil(p2.DeployedAt)

	active, err := repo.GetActiveProgram(ctx, "t1")
	require.NoError(err)
	assert.Equal("p2", active.ID)

	require.Len(pub.published, 1)
	assert.Equal("p2", pub.published[0].ID)

	_, err = svc.Progress(ctx, c.ID)
	assert.ErrorIs(err, model.ErrRolloutConflict)
}

func TestServiceRolloutWithoutActiveProgram(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo := setup(t, false)
	svc, err := canary.NewService(canary.ServiceConfig{
		Repository: repo,
		Stages:     []float64{50, 100},
		Clock:      func() time.Time { return t0 },
	})
	require.NoError(err)

	c, err := svc.Start(ctx, "p2")
	require.NoError(err)
	assert.Empty(c.PreviousProgramID)
	assert.Equal(50.0, getProgram(t, repo, "p2").DeploymentPercentage)

	d, err := svc.Progress(ctx, c.ID)
	require.NoError(err)
	assert.Nil(d.Comparison)
	assert.Equal(model.CanaryStatusCompleted, d.Canary.Status)
	assert.Equal(model.ProgramStatusActive, getProgram(t, repo, "p2").Status)
}

func TestServiceStartConflicts(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo := setup(t, true)
	require.NoError(repo.CreateProgram(ctx, storagetest.ProgramFixture("p3", "t1", 3)))
	svc, err := canary.NewService(canary.ServiceConfig{Repository: repo})
	require.NoError(err)

	// Only drafts can be rolled out.
	_, err = svc.Start(ctx, "p1")
	assert.ErrorIs(err, model.ErrRolloutConflict)

	_, err = svc.Start(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)

	// One rollout per task.
	c, err := svc.Start(ctx, "p2")
	require.NoError(err)
	_, err = svc.Start(ctx, "p3")
	assert.ErrorIs(err, model.ErrRolloutConflict)

	// After the rollout ends a new one can start.
	_, err = svc.Rollback(ctx, c.ID, "")
	require.NoError(err)
	_, err = svc.Start(ctx, "p3")
	assert.NoError(err)

	cs, err := svc.ListByTask(ctx, "t1")
	require.NoError(err)
	assert.Len(cs, 2)
}

func TestServiceProgressMinSamples(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo := setup(t, true)
	svc, err := canary.NewService(canary.ServiceConfig{
		Repository: repo,
		MinSamples: 5,
		Clock:      func() time.Time { return t0 },
	})
	require.NoError(err)

	c, err := svc.Start(ctx, "p2")
	require.NoError(err)

	d, err := svc.Progress(ctx, c.ID)
	require.NoError(err)
	assert.False(d.Advanced)
	assert.Contains(d.Reason, "insufficient data")

	seed(t, repo, "p2", 5, 5, t0)
	d, err = svc.Progress(ctx, c.ID)
	require.NoError(err)
	assert.True(d.Advanced)
}

func TestServiceErrorRateDegradation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo := setup(t, true)
	svc, err := canary.NewService(canary.ServiceConfig{Repository: repo, Clock: func() time.Time { return t0 }})
	require.NoError(err)

	c, err := svc.Start(ctx, "p2")
	require.NoError(err)

	for i := 0; i < 10; i++ {
		e := storagetest.ExecutionFixture(fmt.Sprintf("err-p1-%d", i), "t1", "p1", t0)
		require.NoError(repo.CreateExecution(ctx, e))
		e = storagetest.ExecutionFixture(fmt.Sprintf("err-p2-%d", i), "t1", "p2", t0)
		if i < 3 {
			e.Status = model.ExecutionStatusError
			e.Output = nil
		}
		require.NoError(repo.CreateExecution(ctx, e))
	}

	d, err := svc.Progress(ctx, c.ID)
	require.NoError(err)
	assert.False(d.Advanced)
	assert.Contains(d.Reason, "error rate increased")
}

func TestNewServiceConfig(t *testing.T) {
	repo := newRepo(t)

	tests := map[string]struct {
		cfg    canary.ServiceConfig
		expErr bool
	}{
		"Missing repository should fail.": {
			cfg:    canary.ServiceConfig{},
			expErr: true,
		},
		"Default stages should be valid.": {
			cfg: canary.ServiceConfig{Repository: repo},
		},
		"Not increasing stages should fail.": {
			cfg:    canary.ServiceConfig{Repository: repo, Stages: []float64{0, 50, 10, 100}},
			expErr: true,
		},
		"Stages not ending at 100 should fail.": {
			cfg:    canary.ServiceConfig{Repository: repo, Stages: []float64{0, 50}},
			expErr: true,
		},
		"A single stage should fail.": {
			cfg:    canary.ServiceConfig{Repository: repo, Stages: []float64{100}},
			expErr: true,
		},
		"Out of range degradation should fail.": {
			cfg:    canary.ServiceConfig{Repository: repo, MaxDegradation: 2},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := canary.NewService(test.cfg)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newRepo(t *testing.T) *memory.Repository {
	t.Helper()
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	return repo
}

// interleavedRepo runs hooks right after its reads, the caller keeps working with
// the state read before the hook, like a process racing with another one.
type interleavedRepo struct {
	storage.Repository
	getCanaryCalls    int
	afterGetCanary    func(call int)
	afterListCanaries func()
}

func (r *interleavedRepo) GetCanary(ctx context.Context, id string) (*model.Canary, error) {
	c, err := r.Repository.GetCanary(ctx, id)
	r.getCanaryCalls++
	if r.afterGetCanary != nil {
		r.afterGetCanary(r.getCanaryCalls)
	}
	return c, err
}

func (r *interleavedRepo) ListCanariesByTask(ctx context.Context, taskID string) ([]model.Canary, error) {
	cs, err := r.Repository.ListCanariesByTask(ctx, taskID)
	if hook := r.afterListCanaries; hook != nil {
		r.afterListCanaries = nil
		hook()
	}
	return cs, err
}

func TestServiceConcurrentTransitions(t *testing.T) {
	tests := map[string]struct {
		// other is what the other process does while the stale one works.
		other func(ctx context.Context, svc *canary.Service, id string) error
		// stale is what the process with the outdated rollout state does.
		stale        func(ctx context.Context, svc *canary.Service, id string) error
		expStatus    model.CanaryStatus
		expActions   []model.CanaryAction
		expP1Status  model.ProgramStatus
		expP1Traffic float64
		expP2Status  model.ProgramStatus
		expP2Traffic float64
	}{
		"Rolling back a rollout completed by another process should fail and keep the completion.": {
			other: func(ctx context.Context, svc *canary.Service, id string) error {
				_, err := svc.Progress(ctx, id)
				return err
			},
			stale: func(ctx context.Context, svc *canary.Service, id string) error {
				_, err := svc.Rollback(ctx, id, "manual rollback")
				return err
			},
			expStatus:    model.CanaryStatusCompleted,
			expActions:   []model.CanaryAction{model.CanaryActionStart, model.CanaryActionComplete},
			expP1Status:  model.ProgramStatusDeprecated,
			expP1Traffic: 0,
			expP2Status:  model.ProgramStatusActive,
			expP2Traffic: 100,
		},

		"Progressing a rollout rolled back by another process should fail and keep the rollback.": {
			other: func(ctx context.Context, svc *canary.Service, id string) error {
				_, err := svc.Rollback(ctx, id, "manual rollback")
				return err
			},
			stale: func(ctx context.Context, svc *canary.Service, id string) error {
				_, err := svc.Progress(ctx, id)
				return err
			},
			expStatus:    model.CanaryStatusRolledBack,
			expActions:   []model.CanaryAction{model.CanaryActionStart, model.CanaryActionRollback},
			expP1Status:  model.ProgramStatusActive,
			expP1Traffic: 100,
			expP2Status:  model.ProgramStatusDiscarded,
			expP2Traffic: 0,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			repo := setup(t, true)
			stages := []float64{50, 100}
			other, err := canary.NewService(canary.ServiceConfig{Repository: repo, Stages: stages, Clock: func() time.Time { return t0 }})
			require.NoError(err)
			c, err := other.Start(ctx, "p2")
			require.NoError(err)

			// The other process transitions the rollout after the stale one has read it under its lock.
			irepo := &interleavedRepo{Repository: repo}
			irepo.afterGetCanary = func(call int) {
				if call == 2 {
					require.NoError(test.other(ctx, other, c.ID))
				}
			}
			stale, err := canary.NewService(canary.ServiceConfig{Repository: irepo, Stages: stages, Clock: func() time.Time { return t0 }})
			require.NoError(err)

			err = test.stale(ctx, stale, c.ID)
			assert.ErrorIs(err, model.ErrRolloutConflict)

			got, err := repo.GetCanary(ctx, c.ID)
			require.NoError(err)
			assert.Equal(test.expStatus, got.Status)
			assert.Equal(test.expActions, actions(*got))

			p1, p2 := getProgram(t, repo, "p1"), getProgram(t, repo, "p2")
			assert.Equal(test.expP1Status, p1.Status)
			assert.Equal(test.expP1Traffic, p1.DeploymentPercentage)
			assert.Equal(test.expP2Status, p2.Status)
			assert.Equal(test.expP2Traffic, p2.DeploymentPercentage)
		})
	}
}

func TestServiceConcurrentStarts(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	repo := setup(t, true)
	require.NoError(repo.CreateProgram(ctx, storagetest.ProgramFixture("p3", "t1", 3)))
	other, err := canary.NewService(canary.ServiceConfig{Repository: repo})
	require.NoError(err)

	// The other process starts p3 after the stale one checked there was no rollout in progress.
	irepo := &interleavedRepo{Repository: repo}
	irepo.afterListCanaries = func() {
		_, err := other.Start(ctx, "p3")
		require.NoError(err)
	}
	stale, err := canary.NewService(canary.ServiceConfig{Repository: irepo})
	require.NoError(err)

	_, err = stale.Start(ctx, "p2")
	assert.ErrorIs(err, model.ErrRolloutConflict)

	cs, err := repo.ListCanariesByTask(ctx, "t1")
	require.NoError(err)
	require.Len(cs, 1)
	assert.Equal("p3", cs[0].NewProgramID)
	assert.Equal(model.CanaryStatusInProgress, cs[0].Status)

	p2 := getProgram(t, repo, "p2")
	assert.Equal(model.ProgramStatusDraft, p2.Status)
	assert.Equal(0.0, p2.DeploymentPercentage)
}
