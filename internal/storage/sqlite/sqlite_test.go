package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
	"github.com/slok/distill/internal/storage/sqlite"
	"github.com/slok/distill/internal/storage/sqlite/migrations"
	"github.com/slok/distill/internal/storage/storagetest"
)

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepository(t *testing.T) {
	storagetest.RunRepositoryTests(t, func(t *testing.T) storage.Repository { return newRepo(t) })
}

func TestRepositoryPersistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: dbPath})
	require.NoError(t, err)
	require.NoError(t, repo.CreateTask(ctx, storagetest.TaskFixture("t1", "sum")))
	require.NoError(t, repo.CreateProgram(ctx, storagetest.ProgramFixture("p1", "t1", 1)))
	require.NoError(t, repo.Close())

	// Reopening should not fail on the already applied migrations.
	repo, err = sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: dbPath})
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.GetTaskByName(ctx, "sum")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	v, err := repo.GetLatestVersion(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRepositoryProgramRequiresTask(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	err := repo.CreateProgram(ctx, storagetest.ProgramFixture("p1", "missing", 1))
	assert.Error(t, err)
}

func TestRepositoryInvalidConfig(t *testing.T) {
	_, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{})
	assert.Error(t, err)
}

func TestMigratorVersion(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	m, err := migrations.NewMigrator(repo.DB(), log.Noop)
	require.NoError(t, err)

	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)

	require.NoError(t, m.Down(ctx))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, m.Up(ctx))
	version, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
}

// openShared opens two repositories on the same database file, like two processes would.
func openShared(t *testing.T) (*sqlite.Repository, *sqlite.Repository) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	var repos []*sqlite.Repository
	for i := 0; i < 2; i++ {
		repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: dbPath})
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		repos = append(repos, repo)
	}

	a := repos[0]
	require.NoError(t, a.CreateTask(ctx, storagetest.TaskFixture("t1", "sum")))
	p1 := storagetest.ProgramFixture("p1", "t1", 1)
	p1.Status = model.ProgramStatusActive
	p1.DeploymentPercentage = 100
	require.NoError(t, a.CreateProgram(ctx, p1))
	require.NoError(t, a.CreateProgram(ctx, storagetest.ProgramFixture("p2", "t1", 2)))
	require.NoError(t, a.CreateProgram(ctx, storagetest.ProgramFixture("p3", "t1", 3)))

	return repos[0], repos[1]
}

func rolloutOf(id, programID string) model.Canary {
	return model.Canary{
		ID:                id,
		TaskID:            "t1",
		NewProgramID:      programID,
		PreviousProgramID: "p1",
		Status:            model.CanaryStatusInProgress,
		History:           []model.CanaryEvent{{Action: model.CanaryActionStart}},
	}
}

// race runs the functions at the same time and returns their errors.
func race(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

func TestRepositoryConcurrentStartRollout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	a, b := openShared(t)
	errs := race(
		func() error { return a.StartRollout(ctx, storage.RolloutTransition{Canary: rolloutOf("c2", "p2")}) },
		func() error { return b.StartRollout(ctx, storage.RolloutTransition{Canary: rolloutOf("c3", "p3")}) },
	)

	// Exactly one of the processes wins the rollout.
	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(err, model.ErrRolloutConflict)
			failed++
		}
	}
	assert.Equal(1, failed)

	cs, err := a.ListCanariesByTask(ctx, "t1")
	require.NoError(err)
	assert.Len(cs, 1)
}

func TestRepositoryConcurrentTransitionRollout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	a, b := openShared(t)
	c := rolloutOf("c2", "p2")
	require.NoError(a.StartRollout(ctx, storage.RolloutTransition{Canary: c}))

	completed := c
	completed.Stage = 1
	completed.Percentage = 100
	completed.Status = model.CanaryStatusCompleted
	rolledBack := c
	rolledBack.Status = model.CanaryStatusRolledBack
	errs := race(
		func() error { return a.TransitionRollout(ctx, storage.RolloutTransition{Canary: completed, FromStage: 0}) },
		func() error { return b.TransitionRollout(ctx, storage.RolloutTransition{Canary: rolledBack, FromStage: 0}) },
	)

	// The loser must not overwrite the winner.
	var winner model.CanaryStatus
	switch {
	case errs[0] == nil:
		assert.ErrorIs(errs[1], model.ErrRolloutConflict)
		winner = model.CanaryStatusCompleted
	case errs[1] == nil:
		assert.ErrorIs(errs[0], model.ErrRolloutConflict)
		winner = model.CanaryStatusRolledBack
	default:
		require.Fail("one transition should succeed", "errors: %v", errs)
	}

	got, err := b.GetCanary(ctx, "c2")
	require.NoError(err)
	assert.Equal(winner, got.Status)
}
