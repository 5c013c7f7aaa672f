// Package storagetest has the behaviour tests every storage.Repository implementation must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
)

// NewRepositoryFunc returns a new empty repository for a test.
type NewRepositoryFunc func(t *testing.T) storage.Repository

// RunRepositoryTests runs the repository behaviour tests.
func RunRepositoryTests(t *testing.T, newRepo NewRepositoryFunc) {
	t.Run("Tasks", func(t *testing.T) { testTasks(t, newRepo(t)) })
	t.Run("Programs", func(t *testing.T) { testPrograms(t, newRepo(t)) })
	t.Run("Executions", func(t *testing.T) { testExecutions(t, newRepo(t)) })
	t.Run("Validations", func(t *testing.T) { testValidations(t, newRepo(t)) })
	t.Run("Canaries", func(t *testing.T) { testCanaries(t, newRepo(t)) })
	t.Run("Rollouts", func(t *testing.T) { testRollouts(t, newRepo(t)) })
	t.Run("Retention", func(t *testing.T) { testRetention(t, newRepo(t)) })
}

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// TaskFixture returns a valid task.
func TaskFixture(id, name string) model.Task {
	return model.Task{
		ID:           id,
		Name:         name,
		Description:  "Sum two numbers",
		InputSchema:  `{a: int, b: int}`,
		OutputSchema: `{sum: int}`,
		Examples: []model.Example{
			{Input: json.RawMessage(`{"a":1,"b":2}`), Output: json.RawMessage(`{"sum":3}`)},
		},
		AccuracyTarget:  0.95,
		LatencyTargetMs: 100,
		SamplingRate:    0.1,
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
}

// ProgramFixture returns a valid draft program.
func ProgramFixture(id, taskID string, version int) model.Program {
	return model.Program{
		ID:         id,
		TaskID:     taskID,
		Version:    version,
		Language:   "starlark",
		Code:       "def run(input):\n    return {\"sum\": input[\"a\"] + input[\"b\"]}\n",
		Status:     model.ProgramStatusDraft,
		Complexity: model.ComplexityMetrics{LinesOfCode: 2, CyclomaticComplexity: 1},

		GenerationTime: 1500 * time.Millisecond,
		CreatedAt:      baseTime.Add(time.Duration(version) * time.Minute),
	}
}

// ExecutionFixture returns a successful execution.
func ExecutionFixture(id, taskID, programID string, at time.Time) model.Execution {
	return model.Execution{
		ID:             id,
		TaskID:         taskID,
		ProgramID:      programID,
		ProgramVersion: 1,
		Input:          json.RawMessage(`{"a":1,"b":2}`),
		Output:         json.RawMessage(`{"sum":3}`),
		Status:         model.ExecutionStatusSuccess,
		LatencyMs:      1.5,
		ExecutedAt:     at,
	}
}

func testTasks(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	t1 := TaskFixture("t1", "sum")
	t2 := TaskFixture("t2", "concat")
	t2.CreatedAt = baseTime.Add(time.Hour)
	require.NoError(repo.CreateTask(ctx, t1))
	require.NoError(repo.CreateTask(ctx, t2))

	err := repo.CreateTask(ctx, TaskFixture("t3", "sum"))
	assert.ErrorIs(err, model.ErrAlreadyExists)

	got, err := repo.GetTask(ctx, "t1")
	require.NoError(err)
	assert.Equal(t1, *got)

	got, err = repo.GetTaskByName(ctx, "concat")
	require.NoError(err)
	assert.Equal("t2", got.ID)

	_, err = repo.GetTask(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)
	_, err = repo.GetTaskByName(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)

	tasks, err := repo.ListTasks(ctx)
	require.NoError(err)
	require.Len(tasks, 2)
	assert.Equal("t1", tasks[0].ID)
	assert.Equal("t2", tasks[1].ID)

	t1.SamplingRate = 0.5
	t1.UpdatedAt = baseTime.Add(2 * time.Hour)
	require.NoError(repo.UpdateTask(ctx, t1))
	got, err = repo.GetTask(ctx, "t1")
	require.NoError(err)
	assert.Equal(0.5, got.SamplingRate)
	assert.Equal(t1.UpdatedAt, got.UpdatedAt)

	err = repo.UpdateTask(ctx, TaskFixture("missing", "missing"))
	assert.ErrorIs(err, model.ErrNotFound)
}

func testPrograms(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	require.NoError(repo.CreateTask(ctx, TaskFixture("t1", "sum")))

	v, err := repo.GetLatestVersion(ctx, "t1")
	require.NoError(err)
	assert.Equal(0, v)

	_, err = repo.GetActiveProgram(ctx, "t1")
	assert.ErrorIs(err, model.ErrNotFound)

	p2 := ProgramFixture("p2", "t1", 2)
	p1 := ProgramFixture("p1", "t1", 1)
	require.NoError(repo.CreateProgram(ctx, p2))
	require.NoError(repo.CreateProgram(ctx, p1))

	err = repo.CreateProgram(ctx, ProgramFixture("p3", "t1", 2))
	assert.ErrorIs(err, model.ErrAlreadyExists)

	v, err = repo.GetLatestVersion(ctx, "t1")
	require.NoError(err)
	assert.Equal(2, v)

	got, err := repo.GetProgram(ctx, "p1")
	require.NoError(err)
	assert.Equal(p1, *got)

	got, err = repo.GetProgramByVersion(ctx, "t1", 2)
	require.NoError(err)
	assert.Equal("p2", got.ID)

	_, err = repo.GetProgramByVersion(ctx, "t1", 9)
	assert.ErrorIs(err, model.ErrNotFound)

	ps, err := repo.ListProgramsByTask(ctx, "t1")
	require.NoError(err)
	require.Len(ps, 2)
	assert.Equal(1, ps[0].Version)
	assert.Equal(2, ps[1].Version)

	deployedAt := baseTime.Add(time.Hour)
	p1.Status = model.ProgramStatusActive
	p1.DeploymentPercentage = 100
	p1.DeployedAt = &deployedAt
	require.NoError(repo.UpdateProgram(ctx, p1))

	active, err := repo.GetActiveProgram(ctx, "t1")
	require.NoError(err)
	assert.Equal("p1", active.ID)
	assert.Equal(100.0, active.DeploymentPercentage)
	require.NotNil(active.DeployedAt)
	assert.Equal(deployedAt, *active.DeployedAt)

	err = repo.UpdateProgram(ctx, ProgramFixture("missing", "t1", 7))
	assert.ErrorIs(err, model.ErrNotFound)

	// Only one program of a task can be active.
	p2.Status = model.ProgramStatusActive
	err = repo.UpdateProgram(ctx, p2)
	assert.ErrorIs(err, model.ErrAlreadyExists)

	p4 := ProgramFixture("p4", "t1", 4)
	p4.Status = model.ProgramStatusActive
	err = repo.CreateProgram(ctx, p4)
	assert.ErrorIs(err, model.ErrAlreadyExists)

	active, err = repo.GetActiveProgram(ctx, "t1")
	require.NoError(err)
	assert.Equal("p1", active.ID)
}

// seedExecutions stores the executions e1 and e2 of program p1 and the failed e3 of p2.
func seedExecutions(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	e1 := ExecutionFixture("e1", "t1", "p1", baseTime)
	e2 := ExecutionFixture("e2", "t1", "p1", baseTime.Add(time.Minute))
	e2.SampledForValidation = true
	e3 := ExecutionFixture("e3", "t1", "p2", baseTime.Add(2*time.Minute))
	e3.Status = model.ExecutionStatusError
	e3.Output = nil
	e3.ErrorMessage = "boom"
	for _, e := range []model.Execution{e1, e2, e3} {
		require.NoError(repo.CreateExecution(ctx, e))
	}

	err := repo.CreateExecution(ctx, e1)
	assert.ErrorIs(err, model.ErrAlreadyExists)

	got, err := repo.GetExecution(ctx, "e3")
	require.NoError(err)
	assert.Equal(e3, *got)

	_, err = repo.GetExecution(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)
}

func testExecutions(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	seedExecutions(t, repo)

	tests := map[string]struct {
		byTask bool
		opts   storage.ListExecutionsOpts
		expIDs []string
	}{
		"Listing by program should return the most recent first.": {
			opts:   storage.ListExecutionsOpts{},
			expIDs: []string{"e2", "e1"},
		},
		"Listing by task should return all the task executions.": {
			byTask: true,
			expIDs: []string{"e3", "e2", "e1"},
		},
		"Listing with a limit should return the most recent ones.": {
			byTask: true,
			opts:   storage.ListExecutionsOpts{Limit: 2},
			expIDs: []string{"e3", "e2"},
		},
		"Listing sampled only should ignore the not sampled executions.": {
			opts:   storage.ListExecutionsOpts{SampledOnly: true},
			expIDs: []string{"e2"},
		},
		"Listing with a time window should return the executions inside the window.": {
			byTask: true,
			opts:   storage.ListExecutionsOpts{Since: baseTime.Add(time.Minute), Until: baseTime.Add(2 * time.Minute)},
			expIDs: []string{"e2"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			var execs []model.Execution
			var err error
			if test.byTask {
				execs, err = repo.ListExecutionsByTask(ctx, "t1", test.opts)
			} else {
				execs, err = repo.ListExecutionsByProgram(ctx, "p1", test.opts)
			}
			require.NoError(err)

			ids := []string{}
			for _, e := range execs {
				ids = append(ids, e.ID)
			}
			assert.Equal(test.expIDs, ids)
		})
	}
}

func testValidations(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	v1 := model.Validation{ID: "v1", ExecutionID: "e1", ProgramID: "p1", TaskID: "t1", IsValid: true, Score: 1, Method: "exact", OracleLatencyMs: 812.5, ValidatedAt: baseTime}
	v2 := model.Validation{ID: "v2", ExecutionID: "e2", ProgramID: "p1", TaskID: "t1", IsValid: false, Score: 0.2, Errors: []string{"sum: mismatch"}, Method: "exact", ValidatedAt: baseTime.Add(time.Second)}
	require.NoError(repo.CreateValidation(ctx, v1))
	require.NoError(repo.CreateValidation(ctx, v2))

	dup := v1
	dup.ID = "v3"
	err := repo.CreateValidation(ctx, dup)
	assert.ErrorIs(err, model.ErrAlreadyExists)

	got, err := repo.GetValidation(ctx, "v2")
	require.NoError(err)
	assert.Equal(v2, *got)

	got, err = repo.GetValidationByExecution(ctx, "e1")
	require.NoError(err)
	assert.Equal(v1, *got)

	_, err = repo.GetValidationByExecution(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)

	vs, err := repo.ListValidationsByProgram(ctx, "p1", storage.ListValidationsOpts{})
	require.NoError(err)
	require.Len(vs, 2)
	assert.Equal("v2", vs[0].ID)
	assert.Equal("v1", vs[1].ID)

	vs, err = repo.ListValidationsByProgram(ctx, "p1", storage.ListValidationsOpts{InvalidOnly: true})
	require.NoError(err)
	require.Len(vs, 1)
	assert.Equal("v2", vs[0].ID)

	vs, err = repo.ListValidationsByProgram(ctx, "p1", storage.ListValidationsOpts{Limit: 1})
	require.NoError(err)
	require.Len(vs, 1)
	assert.Equal("v2", vs[0].ID)
}

func testCanaries(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	c1 := model.Canary{
		ID:                "c1",
		TaskID:            "t1",
		NewProgramID:      "p2",
		PreviousProgramID: "p1",
		Status:            model.CanaryStatusInProgress,
		History: []model.CanaryEvent{
			{Stage: 0, Percentage: 0, Action: model.CanaryActionStart, At: baseTime},
		},
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	c2 := c1
	c2.ID = "c2"
	c2.Status = model.CanaryStatusCompleted
	c2.CreatedAt = baseTime.Add(time.Hour)
	require.NoError(repo.CreateCanary(ctx, c1))
	require.NoError(repo.CreateCanary(ctx, c2))

	err := repo.CreateCanary(ctx, c1)
	assert.ErrorIs(err, model.ErrAlreadyExists)

	got, err := repo.GetCanary(ctx, "c1")
	require.NoError(err)
	assert.Equal(c1, *got)

	c1.Stage = 1
	c1.Percentage = 10
	c1.History = append(c1.History, model.CanaryEvent{Stage: 1, Percentage: 10, Action: model.CanaryActionProgress, At: baseTime.Add(time.Minute)})
	c1.UpdatedAt = baseTime.Add(time.Minute)
	require.NoError(repo.UpdateCanary(ctx, c1))

	got, err = repo.GetCanary(ctx, "c1")
	require.NoError(err)
	assert.Equal(c1, *got)

	cs, err := repo.ListCanariesByTask(ctx, "t1")
	require.NoError(err)
	require.Len(cs, 2)
	assert.Equal("c2", cs[0].ID)
	assert.Equal("c1", cs[1].ID)

	_, err = repo.GetCanary(ctx, "missing")
	assert.ErrorIs(err, model.ErrNotFound)

	missing := c1
	missing.ID = "missing"
	err = repo.UpdateCanary(ctx, missing)
	assert.ErrorIs(err, model.ErrNotFound)

	// Only one canary of a task can be in progress.
	c3 := c1
	c3.ID = "c3"
	err = repo.CreateCanary(ctx, c3)
	assert.ErrorIs(err, model.ErrRolloutConflict)

	c2.Status = model.CanaryStatusInProgress
	err = repo.UpdateCanary(ctx, c2)
	assert.ErrorIs(err, model.ErrRolloutConflict)
}

func testRollouts(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	require.NoError(repo.CreateTask(ctx, TaskFixture("t1", "sum")))
	p1 := ProgramFixture("p1", "t1", 1)
	p1.Status = model.ProgramStatusActive
	p1.DeploymentPercentage = 100
	p2 := ProgramFixture("p2", "t1", 2)
	p3 := ProgramFixture("p3", "t1", 3)
	for _, p := range []model.Program{p1, p2, p3} {
		require.NoError(repo.CreateProgram(ctx, p))
	}

	getProgram := func(id string) model.Program {
		p, err := repo.GetProgram(ctx, id)
		require.NoError(err)
		return *p
	}
	split := func(draft, previous model.Program, pct float64) []model.Program {
		draft.DeploymentPercentage = pct
		previous.DeploymentPercentage = 100 - pct
		return []model.Program{draft, previous}
	}

	// 1. Start a rollout and reject a second one of the same task.
	c1 := model.Canary{
		ID:                "c1",
		TaskID:            "t1",
		NewProgramID:      "p2",
		PreviousProgramID: "p1",
		Percentage:        10,
		Status:            model.CanaryStatusInProgress,
		History:           []model.CanaryEvent{{Stage: 0, Percentage: 10, Action: model.CanaryActionStart, At: baseTime}},
		CreatedAt:         baseTime,
		UpdatedAt:         baseTime,
	}
	require.NoError(repo.StartRollout(ctx, storage.RolloutTransition{Canary: c1, Programs: split(p2, p1, 10)}))
	assert.Equal(10.0, getProgram("p2").DeploymentPercentage)
	assert.Equal(90.0, getProgram("p1").DeploymentPercentage)

	c2 := c1
	c2.ID = "c2"
	c2.NewProgramID = "p3"
	err := repo.StartRollout(ctx, storage.RolloutTransition{Canary: c2, Programs: split(p3, p1, 10)})
	assert.ErrorIs(err, model.ErrRolloutConflict)
	assert.Equal(0.0, getProgram("p3").DeploymentPercentage)
	_, err = repo.GetCanary(ctx, "c2")
	assert.ErrorIs(err, model.ErrNotFound)

	// 2. Advance the stage and reject a transition from a stale stage.
	c1.Stage = 1
	c1.Percentage = 50
	c1.History = append(c1.History, model.CanaryEvent{Stage: 1, Percentage: 50, Action: model.CanaryActionProgress, At: baseTime.Add(time.Minute)})
	c1.UpdatedAt = baseTime.Add(time.Minute)
	require.NoError(repo.TransitionRollout(ctx, storage.RolloutTransition{Canary: c1, FromStage: 0, Programs: split(p2, p1, 50)}))

	stale := c1
	stale.Percentage = 75
	err = repo.TransitionRollout(ctx, storage.RolloutTransition{Canary: stale, FromStage: 0, Programs: split(p2, p1, 75)})
	assert.ErrorIs(err, model.ErrRolloutConflict)
	assert.Equal(50.0, getProgram("p2").DeploymentPercentage)
	got, err := repo.GetCanary(ctx, "c1")
	require.NoError(err)
	assert.Equal(c1, *got)

	missing := c1
	missing.ID = "missing"
	err = repo.TransitionRollout(ctx, storage.RolloutTransition{Canary: missing, FromStage: 1})
	assert.ErrorIs(err, model.ErrNotFound)

	// 3. A transition leaving two active programs changes nothing.
	twoActive := c1
	twoActive.Stage = 2
	p2Active := getProgram("p2")
	p2Active.Status = model.ProgramStatusActive
	err = repo.TransitionRollout(ctx, storage.RolloutTransition{Canary: twoActive, FromStage: 1, Programs: []model.Program{p2Active}})
	assert.ErrorIs(err, model.ErrAlreadyExists)
	got, err = repo.GetCanary(ctx, "c1")
	require.NoError(err)
	assert.Equal(1, got.Stage)
	assert.Equal(model.ProgramStatusDraft, getProgram("p2").Status)

	// 4. Complete the rollout, deprecating before activating.
	deprecated := getProgram("p1")
	deprecated.Status = model.ProgramStatusDeprecated
	deprecated.DeploymentPercentage = 0
	promoted := getProgram("p2")
	promoted.Status = model.ProgramStatusActive
	promoted.DeploymentPercentage = 100
	c1.Stage = 2
	c1.Percentage = 100
	c1.Status = model.CanaryStatusCompleted
	require.NoError(repo.TransitionRollout(ctx, storage.RolloutTransition{Canary: c1, FromStage: 1, Programs: []model.Program{deprecated, promoted}}))

	active, err := repo.GetActiveProgram(ctx, "t1")
	require.NoError(err)
	assert.Equal("p2", active.ID)

	// 5. A finished rollout can't transition again.
	rolledBack := c1
	rolledBack.Status = model.CanaryStatusRolledBack
	err = repo.TransitionRollout(ctx, storage.RolloutTransition{Canary: rolledBack, FromStage: 2})
	assert.ErrorIs(err, model.ErrRolloutConflict)
	got, err = repo.GetCanary(ctx, "c1")
	require.NoError(err)
	assert.Equal(model.CanaryStatusCompleted, got.Status)

	// 6. Only drafts can start a rollout.
	c3 := c1
	c3.ID = "c3"
	c3.Stage = 0
	c3.Status = model.CanaryStatusInProgress
	c3.PreviousProgramID = ""
	err = repo.StartRollout(ctx, storage.RolloutTransition{Canary: c3})
	assert.ErrorIs(err, model.ErrRolloutConflict)
	_, err = repo.GetCanary(ctx, "c3")
	assert.ErrorIs(err, model.ErrNotFound)
}

func testRetention(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	assert := assert.New(t)
	require := require.New(t)

	seedExecutions(t, repo)
	v1 := model.Validation{ID: "v1", ExecutionID: "e1", ProgramID: "p1", TaskID: "t1", IsValid: true, Score: 1, Method: "exact", ValidatedAt: baseTime}
	v2 := model.Validation{ID: "v2", ExecutionID: "e2", ProgramID: "p1", TaskID: "t1", IsValid: true, Score: 1, Method: "exact", ValidatedAt: baseTime.Add(time.Minute)}
	require.NoError(repo.CreateValidation(ctx, v1))
	require.NoError(repo.CreateValidation(ctx, v2))

	n, err := repo.DeleteExecutionsBefore(ctx, baseTime.Add(2*time.Minute))
	require.NoError(err)
	assert.Equal(2, n)

	execs, err := repo.ListExecutionsByTask(ctx, "t1", storage.ListExecutionsOpts{})
	require.NoError(err)
	require.Len(execs, 1)
	assert.Equal("e3", execs[0].ID)

	n, err = repo.DeleteValidationsBefore(ctx, baseTime.Add(time.Minute))
	require.NoError(err)
	assert.Equal(1, n)

	_, err = repo.GetValidation(ctx, "v1")
	assert.ErrorIs(err, model.ErrNotFound)
	_, err = repo.GetValidation(ctx, "v2")
	assert.NoError(err)

	n, err = repo.DeleteValidationsBefore(ctx, baseTime)
	require.NoError(err)
	assert.Equal(0, n)
}
