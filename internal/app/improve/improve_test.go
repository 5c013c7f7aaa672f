package improve_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/app/improve"
	"github.com/slok/distill/internal/generator"
	"github.com/slok/distill/internal/generator/generatormock"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage/memory"
	"github.com/slok/distill/internal/storage/storagetest"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// seed stores a task with an active v1 program and the validations (true is valid).
func seed(t *testing.T, validity []bool, errs ...string) *memory.Repository {
	t.Helper()
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)

	ctx := context.TODO()
	require.NoError(repo.CreateTask(ctx, storagetest.TaskFixture("t1", "sum")))
	p := storagetest.ProgramFixture("p1", "t1", 1)
	p.Status = model.ProgramStatusActive
	p.DeploymentPercentage = 100
	require.NoError(repo.CreateProgram(ctx, p))

	for i, valid := range validity {
		at := now.Add(time.Duration(i) * time.Second)
		e := storagetest.ExecutionFixture(fmt.Sprintf("e%d", i), "t1", "p1", at)
		e.Input = json.RawMessage(fmt.Sprintf(`{"a":%d,"b":1}`, i))
		e.SampledForValidation = true
		require.NoError(repo.CreateExecution(ctx, e))

		v := model.Validation{ID: fmt.Sprintf("v%d", i), ExecutionID: e.ID, ProgramID: "p1", TaskID: "t1", IsValid: valid, Method: "schema", ValidatedAt: at}
		if valid {
			v.Score = 1
		} else {
			v.Errors = errs
		}
		require.NoError(repo.CreateValidation(ctx, v))
	}

	return repo
}

func repeat(n int, v bool) []bool {
	r := make([]bool, n)
	for i := range r {
		r[i] = v
	}
	return r
}

func newService(t *testing.T, repo *memory.Repository, gen generator.Generator) *improve.Service {
	svc, err := improve.NewService(improve.ServiceConfig{
		Repository: repo,
		Generator:  gen,
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)
	return svc
}

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		cfg    improve.ServiceConfig
		errMsg string
	}{
		"Missing repository should fail.": {
			cfg:    improve.ServiceConfig{Generator: &generatormock.MockGenerator{}},
			errMsg: "repository is required",
		},
		"Missing generator should fail.": {
			cfg:    improve.ServiceConfig{Repository: &memory.Repository{}},
			errMsg: "generator is required",
		},
		"Rate threshold above one should fail.": {
			cfg:    improve.ServiceConfig{Repository: &memory.Repository{}, Generator: &generatormock.MockGenerator{}, RateThreshold: 2},
			errMsg: "rate threshold",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := improve.NewService(test.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.errMsg)
		})
	}
}

func TestServiceShouldImprove(t *testing.T) {
	tests := map[string]struct {
		validity  []bool
		cfg       func(c *improve.ServiceConfig)
		expStats  model.ValidationStats
		expResult bool
	}{
		"Without validations it shouldn't improve.": {
			expStats:  model.ValidationStats{},
			expResult: false,
		},
		"Six invalid validations should improve.": {
			validity:  repeat(6, false),
			expStats:  model.ValidationStats{Total: 6, Invalid: 6, Rate: 0},
			expResult: true,
		},
		"Four invalid and four valid shouldn't improve because there are not enough failures.": {
			validity:  append(repeat(4, false), repeat(4, true)...),
			expStats:  model.ValidationStats{Total: 8, Valid: 4, Invalid: 4, Rate: 0.5},
			expResult: false,
		},
		"Five invalid with a high rate shouldn't improve.": {
			validity:  append(repeat(5, false), repeat(20, true)...),
			expStats:  model.ValidationStats{Total: 25, Valid: 20, Invalid: 5, Rate: 0.8},
			expResult: false,
		},
		"Thresholds should be configurable.": {
			validity: append(repeat(2, false), repeat(2, true)...),
			cfg: func(c *improve.ServiceConfig) {
				c.MinFailures = 2
				c.RateThreshold = 0.6
			},
			expStats:  model.ValidationStats{Total: 4, Valid: 2, Invalid: 2, Rate: 0.5},
			expResult: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			repo := seed(t, test.validity)
			cfg := improve.ServiceConfig{Repository: repo, Generator: &generatormock.MockGenerator{}}
			if test.cfg != nil {
				test.cfg(&cfg)
			}
			svc, err := improve.NewService(cfg)
			require.NoError(err)

			stats, err := svc.Stats(context.TODO(), "p1")
			require.NoError(err)
			assert.Equal(test.expStats, stats)

			got, err := svc.ShouldImprove(context.TODO(), "p1")
			require.NoError(err)
			assert.Equal(test.expResult, got)
		})
	}
}

func TestServiceAnalyze(t *testing.T) {
	tests := map[string]struct {
		validity []bool
		errs     []string
		expRec   improve.Recommendation
	}{
		"Few samples should have low confidence.": {
			validity: []bool{true, true, false},
			errs:     []string{"mismatch: wrong"},
			expRec: improve.Recommendation{
				ProgramID:       "p1",
				Stats:           model.ValidationStats{Total: 3, Valid: 2, Invalid: 1, Rate: 2.0 / 3},
				Confidence:      improve.ConfidenceLow,
				ErrorCategories: []improve.ErrorCategory{{Category: "mismatch", Count: 1}},
				SuggestedFixes:  []string{"Add the failing inputs as task examples so the generator learns the expected outputs."},
			},
		},
		"Many failing samples should recommend improving with high confidence.": {
			validity: repeat(21, false),
			errs:     []string{"schema: sum: conflicting values", "mismatch: wrong", "schema: extra field", "boom"},
			expRec: improve.Recommendation{
				ProgramID:     "p1",
				Stats:         model.ValidationStats{Total: 21, Invalid: 21, Rate: 0},
				ShouldImprove: true,
				Confidence:    improve.ConfidenceHigh,
				ErrorCategories: []improve.ErrorCategory{
					{Category: "schema", Count: 42},
					{Category: "mismatch", Count: 21},
					{Category: "other", Count: 21},
				},
				SuggestedFixes: []string{
					"Make the program output follow the task output schema.",
					"Add the failing inputs as task examples so the generator learns the expected outputs.",
					"Review the failing validations, the errors don't match a known category.",
				},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			repo := seed(t, test.validity, test.errs...)
			svc := newService(t, repo, &generatormock.MockGenerator{})

			rec, err := svc.Analyze(context.TODO(), "p1")
			require.NoError(err)
			assert.Equal(test.expRec, *rec)
		})
	}
}

func TestConfidenceFor(t *testing.T) {
	assert.Equal(t, improve.ConfidenceLow, improve.ConfidenceFor(4))
	assert.Equal(t, improve.ConfidenceMedium, improve.ConfidenceFor(5))
	assert.Equal(t, improve.ConfidenceMedium, improve.ConfidenceFor(20))
	assert.Equal(t, improve.ConfidenceHigh, improve.ConfidenceFor(21))
}

func TestServiceImprove(t *testing.T) {
	newCode := "def run(input):\n    return {\"sum\": input[\"a\"] + input[\"b\"]}\n"

	tests := map[string]struct {
		mock        func(m *generatormock.MockGenerator)
		expOutcome  func(t *testing.T, o *improve.Outcome)
		expPrograms int
	}{
		"A successful generation should create a draft with the next version.": {
			mock: func(m *generatormock.MockGenerator) {
				m.On("Generate", mock.Anything, mock.MatchedBy(func(r generator.Request) bool {
					return len(r.FailingExamples) == 6 && r.PreviousCode != "" && r.Language == "starlark" &&
						r.FailingExamples[0].Input != nil && len(r.FailingExamples[0].Errors) == 1
				})).Once().Return(&generator.Result{Code: newCode, Language: "starlark", Complexity: model.ComplexityMetrics{LinesOfCode: 2, CyclomaticComplexity: 1}}, nil)
			},
			expOutcome: func(t *testing.T, o *improve.Outcome) {
				assert.True(t, o.Success)
				assert.Equal(t, "p1", o.BaseProgramID)
				assert.Equal(t, 6, o.FailingExamples)
				require.NotNil(t, o.Program)
				assert.Equal(t, 2, o.Program.Version)
				assert.Equal(t, model.ProgramStatusDraft, o.Program.Status)
				assert.Equal(t, 0.0, o.Program.DeploymentPercentage)
				assert.Equal(t, newCode, o.Program.Code)
			},
			expPrograms: 2,
		},
		"A generation failure should be reported without creating programs.": {
			mock: func(m *generatormock.MockGenerator) {
				m.On("Generate", mock.Anything, mock.Anything).Once().Return(nil, fmt.Errorf("llm down: %w", model.ErrGenerationFailed))
			},
			expOutcome: func(t *testing.T, o *improve.Outcome) {
				assert.False(t, o.Success)
				assert.Contains(t, o.Reason, "llm down")
				assert.Nil(t, o.Program)
			},
			expPrograms: 1,
		},
		"Empty generated code should be reported as a failure.": {
			mock: func(m *generatormock.MockGenerator) {
				m.On("Generate", mock.Anything, mock.Anything).Once().Return(&generator.Result{Code: "  ", Language: "starlark"}, nil)
			},
			expOutcome: func(t *testing.T, o *improve.Outcome) {
				assert.False(t, o.Success)
				assert.Contains(t, o.Reason, "empty program")
			},
			expPrograms: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			repo := seed(t, repeat(6, false), "mismatch: wrong")
			gen := generatormock.NewMockGenerator(t)
			test.mock(gen)
			svc := newService(t, repo, gen)

			out, err := svc.Improve(context.TODO(), "p1")
			require.NoError(err)
			test.expOutcome(t, out)

			programs, err := repo.ListProgramsByTask(context.TODO(), "t1")
			require.NoError(err)
			assert.Len(t, programs, test.expPrograms)

			// The active program is untouched.
			active, err := repo.GetActiveProgram(context.TODO(), "t1")
			require.NoError(err)
			assert.Equal(t, "p1", active.ID)
		})
	}
}

func TestServiceImproveMissingProgram(t *testing.T) {
	repo := seed(t, nil)
	svc := newService(t, repo, generatormock.NewMockGenerator(t))

	_, err := svc.Improve(context.TODO(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestServiceImproveVersionsStrictlyIncrease(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo := seed(t, repeat(6, false), "mismatch: wrong")
	gen := generatormock.NewMockGenerator(t)
	var calls int
	var mu sync.Mutex
	gen.On("Generate", mock.Anything, mock.Anything).Return(func(context.Context, generator.Request) (*generator.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls%3 == 0 {
			return nil, errors.New("flaky")
		}
		return &generator.Result{Code: fmt.Sprintf("def run(input):\n    return %d\n", calls), Language: "starlark"}, nil
	})
	svc := newService(t, repo, gen)

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Improve(context.TODO(), "p1")
			assert.NoError(err)
		}()
	}
	wg.Wait()

	programs, err := repo.ListProgramsByTask(context.TODO(), "t1")
	require.NoError(err)
	require.Len(programs, 7)
	for i, p := range programs {
		assert.Equal(i+1, p.Version)
	}

	active := 0
	for _, p := range programs {
		if p.Status == model.ProgramStatusActive {
			active++
		}
	}
	assert.Equal(1, active)
}

func TestServiceCheck(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo := seed(t, repeat(6, false), "mismatch: wrong")
	gen := generatormock.NewMockGenerator(t)
	gen.On("Generate", mock.Anything, mock.Anything).Once().Return(&generator.Result{Code: "def run(input):\n    return 1\n", Language: "starlark"}, nil)
	svc := newService(t, repo, gen)

	out, err := svc.Check(context.TODO(), "p1")
	require.NoError(err)
	require.NotNil(out)
	assert.True(out.Success)

	// A draft is already waiting, no more generations.
	out, err = svc.Check(context.TODO(), "p1")
	require.NoError(err)
	assert.Nil(out)
}

func TestServiceCheckNotNeeded(t *testing.T) {
	repo := seed(t, repeat(3, false), "mismatch: wrong")
	svc := newService(t, repo, generatormock.NewMockGenerator(t))

	out, err := svc.Check(context.TODO(), "p1")
	require.NoError(t, err)
	assert.Nil(t, out)
}
