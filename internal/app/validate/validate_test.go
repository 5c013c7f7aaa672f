package validate_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/app/validate"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage/memory"
	"github.com/slok/distill/internal/storage/storagetest"
	"github.com/slok/distill/internal/validation"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type oracleFunc func(ctx context.Context, task model.Task, input json.RawMessage) (json.RawMessage, bool, error)

func (f oracleFunc) Expected(ctx context.Context, task model.Task, input json.RawMessage) (json.RawMessage, bool, error) {
	return f(ctx, task, input)
}

func TestNewService(t *testing.T) {
	_, err := validate.NewService(validate.ServiceConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository is required")
}

func TestServiceValidate(t *testing.T) {
	tests := map[string]struct {
		execution     func() model.Execution
		oracle        validation.Oracle
		validator     validation.Validator
		expValidation func(e model.Execution) model.Validation
		expErr        bool
	}{
		"A successful execution matching the examples should be valid.": {
			execution: func() model.Execution {
				return storagetest.ExecutionFixture("e1", "t1", "p1", now)
			},
			expValidation: func(e model.Execution) model.Validation {
				return model.Validation{ExecutionID: e.ID, ProgramID: "p1", TaskID: "t1", IsValid: true, Score: 1, Method: "schema", ValidatedAt: now}
			},
		},
		"A successful execution not matching the examples should be invalid.": {
			execution: func() model.Execution {
				e := storagetest.ExecutionFixture("e1", "t1", "p1", now)
				e.Output = json.RawMessage(`{"sum": 4}`)
				return e
			},
			expValidation: func(e model.Execution) model.Validation {
				return model.Validation{ExecutionID: e.ID, ProgramID: "p1", TaskID: "t1", IsValid: false, Score: 0, Method: "schema", ValidatedAt: now,
					Errors: []string{`mismatch: output {"sum":4} differs from the expected {"sum":3}`}}
			},
		},
		"A successful execution breaking the schema should be invalid.": {
			execution: func() model.Execution {
				e := storagetest.ExecutionFixture("e1", "t1", "p1", now)
				e.Input = json.RawMessage(`{"a": 5, "b": 5}`)
				e.Output = json.RawMessage(`{"sum": "10"}`)
				return e
			},
			expValidation: func(e model.Execution) model.Validation {
				return model.Validation{ExecutionID: e.ID, ProgramID: "p1", TaskID: "t1", IsValid: false, Score: 0, Method: "schema", ValidatedAt: now}
			},
		},
		"A failed execution should be invalid with the execution error.": {
			execution: func() model.Execution {
				e := storagetest.ExecutionFixture("e1", "t1", "p1", now)
				e.Status = model.ExecutionStatusError
				e.Output = nil
				e.ErrorMessage = "division by zero"
				return e
			},
			expValidation: func(e model.Execution) model.Validation {
				return model.Validation{ExecutionID: e.ID, ProgramID: "p1", TaskID: "t1", IsValid: false, Score: 0, Method: "schema", ValidatedAt: now,
					Errors: []string{"execution: division by zero"}}
			},
		},
		"A timed out execution should be invalid with the timeout category.": {
			execution: func() model.Execution {
				e := storagetest.ExecutionFixture("e1", "t1", "p1", now)
				e.Status = model.ExecutionStatusTimeout
				e.Output = nil
				e.ErrorMessage = "execution exceeded the 5s timeout"
				return e
			},
			expValidation: func(e model.Execution) model.Validation {
				return model.Validation{ExecutionID: e.ID, ProgramID: "p1", TaskID: "t1", IsValid: false, Score: 0, Method: "schema", ValidatedAt: now,
					Errors: []string{"timeout: execution exceeded the 5s timeout"}}
			},
		},
		"A fuzzy validator should store the continuous score.": {
			execution: func() model.Execution {
				e := storagetest.ExecutionFixture("e1", "t1", "p1", now)
				e.Output = json.RawMessage(`"positive"`)
				return e
			},
			oracle: oracleFunc(func(context.Context, model.Task, json.RawMessage) (json.RawMessage, bool, error) {
				return json.RawMessage(`"positive"`), true, nil
			}),
			validator: validation.NewFuzzyValidator(0.8),
			expValidation: func(e model.Execution) model.Validation {
				return model.Validation{ExecutionID: e.ID, ProgramID: "p1", TaskID: "t1", IsValid: true, Score: 1, Method: "fuzzy", ValidatedAt: now}
			},
		},
		"An oracle failure should fail the validation.": {
			execution: func() model.Execution {
				return storagetest.ExecutionFixture("e1", "t1", "p1", now)
			},
			oracle: oracleFunc(func(context.Context, model.Task, json.RawMessage) (json.RawMessage, bool, error) {
				return nil, false, errors.New("llm down")
			}),
			expErr: true,
		},
		"An exact validator without oracle answer should fail the validation.": {
			execution: func() model.Execution {
				e := storagetest.ExecutionFixture("e1", "t1", "p1", now)
				e.Input = json.RawMessage(`{"a": 40, "b": 2}`)
				return e
			},
			validator: validation.NewExactValidator(),
			expErr:    true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(err)
			require.NoError(repo.CreateTask(context.TODO(), storagetest.TaskFixture("t1", "sum")))
			exec := test.execution()
			require.NoError(repo.CreateExecution(context.TODO(), exec))

			svc, err := validate.NewService(validate.ServiceConfig{
				Repository: repo,
				Validator:  test.validator,
				Oracle:     test.oracle,
				Clock:      func() time.Time { return now },
			})
			require.NoError(err)

			v, err := svc.Validate(context.TODO(), exec.ID)
			if test.expErr {
				assert.Error(err)
				_, err := repo.GetValidationByExecution(context.TODO(), exec.ID)
				assert.ErrorIs(err, model.ErrNotFound)
				return
			}
			require.NoError(err)

			exp := test.expValidation(exec)
			exp.ID = v.ID
			if exp.Errors == nil && !exp.IsValid {
				// Schema messages come from CUE, only check the category.
				require.NotEmpty(v.Errors)
				assert.Contains(v.Errors[0], "schema: ")
				exp.Errors = v.Errors
			}
			assert.Equal(exp, *v)

			// Stored and the execution untouched.
			gotV, err := repo.GetValidationByExecution(context.TODO(), exec.ID)
			require.NoError(err)
			assert.Equal(*v, *gotV)
			gotE, err := repo.GetExecution(context.TODO(), exec.ID)
			require.NoError(err)
			assert.Equal(exec, *gotE)
		})
	}
}

func TestServiceValidateTwiceFails(t *testing.T) {
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	require.NoError(repo.CreateTask(context.TODO(), storagetest.TaskFixture("t1", "sum")))
	require.NoError(repo.CreateExecution(context.TODO(), storagetest.ExecutionFixture("e1", "t1", "p1", now)))

	svc, err := validate.NewService(validate.ServiceConfig{Repository: repo})
	require.NoError(err)

	_, err = svc.Validate(context.TODO(), "e1")
	require.NoError(err)
	_, err = svc.Validate(context.TODO(), "e1")
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestServiceValidateMissingExecution(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	svc, err := validate.NewService(validate.ServiceConfig{Repository: repo})
	require.NoError(t, err)

	_, err = svc.Validate(context.TODO(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestServiceValidateRecordsOracleLatency(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	require.NoError(repo.CreateTask(context.TODO(), storagetest.TaskFixture("t1", "sum")))
	require.NoError(repo.CreateExecution(context.TODO(), storagetest.ExecutionFixture("e1", "t1", "p1", now)))

	// The oracle takes 250ms of the clock.
	current := now
	svc, err := validate.NewService(validate.ServiceConfig{
		Repository: repo,
		Oracle: oracleFunc(func(ctx context.Context, task model.Task, input json.RawMessage) (json.RawMessage, bool, error) {
			current = current.Add(250 * time.Millisecond)
			return json.RawMessage(`{"sum": 3}`), true, nil
		}),
		Clock: func() time.Time { return current },
	})
	require.NoError(err)

	v, err := svc.Validate(context.TODO(), "e1")
	require.NoError(err)
	assert.True(v.IsValid)
	assert.Equal(250.0, v.OracleLatencyMs)

	got, err := repo.GetValidationByExecution(context.TODO(), "e1")
	require.NoError(err)
	assert.Equal(250.0, got.OracleLatencyMs)
}
