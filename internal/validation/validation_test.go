package validation_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/validation"
)

func subject(schema, output, expected string) validation.Subject {
	s := validation.Subject{
		Task:      model.Task{OutputSchema: schema},
		Execution: model.Execution{Status: model.ExecutionStatusSuccess},
	}
	if output != "" {
		s.Execution.Output = json.RawMessage(output)
	}
	if expected != "" {
		s.Expected = json.RawMessage(expected)
	}
	return s
}

func TestSchemaValidator(t *testing.T) {
	tests := map[string]struct {
		subject    validation.Subject
		expValid   bool
		expErrPref string
		expErr     bool
	}{
		"An output matching the schema should be valid.": {
			subject:  subject(`{sum: int}`, `{"sum": 3}`, ""),
			expValid: true,
		},
		"An output with extra fields should be valid on open schemas.": {
			subject:  subject(`{sum: int}`, `{"sum": 3, "extra": true}`, ""),
			expValid: true,
		},
		"An empty schema should accept any output.": {
			subject:  subject(``, `[1, "a"]`, ""),
			expValid: true,
		},
		"A wrong field type should be invalid.": {
			subject:    subject(`{sum: int}`, `{"sum": "3"}`, ""),
			expErrPref: "schema: ",
		},
		"A missing field should be invalid.": {
			subject:    subject(`{sum: int}`, `{}`, ""),
			expErrPref: "schema: ",
		},
		"A value out of bounds should be invalid.": {
			subject:    subject(`int & >0`, `-1`, ""),
			expErrPref: "schema: ",
		},
		"A missing output should be invalid.": {
			subject:    subject(`{sum: int}`, ``, ""),
			expErrPref: "schema: missing output",
		},
		"An output matching the schema and the oracle should be valid.": {
			subject:  subject(`{sum: int}`, `{"sum": 3}`, `{ "sum":3 }`),
			expValid: true,
		},
		"An output matching the schema but not the oracle should be invalid.": {
			subject:    subject(`{sum: int}`, `{"sum": 4}`, `{"sum": 3}`),
			expErrPref: "mismatch: ",
		},
		"An invalid schema should fail.": {
			subject: subject(`{sum: `, `{"sum": 3}`, ""),
			expErr:  true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			v := validation.NewSchemaValidator()
			out, err := v.Validate(context.Background(), test.subject)
			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)

			assert.Equal(test.expValid, out.IsValid)
			if test.expValid {
				assert.Equal(1.0, out.Score)
				assert.Empty(out.Errors)
			} else {
				assert.Equal(0.0, out.Score)
				require.NotEmpty(out.Errors)
				assert.Contains(out.Errors[0], test.expErrPref)
			}
		})
	}
}

func TestExactValidator(t *testing.T) {
	tests := map[string]struct {
		subject  validation.Subject
		expValid bool
		expErr   error
	}{
		"Semantically equal outputs should be valid.": {
			subject:  subject("", `{"b": [1, 2], "a": 1.0}`, `{"a":1,"b":[1,2]}`),
			expValid: true,
		},
		"Different outputs should be invalid.": {
			subject:  subject("", `{"a": 1}`, `{"a": 2}`),
			expValid: false,
		},
		"Without oracle answer it should fail.": {
			subject: subject("", `{"a": 1}`, ""),
			expErr:  validation.ErrNoExpectedOutput,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := validation.NewExactValidator().Validate(context.Background(), test.subject)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expValid, out.IsValid)
		})
	}
}

func TestFuzzyValidator(t *testing.T) {
	tests := map[string]struct {
		threshold float64
		subject   validation.Subject
		expValid  bool
		expScore  float64
	}{
		"Equal outputs should have a full score.": {
			subject:  subject("", `"hello world"`, `"hello world"`),
			expValid: true,
			expScore: 1,
		},
		"Similar outputs should be valid with a partial score.": {
			subject:  subject("", `"hello world"`, `"hello worle"`),
			expValid: true,
			expScore: 1 - 1.0/13,
		},
		"Different outputs should be invalid.": {
			subject:  subject("", `"abc"`, `"xyz"`),
			expValid: false,
			expScore: 0.4,
		},
		"A custom threshold should be used.": {
			threshold: 0.95,
			subject:   subject("", `"hello world"`, `"hello worle"`),
			expValid:  false,
			expScore:  1 - 1.0/13,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := validation.NewFuzzyValidator(test.threshold).Validate(context.Background(), test.subject)
			require.NoError(t, err)
			assert.Equal(t, test.expValid, out.IsValid)
			assert.InDelta(t, test.expScore, out.Score, 1e-9)
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, validation.Similarity("", ""))
	assert.Equal(t, 0.0, validation.Similarity("abc", ""))
	assert.InDelta(t, 1-3.0/7, validation.Similarity("kitten", "sitting"), 1e-9)
	assert.InDelta(t, 0.6, validation.Similarity("ñandú", "ñaxxú"), 1e-9)
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"", "schema", "exact", "fuzzy"} {
		v, err := validation.DefaultRegistry.New(name, validation.Options{})
		require.NoError(t, err)
		if name == "" {
			name = "schema"
		}
		assert.Equal(t, name, v.Method())
	}

	_, err := validation.DefaultRegistry.New("magic", validation.Options{})
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestExamplesOracle(t *testing.T) {
	task := model.Task{Examples: []model.Example{
		{Input: json.RawMessage(`{"a": 1, "b": 2}`), Output: json.RawMessage(`{"sum": 3}`)},
	}}

	out, ok, err := validation.ExamplesOracle{}.Expected(context.Background(), task, json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"sum": 3}`, string(out))

	_, ok, err = validation.ExamplesOracle{}.Expected(context.Background(), task, json.RawMessage(`{"a":2,"b":2}`))
	require.NoError(t, err)
	assert.False(t, ok)

	chain := validation.ChainOracle{validation.NoopOracle{}, validation.ExamplesOracle{}}
	_, ok, err = chain.Expected(context.Background(), task, json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.True(t, ok)
}
