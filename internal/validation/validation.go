// Package validation grades execution outputs against the task contract and the
// oracle expected outputs.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/slok/distill/internal/model"
)

// Error categories, validators prefix their error messages with them.
const (
	CategorySchema    = "schema"
	CategoryMismatch  = "mismatch"
	CategoryExecution = "execution"
	CategoryTimeout   = "timeout"
	CategoryOther     = "other"
)

// ErrNoExpectedOutput is returned by validators that need an oracle answer when there is none.
var ErrNoExpectedOutput = errors.New("no expected output available")

// Subject is what a validator grades.
type Subject struct {
	Task      model.Task
	Execution model.Execution
	// Expected is the oracle answer, nil when there is none.
	Expected json.RawMessage
}

// Outcome is the validator grade.
type Outcome struct {
	IsValid bool
	// Score is the confidence in [0, 1].
	Score  float64
	Errors []string
}

// Validator grades a successful execution output.
type Validator interface {
	Validate(ctx context.Context, s Subject) (Outcome, error)
	// Method is the name stored on the validation results.
	Method() string
}

// Oracle is the authoritative source of expected outputs.
type Oracle interface {
	// Expected returns the expected output for the input, false when the oracle has no answer.
	Expected(ctx context.Context, task model.Task, input json.RawMessage) (json.RawMessage, bool, error)
}

const (
	MethodSchema = "schema"
	MethodExact  = "exact"
	MethodFuzzy  = "fuzzy"
)

// Options are the options used by the registry to build validators.
type Options struct {
	// FuzzyThreshold is the minimum similarity of a valid fuzzy validation.
	FuzzyThreshold float64
}

// Registry maps validation methods to their constructors.
type Registry map[string]func(Options) Validator

// DefaultRegistry has the builtin validators.
var DefaultRegistry = Registry{
	MethodSchema: func(Options) Validator { return NewSchemaValidator() },
	MethodExact:  func(Options) Validator { return NewExactValidator() },
	MethodFuzzy:  func(o Options) Validator { return NewFuzzyValidator(o.FuzzyThreshold) },
}

// New returns the validator registered with the name. An empty name is the schema validator.
func (r Registry) New(name string, opts Options) (Validator, error) {
	if name == "" {
		name = MethodSchema
	}
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown validation method %q (available: %v): %w", name, r.Names(), model.ErrNotValid)
	}
	return f(opts), nil
}

// Names returns the sorted registered methods.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Normalize returns the canonical JSON encoding of data, object keys sorted and
// no insignificant whitespace.
func Normalize(data json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	out, err := json.Marshal(canonicalNumbers(v))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// canonicalNumbers rewrites numbers so equal values have the same encoding (1.0 == 1).
func canonicalNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return v
		}
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return v
		}
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
	case []any:
		for i, e := range v {
			v[i] = canonicalNumbers(e)
		}
	case map[string]any:
		for k, e := range v {
			v[k] = canonicalNumbers(e)
		}
	}
	return v
}

// Equal returns true if both JSON documents are semantically equal.
func Equal(a, b json.RawMessage) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(na, nb)
}

func categorized(category, format string, args ...any) string {
	return category + ": " + fmt.Sprintf(format, args...)
}
