package validation

import (
	"context"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaValidator checks the output against the task output schema, a CUE
// constraint. When there is an oracle answer the output must also be equal to it.
// The score is binary.
type SchemaValidator struct{}

// NewSchemaValidator returns a new schema validator.
func NewSchemaValidator() SchemaValidator { return SchemaValidator{} }

func (SchemaValidator) Method() string { return MethodSchema }

func (SchemaValidator) Validate(ctx context.Context, s Subject) (Outcome, error) {
	errs, err := CheckSchema(s.Task.OutputSchema, s.Execution.Output)
	if err != nil {
		return Outcome{}, err
	}

	if s.Expected != nil && !Equal(s.Execution.Output, s.Expected) {
		errs = append(errs, categorized(CategoryMismatch, "output %s differs from the expected %s", compact(s.Execution.Output), compact(s.Expected)))
	}

	if len(errs) > 0 {
		return Outcome{IsValid: false, Score: 0, Errors: errs}, nil
	}
	return Outcome{IsValid: true, Score: 1}, nil
}

// CheckSchema returns the schema violations of the JSON data. An empty schema accepts anything.
// Errors are returned only when the schema itself is invalid.
func CheckSchema(schema string, data []byte) ([]string, error) {
	if len(data) == 0 {
		return []string{categorized(CategorySchema, "missing output")}, nil
	}
	if schema == "" {
		return nil, nil
	}

	cctx := cuecontext.New()
	sv := cctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := sv.Err(); err != nil {
		return nil, fmt.Errorf("invalid output schema: %w", err)
	}

	dv := cctx.CompileBytes(data, cue.Filename("output.json"))
	if err := dv.Err(); err != nil {
		return []string{categorized(CategorySchema, "output is not valid JSON: %s", err)}, nil
	}

	err := sv.Unify(dv).Validate(cue.Concrete(true))
	if err == nil {
		return nil, nil
	}

	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, categorized(CategorySchema, "%s", e.Error()))
	}
	return msgs, nil
}

// CompileSchema checks a CUE schema source is valid.
func CompileSchema(schema string) error {
	if schema == "" {
		return nil
	}
	v := cuecontext.New().CompileString(schema, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	return nil
}

func compact(data []byte) string {
	n, err := Normalize(data)
	if err != nil {
		return string(data)
	}
	const maxLen = 200
	if len(n) > maxLen {
		return string(n[:maxLen]) + "..."
	}
	return string(n)
}
