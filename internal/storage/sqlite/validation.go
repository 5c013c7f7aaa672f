package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
)

const validationColumns = `
	id, execution_id, program_id, task_id,
	is_valid, score, errors, method, oracle_latency_ms, validated_at
`

// CreateValidation stores a validation result.
func (r *Repository) CreateValidation(ctx context.Context, v model.Validation) error {
	errs := v.Errors
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := marshalJSON(errs)
	if err != nil {
		return err
	}

	query := `INSERT INTO validations (` + validationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		v.ID, v.ExecutionID, v.ProgramID, v.TaskID,
		boolToInt(v.IsValid), v.Score, errsJSON, v.Method, v.OracleLatencyMs, toUnix(v.ValidatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("validation for execution %s: %w", v.ExecutionID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert validation: %w", err)
	}

	r.logger.Debugf("Created validation in repository: %s", v.ID)
	return nil
}

// GetValidation retrieves a validation by ID.
func (r *Repository) GetValidation(ctx context.Context, id string) (*model.Validation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validations WHERE id = ?`, id)
	return getValidation(row, "validation "+id)
}

// GetValidationByExecution retrieves the validation of an execution.
func (r *Repository) GetValidationByExecution(ctx context.Context, executionID string) (*model.Validation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validations WHERE execution_id = ?`, executionID)
	return getValidation(row, "validation of execution "+executionID)
}

func getValidation(row *sql.Row, what string) (*model.Validation, error) {
	v, err := scanValidation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", what, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query validation: %w", err)
	}
	return &v, nil
}

// ListValidationsByProgram lists the validations of a program, most recent first.
func (r *Repository) ListValidationsByProgram(ctx context.Context, programID string, opts storage.ListValidationsOpts) ([]model.Validation, error) {
	query := `SELECT ` + validationColumns + ` FROM validations WHERE program_id = ?`
	if opts.InvalidOnly {
		query += ` AND is_valid = 0`
	}
	query += ` ORDER BY validated_at DESC, id DESC` + limitClause(opts.Limit)

	rows, err := r.db.QueryContext(ctx, query, programID)
	if err != nil {
		return nil, fmt.Errorf("could not query validations: %w", err)
	}
	defer rows.Close()

	var validations []model.Validation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		validations = append(validations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return validations, nil
}

// DeleteValidationsBefore removes the validations validated before the time.
func (r *Repository) DeleteValidationsBefore(ctx context.Context, before time.Time) (int, error) {
	return r.deleteBefore(ctx, "validations", "validated_at", before)
}

func scanValidation(s scanner) (model.Validation, error) {
	var v model.Validation
	var isValid int
	var errs string
	var validatedAt int64

	err := s.Scan(
		&v.ID, &v.ExecutionID, &v.ProgramID, &v.TaskID,
		&isValid, &v.Score, &errs, &v.Method, &v.OracleLatencyMs, &validatedAt,
	)
	if err != nil {
		return model.Validation{}, err
	}

	if err := json.Unmarshal([]byte(errs), &v.Errors); err != nil {
		return model.Validation{}, fmt.Errorf("could not unmarshal validation errors: %w", err)
	}
	if len(v.Errors) == 0 {
		v.Errors = nil
	}
	v.IsValid = isValid == 1
	v.ValidatedAt = fromUnix(validatedAt)

	return v, nil
}
