package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
)

const executionColumns = `
	id, task_id, program_id, program_version,
	input, output, status, error_message, latency_ms,
	sampled_for_validation, executed_at
`

// CreateExecution stores an execution record.
func (r *Repository) CreateExecution(ctx context.Context, e model.Execution) error {
	var output sql.NullString
	if e.Output != nil {
		output = sql.NullString{String: string(e.Output), Valid: true}
	}

	query := `INSERT INTO executions (` + executionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.TaskID, e.ProgramID, e.ProgramVersion,
		string(e.Input), output, string(e.Status), e.ErrorMessage, e.LatencyMs,
		boolToInt(e.SampledForValidation), toUnix(e.ExecutedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("execution %s: %w", e.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert execution: %w", err)
	}

	return nil
}

// GetExecution retrieves an execution by ID.
func (r *Repository) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query execution: %w", err)
	}
	return &e, nil
}

// ListExecutionsByProgram lists the executions of a program, most recent first.
func (r *Repository) ListExecutionsByProgram(ctx context.Context, programID string, opts storage.ListExecutionsOpts) ([]model.Execution, error) {
	return r.listExecutions(ctx, "program_id", programID, opts)
}

// ListExecutionsByTask lists the executions of a task, most recent first.
func (r *Repository) ListExecutionsByTask(ctx context.Context, taskID string, opts storage.ListExecutionsOpts) ([]model.Execution, error) {
	return r.listExecutions(ctx, "task_id", taskID, opts)
}

func (r *Repository) listExecutions(ctx context.Context, column, value string, opts storage.ListExecutionsOpts) ([]model.Execution, error) {
	where := []string{column + " = ?"}
	args := []any{value}
	if !opts.Since.IsZero() {
		where = append(where, "executed_at >= ?")
		args = append(args, toUnix(opts.Since))
	}
	if !opts.Until.IsZero() {
		where = append(where, "executed_at < ?")
		args = append(args, toUnix(opts.Until))
	}
	if opts.SampledOnly {
		where = append(where, "sampled_for_validation = 1")
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY executed_at DESC, id DESC` + limitClause(opts.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query executions: %w", err)
	}
	defer rows.Close()

	var executions []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return executions, nil
}

// DeleteExecutionsBefore removes the executions executed before the time.
func (r *Repository) DeleteExecutionsBefore(ctx context.Context, before time.Time) (int, error) {
	return r.deleteBefore(ctx, "executions", "executed_at", before)
}

func scanExecution(s scanner) (model.Execution, error) {
	var e model.Execution
	var input, status string
	var output sql.NullString
	var sampled int
	var executedAt int64

	err := s.Scan(
		&e.ID, &e.TaskID, &e.ProgramID, &e.ProgramVersion,
		&input, &output, &status, &e.ErrorMessage, &e.LatencyMs,
		&sampled, &executedAt,
	)
	if err != nil {
		return model.Execution{}, err
	}

	e.Input = json.RawMessage(input)
	if output.Valid {
		e.Output = json.RawMessage(output.String)
	}
	e.Status = model.ExecutionStatus(status)
	e.SampledForValidation = sampled == 1
	e.ExecutedAt = fromUnix(executedAt)

	return e, nil
}
