package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/slok/distill/internal/model"
)

const taskColumns = `
	id, name, description,
	input_schema, output_schema, examples,
	accuracy_target, latency_target_ms, sampling_rate,
	created_at, updated_at
`

// jsonExample is the stored representation of a task example.
type jsonExample struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
}

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	examples, err := marshalExamples(t.Examples)
	if err != nil {
		return err
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.Name, t.Description,
		t.InputSchema, t.OutputSchema, examples,
		t.AccuracyTarget, t.LatencyTargetMs, t.SamplingRate,
		toUnix(t.CreatedAt), toUnix(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}
	return &t, nil
}

// GetTaskByName retrieves a task by name.
func (r *Repository) GetTaskByName(ctx context.Context, name string) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = ?`, name)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task with name %s: %w", name, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}
	return &t, nil
}

// ListTasks returns all tasks sorted by creation time.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.Task) error {
	examples, err := marshalExamples(t.Examples)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET
			name = ?, description = ?,
			input_schema = ?, output_schema = ?, examples = ?,
			accuracy_target = ?, latency_target_ms = ?, sampling_rate = ?,
			updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		t.Name, t.Description,
		t.InputSchema, t.OutputSchema, examples,
		t.AccuracyTarget, t.LatencyTargetMs, t.SamplingRate,
		toUnix(t.UpdatedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}
	if err := checkAffected(result, "task "+t.ID); err != nil {
		return err
	}

	r.logger.Debugf("Updated task in repository: %s", t.ID)
	return nil
}

func marshalExamples(examples []model.Example) (string, error) {
	jes := make([]jsonExample, 0, len(examples))
	for _, e := range examples {
		jes = append(jes, jsonExample{Input: e.Input, Output: e.Output})
	}
	return marshalJSON(jes)
}

func scanTask(s scanner) (model.Task, error) {
	var t model.Task
	var examples string
	var createdAt, updatedAt int64

	err := s.Scan(
		&t.ID, &t.Name, &t.Description,
		&t.InputSchema, &t.OutputSchema, &examples,
		&t.AccuracyTarget, &t.LatencyTargetMs, &t.SamplingRate,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.Task{}, err
	}

	var jes []jsonExample
	if err := json.Unmarshal([]byte(examples), &jes); err != nil {
		return model.Task{}, fmt.Errorf("could not unmarshal task examples: %w", err)
	}
	for _, je := range jes {
		t.Examples = append(t.Examples, model.Example{Input: je.Input, Output: je.Output})
	}
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updatedAt)

	return t, nil
}
