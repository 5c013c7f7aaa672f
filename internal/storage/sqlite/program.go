package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slok/distill/internal/model"
)

const programColumns = `
	id, task_id, version, language, code, status,
	deployment_percentage, lines_of_code, cyclomatic_complexity,
	generation_time_ns, created_at, deployed_at
`

// CreateProgram creates a new program version.
func (r *Repository) CreateProgram(ctx context.Context, p model.Program) error {
	query := `INSERT INTO programs (` + programColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.TaskID, p.Version, p.Language, p.Code, string(p.Status),
		p.DeploymentPercentage, p.Complexity.LinesOfCode, p.Complexity.CyclomaticComplexity,
		int64(p.GenerationTime), toUnix(p.CreatedAt), toNullUnix(p.DeployedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("program %s v%d or active program of the task: %w", p.TaskID, p.Version, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert program: %w", err)
	}

	r.logger.Debugf("Created program in repository: %s (task %s v%d)", p.ID, p.TaskID, p.Version)
	return nil
}

// GetProgram retrieves a program by ID.
func (r *Repository) GetProgram(ctx context.Context, id string) (*model.Program, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+programColumns+` FROM programs WHERE id = ?`, id)
	return r.getProgram(row, "program "+id)
}

// GetProgramByVersion retrieves a task program by its version number.
func (r *Repository) GetProgramByVersion(ctx context.Context, taskID string, version int) (*model.Program, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+programColumns+` FROM programs WHERE task_id = ? AND version = ?`, taskID, version)
	return r.getProgram(row, fmt.Sprintf("program %s v%d", taskID, version))
}

// GetActiveProgram retrieves the active program of a task.
func (r *Repository) GetActiveProgram(ctx context.Context, taskID string) (*model.Program, error) {
	query := `SELECT ` + programColumns + ` FROM programs WHERE task_id = ? AND status = ? ORDER BY version DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, taskID, string(model.ProgramStatusActive))
	return r.getProgram(row, "active program of task "+taskID)
}

func (r *Repository) getProgram(row *sql.Row, what string) (*model.Program, error) {
	p, err := scanProgram(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", what, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query program: %w", err)
	}
	return &p, nil
}

// ListProgramsByTask lists the programs of a task sorted by version.
func (r *Repository) ListProgramsByTask(ctx context.Context, taskID string) ([]model.Program, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+programColumns+` FROM programs WHERE task_id = ? ORDER BY version ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query programs: %w", err)
	}
	defer rows.Close()

	var programs []model.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		programs = append(programs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return programs, nil
}

// GetLatestVersion returns the highest program version of a task.
func (r *Repository) GetLatestVersion(ctx context.Context, taskID string) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM programs WHERE task_id = ?`, taskID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("could not query latest version: %w", err)
	}
	return version, nil
}

// UpdateProgram updates the mutable fields of a program.
func (r *Repository) UpdateProgram(ctx context.Context, p model.Program) error {
	if err := updateProgram(ctx, r.db, p); err != nil {
		return err
	}

	r.logger.Debugf("Updated program in repository: %s", p.ID)
	return nil
}

func updateProgram(ctx context.Context, db execer, p model.Program) error {
	query := `
		UPDATE programs
		SET
			status = ?, deployment_percentage = ?, deployed_at = ?
		WHERE id = ? AND task_id = ? AND version = ?
	`
	result, err := db.ExecContext(ctx, query,
		string(p.Status), p.DeploymentPercentage, toNullUnix(p.DeployedAt),
		p.ID, p.TaskID, p.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s already has an active program: %w", p.TaskID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not update program: %w", err)
	}
	return checkAffected(result, "program "+p.ID)
}

func scanProgram(s scanner) (model.Program, error) {
	var p model.Program
	var status string
	var genTime, createdAt int64
	var deployedAt sql.NullInt64

	err := s.Scan(
		&p.ID, &p.TaskID, &p.Version, &p.Language, &p.Code, &status,
		&p.DeploymentPercentage, &p.Complexity.LinesOfCode, &p.Complexity.CyclomaticComplexity,
		&genTime, &createdAt, &deployedAt,
	)
	if err != nil {
		return model.Program{}, err
	}

	p.Status = model.ProgramStatus(status)
	p.GenerationTime = time.Duration(genTime)
	p.CreatedAt = fromUnix(createdAt)
	p.DeployedAt = fromNullUnix(deployedAt)

	return p, nil
}
