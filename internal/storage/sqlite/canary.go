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

const canaryColumns = `
	id, task_id, new_program_id, previous_program_id,
	stage, percentage, status, reason, history,
	created_at, updated_at
`

type jsonCanaryEvent struct {
	Stage      int                `json:"stage"`
	Percentage float64            `json:"percentage"`
	Action     model.CanaryAction `json:"action"`
	Reason     string             `json:"reason,omitempty"`
	At         int64              `json:"at"`
}

// CreateCanary stores a new canary deployment.
func (r *Repository) CreateCanary(ctx context.Context, c model.Canary) error {
	if err := insertCanary(ctx, r.db, c); err != nil {
		return err
	}

	r.logger.Debugf("Created canary in repository: %s", c.ID)
	return nil
}

func insertCanary(ctx context.Context, db execer, c model.Canary) error {
	history, err := marshalHistory(c.History)
	if err != nil {
		return err
	}

	query := `INSERT INTO canaries (` + canaryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		c.ID, c.TaskID, c.NewProgramID, c.PreviousProgramID,
		c.Stage, c.Percentage, string(c.Status), c.Reason, history,
		toUnix(c.CreatedAt), toUnix(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "canaries.id") {
				return fmt.Errorf("canary %s: %w", c.ID, model.ErrAlreadyExists)
			}
			return fmt.Errorf("task %s already has a rollout in progress: %w", c.TaskID, model.ErrRolloutConflict)
		}
		return fmt.Errorf("could not insert canary: %w", err)
	}

	return nil
}

// GetCanary retrieves a canary by ID.
func (r *Repository) GetCanary(ctx context.Context, id string) (*model.Canary, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+canaryColumns+` FROM canaries WHERE id = ?`, id)
	c, err := scanCanary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("canary %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query canary: %w", err)
	}
	return &c, nil
}

// ListCanariesByTask lists the canaries of a task, most recent first.
func (r *Repository) ListCanariesByTask(ctx context.Context, taskID string) ([]model.Canary, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+canaryColumns+` FROM canaries WHERE task_id = ? ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query canaries: %w", err)
	}
	defer rows.Close()

	var canaries []model.Canary
	for rows.Next() {
		c, err := scanCanary(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		canaries = append(canaries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return canaries, nil
}

// UpdateCanary updates the state of a canary.
func (r *Repository) UpdateCanary(ctx context.Context, c model.Canary) error {
	history, err := marshalHistory(c.History)
	if err != nil {
		return err
	}

	query := `
		UPDATE canaries
		SET
			stage = ?, percentage = ?, status = ?, reason = ?, history = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		c.Stage, c.Percentage, string(c.Status), c.Reason, history, toUnix(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s already has a rollout in progress: %w", c.TaskID, model.ErrRolloutConflict)
		}
		return fmt.Errorf("could not update canary: %w", err)
	}
	if err := checkAffected(result, "canary "+c.ID); err != nil {
		return err
	}

	r.logger.Debugf("Updated canary in repository: %s", c.ID)
	return nil
}

// StartRollout creates the in progress canary and updates its programs in a single transaction.
func (r *Repository) StartRollout(ctx context.Context, t storage.RolloutTransition) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		// The partial unique index rejects a second in progress canary of the task.
		if err := insertCanary(ctx, tx, t.Canary); err != nil {
			return err
		}

		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM programs WHERE id = ?`, t.Canary.NewProgramID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("program %s: %w", t.Canary.NewProgramID, model.ErrNotFound)
			}
			return fmt.Errorf("could not query program: %w", err)
		}
		if model.ProgramStatus(status) != model.ProgramStatusDraft {
			return fmt.Errorf("program %s is %s: %w", t.Canary.NewProgramID, status, model.ErrRolloutConflict)
		}

		return updatePrograms(ctx, tx, t.Programs)
	})
	if err != nil {
		return err
	}

	r.logger.Debugf("Started rollout in repository: %s", t.Canary.ID)
	return nil
}

// TransitionRollout updates the canary, if it's still in progress at the expected stage, and
// its programs in a single transaction.
func (r *Repository) TransitionRollout(ctx context.Context, t storage.RolloutTransition) error {
	history, err := marshalHistory(t.Canary.History)
	if err != nil {
		return err
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		// Compare and set, the first write of the transaction takes the database write lock.
		query := `
			UPDATE canaries
			SET
				stage = ?, percentage = ?, status = ?, reason = ?, history = ?, updated_at = ?
			WHERE id = ? AND status = ? AND stage = ?
		`
		c := t.Canary
		result, err := tx.ExecContext(ctx, query,
			c.Stage, c.Percentage, string(c.Status), c.Reason, history, toUnix(c.UpdatedAt),
			c.ID, string(model.CanaryStatusInProgress), t.FromStage,
		)
		if err != nil {
			return fmt.Errorf("could not update canary: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("could not get rows affected: %w", err)
		}
		if rows == 0 {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM canaries WHERE id = ?`, c.ID).Scan(&n); err != nil {
				return fmt.Errorf("could not query canary: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("canary %s: %w", c.ID, model.ErrNotFound)
			}
			return fmt.Errorf("rollout %s is no longer in progress at stage %d: %w", c.ID, t.FromStage, model.ErrRolloutConflict)
		}

		return updatePrograms(ctx, tx, t.Programs)
	})
	if err != nil {
		return err
	}

	r.logger.Debugf("Applied rollout transition in repository: %s", t.Canary.ID)
	return nil
}

func updatePrograms(ctx context.Context, tx *sql.Tx, programs []model.Program) error {
	for _, p := range programs {
		if err := updateProgram(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func marshalHistory(events []model.CanaryEvent) (string, error) {
	jes := make([]jsonCanaryEvent, 0, len(events))
	for _, e := range events {
		jes = append(jes, jsonCanaryEvent{
			Stage:      e.Stage,
			Percentage: e.Percentage,
			Action:     e.Action,
			Reason:     e.Reason,
			At:         toUnix(e.At),
		})
	}
	return marshalJSON(jes)
}

func scanCanary(s scanner) (model.Canary, error) {
	var c model.Canary
	var status, history string
	var createdAt, updatedAt int64

	err := s.Scan(
		&c.ID, &c.TaskID, &c.NewProgramID, &c.PreviousProgramID,
		&c.Stage, &c.Percentage, &status, &c.Reason, &history,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.Canary{}, err
	}

	var jes []jsonCanaryEvent
	if err := json.Unmarshal([]byte(history), &jes); err != nil {
		return model.Canary{}, fmt.Errorf("could not unmarshal canary history: %w", err)
	}
	for _, je := range jes {
		c.History = append(c.History, model.CanaryEvent{
			Stage:      je.Stage,
			Percentage: je.Percentage,
			Action:     je.Action,
			Reason:     je.Reason,
			At:         time.Unix(0, je.At).UTC(),
		})
	}
	c.Status = model.CanaryStatus(status)
	c.CreatedAt = fromUnix(createdAt)
	c.UpdatedAt = fromUnix(updatedAt)

	return c, nil
}
