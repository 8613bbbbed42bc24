package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
)

const taskColumns = `
	id, name, payload, urgency, status, created_at,
	scheduled_for, executed_at, completed_at,
	estimated_power_watts, actual_power_watts, result,
	error, last_decision_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var payload, result []byte
	var scheduledFor, executedAt, completedAt sql.NullTime
	var actualWatts sql.NullInt64
	var errMsg, lastDecisionID sql.NullString

	if err := row.Scan(
		&t.ID,
		&t.Name,
		&payload,
		&t.Urgency,
		&t.Status,
		&t.CreatedAt,
		&scheduledFor,
		&executedAt,
		&completedAt,
		&t.EstimatedPowerWatts,
		&actualWatts,
		&result,
		&errMsg,
		&lastDecisionID,
	); err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	t.ScheduledFor = timePtr(scheduledFor)
	t.ExecutedAt = timePtr(executedAt)
	t.CompletedAt = timePtr(completedAt)
	if actualWatts.Valid {
		w := int(actualWatts.Int64)
		t.ActualPowerWatts = &w
	}
	t.Error = errMsg.String
	t.LastDecisionID = lastDecisionID.String

	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	return insertTask(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, t *task.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var result any
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		result = b
	}

	query := `
		INSERT INTO tasks (
			id, name, payload, urgency, status, created_at,
			scheduled_for, executed_at, completed_at,
			estimated_power_watts, actual_power_watts, result,
			error, last_decision_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			scheduled_for = EXCLUDED.scheduled_for,
			executed_at = EXCLUDED.executed_at,
			completed_at = EXCLUDED.completed_at,
			actual_power_watts = EXCLUDED.actual_power_watts,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			last_decision_id = EXCLUDED.last_decision_id
	`

	_, err = db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Name,
		payload,
		string(t.Urgency),
		string(t.Status),
		t.CreatedAt,
		nullTime(t.ScheduledFor),
		nullTime(t.ExecutedAt),
		nullTime(t.CompletedAt),
		t.EstimatedPowerWatts,
		nullInt(t.ActualPowerWatts),
		result,
		nullString(t.Error),
		nullString(t.LastDecisionID),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *Store) CreateTaskWithDecision(ctx context.Context, t *task.Task, rec *models.DecisionRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		return insertDecision(ctx, tx, rec)
	})
}

func (s *Store) TransitionTask(
	ctx context.Context,
	taskID string,
	allowedFrom []task.TaskStatus,
	to task.TaskStatus,
	scheduledFor *time.Time,
	rec *models.DecisionRecord,
) (bool, error) {
	var moved bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := transitionTaskTx(ctx, tx, taskID, allowedFrom, to, scheduledFor, rec)
		if err != nil {
			return err
		}
		moved = ok
		return nil
	})

	return moved, err
}

// transitionTaskTx applies a guarded status change inside tx. A transition to the
// current status is allowed when the status is listed in allowedFrom; it reschedules.
func transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []task.TaskStatus,
	to task.TaskStatus,
	scheduledFor *time.Time,
	rec *models.DecisionRecord,
) (bool, error) {
	var current task.TaskStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, repository.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to select task for transition: %w", err)
	}

	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if current != to && !task.CanTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	var executedAt *time.Time
	if to == task.StatusExecuting {
		now := time.Now().UTC()
		executedAt = &now
	}
	var decisionID any
	if rec != nil {
		decisionID = rec.ID
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1,
		    scheduled_for = COALESCE($2, scheduled_for),
		    executed_at = COALESCE($3, executed_at),
		    last_decision_id = COALESCE($4, last_decision_id)
		WHERE id = $5 AND status = $6
	`, string(to), nullTime(scheduledFor), nullTime(executedAt), decisionID, taskID, string(current))
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}

	if rec != nil {
		if err := insertDecision(ctx, tx, rec); err != nil {
			return false, err
		}
	}

	return true, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, result map[string]any, actualWatts int, carbon *models.CarbonRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := completeTaskTx(ctx, tx, taskID, result, actualWatts); err != nil {
			return err
		}
		if carbon == nil {
			return nil
		}
		return insertCarbonRecord(ctx, tx, carbon)
	})
}

func completeTaskTx(ctx context.Context, tx *sql.Tx, taskID string, result map[string]any, actualWatts int) error {
	var resultJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = b
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed',
		    completed_at = NOW(),
		    actual_power_watts = $1,
		    result = $2
		WHERE id = $3 AND status = 'executing'
	`, actualWatts, resultJSON, taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	return expectOneRow(res)
}

func (s *Store) FailTask(ctx context.Context, taskID string, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return failTaskTx(ctx, tx, taskID, reason)
	})
}

func failTaskTx(ctx context.Context, tx *sql.Tx, taskID string, reason string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed',
		    completed_at = NOW(),
		    error = $1
		WHERE id = $2 AND status = 'executing'
	`, reason, taskID)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}

	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected != 1 {
		return repository.ErrStaleTransition
	}
	return nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, status task.TaskStatus) ([]*task.Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC`
	return s.queryTasks(ctx, query, string(status))
}

func (s *Store) GetRecentTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks ORDER BY created_at DESC LIMIT $1`
	return s.queryTasks(ctx, query, limit)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	counts := make(map[task.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[task.TaskStatus(status)] = n
	}

	return counts, rows.Err()
}

func statusArray[T ~string](statuses []T) any {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return pq.Array(out)
}
