package db

import (
	"context"
	"database/sql"

	"github.com/jimjrxieb/linkops/internal/errors"
)

// Close reasons stored on assignments.
const (
	CloseReasonCompleted = "completed"
	CloseReasonStale     = "stale"
)

// Assignment is an open or closed handler assignment for a task.
type Assignment struct {
	ID          string
	TaskID      string
	Handler     string
	AssignedAt  int64
	ClosedAt    *int64
	CloseReason string
}

// OpenAssignment records that handler took on task.
func OpenAssignment(ctx context.Context, q Querier, a *Assignment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO assignments (id, task_id, handler, assigned_at)
		VALUES (?, ?, ?, ?)
	`, a.ID, a.TaskID, a.Handler, a.AssignedAt)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// CloseOldestOpen closes the oldest open assignment for taskID. If handler is
// non-empty only that handler's assignments qualify. Returns nil when there is
// nothing open.
func CloseOldestOpen(ctx context.Context, q Querier, taskID, handler string, now int64) (*Assignment, error) {
	query := `
		SELECT id, task_id, handler, assigned_at
		FROM assignments
		WHERE task_id = ? AND closed_at IS NULL`
	args := []any{taskID}
	if handler != "" {
		query += ` AND handler = ?`
		args = append(args, handler)
	}
	query += ` ORDER BY assigned_at ASC, id ASC LIMIT 1`

	var a Assignment
	err := q.QueryRowContext(ctx, query, args...).Scan(&a.ID, &a.TaskID, &a.Handler, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	closed, err := closeAssignment(ctx, q, a.ID, CloseReasonCompleted, now)
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, nil
	}
	a.ClosedAt = &now
	a.CloseReason = CloseReasonCompleted
	return &a, nil
}

// ListStaleOpen returns open assignments assigned before cutoff, oldest first.
func ListStaleOpen(ctx context.Context, q Querier, cutoff int64) ([]Assignment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, task_id, handler, assigned_at
		FROM assignments
		WHERE closed_at IS NULL AND assigned_at < ?
		ORDER BY assigned_at ASC, id ASC
	`, cutoff)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Handler, &a.AssignedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// CloseStale closes one stale assignment. Reports false if someone else
// closed it first.
func CloseStale(ctx context.Context, q Querier, id string, now int64) (bool, error) {
	return closeAssignment(ctx, q, id, CloseReasonStale, now)
}

// CountOpenByHandler returns the number of open assignments per handler.
func CountOpenByHandler(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT handler, COUNT(*) FROM assignments
		WHERE closed_at IS NULL
		GROUP BY handler
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var h string
		var n int
		if err := rows.Scan(&h, &n); err != nil {
			return nil, errors.NewInternal(err)
		}
		out[h] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

func closeAssignment(ctx context.Context, q Querier, id, reason string, now int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE assignments SET closed_at = ?, close_reason = ?
		WHERE id = ? AND closed_at IS NULL
	`, now, reason, id)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n == 1, nil
}
