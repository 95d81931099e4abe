package db

import (
	"context"
	"database/sql"

	"github.com/jimjrxieb/linkops/internal/errors"
)

// HandlerLoad is the open-assignment counter for one handler.
type HandlerLoad struct {
	Handler   string `json:"handler"`
	Load      int    `json:"load"`
	Version   int64  `json:"-"`
	UpdatedAt int64  `json:"updated_at"`
}

// GetLoad returns the current counter for handler. Unknown handlers have
// load 0 and version 0.
func GetLoad(ctx context.Context, q Querier, handler string) (HandlerLoad, error) {
	hl := HandlerLoad{Handler: handler}
	err := q.QueryRowContext(ctx,
		`SELECT load, version, updated_at FROM handler_load WHERE handler = ?`, handler,
	).Scan(&hl.Load, &hl.Version, &hl.UpdatedAt)
	if err == sql.ErrNoRows {
		return hl, nil
	}
	if err != nil {
		return hl, errors.NewInternal(err)
	}
	return hl, nil
}

// ListLoads returns every tracked handler counter ordered by handler name.
func ListLoads(ctx context.Context, q Querier) ([]HandlerLoad, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT handler, load, version, updated_at FROM handler_load ORDER BY handler ASC`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []HandlerLoad
	for rows.Next() {
		var hl HandlerLoad
		if err := rows.Scan(&hl.Handler, &hl.Load, &hl.Version, &hl.UpdatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, hl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// CompareAndIncrementLoad bumps handler's load by one if its version still
// equals expected. It reports whether the swap won.
func CompareAndIncrementLoad(ctx context.Context, q Querier, handler string, expected int64, now int64) (bool, error) {
	var res sql.Result
	var err error
	if expected == 0 {
		// Row may not exist yet; the first writer creates it.
		res, err = q.ExecContext(ctx, `
			INSERT INTO handler_load (handler, load, version, updated_at)
			VALUES (?, 1, 1, ?)
			ON CONFLICT(handler) DO UPDATE
			SET load = load + 1, version = version + 1, updated_at = excluded.updated_at
			WHERE handler_load.version = 0
		`, handler, now)
	} else {
		res, err = q.ExecContext(ctx, `
			UPDATE handler_load
			SET load = load + 1, version = version + 1, updated_at = ?
			WHERE handler = ? AND version = ?
		`, now, handler, expected)
	}
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n == 1, nil
}

// DecrementLoad lowers handler's load by one, never below zero.
func DecrementLoad(ctx context.Context, q Querier, handler string, now int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE handler_load
		SET load = MAX(load - 1, 0), version = version + 1, updated_at = ?
		WHERE handler = ?
	`, now, handler)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// SetLoad overwrites handler's counter. Used by reconciliation.
func SetLoad(ctx context.Context, q Querier, handler string, load int, now int64) error {
	if load < 0 {
		load = 0
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO handler_load (handler, load, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(handler) DO UPDATE
		SET load = excluded.load, version = handler_load.version + 1, updated_at = excluded.updated_at
	`, handler, load, now)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
