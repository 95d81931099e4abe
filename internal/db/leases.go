package db

import (
	"context"

	"github.com/jimjrxieb/linkops/internal/errors"
)

// AcquireLease takes the lease on key for owner until expiresAt. An existing
// lease is only stolen once it has expired. Reports whether owner now holds it.
func AcquireLease(ctx context.Context, q Querier, key, owner string, now, expiresAt int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO distill_leases (window_key, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(window_key) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE distill_leases.expires_at <= ?
	`, key, owner, expiresAt, now)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease on key if owner still holds it.
func ReleaseLease(ctx context.Context, q Querier, key, owner string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM distill_leases WHERE window_key = ? AND owner = ?`, key, owner)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
