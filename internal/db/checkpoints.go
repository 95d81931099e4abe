package db

import (
	"context"
	"database/sql"

	"github.com/jimjrxieb/linkops/internal/errors"
)

// Checkpoint records how many records of a group a window already contributed
// to its artifact.
type Checkpoint struct {
	WindowKey   string
	GroupKey    string
	ArtifactID  string
	Contributed int
	CreatedAt   int64
	UpdatedAt   int64
}

// GetCheckpoint returns the checkpoint for (windowKey, groupKey), or nil.
func GetCheckpoint(ctx context.Context, q Querier, windowKey, groupKey string) (*Checkpoint, error) {
	cp := Checkpoint{WindowKey: windowKey, GroupKey: groupKey}
	err := q.QueryRowContext(ctx, `
		SELECT artifact_id, contributed, created_at, updated_at
		FROM distill_checkpoints
		WHERE window_key = ? AND group_key = ?
	`, windowKey, groupKey).Scan(&cp.ArtifactID, &cp.Contributed, &cp.CreatedAt, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &cp, nil
}

// PutCheckpoint inserts or replaces the checkpoint for cp's window and group.
func PutCheckpoint(ctx context.Context, q Querier, cp *Checkpoint) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO distill_checkpoints (window_key, group_key, artifact_id, contributed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_key, group_key) DO UPDATE
		SET artifact_id = excluded.artifact_id,
		    contributed = excluded.contributed,
		    updated_at = excluded.updated_at
	`, cp.WindowKey, cp.GroupKey, cp.ArtifactID, cp.Contributed, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
