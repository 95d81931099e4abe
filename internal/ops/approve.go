package ops

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/metrics"
)

// DecisionInput contains parameters for the Approve and Reject operations.
type DecisionInput struct {
	ID string
}

// DecisionOutput contains the result of the Approve and Reject operations.
type DecisionOutput struct {
	ID        string          `json:"id"`
	State     knowledge.State `json:"state"`
	Changed   bool            `json:"changed"`
	DecidedAt *int64          `json:"decided_at,omitempty"`
}

// Approve moves a pending artifact to approved and merges it into its
// category's knowledge. Approving an approved or auto-approved artifact is a
// no-op; approving a rejected one is INVALID_STATE.
func Approve(ctx context.Context, database *sql.DB, input DecisionInput) (*DecisionOutput, error) {
	ctx, span := startSpan(ctx, "Approve")
	defer span.End()
	return decide(ctx, database, input.ID, knowledge.StateApproved)
}

// Reject moves a pending artifact to rejected. It stays stored for audit but
// never matches a task. Rejecting a rejected artifact is a no-op; rejecting
// an approved or auto-approved one is INVALID_STATE.
func Reject(ctx context.Context, database *sql.DB, input DecisionInput) (*DecisionOutput, error) {
	ctx, span := startSpan(ctx, "Reject")
	defer span.End()
	return decide(ctx, database, input.ID, knowledge.StateRejected)
}

func decide(ctx context.Context, database *sql.DB, id string, target knowledge.State) (*DecisionOutput, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}

	var out *DecisionOutput
	err := db.WithTx(ctx, database, func(tx *sql.Tx) error {
		// The swap is the first statement so the write lock is taken before any read.
		ts := now().Unix()
		swapped, err := db.CompareAndSetState(ctx, tx, id, knowledge.StatePending, target, ts)
		if err != nil {
			return err
		}
		a, err := db.GetArtifact(ctx, tx, id)
		if err != nil {
			return err
		}
		if !swapped {
			out, err = settled(a, target)
			return err
		}
		if target == knowledge.StateApproved {
			if err := db.MergeIntoCategory(ctx, tx, a.CategoryID, ts); err != nil {
				return err
			}
		}
		out = &DecisionOutput{ID: id, State: target, Changed: true, DecidedAt: &ts}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Changed {
		metrics.Default().IncTransition(string(out.State))
		logger().Info("artifact decided", zap.String("id", id), zap.String("state", string(out.State)))
	}
	return out, nil
}

// settled answers a decision on an artifact that is already terminal.
func settled(a *knowledge.Artifact, target knowledge.State) (*DecisionOutput, error) {
	sameSide := a.State == target ||
		(target == knowledge.StateApproved && a.State == knowledge.StateAutoApproved)
	if !sameSide {
		return nil, errors.NewInvalidState(a.ID, string(a.State), string(target))
	}
	return &DecisionOutput{ID: a.ID, State: a.State, Changed: false, DecidedAt: a.DecidedAt}, nil
}
