package ops

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
)

// ReconcileInput contains parameters for the ReconcileLoad operation.
type ReconcileInput struct {
	StaleAfter time.Duration // default: cfg.LoadStaleAfter()
}

// ReconcileOutput contains the result of the ReconcileLoad operation.
type ReconcileOutput struct {
	ClosedStale int              `json:"closed_stale"`
	Corrected   int              `json:"corrected"`
	Loads       []db.HandlerLoad `json:"loads"`
}

// ReconcileLoad closes assignments that never saw a completion within the
// stale window, then resets every counter to its handler's open assignment
// count so lost compare-and-swap updates heal.
func ReconcileLoad(ctx context.Context, database *sql.DB, cfg *config.Config, input ReconcileInput) (*ReconcileOutput, error) {
	ctx, span := startSpan(ctx, "ReconcileLoad")
	defer span.End()

	staleAfter := input.StaleAfter
	if staleAfter <= 0 {
		staleAfter = cfg.LoadStaleAfter()
	}
	if staleAfter <= 0 {
		return nil, errors.NewInvalidRequest("stale_after must be positive")
	}

	ts := now()
	cutoff := ts.Add(-staleAfter).Unix()
	out := &ReconcileOutput{}

	stale, err := db.ListStaleOpen(ctx, database, cutoff)
	if err != nil {
		return nil, err
	}
	for _, a := range stale {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("reconcile")
		}
		closed, err := db.CloseStale(ctx, database, a.ID, ts.Unix())
		if err != nil {
			return nil, err
		}
		if closed {
			out.ClosedStale++
			logger().Info("closed stale assignment",
				zap.String("task_id", a.TaskID), zap.String("handler", a.Handler))
		}
	}

	open, err := db.CountOpenByHandler(ctx, database)
	if err != nil {
		return nil, err
	}
	loads, err := db.ListLoads(ctx, database)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, hl := range loads {
		seen[hl.Handler] = true
		if hl.Load != open[hl.Handler] {
			if err := db.SetLoad(ctx, database, hl.Handler, open[hl.Handler], ts.Unix()); err != nil {
				return nil, err
			}
			out.Corrected++
		}
	}
	for handler, n := range open {
		if !seen[handler] {
			if err := db.SetLoad(ctx, database, handler, n, ts.Unix()); err != nil {
				return nil, err
			}
			out.Corrected++
		}
	}

	out.Loads, err = db.ListLoads(ctx, database)
	if err != nil {
		return nil, err
	}
	if out.Loads == nil {
		out.Loads = []db.HandlerLoad{}
	}
	return out, nil
}
