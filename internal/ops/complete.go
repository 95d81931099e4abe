package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

// CompleteInput contains parameters for the Complete operation.
type CompleteInput struct {
	TaskID  string
	Handler string // optional; narrows which open assignment is closed
	Success bool
	Detail  string
	Action  string // optional; default "complete <task_id>"
}

// CompleteOutput contains the result of the Complete operation.
type CompleteOutput struct {
	TaskID      string           `json:"task_id"`
	RecordID    string           `json:"record_id,omitempty"`
	Handler     string           `json:"handler,omitempty"`
	ClosedOpen  bool             `json:"closed_assignment"`
	HandlerLoad int              `json:"handler_load"`
	Warnings    []errors.Warning `json:"warnings,omitempty"`
}

// Complete records a handler's result for a task and releases the handler's
// load. Completions without a matching open assignment are logged and
// otherwise ignored, so the counter never drops below zero.
func Complete(ctx context.Context, database *sql.DB, cfg *config.Config, input CompleteInput) (*CompleteOutput, error) {
	ctx, span := startSpan(ctx, "Complete")
	defer span.End()

	taskID := strings.TrimSpace(input.TaskID)
	if taskID == "" {
		return nil, errors.NewInvalidRequest("task_id is required")
	}
	handler := strings.TrimSpace(input.Handler)
	action := strings.TrimSpace(input.Action)
	if action == "" {
		action = "complete " + taskID
	}
	source := handler
	if source == "" {
		source = "handler"
	}

	out := &CompleteOutput{TaskID: taskID, Handler: handler}
	out.RecordID = logRecord(ctx, database, cfg, &out.Warnings, &knowledge.Record{
		SourceAgent: source,
		TaskID:      taskID,
		RecordType:  knowledge.RecordCompletion,
		Action:      action,
		Result:      knowledge.Result{Success: input.Success, Detail: input.Detail},
	})

	lctx, cancel := logContext(ctx, cfg.LogWriteTimeout())
	defer cancel()

	closed, load, err := releaseAssignment(lctx, database, taskID, handler, now().Unix())
	if err != nil {
		warn(&out.Warnings, errors.WarnDegradedLoad, err, zap.String("task_id", taskID))
		return out, nil
	}
	if closed == nil {
		logger().Info("completion without open assignment", zap.String("task_id", taskID), zap.String("handler", handler))
		return out, nil
	}
	out.ClosedOpen = true
	out.Handler = closed.Handler
	out.HandlerLoad = load
	return out, nil
}

// releaseAssignment closes the oldest open assignment of taskID (limited to
// handler when set) and gives its load back. It returns nil when nothing was
// open, along with the handler's load after the release.
func releaseAssignment(ctx context.Context, database *sql.DB, taskID, handler string, ts int64) (*db.Assignment, int, error) {
	closed, err := db.CloseOldestOpen(ctx, database, taskID, handler, ts)
	if err != nil || closed == nil {
		return nil, 0, err
	}
	if err := db.DecrementLoad(ctx, database, closed.Handler, ts); err != nil {
		return closed, 0, fmt.Errorf("load decrement for %s failed: %w", closed.Handler, err)
	}
	hl, err := db.GetLoad(ctx, database, closed.Handler)
	if err != nil {
		return closed, 0, nil
	}
	return closed, hl.Load, nil
}
