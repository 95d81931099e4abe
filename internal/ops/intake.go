package ops

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/errors"
)

// IntakeInput contains parameters for the Intake operation.
type IntakeInput struct {
	TaskID      string
	Description string
}

// IntakeOutput contains the result of the Intake operation.
type IntakeOutput struct {
	Evaluation *EvaluateOutput  `json:"evaluation"`
	Assignment *AssignOutput    `json:"assignment,omitempty"`
	Dispatched bool             `json:"dispatched"`
	Warnings   []errors.Warning `json:"warnings,omitempty"`
}

// Intake runs the full pipeline for one task: evaluate, then (unless approved
// knowledge already solves it) assign and dispatch. A nil dispatcher skips
// delivery.
func Intake(ctx context.Context, database *sql.DB, cfg *config.Config, dispatcher dispatch.Dispatcher, input IntakeInput) (*IntakeOutput, error) {
	ctx, span := startSpan(ctx, "Intake")
	defer span.End()

	eval, err := Evaluate(ctx, database, cfg, EvaluateInput(input))
	if err != nil {
		return nil, err
	}
	out := &IntakeOutput{Evaluation: eval}
	out.Warnings = append(out.Warnings, eval.Warnings...)
	if eval.AutoCompletable {
		return out, nil
	}

	confidence := eval.Confidence
	assigned, err := Assign(ctx, database, cfg, AssignInput{
		TaskID:     eval.TaskID,
		Category:   eval.Category,
		Options:    eval.RoutableOptions,
		Confidence: &confidence,
	})
	if err != nil {
		return nil, err
	}
	out.Assignment = assigned
	out.Warnings = append(out.Warnings, assigned.Warnings...)

	if dispatcher == nil {
		return out, nil
	}
	task := dispatch.Task{
		TaskID:     eval.TaskID,
		Category:   eval.Category,
		Handler:    assigned.TargetHandler,
		Payload:    input.Description,
		Confidence: assigned.Confidence,
		AssignedAt: now().Unix(),
	}
	if err := dispatcher.Dispatch(ctx, task); err != nil {
		warn(&out.Warnings, errors.WarnDispatchFailed,
			fmt.Errorf("dispatch to %s failed: %w", task.Handler, err), zap.String("task_id", task.TaskID))
		return out, nil
	}
	out.Dispatched = true
	return out, nil
}
