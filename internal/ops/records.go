package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

// MaxSanitizeBatch bounds how many ids one sanitize call may flip.
const MaxSanitizeBatch = 500

// AppendRecordInput contains parameters for the AppendRecord operation.
type AppendRecordInput struct {
	SourceAgent  string
	TaskID       string
	RecordType   knowledge.RecordType // default: task
	Action       string
	Success      bool
	Detail       string
	CategoryTags []string
	CreatedAt    *int64 // optional backfill timestamp (unix seconds)
}

// AppendRecordOutput contains the result of the AppendRecord operation.
type AppendRecordOutput struct {
	ID              string           `json:"id"`
	CreatedAt       int64            `json:"created_at"`
	ReleasedHandler string           `json:"released_handler,omitempty"`
	Warnings        []errors.Warning `json:"warnings,omitempty"`
}

// AppendRecord logs one unit of agent activity. Records are append-only.
// A completion record releases the task's open assignment the same way
// Complete does, preferring one held by the source agent.
func AppendRecord(ctx context.Context, database *sql.DB, input AppendRecordInput) (*AppendRecordOutput, error) {
	ctx, span := startSpan(ctx, "AppendRecord")
	defer span.End()

	source := strings.TrimSpace(input.SourceAgent)
	if source == "" {
		return nil, errors.NewInvalidRequest("source_agent is required")
	}
	taskID := strings.TrimSpace(input.TaskID)
	if taskID == "" {
		return nil, errors.NewInvalidRequest("task_id is required")
	}
	if strings.TrimSpace(input.Action) == "" {
		return nil, errors.NewInvalidRequest("action is required")
	}
	if input.RecordType == "" {
		input.RecordType = knowledge.RecordTask
	}
	if !knowledge.ValidRecordType(input.RecordType) {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("record_type must be one of: %s", joinRecordTypes()))
	}

	createdAt := now().Unix()
	if input.CreatedAt != nil {
		if *input.CreatedAt <= 0 {
			return nil, errors.NewInvalidRequest("created_at must be a positive unix timestamp")
		}
		createdAt = *input.CreatedAt
	}

	r := &knowledge.Record{
		ID:           newID(),
		SourceAgent:  source,
		TaskID:       taskID,
		RecordType:   input.RecordType,
		Action:       input.Action,
		Result:       knowledge.Result{Success: input.Success, Detail: input.Detail},
		CreatedAt:    createdAt,
		CategoryTags: cleanTags(input.CategoryTags),
	}
	if err := db.InsertRecord(ctx, database, r); err != nil {
		return nil, err
	}
	out := &AppendRecordOutput{ID: r.ID, CreatedAt: r.CreatedAt}
	if r.RecordType == knowledge.RecordCompletion {
		releaseForRecord(ctx, database, r, out)
	}
	return out, nil
}

func releaseForRecord(ctx context.Context, database *sql.DB, r *knowledge.Record, out *AppendRecordOutput) {
	lctx, cancel := logContext(ctx, 0)
	defer cancel()

	ts := now().Unix()
	closed, _, err := releaseAssignment(lctx, database, r.TaskID, r.SourceAgent, ts)
	if err == nil && closed == nil {
		closed, _, err = releaseAssignment(lctx, database, r.TaskID, "", ts)
	}
	if err != nil {
		warn(&out.Warnings, errors.WarnDegradedLoad, err, zap.String("task_id", r.TaskID))
		return
	}
	if closed != nil {
		out.ReleasedHandler = closed.Handler
	}
}

// SanitizeInput contains parameters for the MarkSanitized operation.
type SanitizeInput struct {
	IDs []string
}

// SanitizeOutput contains the result of the MarkSanitized operation.
type SanitizeOutput struct {
	Requested int `json:"requested"`
	Sanitized int `json:"sanitized"`
}

// MarkSanitized flips records to sanitized on behalf of the external
// sanitization step. Unknown and already-sanitized ids are ignored.
func MarkSanitized(ctx context.Context, database *sql.DB, input SanitizeInput) (*SanitizeOutput, error) {
	ctx, span := startSpan(ctx, "MarkSanitized")
	defer span.End()

	ids := make([]string, 0, len(input.IDs))
	seen := make(map[string]bool, len(input.IDs))
	for _, id := range input.IDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.NewInvalidRequest("ids must contain at least one record id")
	}
	if len(ids) > MaxSanitizeBatch {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("at most %d ids per call", MaxSanitizeBatch))
	}

	n, err := db.MarkSanitized(ctx, database, ids)
	if err != nil {
		return nil, err
	}
	return &SanitizeOutput{Requested: len(ids), Sanitized: n}, nil
}

// TaskHistoryOutput lists every record logged for one task.
type TaskHistoryOutput struct {
	TaskID  string             `json:"task_id"`
	Records []knowledge.Record `json:"records"`
}

// TaskHistory returns a task's records oldest first. Corrections show up as
// later records with the same task id.
func TaskHistory(ctx context.Context, database *sql.DB, taskID string) (*TaskHistoryOutput, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.NewInvalidRequest("task_id is required")
	}
	records, err := db.ListRecordsByTask(ctx, database, taskID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []knowledge.Record{}
	}
	return &TaskHistoryOutput{TaskID: taskID, Records: records}, nil
}

func cleanTags(tags []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range tags {
		t = knowledge.Normalize(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func joinRecordTypes() string {
	names := make([]string, len(knowledge.RecordTypes))
	for i, t := range knowledge.RecordTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
