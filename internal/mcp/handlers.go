package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/lease"
	"github.com/jimjrxieb/linkops/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db         *sql.DB
	cfg        *config.Config
	dispatcher dispatch.Dispatcher
	locker     lease.Locker
}

// NewHandlers creates a new Handlers instance. A nil locker falls back to the
// SQLite lease table.
func NewHandlers(db *sql.DB, cfg *config.Config, dispatcher dispatch.Dispatcher, locker lease.Locker) *Handlers {
	if locker == nil {
		locker = lease.NewSQLite(db)
	}
	return &Handlers{db: db, cfg: cfg, dispatcher: dispatcher, locker: locker}
}

// Request types for each tool

// TaskRequest represents the arguments for task_evaluate and task_intake.
type TaskRequest struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
}

// AssignRequest represents the arguments for task_assign.
type AssignRequest struct {
	TaskID     string   `json:"task_id"`
	Category   string   `json:"category"`
	Options    []string `json:"options,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// CompleteRequest represents the arguments for task_complete.
type CompleteRequest struct {
	TaskID  string `json:"task_id"`
	Handler string `json:"handler,omitempty"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
	Action  string `json:"action,omitempty"`
}

// HistoryRequest represents the arguments for task_history.
type HistoryRequest struct {
	TaskID string `json:"task_id"`
}

// AppendRecordRequest represents the arguments for record_append.
type AppendRecordRequest struct {
	SourceAgent  string   `json:"source_agent"`
	TaskID       string   `json:"task_id"`
	RecordType   string   `json:"record_type,omitempty"`
	Action       string   `json:"action"`
	Success      bool     `json:"success,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	CategoryTags []string `json:"category_tags,omitempty"`
	CreatedAt    *int64   `json:"created_at,omitempty"`
}

// SanitizeRequest represents the arguments for record_sanitize.
type SanitizeRequest struct {
	IDs []string `json:"ids"`
}

// ListPendingRequest represents the arguments for artifact_list_pending.
type ListPendingRequest struct {
	Category *string `json:"category,omitempty"`
	Limit    int     `json:"limit,omitempty"`
	Offset   int     `json:"offset,omitempty"`
}

// ArtifactRequest represents the arguments for artifact_fetch, artifact_approve and artifact_reject.
type ArtifactRequest struct {
	ID string `json:"id"`
}

// CategoryRequest represents the arguments for knowledge_list.
type CategoryRequest struct {
	Category *string `json:"category,omitempty"`
}

// ExportRequest represents the arguments for knowledge_export.
type ExportRequest struct {
	Path     string  `json:"path,omitempty"`
	Category *string `json:"category,omitempty"`
}

// DistillRequest represents the arguments for distill_run.
type DistillRequest struct {
	Date        string `json:"date,omitempty"`
	WindowStart *int64 `json:"window_start,omitempty"`
	WindowEnd   *int64 `json:"window_end,omitempty"`
}

// DigestRequest represents the arguments for digest_get.
type DigestRequest struct {
	Date   string `json:"date,omitempty"`
	Format string `json:"format,omitempty"`
}

// ReconcileRequest represents the arguments for load_reconcile.
type ReconcileRequest struct {
	StaleAfterMinutes int `json:"stale_after_minutes,omitempty"`
}

// HandleEvaluate handles the task_evaluate tool call.
func (h *Handlers) HandleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TaskRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Evaluate(ctx, h.db, h.cfg, ops.EvaluateInput{
		TaskID:      input.TaskID,
		Description: input.Description,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleAssign handles the task_assign tool call.
func (h *Handlers) HandleAssign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AssignRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Assign(ctx, h.db, h.cfg, ops.AssignInput{
		TaskID:     input.TaskID,
		Category:   input.Category,
		Options:    input.Options,
		Confidence: input.Confidence,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleIntake handles the task_intake tool call.
func (h *Handlers) HandleIntake(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TaskRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Intake(ctx, h.db, h.cfg, h.dispatcher, ops.IntakeInput{
		TaskID:      input.TaskID,
		Description: input.Description,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleComplete handles the task_complete tool call.
func (h *Handlers) HandleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CompleteRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Complete(ctx, h.db, h.cfg, ops.CompleteInput{
		TaskID:  input.TaskID,
		Handler: input.Handler,
		Success: input.Success,
		Detail:  input.Detail,
		Action:  input.Action,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleHistory handles the task_history tool call.
func (h *Handlers) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.TaskHistory(ctx, h.db, input.TaskID)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleAppendRecord handles the record_append tool call.
func (h *Handlers) HandleAppendRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AppendRecordRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.AppendRecord(ctx, h.db, ops.AppendRecordInput{
		SourceAgent:  input.SourceAgent,
		TaskID:       input.TaskID,
		RecordType:   knowledge.RecordType(input.RecordType),
		Action:       input.Action,
		Success:      input.Success,
		Detail:       input.Detail,
		CategoryTags: input.CategoryTags,
		CreatedAt:    input.CreatedAt,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleSanitize handles the record_sanitize tool call.
func (h *Handlers) HandleSanitize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SanitizeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.MarkSanitized(ctx, h.db, ops.SanitizeInput{IDs: input.IDs})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleListPending handles the artifact_list_pending tool call.
func (h *Handlers) HandleListPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListPendingRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ListPending(ctx, h.db, ops.ListPendingInput{
		Category: input.Category,
		Limit:    input.Limit,
		Offset:   input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleFetchArtifact handles the artifact_fetch tool call.
func (h *Handlers) HandleFetchArtifact(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ArtifactRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.FetchArtifact(ctx, h.db, input.ID)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleApprove handles the artifact_approve tool call.
func (h *Handlers) HandleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ArtifactRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Approve(ctx, h.db, ops.DecisionInput{ID: input.ID})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleReject handles the artifact_reject tool call.
func (h *Handlers) HandleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ArtifactRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Reject(ctx, h.db, ops.DecisionInput{ID: input.ID})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleListKnowledge handles the knowledge_list tool call.
func (h *Handlers) HandleListKnowledge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CategoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ListKnowledge(ctx, h.db, input.Category)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleExport handles the knowledge_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ExportKnowledge(ctx, h.db, h.cfg, ops.ExportInput{
		Path:     input.Path,
		Category: input.Category,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleListCategories handles the category_list tool call.
func (h *Handlers) HandleListCategories(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.ListCategories(ctx, h.db)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleDistill handles the distill_run tool call.
func (h *Handlers) HandleDistill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DistillRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	window, err := distillWindow(input)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Distill(ctx, h.db, h.cfg, h.locker, window)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// distillWindow resolves either a date or an explicit window. A date wins
// when both are given.
func distillWindow(input DistillRequest) (ops.DistillInput, error) {
	if input.Date != "" {
		day, err := time.Parse(ops.DateLayout, input.Date)
		if err != nil {
			return ops.DistillInput{}, errors.NewInvalidRequest("date must be YYYY-MM-DD")
		}
		return ops.DistillInput{
			WindowStart: day.Unix(),
			WindowEnd:   day.Add(24 * time.Hour).Unix(),
		}, nil
	}
	if input.WindowStart == nil || input.WindowEnd == nil {
		return ops.DistillInput{}, errors.NewInvalidRequest("date or window_start and window_end are required")
	}
	return ops.DistillInput{WindowStart: *input.WindowStart, WindowEnd: *input.WindowEnd}, nil
}

// DigestMarkdown is the digest_get result when format is markdown.
type DigestMarkdown struct {
	Date     string `json:"date"`
	Markdown string `json:"markdown"`
}

// HandleDigest handles the digest_get tool call.
func (h *Handlers) HandleDigest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DigestRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Format != "" && input.Format != "json" && input.Format != "markdown" {
		return errorResult(errors.NewInvalidRequest("format must be json or markdown")), nil
	}

	result, err := ops.Digest(ctx, h.db, ops.DigestInput{Date: input.Date})
	if err != nil {
		return errorResult(err), nil
	}

	if input.Format == "markdown" {
		return successResult(DigestMarkdown{Date: result.Date, Markdown: ops.RenderMarkdown(result)})
	}
	return successResult(result)
}

// HandleReconcile handles the load_reconcile tool call.
func (h *Handlers) HandleReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ReconcileRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.StaleAfterMinutes < 0 {
		return errorResult(errors.NewInvalidRequest("stale_after_minutes must not be negative")), nil
	}

	result, err := ops.ReconcileLoad(ctx, h.db, h.cfg, ops.ReconcileInput{
		StaleAfter: time.Duration(input.StaleAfterMinutes) * time.Minute,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are never exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if lErr, ok := err.(*errors.LinkOpsError); ok {
		errorObj := map[string]any{
			"code":    lErr.Code,
			"message": lErr.Message,
			"status":  lErr.Status,
		}
		if lErr.Code != errors.ErrInternal && lErr.Details != nil {
			errorObj["details"] = lErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
