package web

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/lease"
	"github.com/jimjrxieb/linkops/internal/ops"
)

// Handlers contains HTTP route handlers for the JSON API.
type Handlers struct {
	db         *sql.DB
	cfg        *config.Config
	dispatcher dispatch.Dispatcher
	locker     lease.Locker
	version    string
	logger     *zap.Logger
}

// NewHandlers wires handlers to their dependencies. A nil locker falls back to
// the SQLite lease table.
func NewHandlers(db *sql.DB, cfg *config.Config, dispatcher dispatch.Dispatcher, locker lease.Locker, version string) *Handlers {
	if locker == nil {
		locker = lease.NewSQLite(db)
	}
	return &Handlers{
		db:         db,
		cfg:        cfg,
		dispatcher: dispatcher,
		locker:     locker,
		version:    version,
		logger:     zap.L().Named("web"),
	}
}

type taskBody struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
}

type assignBody struct {
	TaskID     string   `json:"task_id"`
	Category   string   `json:"category"`
	Options    []string `json:"options,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type completeBody struct {
	Handler string `json:"handler,omitempty"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
	Action  string `json:"action,omitempty"`
}

type recordBody struct {
	SourceAgent  string   `json:"source_agent"`
	TaskID       string   `json:"task_id"`
	RecordType   string   `json:"record_type,omitempty"`
	Action       string   `json:"action"`
	Success      bool     `json:"success,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	CategoryTags []string `json:"category_tags,omitempty"`
	CreatedAt    *int64   `json:"created_at,omitempty"`
}

type sanitizeBody struct {
	IDs []string `json:"ids"`
}

type exportBody struct {
	Path     string  `json:"path,omitempty"`
	Category *string `json:"category,omitempty"`
}

type distillBody struct {
	Date        string `json:"date,omitempty"`
	WindowStart int64  `json:"window_start,omitempty"`
	WindowEnd   int64  `json:"window_end,omitempty"`
}

type reconcileBody struct {
	StaleAfterMinutes int `json:"stale_after_minutes,omitempty"`
}

// healthChecker is implemented by lease backends with a remote dependency.
type healthChecker interface {
	Health(ctx context.Context) error
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"db": "ok"}
	status := http.StatusOK
	if err := h.db.PingContext(r.Context()); err != nil {
		checks["db"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if hc, ok := h.locker.(healthChecker); ok {
		checks["lease"] = "ok"
		if err := hc.Health(r.Context()); err != nil {
			checks["lease"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	renderJSON(w, status, map[string]any{"version": h.version, "checks": checks})
}

// HandleEvaluate handles POST /v1/tasks/evaluate.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[taskBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	out, err := ops.Evaluate(r.Context(), h.db, h.cfg, ops.EvaluateInput{
		TaskID:      body.TaskID,
		Description: body.Description,
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleAssign handles POST /v1/tasks/assign.
func (h *Handlers) HandleAssign(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[assignBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	out, err := ops.Assign(r.Context(), h.db, h.cfg, ops.AssignInput{
		TaskID:     body.TaskID,
		Category:   body.Category,
		Options:    body.Options,
		Confidence: body.Confidence,
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleIntake handles POST /v1/tasks/intake.
func (h *Handlers) HandleIntake(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[taskBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	out, err := ops.Intake(r.Context(), h.db, h.cfg, h.dispatcher, ops.IntakeInput{
		TaskID:      body.TaskID,
		Description: body.Description,
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusAccepted, out)
}

// HandleComplete handles POST /v1/tasks/{taskID}/complete.
func (h *Handlers) HandleComplete(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[completeBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	out, err := ops.Complete(r.Context(), h.db, h.cfg, ops.CompleteInput{
		TaskID:  chi.URLParam(r, "taskID"),
		Handler: body.Handler,
		Success: body.Success,
		Detail:  body.Detail,
		Action:  body.Action,
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleHistory handles GET /v1/tasks/{taskID}/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	out, err := ops.TaskHistory(r.Context(), h.db, chi.URLParam(r, "taskID"))
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleAppendRecord handles POST /v1/records.
func (h *Handlers) HandleAppendRecord(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[recordBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	out, err := ops.AppendRecord(r.Context(), h.db, ops.AppendRecordInput{
		SourceAgent:  body.SourceAgent,
		TaskID:       body.TaskID,
		RecordType:   knowledge.RecordType(body.RecordType),
		Action:       body.Action,
		Success:      body.Success,
		Detail:       body.Detail,
		CategoryTags: body.CategoryTags,
		CreatedAt:    body.CreatedAt,
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusCreated, out)
}

// HandleSanitize handles POST /v1/records/sanitize.
func (h *Handlers) HandleSanitize(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[sanitizeBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	out, err := ops.MarkSanitized(r.Context(), h.db, ops.SanitizeInput{IDs: body.IDs})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleListPending handles GET /v1/artifacts/pending.
func (h *Handlers) HandleListPending(w http.ResponseWriter, r *http.Request) {
	out, err := ops.ListPending(r.Context(), h.db, ops.ListPendingInput{
		Category: ptrString(r.URL.Query().Get("category")),
		Limit:    parseIntParam(r, "limit", 20),
		Offset:   parseIntParam(r, "offset", 0),
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleFetchArtifact handles GET /v1/artifacts/{id}.
func (h *Handlers) HandleFetchArtifact(w http.ResponseWriter, r *http.Request) {
	out, err := ops.FetchArtifact(r.Context(), h.db, chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleApprove handles POST /v1/artifacts/{id}/approve.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Approve(r.Context(), h.db, ops.DecisionInput{ID: chi.URLParam(r, "id")})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleReject handles POST /v1/artifacts/{id}/reject.
func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Reject(r.Context(), h.db, ops.DecisionInput{ID: chi.URLParam(r, "id")})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleListKnowledge handles GET /v1/knowledge.
func (h *Handlers) HandleListKnowledge(w http.ResponseWriter, r *http.Request) {
	out, err := ops.ListKnowledge(r.Context(), h.db, ptrString(r.URL.Query().Get("category")))
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleExport handles POST /v1/knowledge/export.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[exportBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	out, err := ops.ExportKnowledge(r.Context(), h.db, h.cfg, ops.ExportInput{
		Path:     body.Path,
		Category: body.Category,
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleListCategories handles GET /v1/categories.
func (h *Handlers) HandleListCategories(w http.ResponseWriter, r *http.Request) {
	out, err := ops.ListCategories(r.Context(), h.db)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleDistill handles POST /v1/distill. A date takes precedence over an
// explicit window.
func (h *Handlers) HandleDistill(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[distillBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	input := ops.DistillInput{WindowStart: body.WindowStart, WindowEnd: body.WindowEnd}
	if body.Date != "" {
		day, err := time.Parse(ops.DateLayout, body.Date)
		if err != nil {
			renderError(w, h.logger, errors.NewInvalidRequest("date must be YYYY-MM-DD"))
			return
		}
		input = ops.DistillInput{WindowStart: day.Unix(), WindowEnd: day.Add(24 * time.Hour).Unix()}
	}
	out, err := ops.Distill(r.Context(), h.db, h.cfg, h.locker, input)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// HandleDigest handles GET /v1/digest, /v1/digest/{date} and
// /v1/digest/{date}.html. The .html form renders the markdown digest.
func (h *Handlers) HandleDigest(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	asHTML := strings.HasSuffix(date, ".html")
	date = strings.TrimSuffix(date, ".html")

	snap, err := ops.Digest(r.Context(), h.db, ops.DigestInput{Date: date})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	if !asHTML {
		renderJSON(w, http.StatusOK, snap)
		return
	}
	if err := renderMarkdownPage(w, "LinkOps digest "+snap.Date, ops.RenderMarkdown(snap), h.version); err != nil {
		renderError(w, h.logger, err)
	}
}

// HandleReconcile handles POST /v1/load/reconcile.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[reconcileBody](r)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	if body.StaleAfterMinutes < 0 {
		renderError(w, h.logger, errors.NewInvalidRequest("stale_after_minutes must not be negative"))
		return
	}
	out, err := ops.ReconcileLoad(r.Context(), h.db, h.cfg, ops.ReconcileInput{
		StaleAfter: time.Duration(body.StaleAfterMinutes) * time.Minute,
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}
	renderJSON(w, http.StatusOK, out)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// ptrString returns a pointer to s if non-empty, nil otherwise.
func ptrString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
