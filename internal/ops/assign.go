package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/metrics"
)

// AssignInput contains parameters for the Assign operation.
type AssignInput struct {
	TaskID     string
	Category   string
	Options    []string // optional restriction of eligible handlers
	Confidence *float64 // category confidence; default 1.0
}

// Candidate is one scored handler.
type Candidate struct {
	Handler    string  `json:"handler"`
	Score      float64 `json:"score"`
	Capability float64 `json:"capability"`
	Load       int     `json:"load"`
	Qualifies  bool    `json:"qualifies"`
}

// AssignOutput contains the result of the Assign operation.
type AssignOutput struct {
	TaskID        string           `json:"task_id"`
	Category      string           `json:"category"`
	TargetHandler string           `json:"target_handler"`
	Confidence    float64          `json:"confidence"`
	Reasoning     string           `json:"reasoning"`
	RequiresHuman bool             `json:"requires_human"`
	Candidates    []Candidate      `json:"candidates"`
	Warnings      []errors.Warning `json:"warnings,omitempty"`
}

// Assign scores the handlers capable of a category and picks the best one:
//
//	score = w_cat*confidence + w_cap*capability + w_load*(1 - min(load, cap)/cap)
//
// Ties go to the lower load, then the handler name. When nothing reaches
// min_confidence the task goes to the fallback handler for a human.
func Assign(ctx context.Context, database *sql.DB, cfg *config.Config, input AssignInput) (*AssignOutput, error) {
	ctx, span := startSpan(ctx, "Assign")
	defer span.End()

	taskID := strings.TrimSpace(input.TaskID)
	if taskID == "" {
		return nil, errors.NewInvalidRequest("task_id is required")
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		return nil, errors.NewInvalidRequest("category is required")
	}
	confidence := 1.0
	if input.Confidence != nil {
		confidence = *input.Confidence
		if confidence < 0 || confidence > 1 {
			return nil, errors.NewInvalidRequest("confidence must be between 0 and 1")
		}
	}

	out := &AssignOutput{TaskID: taskID, Category: category, Candidates: []Candidate{}}

	caps := filterOptions(routingOf(cfg).HandlersFor(category), input.Options)
	rctx, cancel := readContext(ctx, cfg.LogWriteTimeout())
	defer cancel()
	for _, c := range caps {
		load := 0
		hl, err := db.GetLoad(rctx, database, c.Handler)
		if err != nil {
			// Unknown load is scored as idle.
			warn(&out.Warnings, errors.WarnDegradedLoad, err, zap.String("handler", c.Handler))
		} else {
			load = hl.Load
		}
		score := routeScore(cfg, confidence, c.Weight, load)
		out.Candidates = append(out.Candidates, Candidate{
			Handler:    c.Handler,
			Score:      score,
			Capability: c.Weight,
			Load:       load,
			Qualifies:  score >= cfg.MinConfidence,
		})
	}
	sort.SliceStable(out.Candidates, func(i, j int) bool {
		a, b := out.Candidates[i], out.Candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.Handler < b.Handler
	})

	if len(out.Candidates) > 0 && out.Candidates[0].Qualifies {
		best := out.Candidates[0]
		out.TargetHandler = best.Handler
		out.Confidence = best.Score
		out.Reasoning = fmt.Sprintf("%s scored %.2f (confidence %.2f, capability %.2f, load %d/%d)",
			best.Handler, best.Score, confidence, best.Capability, best.Load, cfg.LoadCap)
	} else {
		out.TargetHandler = cfg.FallbackHandler
		out.RequiresHuman = true
		if len(out.Candidates) > 0 {
			out.Confidence = out.Candidates[0].Score
			out.Reasoning = fmt.Sprintf("best candidate %s scored %.2f, below min_confidence %.2f",
				out.Candidates[0].Handler, out.Candidates[0].Score, cfg.MinConfidence)
		} else {
			out.Reasoning = fmt.Sprintf("no handler is capable of category %q", category)
		}
		warn(&out.Warnings, errors.WarnNoEligibleHandler, fmt.Errorf("%s; routed to %s", out.Reasoning, out.TargetHandler),
			zap.String("task_id", taskID))
	}

	detail, _ := json.Marshal(map[string]any{
		"handler":        out.TargetHandler,
		"score":          out.Confidence,
		"requires_human": out.RequiresHuman,
	})
	logRecord(ctx, database, cfg, &out.Warnings, &knowledge.Record{
		SourceAgent:  knowledge.AgentRouter,
		TaskID:       taskID,
		RecordType:   knowledge.RecordAssignment,
		Action:       "assign " + out.TargetHandler,
		Result:       knowledge.Result{Success: !out.RequiresHuman, Detail: string(detail)},
		CategoryTags: []string{category},
	})

	if !out.RequiresHuman {
		trackAssignment(ctx, database, cfg, &out.Warnings, taskID, out.TargetHandler)
	}

	span.SetAttributes(
		attribute.String("linkops.handler", out.TargetHandler),
		attribute.Bool("linkops.requires_human", out.RequiresHuman),
	)
	metrics.Default().IncAssignment(out.TargetHandler, out.RequiresHuman)
	return out, nil
}

func routeScore(cfg *config.Config, confidence, capability float64, load int) float64 {
	loadCap := cfg.LoadCap
	if loadCap <= 0 {
		loadCap = 1
	}
	headroom := 1 - float64(min(load, loadCap))/float64(loadCap)
	s := cfg.WeightCategory*confidence + cfg.WeightCapability*capability + cfg.WeightLoad*headroom
	return math.Round(s*1e6) / 1e6
}

func filterOptions(caps []config.Capability, options []string) []config.Capability {
	if len(options) == 0 {
		return caps
	}
	allowed := make(map[string]bool, len(options))
	for _, o := range options {
		allowed[strings.TrimSpace(o)] = true
	}
	var out []config.Capability
	for _, c := range caps {
		if allowed[c.Handler] {
			out = append(out, c)
		}
	}
	return out
}

// trackAssignment opens the assignment row and bumps the handler's load with
// bounded compare-and-swap retries. Lost races are tolerated.
func trackAssignment(ctx context.Context, database *sql.DB, cfg *config.Config, ws *[]errors.Warning, taskID, handler string) {
	lctx, cancel := logContext(ctx, cfg.LogWriteTimeout())
	defer cancel()

	ts := now().Unix()
	if err := db.OpenAssignment(lctx, database, &db.Assignment{
		ID: newID(), TaskID: taskID, Handler: handler, AssignedAt: ts,
	}); err != nil {
		warn(ws, errors.WarnDegradedLogging, fmt.Errorf("assignment row for task %s not written: %w", taskID, err),
			zap.String("task_id", taskID))
	}

	retries := cfg.CASRetries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		hl, err := db.GetLoad(lctx, database, handler)
		if err != nil {
			warn(ws, errors.WarnDegradedLoad, err, zap.String("handler", handler))
			return
		}
		ok, err := db.CompareAndIncrementLoad(lctx, database, handler, hl.Version, ts)
		if err != nil {
			warn(ws, errors.WarnDegradedLoad, err, zap.String("handler", handler))
			return
		}
		if ok {
			return
		}
		metrics.Default().IncLoadConflict()
	}
	warn(ws, errors.WarnDegradedLoad,
		fmt.Errorf("load increment for %s lost %d compare-and-swap races", handler, retries),
		zap.String("handler", handler))
}
