package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/metrics"
)

// Classification is the outcome of running the rule table over a text.
type Classification struct {
	Category        string   `json:"category"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matched_keywords"`
}

// Classify evaluates the rule table in declared order; the first rule with
// at least one keyword hit wins. Single-word keywords match whole words,
// multi-word keywords match whole phrases.
func Classify(routing *config.Routing, text string) Classification {
	if routing == nil {
		routing = config.DefaultRouting()
	}
	words := knowledge.Words(text)
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}
	phrase := " " + strings.Join(words, " ") + " "

	for _, rule := range routing.Rules {
		var hits []string
		for _, kw := range rule.Keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(phrase, " "+kw+" ") {
					hits = append(hits, kw)
				}
			} else if wordSet[kw] {
				hits = append(hits, kw)
			}
		}
		if len(hits) > 0 {
			return Classification{
				Category:        rule.Category,
				Confidence:      ruleConfidence(len(hits)),
				MatchedKeywords: hits,
			}
		}
	}

	return Classification{
		Category:        routing.DefaultCategory,
		Confidence:      defaultConfidence,
		MatchedKeywords: []string{},
	}
}

const defaultConfidence = 0.2

func ruleConfidence(hits int) float64 {
	c := 0.6 + 0.1*float64(hits-1)
	// Round away float noise so 0.6+0.1*2 reads as 0.8.
	c = math.Round(c*100) / 100
	return math.Min(c, 1.0)
}

// EvaluateInput contains parameters for the Evaluate operation.
type EvaluateInput struct {
	TaskID      string
	Description string
}

// ProposedSolution is the approved knowledge that auto-completes a task.
type ProposedSolution struct {
	ArtifactID     string  `json:"artifact_id"`
	Category       string  `json:"category"`
	Content        string  `json:"content"`
	Similarity     float64 `json:"similarity"`
	SignalStrength int     `json:"signal_strength"`
}

// EvaluateOutput contains the result of the Evaluate operation.
type EvaluateOutput struct {
	TaskID           string            `json:"task_id"`
	Category         string            `json:"category"`
	Confidence       float64           `json:"confidence"`
	MatchedKeywords  []string          `json:"matched_keywords"`
	RoutableOptions  []string          `json:"routable_options"`
	AutoCompletable  bool              `json:"auto_completable"`
	ProposedSolution *ProposedSolution `json:"proposed_solution,omitempty"`
	Warnings         []errors.Warning  `json:"warnings,omitempty"`
}

// Evaluate classifies a task, looks for approved knowledge that already
// solves it and logs an evaluation record. Store failures degrade to
// warnings; only input validation fails the call.
func Evaluate(ctx context.Context, database *sql.DB, cfg *config.Config, input EvaluateInput) (*EvaluateOutput, error) {
	ctx, span := startSpan(ctx, "Evaluate")
	defer span.End()

	taskID := strings.TrimSpace(input.TaskID)
	if taskID == "" {
		return nil, errors.NewInvalidRequest("task_id is required")
	}
	if strings.TrimSpace(input.Description) == "" {
		return nil, errors.NewInvalidRequest("description is required")
	}

	routing := routingOf(cfg)
	cls := Classify(routing, input.Description)
	out := &EvaluateOutput{
		TaskID:          taskID,
		Category:        cls.Category,
		Confidence:      cls.Confidence,
		MatchedKeywords: cls.MatchedKeywords,
		RoutableOptions: handlerNames(routing.HandlersFor(cls.Category)),
	}

	kctx, cancel := readContext(ctx, cfg.LogWriteTimeout())
	match, err := findKnowledge(kctx, database, cfg, input.Description)
	cancel()
	if err != nil {
		warn(&out.Warnings, errors.WarnKnowledgeDown, err, zap.String("task_id", taskID))
	} else if match != nil {
		out.AutoCompletable = true
		out.ProposedSolution = match
	}

	detail, _ := json.Marshal(map[string]any{
		"category":         out.Category,
		"confidence":       out.Confidence,
		"auto_completable": out.AutoCompletable,
	})
	logRecord(ctx, database, cfg, &out.Warnings, &knowledge.Record{
		SourceAgent:  knowledge.AgentEvaluator,
		TaskID:       taskID,
		RecordType:   knowledge.RecordEvaluation,
		Action:       input.Description,
		Result:       knowledge.Result{Success: true, Detail: string(detail)},
		CategoryTags: []string{out.Category},
	})

	span.SetAttributes(
		attribute.String("linkops.category", out.Category),
		attribute.Bool("linkops.auto_completable", out.AutoCompletable),
	)
	metrics.Default().IncEvaluation(out.Category, out.AutoCompletable)
	return out, nil
}

// findKnowledge returns the best effective artifact for description: an exact
// signature match or a token similarity at or above the threshold. Ties go to
// the stronger signal.
func findKnowledge(ctx context.Context, database *sql.DB, cfg *config.Config, description string) (*ProposedSolution, error) {
	sig := knowledge.Signature(description)
	if sig == "" {
		return nil, nil
	}
	effective, err := db.ListArtifacts(ctx, database, db.ArtifactFilter{
		States: []knowledge.State{knowledge.StateApproved, knowledge.StateAutoApproved},
	}, 0, 0)
	if err != nil {
		return nil, err
	}

	var best *ProposedSolution
	for _, a := range effective {
		score := 1.0
		if a.ContentNorm != sig {
			score = knowledge.Jaccard(sig, a.ContentNorm)
			if score < cfg.MatchThreshold {
				continue
			}
		}
		if best == nil || score > best.Similarity ||
			(score == best.Similarity && a.SignalStrength > best.SignalStrength) {
			best = &ProposedSolution{
				ArtifactID:     a.ID,
				Category:       a.CategoryName,
				Content:        a.Content,
				Similarity:     score,
				SignalStrength: a.SignalStrength,
			}
		}
	}
	return best, nil
}

// logRecord writes a record under the configured log timeout. Failure is a
// DEGRADED_LOGGING warning, never an error.
func logRecord(ctx context.Context, database *sql.DB, cfg *config.Config, ws *[]errors.Warning, r *knowledge.Record) string {
	r.ID = newID()
	r.CreatedAt = now().Unix()

	lctx, cancel := logContext(ctx, cfg.LogWriteTimeout())
	defer cancel()
	if err := db.InsertRecord(lctx, database, r); err != nil {
		warn(ws, errors.WarnDegradedLogging, fmt.Errorf("%s record for task %s not written: %w", r.RecordType, r.TaskID, err),
			zap.String("task_id", r.TaskID))
		return ""
	}
	return r.ID
}

func handlerNames(caps []config.Capability) []string {
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Handler)
	}
	return names
}
