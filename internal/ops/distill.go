package ops

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/lease"
	"github.com/jimjrxieb/linkops/internal/metrics"
)

// DistillInput contains parameters for the Distill operation.
// The window is [WindowStart, WindowEnd) in unix seconds.
type DistillInput struct {
	WindowStart int64
	WindowEnd   int64
}

// FailedGroup is a group whose artifact could not be written this run.
type FailedGroup struct {
	SourceAgent string `json:"source_agent"`
	Signature   string `json:"signature"`
	Records     int    `json:"records"`
	Error       string `json:"error"`
}

// DistillReport contains the result of the Distill operation.
type DistillReport struct {
	WindowStart          int64            `json:"window_start"`
	WindowEnd            int64            `json:"window_end"`
	RecordsScanned       int              `json:"records_scanned"`
	Groups               int              `json:"groups"`
	ArtifactsCreated     int              `json:"artifacts_created"`
	ArtifactsIncremented int              `json:"artifacts_incremented"`
	GroupsSkipped        int              `json:"groups_skipped"`
	FailedGroups         []FailedGroup    `json:"failed_groups"`
	Cancelled            bool             `json:"cancelled"`
	Warnings             []errors.Warning `json:"warnings,omitempty"`
}

type recordGroup struct {
	key         string
	sourceAgent string
	signature   string
	records     []knowledge.Record
}

type groupOutcome string

const (
	outcomeCreated     groupOutcome = "created"
	outcomeIncremented groupOutcome = "incremented"
	outcomeSkipped     groupOutcome = "skipped"
	outcomeFailed      groupOutcome = "failed"
)

// WindowKey is the lease and checkpoint key of a window.
func WindowKey(start, end int64) string {
	return fmt.Sprintf("%d|%d", start, end)
}

// Distill turns the sanitized records of a closed window into candidate
// artifacts. Records are grouped by (source agent, action signature); each
// group commits on its own together with a checkpoint of how many records it
// has contributed, so re-running a window only applies the difference.
// A nil locker uses the SQLite lease table.
func Distill(ctx context.Context, database *sql.DB, cfg *config.Config, locker lease.Locker, input DistillInput) (*DistillReport, error) {
	ctx, span := startSpan(ctx, "Distill")
	defer span.End()
	started := time.Now()

	if input.WindowStart <= 0 || input.WindowEnd <= 0 {
		return nil, errors.NewInvalidRequest("window_start and window_end are required")
	}
	if input.WindowStart >= input.WindowEnd {
		return nil, errors.NewInvalidRequest("window_start must be before window_end")
	}
	if maxWindow := cfg.MaxWindow(); maxWindow > 0 && time.Duration(input.WindowEnd-input.WindowStart)*time.Second > maxWindow {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("window must not exceed %s", maxWindow))
	}

	windowKey := WindowKey(input.WindowStart, input.WindowEnd)
	if locker == nil {
		locker = lease.NewSQLite(database)
	}
	held, err := locker.Acquire(ctx, windowKey, cfg.LeaseTTL())
	if err != nil {
		return nil, leaseError(ctx, windowKey, err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger().Warn("lease release failed", zap.String("window", windowKey), zap.Error(err))
		}
	}()

	records, err := db.ListSanitizedInWindow(ctx, database, input.WindowStart, input.WindowEnd)
	if err != nil {
		return nil, err
	}

	groups := groupRecords(records)
	report := &DistillReport{
		WindowStart:    input.WindowStart,
		WindowEnd:      input.WindowEnd,
		RecordsScanned: len(records),
		Groups:         len(groups),
		FailedGroups:   []FailedGroup{},
	}

	m := metrics.Default()
	for _, g := range groups {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		outcome, err := distillGroup(ctx, database, cfg, windowKey, g)
		if err != nil {
			if ctx.Err() != nil {
				report.Cancelled = true
				break
			}
			outcome = outcomeFailed
			report.FailedGroups = append(report.FailedGroups, FailedGroup{
				SourceAgent: g.sourceAgent,
				Signature:   g.signature,
				Records:     len(g.records),
				Error:       err.Error(),
			})
			logger().Warn("distillation group failed",
				zap.String("window", windowKey), zap.String("group", g.key), zap.Error(err))
		}
		switch outcome {
		case outcomeCreated:
			report.ArtifactsCreated++
		case outcomeIncremented:
			report.ArtifactsIncremented++
		case outcomeSkipped:
			report.GroupsSkipped++
		}
		m.IncDistillGroup(string(outcome))
	}

	if n := len(report.FailedGroups); n > 0 {
		warn(&report.Warnings, errors.WarnPartialDistill,
			fmt.Errorf("%d of %d groups failed in window %s; they are retried on the next run", n, len(groups), windowKey))
	}

	span.SetAttributes(
		attribute.Int("linkops.records", report.RecordsScanned),
		attribute.Int("linkops.groups", report.Groups),
		attribute.Bool("linkops.cancelled", report.Cancelled),
	)
	m.ObserveDistill(time.Since(started))
	logger().Info("distillation finished",
		zap.String("window", windowKey),
		zap.Int("records", report.RecordsScanned),
		zap.Int("created", report.ArtifactsCreated),
		zap.Int("incremented", report.ArtifactsIncremented),
		zap.Int("skipped", report.GroupsSkipped),
		zap.Int("failed", len(report.FailedGroups)),
		zap.Bool("cancelled", report.Cancelled),
	)
	return report, nil
}

// leaseError maps a failed lease acquisition onto the caller-facing codes.
func leaseError(ctx context.Context, windowKey string, err error) error {
	if stderrors.Is(err, lease.ErrHeld) {
		return errors.NewDistillInProgress(windowKey)
	}
	if ctx.Err() != nil {
		return errors.NewCancelled("distill")
	}
	var lErr *errors.LinkOpsError
	if stderrors.As(err, &lErr) {
		return lErr
	}
	return errors.NewInternal(err)
}

// groupRecords buckets records by (source agent, signature), leaving out
// bookkeeping records. Groups come back sorted by key so runs process them in
// a stable order.
func groupRecords(records []knowledge.Record) []*recordGroup {
	byKey := map[string]*recordGroup{}
	for _, r := range records {
		if r.RecordType.Bookkeeping() {
			continue
		}
		sig := knowledge.Signature(r.Action)
		if sig == "" {
			continue
		}
		key := r.SourceAgent + "|" + sig
		g, ok := byKey[key]
		if !ok {
			g = &recordGroup{key: key, sourceAgent: r.SourceAgent, signature: sig}
			byKey[key] = g
		}
		g.records = append(g.records, r)
	}
	groups := make([]*recordGroup, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].key < groups[j].key })
	return groups
}

// distillGroup applies one group's uncontributed records in a single transaction.
func distillGroup(ctx context.Context, database *sql.DB, cfg *config.Config, windowKey string, g *recordGroup) (groupOutcome, error) {
	first := g.records[0]
	artifactType := knowledge.ArtifactTypeFor(first.RecordType)
	content, err := knowledge.ActionTemplate{
		Action:        g.signature,
		SourceAgent:   g.sourceAgent,
		ArtifactType:  artifactType,
		ExampleAction: first.Action,
		ExampleDetail: first.Result.Detail,
		SampleTaskIDs: sampleTaskIDs(g.records),
	}.Encode()
	if err != nil {
		return outcomeFailed, errors.NewInternal(err)
	}
	lint := knowledge.Lint(knowledge.LintInput{Content: content, MaxChars: cfg.ArtifactMaxChars})
	if lint.TooLarge {
		return outcomeFailed, errors.NewInvalidRequest(
			fmt.Sprintf("artifact content is %d chars, limit is %d", lint.ActualChars, lint.MaxChars))
	}

	routing := routingOf(cfg)
	categoryName := Classify(routing, first.Action).Category
	cs := routing.CategorySpecFor(categoryName)
	if cs.Owner == "" {
		cs.Owner = cfg.FallbackHandler
	}

	outcome := outcomeSkipped
	err = db.WithTx(ctx, database, func(tx *sql.Tx) error {
		ts := now().Unix()
		cp, err := db.GetCheckpoint(ctx, tx, windowKey, g.key)
		if err != nil {
			return err
		}
		contributed := 0
		if cp != nil {
			contributed = cp.Contributed
		}
		delta := len(g.records) - contributed
		if delta <= 0 {
			return nil
		}

		cat, err := db.EnsureCategory(ctx, tx, &knowledge.Category{
			ID:           newID(),
			Name:         categoryName,
			OwnerHandler: cs.Owner,
			Description:  cs.Description,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		})
		if err != nil {
			return err
		}

		originSig := g.sourceAgent + "|" + g.signature
		existing, err := db.FindArtifactByIdentity(ctx, tx, cat.ID, g.signature, originSig)
		if err != nil {
			return err
		}

		var artifactID string
		if existing == nil {
			a := &knowledge.Artifact{
				ID:               newID(),
				CategoryID:       cat.ID,
				OriginTaskID:     first.TaskID,
				ArtifactType:     artifactType,
				Content:          content,
				ContentNorm:      g.signature,
				OriginSignature:  originSig,
				SignalStrength:   delta,
				RequiresApproval: artifactType.RequiresApproval(),
				State:            knowledge.StatePending,
				CreatedAt:        ts,
				LastSeenAt:       ts,
			}
			if !a.RequiresApproval {
				a.State = knowledge.StateAutoApproved
				a.DecidedAt = &ts
			}
			if err := db.InsertArtifact(ctx, tx, a); err != nil {
				return err
			}
			if !a.RequiresApproval {
				if err := db.MergeIntoCategory(ctx, tx, cat.ID, ts); err != nil {
					return err
				}
				metrics.Default().IncTransition(string(knowledge.StateAutoApproved))
			}
			artifactID = a.ID
			outcome = outcomeCreated
		} else {
			if err := db.IncrementSignal(ctx, tx, existing.ID, delta, ts); err != nil {
				return err
			}
			artifactID = existing.ID
			outcome = outcomeIncremented
		}

		createdAt := ts
		if cp != nil {
			createdAt = cp.CreatedAt
		}
		return db.PutCheckpoint(ctx, tx, &db.Checkpoint{
			WindowKey:   windowKey,
			GroupKey:    g.key,
			ArtifactID:  artifactID,
			Contributed: len(g.records),
			CreatedAt:   createdAt,
			UpdatedAt:   ts,
		})
	})
	if err != nil {
		return outcomeFailed, err
	}
	return outcome, nil
}

func sampleTaskIDs(records []knowledge.Record) []string {
	var ids []string
	seen := map[string]bool{}
	for _, r := range records {
		if seen[r.TaskID] {
			continue
		}
		seen[r.TaskID] = true
		ids = append(ids, r.TaskID)
		if len(ids) == knowledge.MaxSampleTaskIDs {
			break
		}
	}
	return ids
}
