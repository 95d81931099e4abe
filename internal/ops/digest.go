package ops

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
)

// DateLayout is the accepted digest date format.
const DateLayout = "2006-01-02"

// CategoryDigest is the per-category slice of a digest.
type CategoryDigest struct {
	Category              string `json:"category"`
	ArtifactsCreated      int    `json:"artifacts_created"`
	ArtifactsApproved     int    `json:"artifacts_approved"`
	ArtifactsAutoApproved int    `json:"artifacts_auto_approved"`
	ArtifactsRejected     int    `json:"artifacts_rejected"`
	ArtifactsPending      int    `json:"artifacts_pending"`
	KnowledgeCount        int    `json:"knowledge_count"`
}

// DigestSnapshot summarizes one UTC day. It is derived and never stored.
type DigestSnapshot struct {
	Date                  string           `json:"date"`
	RecordsProcessed      int              `json:"records_processed"`
	RecordsSanitized      int              `json:"records_sanitized"`
	BySource              map[string]int   `json:"by_source"`
	ByType                map[string]int   `json:"by_type"`
	ArtifactsCreated      int              `json:"artifacts_created"`
	ArtifactsApproved     int              `json:"artifacts_approved"`
	ArtifactsAutoApproved int              `json:"artifacts_auto_approved"`
	ArtifactsRejected     int              `json:"artifacts_rejected"`
	ArtifactsPendingTotal int              `json:"artifacts_pending_total"`
	Categories            []CategoryDigest `json:"categories"`
}

// DigestInput contains parameters for the Digest operation.
type DigestInput struct {
	Date string // YYYY-MM-DD, UTC; default: today
}

// Digest aggregates records and artifacts for one UTC day. All reads share
// one transaction so the counts agree with each other.
func Digest(ctx context.Context, database *sql.DB, input DigestInput) (*DigestSnapshot, error) {
	ctx, span := startSpan(ctx, "Digest")
	defer span.End()

	day, err := parseDay(input.Date)
	if err != nil {
		return nil, err
	}
	start := day.Unix()
	end := day.Add(24 * time.Hour).Unix()

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer func() { _ = tx.Rollback() }()

	counts, err := db.CountRecords(ctx, tx, start, end)
	if err != nil {
		return nil, err
	}
	activity, err := db.ArtifactActivity(ctx, tx, start, end)
	if err != nil {
		return nil, err
	}

	snap := &DigestSnapshot{
		Date:             day.Format(DateLayout),
		RecordsProcessed: counts.Total,
		RecordsSanitized: counts.Sanitized,
		BySource:         counts.BySource,
		ByType:           counts.ByType,
		Categories:       make([]CategoryDigest, 0, len(activity)),
	}
	for _, a := range activity {
		snap.ArtifactsCreated += a.Created
		snap.ArtifactsApproved += a.Approved
		snap.ArtifactsAutoApproved += a.AutoApproved
		snap.ArtifactsRejected += a.Rejected
		snap.ArtifactsPendingTotal += a.PendingTotal
		snap.Categories = append(snap.Categories, CategoryDigest{
			Category:              a.Category,
			ArtifactsCreated:      a.Created,
			ArtifactsApproved:     a.Approved,
			ArtifactsAutoApproved: a.AutoApproved,
			ArtifactsRejected:     a.Rejected,
			ArtifactsPending:      a.PendingTotal,
			KnowledgeCount:        a.Knowledge,
		})
	}
	return snap, nil
}

func parseDay(date string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		t := now().UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	day, err := time.ParseInLocation(DateLayout, date, time.UTC)
	if err != nil {
		return time.Time{}, errors.NewInvalidRequest(fmt.Sprintf("date must be YYYY-MM-DD: %q", date))
	}
	return day, nil
}

// RenderMarkdown formats a digest as a Markdown report.
func RenderMarkdown(s *DigestSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# LinkOps digest for %s\n\n", s.Date)

	b.WriteString("## Records\n\n")
	fmt.Fprintf(&b, "- Processed: %d\n", s.RecordsProcessed)
	fmt.Fprintf(&b, "- Sanitized: %d\n", s.RecordsSanitized)
	if len(s.BySource) > 0 {
		b.WriteString("\n| Source | Records |\n|---|---|\n")
		for _, k := range sortedKeys(s.BySource) {
			fmt.Fprintf(&b, "| %s | %d |\n", k, s.BySource[k])
		}
	}

	b.WriteString("\n## Artifacts\n\n")
	fmt.Fprintf(&b, "- Created: %d\n", s.ArtifactsCreated)
	fmt.Fprintf(&b, "- Approved: %d\n", s.ArtifactsApproved)
	fmt.Fprintf(&b, "- Auto-approved: %d\n", s.ArtifactsAutoApproved)
	fmt.Fprintf(&b, "- Rejected: %d\n", s.ArtifactsRejected)
	fmt.Fprintf(&b, "- Pending review (all time): %d\n", s.ArtifactsPendingTotal)

	if len(s.Categories) > 0 {
		b.WriteString("\n## Categories\n\n")
		b.WriteString("| Category | Created | Approved | Auto | Rejected | Pending | Knowledge |\n")
		b.WriteString("|---|---|---|---|---|---|---|\n")
		for _, c := range s.Categories {
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %d | %d |\n",
				c.Category, c.ArtifactsCreated, c.ArtifactsApproved, c.ArtifactsAutoApproved,
				c.ArtifactsRejected, c.ArtifactsPending, c.KnowledgeCount)
		}
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
