package ops

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

func TestDigest_SummarizesDay(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()

	logSanitized(t, database, "katie", "t-1", knowledge.RecordTask, "Restart failing pod web-1a", ws+60)
	logSanitized(t, database, "katie", "t-2", knowledge.RecordTask, "Restart failing pod web-2b", ws+120)
	logSanitized(t, database, "katie", "t-3", knowledge.RecordTask, "Restart failing pod web-3c", ws+180)
	logSanitized(t, database, "whis", "t-4", knowledge.RecordQA, "how to fine-tune the llm", ws+240)
	logSanitized(t, database, "igris", "t-5", knowledge.RecordTask, "rotate vault secrets key-1", ws+300)
	_, err := AppendRecord(ctx, database, AppendRecordInput{
		SourceAgent: "igris", TaskID: "t-6", Action: "raw note", CreatedAt: int64Ptr(ws + 400),
	})
	require.NoError(t, err)

	setNow(t, testDay.Add(12*time.Hour))
	_, err = Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)

	pending, err := ListPending(ctx, database, ListPendingInput{})
	require.NoError(t, err)
	require.Len(t, pending.Items, 2)
	for _, a := range pending.Items {
		switch a.CategoryName {
		case "infrastructure":
			_, err = Approve(ctx, database, DecisionInput{ID: a.ID})
		case "security":
			_, err = Reject(ctx, database, DecisionInput{ID: a.ID})
		}
		require.NoError(t, err)
	}

	snap, err := Digest(ctx, database, DigestInput{Date: "2026-01-10"})
	require.NoError(t, err)
	require.Equal(t, "2026-01-10", snap.Date)
	require.Equal(t, 6, snap.RecordsProcessed)
	require.Equal(t, 5, snap.RecordsSanitized)
	require.Equal(t, map[string]int{"katie": 3, "whis": 1, "igris": 2}, snap.BySource)
	require.Equal(t, map[string]int{"task": 5, "qa": 1}, snap.ByType)
	require.Equal(t, 3, snap.ArtifactsCreated)
	require.Equal(t, 1, snap.ArtifactsApproved)
	require.Equal(t, 1, snap.ArtifactsAutoApproved)
	require.Equal(t, 1, snap.ArtifactsRejected)
	require.Equal(t, 0, snap.ArtifactsPendingTotal)

	want := []CategoryDigest{
		{Category: "ai_ml", ArtifactsCreated: 1, ArtifactsAutoApproved: 1, KnowledgeCount: 1},
		{Category: "infrastructure", ArtifactsCreated: 1, ArtifactsApproved: 1, KnowledgeCount: 1},
		{Category: "security", ArtifactsCreated: 1, ArtifactsRejected: 1},
	}
	if diff := cmp.Diff(want, snap.Categories); diff != "" {
		t.Errorf("Categories mismatch (-want +got):\n%s", diff)
	}

	md := RenderMarkdown(snap)
	require.Contains(t, md, "# LinkOps digest for 2026-01-10")
	require.Contains(t, md, "| ai_ml | 1 | 0 | 1 | 0 | 0 | 1 |")
	require.Contains(t, md, "| katie | 3 |")

	// Nothing happened the next day.
	next, err := Digest(ctx, database, DigestInput{Date: "2026-01-11"})
	require.NoError(t, err)
	require.Equal(t, 0, next.RecordsProcessed)
	require.Equal(t, 0, next.ArtifactsCreated)
	require.Len(t, next.Categories, 3)
}

func TestDigest_DefaultsToToday(t *testing.T) {
	database, _ := openTestDB(t)
	setNow(t, testDay.Add(15*time.Hour))

	snap, err := Digest(context.Background(), database, DigestInput{})
	require.NoError(t, err)
	require.Equal(t, "2026-01-10", snap.Date)
	require.NotNil(t, snap.BySource)
	require.NotNil(t, snap.Categories)
	require.True(t, strings.HasPrefix(RenderMarkdown(snap), "# LinkOps digest"))
}

func TestDigest_InvalidDate(t *testing.T) {
	database, _ := openTestDB(t)
	_, err := Digest(context.Background(), database, DigestInput{Date: "10/01/2026"})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
