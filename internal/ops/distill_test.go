package ops

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/lease"
)

func dayWindow() DistillInput {
	return DistillInput{WindowStart: testDay.Unix(), WindowEnd: testDay.Add(24 * time.Hour).Unix()}
}

func TestDistill_GroupsRepeatedActions(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()

	logSanitized(t, database, "katie", "t-1", knowledge.RecordTask, "Restart failing pod web-1a", ws+60)
	logSanitized(t, database, "katie", "t-2", knowledge.RecordTask, "restart failing pod api-2b", ws+120)
	logSanitized(t, database, "katie", "t-3", knowledge.RecordTask, "Restart failing pod db-3c.", ws+180)
	// Unsanitized and out-of-window records are ignored.
	_, err := AppendRecord(ctx, database, AppendRecordInput{
		SourceAgent: "katie", TaskID: "t-4", Action: "Restart failing pod web-4d", CreatedAt: int64Ptr(ws + 200),
	})
	require.NoError(t, err)
	logSanitized(t, database, "katie", "t-5", knowledge.RecordTask, "Restart failing pod web-5e", ws+86400+10)

	setNow(t, testDay.Add(25*time.Hour))
	report, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.Equal(t, 3, report.RecordsScanned)
	require.Equal(t, 1, report.Groups)
	require.Equal(t, 1, report.ArtifactsCreated)
	require.Empty(t, report.FailedGroups)
	require.False(t, report.Cancelled)
	require.Empty(t, report.Warnings)

	pending, err := ListPending(ctx, database, ListPendingInput{})
	require.NoError(t, err)
	require.Len(t, pending.Items, 1)
	a := pending.Items[0]
	require.Equal(t, "infrastructure", a.CategoryName)
	require.Equal(t, 3, a.SignalStrength)
	require.Equal(t, knowledge.StatePending, a.State)
	require.True(t, a.RequiresApproval)
	require.Equal(t, "restart failing pod <id>", a.ContentNorm)
	require.Equal(t, "katie|restart failing pod <id>", a.OriginSignature)
	require.Equal(t, "t-1", a.OriginTaskID)

	tmpl, err := knowledge.DecodeTemplate(a.Content)
	require.NoError(t, err)
	require.Equal(t, "restart failing pod <id>", tmpl.Action)
	require.Equal(t, []string{"t-1", "t-2", "t-3"}, tmpl.SampleTaskIDs)
}

func TestDistill_SourcesStaySeparate(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()

	logSanitized(t, database, "katie", "t-1", knowledge.RecordTask, "drain node worker-1", ws+60)
	logSanitized(t, database, "igris", "t-2", knowledge.RecordTask, "drain node worker-2", ws+60)

	report, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.Equal(t, 2, report.Groups)
	require.Equal(t, 2, report.ArtifactsCreated)
}

func TestDistill_QAIsAutoApproved(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()

	logSanitized(t, database, "whis", "t-1", knowledge.RecordQA, "How to fine-tune the LLM?", ws+60)
	logSanitized(t, database, "whis", "t-2", knowledge.RecordQA, "how to fine-tune the llm", ws+90)

	report, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.Equal(t, 1, report.ArtifactsCreated)

	kn, err := ListKnowledge(ctx, database, stringPtr("ai_ml"))
	require.NoError(t, err)
	require.Len(t, kn.Items, 1)
	require.Equal(t, knowledge.StateAutoApproved, kn.Items[0].State)
	require.Equal(t, knowledge.ArtifactQA, kn.Items[0].ArtifactType)
	require.False(t, kn.Items[0].RequiresApproval)
	require.NotNil(t, kn.Items[0].DecidedAt)

	cats, err := ListCategories(ctx, database)
	require.NoError(t, err)
	require.Len(t, cats.Items, 1)
	require.Equal(t, "ai_ml", cats.Items[0].Name)
	require.Equal(t, "whis", cats.Items[0].OwnerHandler)
	require.Equal(t, 1, cats.Items[0].KnowledgeCount)

	pending, err := ListPending(ctx, database, ListPendingInput{})
	require.NoError(t, err)
	require.Empty(t, pending.Items)
}

func TestDistill_RerunAppliesOnlyNewRecords(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()

	logSanitized(t, database, "katie", "t-1", knowledge.RecordTask, "Restart failing pod web-1a", ws+60)
	logSanitized(t, database, "katie", "t-2", knowledge.RecordTask, "Restart failing pod web-2b", ws+120)
	logSanitized(t, database, "katie", "t-3", knowledge.RecordTask, "Restart failing pod web-3c", ws+180)

	_, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)

	again, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.Equal(t, 0, again.ArtifactsCreated)
	require.Equal(t, 0, again.ArtifactsIncremented)
	require.Equal(t, 1, again.GroupsSkipped)

	pending, err := ListPending(ctx, database, ListPendingInput{})
	require.NoError(t, err)
	require.Len(t, pending.Items, 1)
	require.Equal(t, 3, pending.Items[0].SignalStrength)

	// A late-sanitized record in the same window adds exactly one signal.
	logSanitized(t, database, "katie", "t-4", knowledge.RecordTask, "Restart failing pod web-4d", ws+240)
	third, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.Equal(t, 1, third.ArtifactsIncremented)

	pending, err = ListPending(ctx, database, ListPendingInput{})
	require.NoError(t, err)
	require.Equal(t, 4, pending.Items[0].SignalStrength)
}

func TestDistill_SignalGrowsAfterApproval(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()

	logSanitized(t, database, "katie", "t-1", knowledge.RecordTask, "Restart failing pod web-1a", ws+60)
	_, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)

	pending, err := ListPending(ctx, database, ListPendingInput{})
	require.NoError(t, err)
	id := pending.Items[0].ID
	_, err = Approve(ctx, database, DecisionInput{ID: id})
	require.NoError(t, err)

	// The next day's window strengthens the approved artifact instead of
	// creating a duplicate.
	next := DistillInput{WindowStart: ws + 86400, WindowEnd: ws + 2*86400}
	logSanitized(t, database, "katie", "t-2", knowledge.RecordTask, "Restart failing pod web-2b", ws+86400+60)
	report, err := Distill(ctx, database, cfg, nil, next)
	require.NoError(t, err)
	require.Equal(t, 1, report.ArtifactsIncremented)

	got, err := FetchArtifact(ctx, database, id)
	require.NoError(t, err)
	require.Equal(t, 2, got.SignalStrength)
	require.Equal(t, knowledge.StateApproved, got.State)
}

func TestDistill_PartialFailure(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()
	cfg.ArtifactMaxChars = 400

	logSanitized(t, database, "katie", "t-1", knowledge.RecordTask, "Restart failing pod web-1a", ws+60)
	logSanitized(t, database, "katie", "t-2", knowledge.RecordTask, strings.Repeat("check disk ", 60), ws+120)

	report, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.Equal(t, 2, report.Groups)
	require.Equal(t, 1, report.ArtifactsCreated)
	require.Len(t, report.FailedGroups, 1)
	require.Equal(t, "katie", report.FailedGroups[0].SourceAgent)
	require.Equal(t, 1, report.FailedGroups[0].Records)
	require.True(t, hasWarning(report.Warnings, errors.WarnPartialDistill))

	// The failed group is retried on the next run; the committed one is not
	// double counted.
	cfg.ArtifactMaxChars = 8000
	retry, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.Equal(t, 1, retry.ArtifactsCreated)
	require.Equal(t, 1, retry.GroupsSkipped)
	require.Empty(t, retry.FailedGroups)
}

func TestDistill_LeaseHeld(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	in := dayWindow()

	held, err := lease.NewSQLite(database).Acquire(ctx, WindowKey(in.WindowStart, in.WindowEnd), time.Minute)
	require.NoError(t, err)

	_, err = Distill(ctx, database, cfg, nil, in)
	require.True(t, errors.Is(err, errors.ErrDistillInProgress), "got %v", err)

	// Other windows are unaffected.
	_, err = Distill(ctx, database, cfg, nil, DistillInput{WindowStart: in.WindowEnd, WindowEnd: in.WindowEnd + 3600})
	require.NoError(t, err)

	require.NoError(t, held.Release(ctx))
	_, err = Distill(ctx, database, cfg, nil, in)
	require.NoError(t, err)
}

func TestDistill_InvalidWindow(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()

	tests := []struct {
		name  string
		input DistillInput
	}{
		{"missing", DistillInput{}},
		{"reversed", DistillInput{WindowStart: ws + 10, WindowEnd: ws}},
		{"empty", DistillInput{WindowStart: ws, WindowEnd: ws}},
		{"too long", DistillInput{WindowStart: ws, WindowEnd: ws + int64(cfg.MaxWindow()/time.Second) + 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Distill(ctx, database, cfg, nil, tc.input)
			require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestDistill_CancelledRunResumes(t *testing.T) {
	database, cfg := openTestDB(t)
	ws := testDay.Unix()

	logSanitized(t, database, "katie", "t-1", knowledge.RecordTask, "drain node worker-1", ws+60)
	logSanitized(t, database, "katie", "t-2", knowledge.RecordTask, "Restart failing pod web-1a", ws+120)
	logSanitized(t, database, "katie", "t-3", knowledge.RecordTask, "rotate vault secrets key-1", ws+180)

	// Each group reads the clock once inside its transaction; cancel while
	// the second group is being written.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prev := now
	calls := 0
	now = func() time.Time {
		calls++
		if calls == 2 {
			cancel()
		}
		return testDay.Add(25 * time.Hour)
	}
	t.Cleanup(func() { now = prev })

	report, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.True(t, report.Cancelled)
	require.Equal(t, 3, report.Groups)
	require.Equal(t, 1, report.ArtifactsCreated)
	require.Empty(t, report.FailedGroups)

	now = prev
	resumed, err := Distill(context.Background(), database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.False(t, resumed.Cancelled)
	require.Equal(t, 2, resumed.ArtifactsCreated)
	require.Equal(t, 1, resumed.GroupsSkipped)

	pending, err := ListPending(context.Background(), database, ListPendingInput{})
	require.NoError(t, err)
	require.Len(t, pending.Items, 3)
	for _, a := range pending.Items {
		require.Equal(t, 1, a.SignalStrength, a.ContentNorm)
	}
}

func TestDistill_CancelledBeforeLease(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.True(t, errors.Is(err, errors.ErrCancelled), "got %v", err)
	require.NotContains(t, err.Error(), "INTERNAL")
}

func TestDistill_SkipsBookkeepingRecords(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()
	ws := testDay.Unix()

	logSanitized(t, database, "evaluator", "t-1", knowledge.RecordEvaluation, "evaluate t-1", ws+60)
	logSanitized(t, database, "router", "t-1", knowledge.RecordAssignment, "assign katie", ws+90)
	logSanitized(t, database, "katie", "t-1", knowledge.RecordCompletion, "complete t-1", ws+120)
	logSanitized(t, database, "katie", "t-1", knowledge.RecordTask, "drain node worker-1", ws+150)

	report, err := Distill(ctx, database, cfg, nil, dayWindow())
	require.NoError(t, err)
	require.Equal(t, 4, report.RecordsScanned)
	require.Equal(t, 1, report.Groups)
	require.Equal(t, 1, report.ArtifactsCreated)

	pending, err := ListPending(ctx, database, ListPendingInput{})
	require.NoError(t, err)
	require.Len(t, pending.Items, 1)
	require.Equal(t, "drain node <id>", pending.Items[0].ContentNorm)
}
