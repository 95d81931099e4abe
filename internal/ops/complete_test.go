package ops

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

func TestComplete_ReleasesLoad(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()

	assigned, err := Assign(ctx, database, cfg, AssignInput{TaskID: "t-1", Category: "security"})
	require.NoError(t, err)
	require.Equal(t, "igris", assigned.TargetHandler)

	out, err := Complete(ctx, database, cfg, CompleteInput{TaskID: "t-1", Success: true, Detail: "patched"})
	require.NoError(t, err)
	require.True(t, out.ClosedOpen)
	require.Equal(t, "igris", out.Handler)
	require.Equal(t, 0, out.HandlerLoad)
	require.NotEmpty(t, out.RecordID)
	require.Empty(t, out.Warnings)

	hist, err := TaskHistory(ctx, database, "t-1")
	require.NoError(t, err)
	require.Len(t, hist.Records, 2)
	require.Equal(t, knowledge.RecordCompletion, hist.Records[1].RecordType)
	require.Equal(t, "complete t-1", hist.Records[1].Action)
}

func TestComplete_WithoutOpenAssignmentNeverGoesNegative(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()

	_, err := Assign(ctx, database, cfg, AssignInput{TaskID: "t-1", Category: "security"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := Complete(ctx, database, cfg, CompleteInput{TaskID: "t-1", Handler: "igris", Success: true})
		require.NoError(t, err)
	}

	hl, err := db.GetLoad(ctx, database, "igris")
	require.NoError(t, err)
	require.Equal(t, 0, hl.Load)

	out, err := Complete(ctx, database, cfg, CompleteInput{TaskID: "never-assigned", Success: false})
	require.NoError(t, err)
	require.False(t, out.ClosedOpen)
	require.NotEmpty(t, out.RecordID)
}

func TestComplete_HandlerMustMatch(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()

	_, err := Assign(ctx, database, cfg, AssignInput{TaskID: "t-1", Category: "security"})
	require.NoError(t, err)

	out, err := Complete(ctx, database, cfg, CompleteInput{TaskID: "t-1", Handler: "katie", Success: true})
	require.NoError(t, err)
	require.False(t, out.ClosedOpen)

	hl, err := db.GetLoad(ctx, database, "igris")
	require.NoError(t, err)
	require.Equal(t, 1, hl.Load)
}

func TestComplete_Validation(t *testing.T) {
	database, cfg := openTestDB(t)
	_, err := Complete(context.Background(), database, cfg, CompleteInput{})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestReconcileLoad_ClosesStaleAssignments(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()

	setNow(t, testDay)
	_, err := Assign(ctx, database, cfg, AssignInput{TaskID: "t-old", Category: "ai_ml"})
	require.NoError(t, err)

	setNow(t, testDay.Add(cfg.LoadStaleAfter()-time.Hour))
	_, err = Assign(ctx, database, cfg, AssignInput{TaskID: "t-new", Category: "ai_ml"})
	require.NoError(t, err)

	setNow(t, testDay.Add(cfg.LoadStaleAfter()+time.Minute))
	out, err := ReconcileLoad(ctx, database, cfg, ReconcileInput{})
	require.NoError(t, err)
	require.Equal(t, 1, out.ClosedStale)
	require.Equal(t, 1, out.Corrected)
	require.Len(t, out.Loads, 1)
	require.Equal(t, "whis", out.Loads[0].Handler)
	require.Equal(t, 1, out.Loads[0].Load)

	// A late completion for the stale task finds nothing open.
	done, err := Complete(ctx, database, cfg, CompleteInput{TaskID: "t-old", Success: true})
	require.NoError(t, err)
	require.False(t, done.ClosedOpen)
}

func TestReconcileLoad_CorrectsDrift(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetLoad(ctx, database, "katie", 7, 1))
	_, err := Assign(ctx, database, cfg, AssignInput{TaskID: "t-1", Category: "ai_ml"})
	require.NoError(t, err)
	require.NoError(t, db.SetLoad(ctx, database, "whis", 0, 1))

	out, err := ReconcileLoad(ctx, database, cfg, ReconcileInput{})
	require.NoError(t, err)
	require.Equal(t, 0, out.ClosedStale)
	require.Equal(t, 2, out.Corrected)

	loads := map[string]int{}
	for _, hl := range out.Loads {
		loads[hl.Handler] = hl.Load
	}
	require.Equal(t, map[string]int{"katie": 0, "whis": 1}, loads)

	again, err := ReconcileLoad(ctx, database, cfg, ReconcileInput{})
	require.NoError(t, err)
	require.Equal(t, 0, again.Corrected)
}

func TestAppendRecord_CompletionReleasesLoad(t *testing.T) {
	database, cfg := openTestDB(t)
	ctx := context.Background()

	_, err := Assign(ctx, database, cfg, AssignInput{TaskID: "t-1", Category: "ai_ml"})
	require.NoError(t, err)
	_, err = Assign(ctx, database, cfg, AssignInput{TaskID: "t-2", Category: "ai_ml"})
	require.NoError(t, err)
	hl, err := db.GetLoad(ctx, database, "whis")
	require.NoError(t, err)
	require.Equal(t, 2, hl.Load)

	out, err := AppendRecord(ctx, database, AppendRecordInput{
		SourceAgent: "whis", TaskID: "t-1", RecordType: knowledge.RecordCompletion, Action: "trained model", Success: true,
	})
	require.NoError(t, err)
	require.Equal(t, "whis", out.ReleasedHandler)
	require.Empty(t, out.Warnings)

	// A completion from another agent still releases whoever holds the task.
	out, err = AppendRecord(ctx, database, AppendRecordInput{
		SourceAgent: "ci-bot", TaskID: "t-2", RecordType: knowledge.RecordCompletion, Action: "pipeline done", Success: true,
	})
	require.NoError(t, err)
	require.Equal(t, "whis", out.ReleasedHandler)

	hl, err = db.GetLoad(ctx, database, "whis")
	require.NoError(t, err)
	require.Equal(t, 0, hl.Load)

	// Nothing left to release; other record types never release.
	out, err = AppendRecord(ctx, database, AppendRecordInput{
		SourceAgent: "whis", TaskID: "t-1", RecordType: knowledge.RecordCompletion, Action: "trained model",
	})
	require.NoError(t, err)
	require.Empty(t, out.ReleasedHandler)

	_, err = Assign(ctx, database, cfg, AssignInput{TaskID: "t-3", Category: "ai_ml"})
	require.NoError(t, err)
	out, err = AppendRecord(ctx, database, AppendRecordInput{SourceAgent: "whis", TaskID: "t-3", Action: "progress note"})
	require.NoError(t, err)
	require.Empty(t, out.ReleasedHandler)

	rec, err := ReconcileLoad(ctx, database, cfg, ReconcileInput{})
	require.NoError(t, err)
	require.Equal(t, 0, rec.Corrected)
	hl, err = db.GetLoad(ctx, database, "whis")
	require.NoError(t, err)
	require.Equal(t, 1, hl.Load)
}

func TestAssignComplete_ConcurrentLoadNeverNegative(t *testing.T) {
	database, cfg := openTestDB(t)
	cfg.DBMaxOpenConns = 4
	db.ConfigurePool(database, cfg)
	ctx := context.Background()

	const tasks = 8
	var wg sync.WaitGroup
	errs := make(chan error, tasks*3)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskID := fmt.Sprintf("t-%d", i)
			if _, err := Assign(ctx, database, cfg, AssignInput{TaskID: taskID, Category: "security"}); err != nil {
				errs <- err
				return
			}
			// The duplicate completion must not release anything twice.
			for j := 0; j < 2; j++ {
				if _, err := Complete(ctx, database, cfg, CompleteInput{TaskID: taskID, Success: true}); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	loads, err := db.ListLoads(ctx, database)
	require.NoError(t, err)
	for _, hl := range loads {
		require.GreaterOrEqual(t, hl.Load, 0, "handler %s", hl.Handler)
	}

	open, err := db.CountOpenByHandler(ctx, database)
	require.NoError(t, err)
	require.Empty(t, open)

	_, err = ReconcileLoad(ctx, database, cfg, ReconcileInput{})
	require.NoError(t, err)
	loads, err = db.ListLoads(ctx, database)
	require.NoError(t, err)
	for _, hl := range loads {
		require.Equal(t, 0, hl.Load, "handler %s", hl.Handler)
	}
}
