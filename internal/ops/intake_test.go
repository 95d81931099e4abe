package ops

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []dispatch.Task
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task dispatch.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func TestIntake_EvaluatesAssignsAndDispatches(t *testing.T) {
	database, cfg := openTestDB(t)
	d := &recordingDispatcher{}

	out, err := Intake(context.Background(), database, cfg, d, IntakeInput{
		TaskID:      "t-1",
		Description: "Create a StorageClass for the k8s cluster",
	})
	require.NoError(t, err)
	require.Equal(t, "infrastructure", out.Evaluation.Category)
	require.NotNil(t, out.Assignment)
	require.Equal(t, "igris", out.Assignment.TargetHandler)
	require.True(t, out.Dispatched)
	require.Empty(t, out.Warnings)

	require.Len(t, d.tasks, 1)
	task := d.tasks[0]
	require.Equal(t, "t-1", task.TaskID)
	require.Equal(t, "igris", task.Handler)
	require.Equal(t, "infrastructure", task.Category)
	require.Equal(t, "Create a StorageClass for the k8s cluster", task.Payload)

	hist, err := TaskHistory(context.Background(), database, "t-1")
	require.NoError(t, err)
	require.Len(t, hist.Records, 2)
	require.Equal(t, knowledge.RecordEvaluation, hist.Records[0].RecordType)
	require.Equal(t, knowledge.RecordAssignment, hist.Records[1].RecordType)
}

func TestIntake_DispatchFailureIsAWarning(t *testing.T) {
	database, cfg := openTestDB(t)
	d := &recordingDispatcher{err: stderrors.New("broker unreachable")}

	out, err := Intake(context.Background(), database, cfg, d, IntakeInput{
		TaskID: "t-1", Description: "rotate the vault secrets",
	})
	require.NoError(t, err)
	require.False(t, out.Dispatched)
	require.NotNil(t, out.Assignment)
	require.True(t, hasWarning(out.Warnings, errors.WarnDispatchFailed))
}

func TestIntake_AutoCompletableSkipsAssignment(t *testing.T) {
	database, cfg := openTestDB(t)
	seedArtifact(t, database, "infrastructure", "Restart failing pod web-1a", 3, 100, knowledge.StateAutoApproved)
	d := &recordingDispatcher{}

	out, err := Intake(context.Background(), database, cfg, d, IntakeInput{
		TaskID: "t-1", Description: "restart failing pod web-77",
	})
	require.NoError(t, err)
	require.True(t, out.Evaluation.AutoCompletable)
	require.Nil(t, out.Assignment)
	require.False(t, out.Dispatched)
	require.Empty(t, d.tasks)
}

func TestIntake_FallbackIsDispatched(t *testing.T) {
	database, cfg := openTestDB(t)
	cfg.MinConfidence = 0.99
	d := &recordingDispatcher{}

	out, err := Intake(context.Background(), database, cfg, d, IntakeInput{
		TaskID: "t-1", Description: "Write the quarterly report",
	})
	require.NoError(t, err)
	require.True(t, out.Assignment.RequiresHuman)
	require.True(t, hasWarning(out.Warnings, errors.WarnNoEligibleHandler))
	require.True(t, out.Dispatched)
	require.Equal(t, cfg.FallbackHandler, d.tasks[0].Handler)
}

func TestIntake_NilDispatcher(t *testing.T) {
	database, cfg := openTestDB(t)

	out, err := Intake(context.Background(), database, cfg, nil, IntakeInput{
		TaskID: "t-1", Description: "train the embedding model",
	})
	require.NoError(t, err)
	require.Equal(t, "whis", out.Assignment.TargetHandler)
	require.False(t, out.Dispatched)
}

func TestIntake_Validation(t *testing.T) {
	database, cfg := openTestDB(t)
	_, err := Intake(context.Background(), database, cfg, nil, IntakeInput{TaskID: "t-1"})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
