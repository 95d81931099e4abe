package intake

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
	"github.com/jimjrxieb/linkops/internal/ops"
)

type captureDispatcher struct {
	tasks []dispatch.Task
}

func (d *captureDispatcher) Dispatch(_ context.Context, task dispatch.Task) error {
	d.tasks = append(d.tasks, task)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *captureDispatcher, *observer.ObservedLogs) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Init(dir)
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	cfg.BaseDir = dir
	core, logs := observer.New(zap.DebugLevel)
	d := &captureDispatcher{}
	return &Handler{
		DB:              database,
		Config:          cfg,
		Dispatcher:      d,
		TaskTopic:       cfg.IntakeTopic,
		CompletionTopic: cfg.CompletionTopic,
		Logger:          zap.New(core),
	}, d, logs
}

func history(t *testing.T, database *sql.DB, taskID string) []knowledge.Record {
	t.Helper()
	out, err := ops.TaskHistory(context.Background(), database, taskID)
	require.NoError(t, err)
	return out.Records
}

func TestDecodeTask(t *testing.T) {
	in, err := DecodeTask([]byte(`{"task_id":"t-1","description":"restart the pod"}`))
	require.NoError(t, err)
	require.Equal(t, ops.IntakeInput{TaskID: "t-1", Description: "restart the pod"}, in)

	_, err = DecodeTask([]byte(`not json`))
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = DecodeTask([]byte(`{"description":"x"}`))
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestDecodeCompletion(t *testing.T) {
	in, err := DecodeCompletion([]byte(`{"task_id":"t-1","handler":"katie","success":true,"detail":"done"}`))
	require.NoError(t, err)
	require.Equal(t, ops.CompleteInput{TaskID: "t-1", Handler: "katie", Success: true, Detail: "done"}, in)

	_, err = DecodeCompletion([]byte(`{"success":true}`))
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestHandle_TaskThenCompletion(t *testing.T) {
	h, d, _ := newTestHandler(t)
	ctx := context.Background()

	outcome := h.Handle(ctx, &kgo.Record{
		Topic: h.TaskTopic,
		Value: []byte(`{"task_id":"t-1","description":"train the embedding model"}`),
	})
	require.Equal(t, OutcomeOK, outcome)
	require.Len(t, d.tasks, 1)
	require.Equal(t, "whis", d.tasks[0].Handler)

	hl, err := db.GetLoad(ctx, h.DB, "whis")
	require.NoError(t, err)
	require.Equal(t, 1, hl.Load)

	outcome = h.Handle(ctx, &kgo.Record{
		Topic: h.CompletionTopic,
		Value: []byte(`{"task_id":"t-1","handler":"whis","success":true}`),
	})
	require.Equal(t, OutcomeOK, outcome)

	hl, err = db.GetLoad(ctx, h.DB, "whis")
	require.NoError(t, err)
	require.Equal(t, 0, hl.Load)

	records := history(t, h.DB, "t-1")
	require.Len(t, records, 3)
	require.Equal(t, knowledge.RecordCompletion, records[2].RecordType)
}

func TestHandle_InvalidMessagesAreDropped(t *testing.T) {
	h, d, logs := newTestHandler(t)
	ctx := context.Background()

	require.Equal(t, OutcomeInvalid, h.Handle(ctx, &kgo.Record{Topic: h.TaskTopic, Value: []byte(`{`)}))
	require.Equal(t, OutcomeInvalid, h.Handle(ctx, &kgo.Record{
		Topic: h.TaskTopic, Value: []byte(`{"task_id":"t-2","description":""}`),
	}))
	require.Equal(t, OutcomeInvalid, h.Handle(ctx, &kgo.Record{Topic: "elsewhere", Value: []byte(`{}`)}))

	require.Empty(t, d.tasks)
	require.Equal(t, 2, logs.FilterMessage("dropping invalid message").Len())
	require.Equal(t, 1, logs.FilterMessage("message on unexpected topic").Len())
}

func TestHandle_DegradedStoreStillTakesTask(t *testing.T) {
	h, _, _ := newTestHandler(t)
	h.DB.Close()

	outcome := h.Handle(context.Background(), &kgo.Record{
		Topic: h.TaskTopic,
		Value: []byte(`{"task_id":"t-1","description":"rotate the vault secrets"}`),
	})
	require.Equal(t, OutcomeOK, outcome)
}

func TestNewConsumer_RequiresBrokers(t *testing.T) {
	_, err := NewConsumer(nil, config.DefaultConfig(), nil)
	require.Error(t, err)
}
