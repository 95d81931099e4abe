package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/scheduler"
)

// setupTestDB creates a temporary database and config for testing.
func setupTestDB(t *testing.T) (*sql.DB, *config.Config) {
	t.Helper()
	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	cfg.BaseDir = tmpDir
	return database, cfg
}

// runCLI runs args through a fresh app and returns captured stdout.
func runCLI(t *testing.T, database *sql.DB, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	app := newCLIApp(database, cfg)

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	runErr := app.Run(append([]string{"linkops"}, args...))

	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	os.Stdout = oldStdout
	return buf.String(), runErr
}

func runJSON(t *testing.T, database *sql.DB, cfg *config.Config, args ...string) map[string]any {
	t.Helper()
	out, err := runCLI(t, database, cfg, args...)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), "output: %s", out)
	return m
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single", "katie", []string{"katie"}},
		{"multiple", "katie,igris", []string{"katie", "igris"}},
		{"spaces and blanks", " katie , ,igris ", []string{"katie", "igris"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, parseList(tt.input))
		})
	}
}

func TestCLIEvaluate(t *testing.T) {
	database, cfg := setupTestDB(t)

	out := runJSON(t, database, cfg, "evaluate", "--task-id=t-1", "Create", "a", "StorageClass", "for", "the", "k8s", "cluster")
	require.Equal(t, "t-1", out["task_id"])
	require.Equal(t, "infrastructure", out["category"])
	require.Equal(t, false, out["auto_completable"])

	history := runJSON(t, database, cfg, "history", "t-1")
	require.Len(t, history["records"].([]any), 1)
}

func TestCLIAssignAndComplete(t *testing.T) {
	database, cfg := setupTestDB(t)

	assigned := runJSON(t, database, cfg, "assign", "--task-id=t-1", "--category=ai_ml", "--confidence=0.9")
	require.Equal(t, "whis", assigned["target_handler"])

	completed := runJSON(t, database, cfg, "complete", "--task-id=t-1", "--handler=whis", "--detail=done")
	require.Equal(t, "t-1", completed["task_id"])
	require.Equal(t, true, completed["closed_assignment"])
	require.Equal(t, float64(0), completed["handler_load"])
}

func TestCLIIntake_LogDispatcher(t *testing.T) {
	database, cfg := setupTestDB(t)

	out := runJSON(t, database, cfg, "intake", "--task-id=t-9", "train", "the", "embedding", "model")
	require.Equal(t, true, out["dispatched"])
	require.Equal(t, "whis", out["assignment"].(map[string]any)["target_handler"])
}

func TestCLIDistillReview(t *testing.T) {
	database, cfg := setupTestDB(t)
	day := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i, action := range []string{"Restart failing pod web-1a", "restart failing pod api-2b"} {
		rec := runJSON(t, database, cfg, "record",
			"--source=katie",
			fmt.Sprintf("--task-id=t-%d", i+1),
			"--action="+action,
			fmt.Sprintf("--created-at=%d", day.Unix()+int64(60*(i+1))),
		)
		ids = append(ids, rec["id"].(string))
	}

	sanitized := runJSON(t, database, cfg, append([]string{"sanitize"}, ids...)...)
	require.Equal(t, float64(2), sanitized["sanitized"])

	report := runJSON(t, database, cfg, "distill", "--date=2026-01-10")
	require.Equal(t, float64(2), report["records_scanned"])
	require.Equal(t, float64(1), report["artifacts_created"])

	pending := runJSON(t, database, cfg, "pending", "--category=infrastructure")
	items := pending["items"].([]any)
	require.Len(t, items, 1)
	id := items[0].(map[string]any)["id"].(string)

	fetched := runJSON(t, database, cfg, "fetch", id)
	require.Equal(t, id, fetched["id"])

	decision := runJSON(t, database, cfg, "approve", id)
	require.Equal(t, "approved", decision["state"])
	require.Equal(t, true, decision["changed"])

	again := runJSON(t, database, cfg, "approve", id)
	require.Equal(t, false, again["changed"])

	_, err := runCLI(t, database, cfg, "reject", id)
	require.Error(t, err)
	require.Contains(t, err.Error(), "[INVALID_STATE]")

	known := runJSON(t, database, cfg, "knowledge")
	require.Len(t, known["items"].([]any), 1)

	cats := runJSON(t, database, cfg, "categories")
	require.Len(t, cats["items"].([]any), 1)

	exported := runJSON(t, database, cfg, "export", "--category=infrastructure")
	require.Equal(t, float64(1), exported["count"])

	digest := runJSON(t, database, cfg, "digest", "--date=2026-01-10")
	require.Equal(t, "2026-01-10", digest["date"])

	md, err := runCLI(t, database, cfg, "digest", "--date=2026-01-10", "--format=markdown")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(md, "#"), "markdown digest: %s", md)

	pretty, err := runCLI(t, database, cfg, "digest", "--date=2026-01-10", "--format=pretty")
	require.NoError(t, err)
	require.Contains(t, pretty, "2026-01-10")
}

func TestCLIReconcile(t *testing.T) {
	database, cfg := setupTestDB(t)

	runJSON(t, database, cfg, "assign", "--task-id=t-1", "--category=ai_ml")
	out := runJSON(t, database, cfg, "reconcile", "--stale-after=1h")
	require.Equal(t, float64(0), out["closed_stale"])
}

func TestCLIErrorHandling(t *testing.T) {
	database, cfg := setupTestDB(t)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"fetch unknown artifact", []string{"fetch", "01HZZZZZZZZZZZZZZZZZZZZZZZ"}, "[NOT_FOUND]"},
		{"fetch without id", []string{"fetch"}, "[INVALID_REQUEST]"},
		{"bad distill date", []string{"distill", "--date=10/01/2026"}, "[INVALID_REQUEST]"},
		{"bad digest format", []string{"digest", "--format=xml"}, "[INVALID_REQUEST]"},
		{"negative stale-after", []string{"reconcile", "--stale-after=-1h"}, "[INVALID_REQUEST]"},
		{"export outside allowed dirs", []string{"export", "--path=/etc/linkops.jsonl"}, "[INVALID_REQUEST]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, database, cfg, tt.args...)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.code)
		})
	}
}

func TestDistillWindowDefaultsToPreviousDay(t *testing.T) {
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	start, end := scheduler.PreviousDay(now)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Unix(), start)
	require.Equal(t, end-start, int64(24*60*60))
}

func TestIsCLIMode(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{"no args", []string{"linkops"}, false},
		{"evaluate command", []string{"linkops", "evaluate"}, true},
		{"serve command", []string{"linkops", "serve"}, true},
		{"help flag", []string{"linkops", "--help"}, true},
		{"short version flag", []string{"linkops", "-v"}, true},
		{"unknown arg defaults to MCP", []string{"linkops", "--unknown"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			defer func() { os.Args = oldArgs }()

			os.Args = tt.args
			require.Equal(t, tt.expected, isCLIMode())
		})
	}
}

func TestIsHelpOrVersion(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{"no args", []string{"linkops"}, false},
		{"help flag", []string{"linkops", "--help"}, true},
		{"help subcommand", []string{"linkops", "help"}, true},
		{"version flag", []string{"linkops", "--version"}, true},
		{"distill is not help", []string{"linkops", "distill"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			defer func() { os.Args = oldArgs }()

			os.Args = tt.args
			require.Equal(t, tt.expected, isHelpOrVersion())
		})
	}
}

func TestReadStdinWithLimit(t *testing.T) {
	pipeStdin := func(t *testing.T, content string) {
		t.Helper()
		r, w, err := os.Pipe()
		require.NoError(t, err)
		go func() {
			_, _ = w.WriteString(content)
			w.Close()
		}()
		oldStdin := os.Stdin
		os.Stdin = r
		t.Cleanup(func() { os.Stdin = oldStdin })
	}

	t.Run("within limit", func(t *testing.T) {
		pipeStdin(t, "rotate certs\n")
		got, err := readStdin(1000)
		require.NoError(t, err)
		require.Equal(t, "rotate certs", got)
	})

	t.Run("exceeds limit", func(t *testing.T) {
		pipeStdin(t, strings.Repeat("x", 100))
		_, err := readStdin(50)
		require.Error(t, err)
	})
}
