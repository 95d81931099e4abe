package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

const recordColumns = `id, source_agent, task_id, record_type, action,
	result_success, result_detail, created_at, sanitized, category_tags_json`

// InsertRecord appends a record. Records are never updated except for the
// sanitized flag, which the schema enforces with a trigger.
func InsertRecord(ctx context.Context, q Querier, r *knowledge.Record) error {
	var tagsJSON sql.NullString
	if len(r.CategoryTags) > 0 {
		data, err := json.Marshal(r.CategoryTags)
		if err != nil {
			return errors.NewInternal(err)
		}
		tagsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `INSERT INTO records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		r.ID, r.SourceAgent, r.TaskID, string(r.RecordType), r.Action,
		boolToInt(r.Result.Success), nullIfEmpty(r.Result.Detail), r.CreatedAt,
		boolToInt(r.Sanitized), tagsJSON,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetRecord retrieves a record by id.
func GetRecord(ctx context.Context, q Querier, id string) (*knowledge.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("record", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return r, nil
}

// MarkSanitized flips sanitized on the given records. Already-sanitized ids
// are left alone; the count of newly sanitized records is returned.
func MarkSanitized(ctx context.Context, q Querier, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := q.ExecContext(ctx,
		`UPDATE records SET sanitized = 1 WHERE sanitized = 0 AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}

// ListSanitizedInWindow returns sanitized records with created_at in [start, end),
// ordered by creation.
func ListSanitizedInWindow(ctx context.Context, q Querier, start, end int64) ([]knowledge.Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE sanitized = 1 AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC, id ASC
	`, start, end)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return collectRecords(rows)
}

// ListRecordsByTask returns every record logged for a task id, oldest first.
func ListRecordsByTask(ctx context.Context, q Querier, taskID string) ([]knowledge.Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return collectRecords(rows)
}

// RecordCounts aggregates records created in [start, end).
type RecordCounts struct {
	Total     int
	Sanitized int
	BySource  map[string]int
	ByType    map[string]int
}

// CountRecords aggregates records created in [start, end).
func CountRecords(ctx context.Context, q Querier, start, end int64) (*RecordCounts, error) {
	counts := &RecordCounts{BySource: map[string]int{}, ByType: map[string]int{}}

	rows, err := q.QueryContext(ctx, `
		SELECT source_agent, record_type, COUNT(*), COALESCE(SUM(sanitized), 0)
		FROM records
		WHERE created_at >= ? AND created_at < ?
		GROUP BY source_agent, record_type
	`, start, end)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	for rows.Next() {
		var source, recordType string
		var n, sanitized int
		if err := rows.Scan(&source, &recordType, &n, &sanitized); err != nil {
			return nil, errors.NewInternal(err)
		}
		counts.Total += n
		counts.Sanitized += sanitized
		counts.BySource[source] += n
		counts.ByType[recordType] += n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return counts, nil
}

func collectRecords(rows *sql.Rows) ([]knowledge.Record, error) {
	defer rows.Close()
	var out []knowledge.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*knowledge.Record, error) {
	var (
		r          knowledge.Record
		recordType string
		success    int
		sanitized  int
		detail     sql.NullString
		tagsJSON   sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.SourceAgent, &r.TaskID, &recordType, &r.Action,
		&success, &detail, &r.CreatedAt, &sanitized, &tagsJSON,
	)
	if err != nil {
		return nil, err
	}
	r.RecordType = knowledge.RecordType(recordType)
	r.Result = knowledge.Result{Success: success == 1, Detail: detail.String}
	r.Sanitized = sanitized == 1
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &r.CategoryTags); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
