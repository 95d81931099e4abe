package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

const artifactSelect = `
	SELECT a.id, a.category_id, c.name, a.origin_task_id, a.artifact_type,
		a.content, a.content_norm, a.origin_signature, a.signal_strength,
		a.requires_approval, a.state, a.created_at, a.decided_at, a.last_seen_at
	FROM artifacts a
	JOIN categories c ON c.id = a.category_id
`

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.LinkOpsError{
	Code:    "UNIQUE_CONSTRAINT",
	Status:  409,
	Message: "unique constraint violation",
}

// InsertArtifact stores a new candidate artifact.
func InsertArtifact(ctx context.Context, q Querier, a *knowledge.Artifact) error {
	var decidedAt sql.NullInt64
	if a.DecidedAt != nil {
		decidedAt = sql.NullInt64{Int64: *a.DecidedAt, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO artifacts (
			id, category_id, origin_task_id, artifact_type, content, content_norm,
			origin_signature, signal_strength, requires_approval, state,
			created_at, decided_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.CategoryID, a.OriginTaskID, string(a.ArtifactType), a.Content, a.ContentNorm,
		a.OriginSignature, a.SignalStrength, boolToInt(a.RequiresApproval), string(a.State),
		a.CreatedAt, decidedAt, a.LastSeenAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetArtifact retrieves an artifact by id.
func GetArtifact(ctx context.Context, q Querier, id string) (*knowledge.Artifact, error) {
	row := q.QueryRowContext(ctx, artifactSelect+` WHERE a.id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("artifact", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return a, nil
}

// FindArtifactByIdentity looks up the exact-duplicate key
// (category, normalized content, origin signature). Returns nil when absent.
func FindArtifactByIdentity(ctx context.Context, q Querier, categoryID, contentNorm, originSignature string) (*knowledge.Artifact, error) {
	row := q.QueryRowContext(ctx, artifactSelect+`
		WHERE a.category_id = ? AND a.content_norm = ? AND a.origin_signature = ?
	`, categoryID, contentNorm, originSignature)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return a, nil
}

// IncrementSignal adds delta to an artifact's signal strength. Allowed in
// every state, terminal ones included.
func IncrementSignal(ctx context.Context, q Querier, id string, delta int, now int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE artifacts
		SET signal_strength = signal_strength + ?, last_seen_at = ?
		WHERE id = ?
	`, delta, now, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound("artifact", id)
	}
	return nil
}

// CompareAndSetState moves an artifact from one state to another. It reports
// false without error when the artifact is no longer in state from.
func CompareAndSetState(ctx context.Context, q Querier, id string, from, to knowledge.State, now int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE artifacts
		SET state = ?, decided_at = ?
		WHERE id = ? AND state = ?
	`, string(to), now, id, string(from))
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n == 1, nil
}

// ArtifactFilter narrows artifact listings.
type ArtifactFilter struct {
	Category *string // category name
	States   []knowledge.State
}

func (f ArtifactFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Category != nil {
		clauses = append(clauses, "c.name = ?")
		args = append(args, *f.Category)
	}
	if len(f.States) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",")
		clauses = append(clauses, "a.state IN ("+ph+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListArtifacts returns artifacts matching filter ordered by signal strength
// (highest first), then creation time (oldest first), then id.
func ListArtifacts(ctx context.Context, q Querier, filter ArtifactFilter, limit, offset int) ([]knowledge.Artifact, error) {
	where, args := filter.where()
	query := artifactSelect + where + `
		ORDER BY a.signal_strength DESC, a.created_at ASC, a.id ASC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []knowledge.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// CountArtifacts returns the number of artifacts matching filter.
func CountArtifacts(ctx context.Context, q Querier, filter ArtifactFilter) (int, error) {
	where, args := filter.where()
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts a JOIN categories c ON c.id = a.category_id`+where, args...).Scan(&n)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// CategoryActivity is the per-category artifact breakdown for a time range.
type CategoryActivity struct {
	Category     string
	Created      int
	Approved     int
	AutoApproved int
	Rejected     int
	PendingTotal int
	Knowledge    int
}

// ArtifactActivity aggregates artifact activity in [start, end) per category.
// PendingTotal counts every artifact still pending, regardless of age.
func ArtifactActivity(ctx context.Context, q Querier, start, end int64) ([]CategoryActivity, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.name,
			COALESCE(SUM(CASE WHEN a.created_at >= ?1 AND a.created_at < ?2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.state = 'approved' AND a.decided_at >= ?1 AND a.decided_at < ?2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.state = 'auto_approved' AND a.created_at >= ?1 AND a.created_at < ?2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.state = 'rejected' AND a.decided_at >= ?1 AND a.decided_at < ?2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.state = 'pending' THEN 1 ELSE 0 END), 0),
			c.knowledge_count
		FROM categories c
		LEFT JOIN artifacts a ON a.category_id = c.id
		GROUP BY c.id, c.name, c.knowledge_count
		ORDER BY c.name ASC
	`, start, end)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []CategoryActivity
	for rows.Next() {
		var ca CategoryActivity
		if err := rows.Scan(&ca.Category, &ca.Created, &ca.Approved, &ca.AutoApproved,
			&ca.Rejected, &ca.PendingTotal, &ca.Knowledge); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, ca)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

func scanArtifact(row rowScanner) (*knowledge.Artifact, error) {
	var (
		a                knowledge.Artifact
		artifactType     string
		state            string
		requiresApproval int
		decidedAt        sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.CategoryID, &a.CategoryName, &a.OriginTaskID, &artifactType,
		&a.Content, &a.ContentNorm, &a.OriginSignature, &a.SignalStrength,
		&requiresApproval, &state, &a.CreatedAt, &decidedAt, &a.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	a.ArtifactType = knowledge.ArtifactType(artifactType)
	a.State = knowledge.State(state)
	a.RequiresApproval = requiresApproval == 1
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Int64
	}
	return &a, nil
}
