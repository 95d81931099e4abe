package db

import (
	"context"
	"database/sql"

	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

const categoryColumns = `id, name, owner_handler, description, knowledge_count, created_at, updated_at`

// EnsureCategory returns the category named c.Name, creating it with c's
// fields when it does not exist yet. Concurrent callers converge on one row.
func EnsureCategory(ctx context.Context, q Querier, c *knowledge.Category) (*knowledge.Category, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO categories (id, name, owner_handler, description, knowledge_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, c.ID, c.Name, c.OwnerHandler, nullIfEmpty(c.Description), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return GetCategoryByName(ctx, q, c.Name)
}

// GetCategoryByName retrieves a category by its unique name.
func GetCategoryByName(ctx context.Context, q Querier, name string) (*knowledge.Category, error) {
	row := q.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE name = ?`, name)
	c, err := scanCategory(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("category", name)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// ListCategories returns every category ordered by name.
func ListCategories(ctx context.Context, q Querier) ([]knowledge.Category, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+categoryColumns+` FROM categories ORDER BY name ASC`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []knowledge.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// MergeIntoCategory records that one more artifact joined the category's
// effective knowledge.
func MergeIntoCategory(ctx context.Context, q Querier, categoryID string, now int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE categories
		SET knowledge_count = knowledge_count + 1, updated_at = ?
		WHERE id = ?
	`, now, categoryID)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound("category", categoryID)
	}
	return nil
}

func scanCategory(row rowScanner) (*knowledge.Category, error) {
	var (
		c    knowledge.Category
		desc sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Name, &c.OwnerHandler, &desc, &c.KnowledgeCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Description = desc.String
	return &c, nil
}
