package ops

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

// ListPendingInput contains parameters for the ListPending operation.
type ListPendingInput struct {
	Category *string // optional category name filter
	Limit    int     // default: 20, max: 100
	Offset   int
}

// ListPendingOutput contains the result of the ListPending operation.
type ListPendingOutput struct {
	Items      []knowledge.Artifact `json:"items"`
	Pagination Pagination           `json:"pagination"`
}

// ListPending returns artifacts awaiting review, most repeated first, then
// oldest first.
func ListPending(ctx context.Context, database *sql.DB, input ListPendingInput) (*ListPendingOutput, error) {
	ctx, span := startSpan(ctx, "ListPending")
	defer span.End()

	limit, offset := clampPage(input.Limit, input.Offset)
	filter := db.ArtifactFilter{
		Category: cleanCategory(input.Category),
		States:   []knowledge.State{knowledge.StatePending},
	}

	items, err := db.ListArtifacts(ctx, database, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := db.CountArtifacts(ctx, database, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []knowledge.Artifact{}
	}

	return &ListPendingOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
	}, nil
}

func cleanCategory(c *string) *string {
	if c == nil {
		return nil
	}
	v := strings.TrimSpace(*c)
	if v == "" {
		return nil
	}
	return &v
}
