package ops

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

// FetchArtifactOutput contains the result of the FetchArtifact operation.
type FetchArtifactOutput struct {
	knowledge.Artifact
	Template *knowledge.ActionTemplate `json:"template,omitempty"`
}

// FetchArtifact returns one artifact with its decoded action template.
func FetchArtifact(ctx context.Context, database *sql.DB, id string) (*FetchArtifactOutput, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	a, err := db.GetArtifact(ctx, database, id)
	if err != nil {
		return nil, err
	}
	out := &FetchArtifactOutput{Artifact: *a}
	if tmpl, err := knowledge.DecodeTemplate(a.Content); err == nil {
		out.Template = &tmpl
	}
	return out, nil
}

// ListKnowledgeOutput contains the result of the ListKnowledge operation.
type ListKnowledgeOutput struct {
	Items []knowledge.Artifact `json:"items"`
}

// ListKnowledge returns the effective knowledge set: approved and
// auto-approved artifacts, strongest signal first.
func ListKnowledge(ctx context.Context, database *sql.DB, category *string) (*ListKnowledgeOutput, error) {
	items, err := db.ListArtifacts(ctx, database, db.ArtifactFilter{
		Category: cleanCategory(category),
		States:   []knowledge.State{knowledge.StateApproved, knowledge.StateAutoApproved},
	}, 0, 0)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []knowledge.Artifact{}
	}
	return &ListKnowledgeOutput{Items: items}, nil
}

// ListCategoriesOutput contains the result of the ListCategories operation.
type ListCategoriesOutput struct {
	Items []knowledge.Category `json:"items"`
}

// ListCategories returns every knowledge category by name.
func ListCategories(ctx context.Context, database *sql.DB) (*ListCategoriesOutput, error) {
	items, err := db.ListCategories(ctx, database)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []knowledge.Category{}
	}
	return &ListCategoriesOutput{Items: items}, nil
}

// SeedCategories creates the categories named by the routing table. Existing
// categories keep their owner and counters.
func SeedCategories(ctx context.Context, database *sql.DB, cfg *config.Config) (int, error) {
	routing := routingOf(cfg)
	names := map[string]bool{routing.DefaultCategory: true}
	for _, c := range routing.Categories {
		names[c.Name] = true
	}
	for _, r := range routing.Rules {
		names[r.Category] = true
	}

	ts := now().Unix()
	created := 0
	err := db.WithTx(ctx, database, func(tx *sql.Tx) error {
		for name := range names {
			cs := routing.CategorySpecFor(name)
			if cs.Owner == "" {
				cs.Owner = cfg.FallbackHandler
			}
			id := newID()
			c, err := db.EnsureCategory(ctx, tx, &knowledge.Category{
				ID:           id,
				Name:         name,
				OwnerHandler: cs.Owner,
				Description:  cs.Description,
				CreatedAt:    ts,
				UpdatedAt:    ts,
			})
			if err != nil {
				return err
			}
			if c.ID == id {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
