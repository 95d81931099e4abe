package ops

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/db"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/knowledge"
)

// ExportSchemaVersion is written into every export header.
const ExportSchemaVersion = "1.0"

// ExportInput contains parameters for the ExportKnowledge operation.
type ExportInput struct {
	Path     string  // optional, default: <base>/exports/<category>-<timestamp>.jsonl
	Category *string // optional filter by category name
}

// ExportOutput contains the result of the ExportKnowledge operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader is the first line of a knowledge export.
type ExportHeader struct {
	LinkOpsExport bool   `json:"_linkops_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
	Category      string `json:"category,omitempty"`
}

// ExportKnowledge writes the effective knowledge set as JSONL: a header line,
// then one artifact per line in knowledge order.
func ExportKnowledge(ctx context.Context, database *sql.DB, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	ctx, span := startSpan(ctx, "ExportKnowledge")
	defer span.End()

	ts := now()
	exportedAt := ts.Unix()
	category := cleanCategory(input.Category)

	exportPath := input.Path
	if exportPath == "" {
		dir, err := ExportsDir(cfg)
		if err != nil {
			return nil, err
		}
		name := "all"
		if category != nil {
			name = SanitizeForFilename(strings.ToLower(*category))
		}
		exportPath = filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", name, ts.UTC().Format("2006-01-02T150405")))
	}

	// Default paths are validated too; category names end up in them.
	if err := ValidateExportPath(exportPath, cfg); err != nil {
		return nil, err
	}

	items, err := db.ListArtifacts(ctx, database, db.ArtifactFilter{
		Category: category,
		States:   []knowledge.State{knowledge.StateApproved, knowledge.StateAutoApproved},
	}, 0, 0)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	// Write to a temp file and rename so a failed export leaves any
	// existing file untouched.
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	header := ExportHeader{
		LinkOpsExport: true,
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    exportedAt,
	}
	if category != nil {
		header.Category = *category
	}
	if err := enc.Encode(header); err != nil {
		return nil, errors.NewInternal(err)
	}

	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("export")
		}
		if err := enc.Encode(&items[i]); err != nil {
			return nil, errors.NewInternal(err)
		}
	}

	if err := w.Flush(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	// Windows cannot rename an open file.
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInternal(fmt.Errorf("export path is a symlink"))
	}

	// os.Rename refuses to replace on Windows; keep the old file rather than
	// delete-then-rename.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}
	success = true

	logger().Info("knowledge exported", zap.String("path", exportPath), zap.Int("count", len(items)))
	return &ExportOutput{
		Path:       exportPath,
		Count:      len(items),
		ExportedAt: exportedAt,
	}, nil
}
