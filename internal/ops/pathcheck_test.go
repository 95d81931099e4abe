package ops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/errors"
)

func exportConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	return cfg
}

func TestValidateExportPath_Rejections(t *testing.T) {
	cfg := exportConfig(t)
	exports := filepath.Join(cfg.BaseDir, "exports")

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"parent traversal", "../knowledge.jsonl"},
		{"mid-path traversal", filepath.Join(exports, "..", "knowledge.jsonl")},
		{"no extension", filepath.Join(exports, "knowledge")},
		{"wrong extension", filepath.Join(exports, "knowledge.json")},
		{"outside exports", filepath.Join(t.TempDir(), "knowledge.jsonl")},
		{"nested under exports", filepath.Join(exports, "sub", "knowledge.jsonl")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateExportPath(tc.path, cfg)
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("ValidateExportPath(%q) = %v, want INVALID_REQUEST", tc.path, err)
			}
		})
	}
}

func TestValidateExportPath_ExportsDirAllowed(t *testing.T) {
	cfg := exportConfig(t)
	path := filepath.Join(cfg.BaseDir, "exports", "knowledge.jsonl")
	if err := ValidateExportPath(path, cfg); err != nil {
		t.Errorf("expected exports dir to be allowed, got: %v", err)
	}
}

func TestValidateExportPath_AllowedPaths(t *testing.T) {
	cfg := exportConfig(t)
	extra := t.TempDir()
	cfg.AllowedPaths = []string{extra}

	if err := ValidateExportPath(filepath.Join(extra, "out.jsonl"), cfg); err != nil {
		t.Errorf("expected allowed_paths entry to be accepted, got: %v", err)
	}
	if err := ValidateExportPath(filepath.Join(t.TempDir(), "out.jsonl"), cfg); err == nil {
		t.Error("expected error for directory outside allowed_paths, got nil")
	}
}

func TestValidateExportPath_AllowUnsafePaths(t *testing.T) {
	cfg := exportConfig(t)
	cfg.AllowUnsafePaths = true

	if err := ValidateExportPath(filepath.Join(t.TempDir(), "nested", "out.jsonl"), cfg); err != nil {
		t.Errorf("expected success with AllowUnsafePaths=true, got: %v", err)
	}
	// The extension check still applies.
	if err := ValidateExportPath(filepath.Join(t.TempDir(), "out.txt"), cfg); err == nil {
		t.Error("expected extension error even with AllowUnsafePaths=true")
	}
}

func TestValidateExportPath_SymlinkRejected(t *testing.T) {
	cfg := exportConfig(t)
	cfg.AllowUnsafePaths = true

	dir := t.TempDir()
	target := filepath.Join(dir, "target.jsonl")
	if err := os.WriteFile(target, []byte("{}"), 0600); err != nil {
		t.Fatalf("failed to create target file: %v", err)
	}
	link := filepath.Join(dir, "link.jsonl")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	err := ValidateExportPath(link, cfg)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST for symlink, got: %v", err)
	}
}

func TestExportsDir(t *testing.T) {
	cfg := exportConfig(t)
	dir, err := ExportsDir(cfg)
	if err != nil {
		t.Fatalf("ExportsDir failed: %v", err)
	}
	if want := filepath.Join(cfg.BaseDir, "exports"); dir != want {
		t.Errorf("ExportsDir = %q, want %q", dir, want)
	}
}

func TestContainsTraversal(t *testing.T) {
	tests := []struct {
		path     string
		contains bool
	}{
		{"/home/user/file.jsonl", false},
		{"../file.jsonl", true},
		{"/home/../etc/passwd", true},
		{"./file.jsonl", false},
		{"file..name.jsonl", false},
	}
	for _, tc := range tests {
		if got := containsTraversal(tc.path); got != tc.contains {
			t.Errorf("containsTraversal(%q) = %v, want %v", tc.path, got, tc.contains)
		}
	}
}

func TestSanitizeForFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"infrastructure", "infrastructure"},
		{"ai_ml", "ai_ml"},
		{"path/to/file", "path-to-file"},
		{"path\\to\\file", "path-to-file"},
		{"../../../etc/passwd", "etc-passwd"},
		{"foo\x00bar", "foobar"},
		{"../../..", "unnamed"},
		{"a---b", "a-b"},
	}
	for _, tc := range tests {
		if got := SanitizeForFilename(tc.input); got != tc.expected {
			t.Errorf("SanitizeForFilename(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}
