package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/errors"
)

// ValidateExportPath checks a knowledge export destination:
//  1. no ".." components
//  2. .jsonl extension
//  3. directly inside <base>/exports or an allowed_paths entry (no subdirectories)
//  4. neither the file nor its parent is a symlink
//
// Requiring the file to sit directly in an allowed directory leaves no
// intermediate component to swap for a symlink between check and open;
// O_NOFOLLOW covers the final component.
func ValidateExportPath(path string, cfg *config.Config) error {
	if path == "" {
		return errors.NewInvalidRequest("path is required")
	}
	// Reject paths containing ".." (traversal attempt)
	if containsTraversal(path) {
		return errors.NewInvalidRequest("path must not contain directory traversal (..)")
	}

	// Require .jsonl extension
	cleaned := filepath.Clean(path)
	if filepath.Ext(cleaned) != ".jsonl" {
		return errors.NewInvalidRequest("path must have .jsonl extension")
	}
	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}

	// allow_unsafe_paths skips the directory checks but not the symlink check,
	// since O_NOFOLLOW is used at open time regardless.
	if cfg == nil || !cfg.AllowUnsafePaths {
		// Resolved so symlinked allowed_paths entries match their targets
		allowedDirs, err := allowedExportDirs(cfg)
		if err != nil {
			return err
		}
		// File must be DIRECTLY in an allowed directory (no subdirectories)
		parentDir := filepath.Dir(absPath)
		if !isDirectlyInAllowedDir(parentDir, allowedDirs) {
			return errors.NewInvalidRequest(
				fmt.Sprintf("file must be directly in an allowed directory (no subdirectories); allowed: %v", allowedDirs))
		}
		// Parent directory must not be a symlink either
		if info, err := os.Lstat(parentDir); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return errors.NewInvalidRequest("parent directory must not be a symlink")
		}
	}

	// Symlink files are refused even with allow_unsafe_paths.
	// O_NOFOLLOW at open time would catch this too; rejecting here gives a clearer error.
	if info, err := os.Lstat(absPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("path must not be a symlink")
	}
	return nil
}

// ExportsDir returns <base>/exports, falling back to ~/.linkops/exports.
func ExportsDir(cfg *config.Config) (string, error) {
	if cfg != nil && cfg.BaseDir != "" {
		return filepath.Join(cfg.BaseDir, "exports"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewInternal(fmt.Errorf("failed to get home directory: %w", err))
	}
	return filepath.Join(homeDir, ".linkops", "exports"), nil
}

// allowedExportDirs returns the absolute allowed directories, resolving
// symlinked allowed_paths entries to their targets.
func allowedExportDirs(cfg *config.Config) ([]string, error) {
	defaultDir, err := ExportsDir(cfg)
	if err != nil {
		return nil, err
	}
	dirs := []string{defaultDir}

	// Add configured allowed paths (only absolute paths)
	if cfg != nil {
		for _, p := range cfg.AllowedPaths {
			if filepath.IsAbs(p) {
				dirs = append(dirs, filepath.Clean(p))
			}
		}
	}

	result := make([]string, 0, len(dirs))
	for _, d := range dirs {
		abs, err := filepath.Abs(filepath.Clean(d))
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid allowed path: %v", err))
		}
		// If the directory is a symlink, match against its real target
		if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(abs)
			if err != nil {
				return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve symlink in allowed path: %v", err))
			}
			abs = resolved
		}
		result = append(result, abs)
	}
	return result, nil
}

// isDirectlyInAllowedDir reports whether parentDir exactly matches an allowed
// directory. Being somewhere under one is not enough.
func isDirectlyInAllowedDir(parentDir string, allowedDirs []string) bool {
	parentDir = filepath.Clean(parentDir)
	for _, dir := range allowedDirs {
		if parentDir == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

// containsTraversal reports whether any path component is "..".
func containsTraversal(path string) bool {
	// Check each path component
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	// Also check forward slashes on all platforms (e.g., user input)
	if filepath.Separator != '/' {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}

// SanitizeForFilename makes a category name safe to embed in a file name.
func SanitizeForFilename(s string) string {
	// Replace path separators with dashes
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")

	// Replace ".." sequences (could be embedded)
	s = strings.ReplaceAll(s, "..", "-")

	// Remove null bytes and other control characters
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 { // printable ASCII and unicode
			b.WriteRune(r)
		}
	}
	s = b.String()

	// Collapse multiple dashes
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}

	// Trim leading/trailing dashes
	s = strings.Trim(s, "-")

	// If empty after sanitization, use a safe default
	if s == "" {
		s = "unnamed"
	}
	return s
}
