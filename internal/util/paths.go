// Package util provides common utility functions for steroids.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SteroidsDir is the per-project steroids directory.
const SteroidsDir = ".steroids"

// NormalizeProjectPath canonicalizes a project path for use as a registry
// identity: absolute, symlinks resolved, trailing separators stripped.
// Two invocations against the same directory always return the same string.
func NormalizeProjectPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty project path")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	// Resolve symlinks when the directory exists. A registered project may
	// have been deleted; identity must still normalize for prune.
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		abs = resolved
	}

	abs = filepath.Clean(abs)
	if abs != string(filepath.Separator) {
		abs = strings.TrimRight(abs, string(filepath.Separator))
	}
	return abs, nil
}

// HomeDir returns the steroids home directory (~/.steroids), creating it if
// needed. STEROIDS_HOME overrides the location.
func HomeDir() (string, error) {
	dir := os.Getenv("STEROIDS_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, SteroidsDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create steroids dir: %w", err)
	}
	return dir, nil
}

// LogsDir returns the daemon log directory (~/.steroids/logs).
func LogsDir() (string, error) {
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	return dir, nil
}

// WorkspacesDir returns the root directory for parallel-session clones
// (~/.steroids/workspaces).
func WorkspacesDir() (string, error) {
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, "workspaces")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create workspaces dir: %w", err)
	}
	return dir, nil
}

// ProjectStorePath returns the project database path under projectPath.
func ProjectStorePath(projectPath string) string {
	return filepath.Join(projectPath, SteroidsDir, "steroids.db")
}

// HasProjectStore reports whether projectPath contains a project store.
func HasProjectStore(projectPath string) bool {
	_, err := os.Stat(ProjectStorePath(projectPath))
	return err == nil
}
