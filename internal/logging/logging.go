// Package logging configures slog for steroids processes. Interactive
// commands log text to stderr; daemons write one file per pid under the
// logs directory so wakeup can reap old files by age.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/steroids-dev/steroids/internal/util"
)

// Setup installs the default logger for an interactive command.
func Setup(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// DaemonLogPath returns the log file path for a daemon pid.
func DaemonLogPath(pid int) (string, error) {
	dir, err := util.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("runner-%d.log", pid)), nil
}

// SetupDaemon installs a JSON logger writing to the daemon's per-pid log
// file. The caller owns closing the returned file.
func SetupDaemon(pid int, verbose bool) (*slog.Logger, io.Closer, error) {
	path, err := DaemonLogPath(pid)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open daemon log %s: %w", path, err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, f, nil
}

// PruneLogs removes runner log files whose modification time is older than
// the cutoff. Returns how many files were deleted.
func PruneLogs(cutoff time.Time) (int, error) {
	dir, err := util.LogsDir()
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read logs dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "runner-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
