package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPruneLogs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEROIDS_HOME", home)

	logsDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	oldLog := filepath.Join(logsDir, "runner-1234.log")
	newLog := filepath.Join(logsDir, "runner-5678.log")
	other := filepath.Join(logsDir, "notes.txt")
	for _, p := range []string{oldLog, newLog, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-10 * 24 * time.Hour)
	if err := os.Chtimes(oldLog, stale, stale); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, stale, stale); err != nil {
		t.Fatal(err)
	}

	removed, err := PruneLogs(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneLogs failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, err := os.Stat(oldLog); !os.IsNotExist(err) {
		t.Error("old runner log not removed")
	}
	if _, err := os.Stat(newLog); err != nil {
		t.Error("fresh runner log removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("non-runner file removed")
	}
}

func TestSetupDaemonWritesFile(t *testing.T) {
	t.Setenv("STEROIDS_HOME", t.TempDir())

	logger, closer, err := SetupDaemon(4242, true)
	if err != nil {
		t.Fatalf("SetupDaemon failed: %v", err)
	}
	logger.Info("daemon started", "pid", 4242)
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	path, err := DaemonLogPath(4242)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file empty")
	}
}
