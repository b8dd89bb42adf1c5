package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/util"
)

func TestAcquireCheckRelease(t *testing.T) {
	project := t.TempDir()
	procs := ports.NewFakeProcessControl()
	g := NewPIDGuard(project, procs)

	if err := g.Check(); err != nil {
		t.Fatalf("Check on clean dir failed: %v", err)
	}
	if err := g.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// A second guard from a different process sees the live holder.
	procs.SetAlive(procs.SelfPid(), true)
	var already *AlreadyRunningError
	if err := g.Check(); !errors.As(err, &already) {
		t.Fatalf("Check err = %v, want AlreadyRunningError", err)
	}
	if already.PID != procs.SelfPid() {
		t.Errorf("holder pid = %d, want %d", already.PID, procs.SelfPid())
	}

	g.Release()
	if err := g.Check(); err != nil {
		t.Fatalf("Check after release failed: %v", err)
	}
}

func TestStalePidFileCleanedUp(t *testing.T) {
	project := t.TempDir()
	procs := ports.NewFakeProcessControl()
	g := NewPIDGuard(project, procs)

	dir := filepath.Join(project, util.SteroidsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	pidFile := filepath.Join(dir, PIDFileName)
	if err := os.WriteFile(pidFile, []byte("99999"), 0o644); err != nil {
		t.Fatal(err)
	}

	zombie, err := g.Zombie()
	if err != nil {
		t.Fatalf("Zombie failed: %v", err)
	}
	if !zombie {
		t.Error("dead holder not reported as zombie")
	}

	if err := g.Check(); err != nil {
		t.Fatalf("Check with stale pid failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("stale pid file not removed")
	}
}

func TestMalformedPidFileIgnored(t *testing.T) {
	project := t.TempDir()
	g := NewPIDGuard(project, ports.NewFakeProcessControl())

	dir := filepath.Join(project, util.SteroidsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, PIDFileName), []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := g.Check(); err != nil {
		t.Fatalf("Check with malformed pid failed: %v", err)
	}
}
