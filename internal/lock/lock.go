// Package lock provides the advisory runner pid guard.
//
// The authoritative runner state lives in the global registry; the pid file
// under <project>/.steroids exists only so a second runner on the same
// machine fails fast without a registry round trip. A pid file whose process
// is gone is a zombie and may be discarded by anyone.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/util"
)

// PIDFileName is the pid file name in the project steroids directory.
const PIDFileName = "runner.pid"

// PIDGuard prevents two runners on the same machine from sharing a project
// directory.
type PIDGuard struct {
	projectPath string
	procs       ports.ProcessControl
}

// NewPIDGuard creates a guard for a project. A nil ProcessControl defaults
// to the OS implementation.
func NewPIDGuard(projectPath string, procs ports.ProcessControl) *PIDGuard {
	if procs == nil {
		procs = ports.OSProcessControl{}
	}
	return &PIDGuard{projectPath: projectPath, procs: procs}
}

func (g *PIDGuard) pidFilePath() string {
	return filepath.Join(g.projectPath, util.SteroidsDir, PIDFileName)
}

// Check verifies no live runner holds the guard. Stale and malformed pid
// files are cleaned up. Returns nil when safe to proceed.
func (g *PIDGuard) Check() error {
	pid, err := g.readPid()
	if err != nil {
		return err
	}
	if pid == 0 {
		return nil
	}

	if g.procs.IsAlive(pid) {
		return &AlreadyRunningError{PID: pid}
	}

	_ = os.Remove(g.pidFilePath())
	return nil
}

// Acquire writes this process's pid to the guard file. Call Check first.
func (g *PIDGuard) Acquire() error {
	dir := filepath.Dir(g.pidFilePath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create steroids dir: %w", err)
	}

	pid := g.procs.SelfPid()
	if err := util.AtomicWriteFile(g.pidFilePath(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the pid file. Safe to call when the file is gone.
func (g *PIDGuard) Release() {
	_ = os.Remove(g.pidFilePath())
}

// Zombie reports whether a pid file exists for a dead process. Used by
// wakeup to clean abandoned locks.
func (g *PIDGuard) Zombie() (bool, error) {
	pid, err := g.readPid()
	if err != nil {
		return false, err
	}
	if pid == 0 {
		return false, nil
	}
	return !g.procs.IsAlive(pid), nil
}

// HolderPid returns the pid recorded in the guard file, 0 when absent.
func (g *PIDGuard) HolderPid() (int, error) {
	return g.readPid()
}

func (g *PIDGuard) readPid() (int, error) {
	data, err := os.ReadFile(g.pidFilePath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// Malformed pid file, remove it.
		_ = os.Remove(g.pidFilePath())
		return 0, nil
	}
	return pid, nil
}

// AlreadyRunningError indicates a live runner holds the project guard.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("runner already active (pid %d)", e.PID)
}
