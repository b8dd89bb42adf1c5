// Package ports defines the abstraction boundary between the orchestration
// core and the host system. Production code uses the real implementations;
// tests substitute fakes so core logic runs fully in memory.
package ports

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Clock provides the current time. The orchestrator never calls time.Now
// directly so tests can control lease expiry and staleness windows.
type Clock interface {
	Now() time.Time
}

// ProcessControl abstracts process spawning and signalling.
type ProcessControl interface {
	// SpawnDetached starts cmd with args in cwd, detached from the current
	// process group, and returns the child pid.
	SpawnDetached(cmd string, args []string, cwd string, logPath string) (int, error)

	// Kill sends sig to pid.
	Kill(pid int, sig syscall.Signal) error

	// IsAlive reports whether a process with the given pid exists.
	IsAlive(pid int) bool

	// SelfPid returns the pid of the calling process.
	SelfPid() int
}

// Filesystem abstracts the few filesystem operations the core needs.
type Filesystem interface {
	Exists(path string) bool
	ReadDir(path string) ([]string, error)
	MkdirAll(path string) error
	RemoveAll(path string) error
	Realpath(path string) (string, error)
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// OSProcessControl is the production ProcessControl backed by os/exec.
type OSProcessControl struct{}

func (OSProcessControl) SpawnDetached(cmd string, args []string, cwd string, logPath string) (int, error) {
	c := exec.Command(cmd, args...)
	c.Dir = cwd
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		c.Stdout = f
		c.Stderr = f
	}

	if err := c.Start(); err != nil {
		return 0, err
	}
	pid := c.Process.Pid

	// Reap the child when it exits so it does not linger as a zombie.
	go func() { _ = c.Wait() }()

	return pid, nil
}

func (OSProcessControl) Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (OSProcessControl) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Signal 0 checks existence.
	return process.Signal(syscall.Signal(0)) == nil
}

func (OSProcessControl) SelfPid() int { return os.Getpid() }

// OSFilesystem is the production Filesystem backed by the os package.
type OSFilesystem struct{}

func (OSFilesystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFilesystem) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (OSFilesystem) MkdirAll(path string) error { return os.MkdirAll(path, 0755) }

func (OSFilesystem) RemoveAll(path string) error { return os.RemoveAll(path) }

func (OSFilesystem) Realpath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs, nil
	}
	return resolved, nil
}
