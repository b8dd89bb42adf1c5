package ports

import (
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"
)

// FakeClock is a manually advanced Clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// SpawnedProcess records one SpawnDetached call on a FakeProcessControl.
type SpawnedProcess struct {
	Cmd  string
	Args []string
	Cwd  string
	PID  int
}

// FakeProcessControl records spawns and kills without touching the OS.
type FakeProcessControl struct {
	mu      sync.Mutex
	nextPid int
	alive   map[int]bool
	Spawned []SpawnedProcess
	Killed  map[int][]syscall.Signal
	selfPid int
}

// NewFakeProcessControl creates a FakeProcessControl whose own pid is 1000.
func NewFakeProcessControl() *FakeProcessControl {
	return &FakeProcessControl{
		nextPid: 2000,
		alive:   make(map[int]bool),
		Killed:  make(map[int][]syscall.Signal),
		selfPid: 1000,
	}
}

func (p *FakeProcessControl) SpawnDetached(cmd string, args []string, cwd string, logPath string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextPid++
	pid := p.nextPid
	p.alive[pid] = true
	p.Spawned = append(p.Spawned, SpawnedProcess{Cmd: cmd, Args: args, Cwd: cwd, PID: pid})
	return pid, nil
}

func (p *FakeProcessControl) Kill(pid int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Killed[pid] = append(p.Killed[pid], sig)
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		delete(p.alive, pid)
	}
	if sig == 0 && !p.alive[pid] {
		return fmt.Errorf("no such process")
	}
	return nil
}

func (p *FakeProcessControl) IsAlive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *FakeProcessControl) SelfPid() int { return p.selfPid }

// SetAlive marks pid as a live process.
func (p *FakeProcessControl) SetAlive(pid int, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alive {
		p.alive[pid] = true
	} else {
		delete(p.alive, pid)
	}
}

// SpawnCount returns how many processes were spawned.
func (p *FakeProcessControl) SpawnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Spawned)
}

// FakeFilesystem is an in-memory Filesystem for tests. Paths are tracked as
// a flat set of directories.
type FakeFilesystem struct {
	mu   sync.Mutex
	dirs map[string]bool
}

// NewFakeFilesystem creates an empty FakeFilesystem.
func NewFakeFilesystem() *FakeFilesystem {
	return &FakeFilesystem{dirs: make(map[string]bool)}
}

func (f *FakeFilesystem) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[path]
}

func (f *FakeFilesystem) ReadDir(path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[path] {
		return nil, fmt.Errorf("readdir %s: no such directory", path)
	}
	prefix := path + "/"
	var names []string
	for dir := range f.dirs {
		if len(dir) > len(prefix) && dir[:len(prefix)] == prefix {
			rest := dir[len(prefix):]
			// Immediate children only.
			if idx := indexByte(rest, '/'); idx == -1 {
				names = append(names, rest)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (f *FakeFilesystem) MkdirAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Like os.MkdirAll, register every path component, not just the leaf.
	for i := 0; i < len(path); i++ {
		if path[i] == '/' && i > 0 {
			f.dirs[path[:i]] = true
		}
	}
	f.dirs[path] = true
	return nil
}

func (f *FakeFilesystem) RemoveAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dirs, path)
	prefix := path + "/"
	for dir := range f.dirs {
		if len(dir) > len(prefix) && dir[:len(prefix)] == prefix {
			delete(f.dirs, dir)
		}
	}
	return nil
}

func (f *FakeFilesystem) Realpath(path string) (string, error) { return path, nil }
