package runner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/agent"
	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/util"
)

type daemonFixture struct {
	project string
	store   *store.Store
	reg     *registry.Registry
	cfg     *config.Config
	invoker *agent.FakeInvoker
	pub     *events.MemoryPublisher
	clock   *ports.FakeClock
	procs   *ports.FakeProcessControl
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	clock := ports.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	s, err := store.OpenInMemory(store.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg, err := registry.OpenInMemory(registry.WithClock(clock))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	project := t.TempDir()
	if _, err := reg.RegisterProject(project, "app"); err != nil {
		t.Fatalf("register project: %v", err)
	}

	cfg := config.Default()
	cfg.Runners.Backoff = time.Millisecond

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)

	return &daemonFixture{
		project: project,
		store:   s,
		reg:     reg,
		cfg:     cfg,
		invoker: agent.NewFakeInvoker(),
		pub:     pub,
		clock:   clock,
		procs:   ports.NewFakeProcessControl(),
	}
}

func (f *daemonFixture) daemon(opts Options) *Daemon {
	opts.ProjectPath = f.project
	return New(f.store, f.reg, f.cfg, f.invoker, git.New(git.NewFakeRunner()),
		f.pub, f.clock, f.procs, nil, opts)
}

func TestRun_RegistersAndCleansUp(t *testing.T) {
	f := newDaemonFixture(t)
	d := f.daemon(Options{Once: true})

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	runners, err := f.reg.ListRunners()
	if err != nil {
		t.Fatal(err)
	}
	if len(runners) != 0 {
		t.Errorf("runner rows after shutdown = %d, want 0", len(runners))
	}

	pidFile := filepath.Join(f.project, util.SteroidsDir, lock.PIDFileName)
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("pid file left behind")
	}
}

func TestRun_SecondRunnerRejected(t *testing.T) {
	f := newDaemonFixture(t)

	holder := &registry.Runner{
		ID:          "holder",
		Status:      registry.RunnerRunning,
		PID:         999,
		ProjectPath: f.project,
	}
	if err := f.reg.CreateRunner(holder); err != nil {
		t.Fatalf("seed holder: %v", err)
	}

	err := f.daemon(Options{Once: true}).Run(context.Background())
	if err == nil {
		t.Fatal("second runner started despite active holder")
	}

	// The loser must not have clobbered the holder's pid file or row.
	if _, err := f.reg.GetRunner("holder"); err != nil {
		t.Errorf("holder row gone: %v", err)
	}
}

func TestRun_ParallelRunnerExemptFromInvariant(t *testing.T) {
	f := newDaemonFixture(t)

	sess, err := f.reg.CreateSession(f.project)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	holder := &registry.Runner{
		ID:          "holder",
		Status:      registry.RunnerRunning,
		PID:         999,
		ProjectPath: f.project,
	}
	if err := f.reg.CreateRunner(holder); err != nil {
		t.Fatal(err)
	}

	// A workstream runner attaches to a session and may coexist, but it
	// works in its own clone so the pid guard does not collide either.
	clone := t.TempDir()
	d := New(f.store, f.reg, f.cfg, f.invoker, git.New(git.NewFakeRunner()),
		f.pub, f.clock, f.procs, nil, Options{
			ProjectPath:       clone,
			ParallelSessionID: sess.ID,
			Once:              true,
		})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("parallel runner rejected: %v", err)
	}
}

func TestRun_PidGuardBlocksLiveHolder(t *testing.T) {
	f := newDaemonFixture(t)

	dir := filepath.Join(f.project, util.SteroidsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	f.procs.SetAlive(777, true)
	if err := os.WriteFile(filepath.Join(dir, lock.PIDFileName), []byte(strconv.Itoa(777)), 0o644); err != nil {
		t.Fatal(err)
	}

	err := f.daemon(Options{Once: true}).Run(context.Background())
	var already *lock.AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("err = %v, want AlreadyRunningError", err)
	}
	if already.PID != 777 {
		t.Errorf("holder pid = %d, want 777", already.PID)
	}
}

func TestRun_SyncsProjectStats(t *testing.T) {
	f := newDaemonFixture(t)

	for i := 0; i < 3; i++ {
		if err := f.store.CreateTask(&store.Task{Title: "t" + strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}
	// Coder leaves the selected task in progress so the loop's single pass
	// finishes without further transitions.
	if err := f.daemon(Options{Once: true}).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	p, err := f.reg.GetProject(f.project)
	if err != nil {
		t.Fatal(err)
	}
	if p.Stats.Pending != 3 {
		t.Errorf("pending stat = %d, want 3", p.Stats.Pending)
	}
}

func TestRun_StopRequestExitsCleanly(t *testing.T) {
	f := newDaemonFixture(t)
	if err := f.store.CreateTask(&store.Task{Title: "endless"}); err != nil {
		t.Fatal(err)
	}

	d := f.daemon(Options{})
	var calls atomic.Int32
	f.invoker.OnCoder = func(task *store.Task, action string) {
		if calls.Add(1) >= 2 {
			d.Stop()
		}
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("stop must exit cleanly, got %v", err)
	}
	runners, _ := f.reg.ListRunners()
	if len(runners) != 0 {
		t.Errorf("runner rows after stop = %d, want 0", len(runners))
	}
}

func TestRun_ForwardsEventsToHooks(t *testing.T) {
	f := newDaemonFixture(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	service := hooks.NewService(f.project)
	if err := service.Create(hooks.Hook{
		Name:    "notify",
		Pattern: "project.completed",
		URL:     srv.URL,
	}); err != nil {
		t.Fatalf("create hook: %v", err)
	}

	d := f.daemon(Options{
		Once:       true,
		Dispatcher: hooks.NewDispatcher(service, nil),
	})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if hits.Load() != 1 {
		t.Errorf("webhook hits = %d, want 1", hits.Load())
	}
}

func TestRun_SkippedFocusSectionRejected(t *testing.T) {
	f := newDaemonFixture(t)
	sec, err := f.store.CreateSection("later", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetSectionSkipped(sec.ID, true); err != nil {
		t.Fatal(err)
	}

	err = f.daemon(Options{SectionID: sec.ID, Once: true}).Run(context.Background())
	if err == nil {
		t.Fatal("runner started focused on a skipped section")
	}

	runners, err := f.reg.ListRunners()
	if err != nil {
		t.Fatal(err)
	}
	if len(runners) != 0 {
		t.Errorf("runner rows = %d, want 0", len(runners))
	}
}

func TestHeartbeat_YieldsToEarlierRunner(t *testing.T) {
	f := newDaemonFixture(t)
	if err := f.store.CreateTask(&store.Task{Title: "endless"}); err != nil {
		t.Fatal(err)
	}

	elder := &registry.Runner{ID: "elder", Status: registry.RunnerRunning, PID: 998, ProjectPath: f.project}
	if err := f.reg.CreateRunner(elder); err != nil {
		t.Fatal(err)
	}
	// The elder's heartbeat goes stale, so a replacement may register.
	f.clock.Advance(6 * time.Minute)

	d := f.daemon(Options{})
	var calls atomic.Int32
	f.invoker.OnCoder = func(task *store.Task, action string) {
		if calls.Add(1) > 1 {
			d.Stop()
			return
		}
		// The elder revives between this runner's heartbeats. The next tick
		// must notice the earlier started_at and yield.
		if err := f.reg.UpdateHeartbeat("elder", ""); err != nil {
			t.Error(err)
		}
		d.syncState()
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("yield must exit cleanly, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("coder calls = %d, want 1 before yielding", got)
	}

	if _, err := f.reg.GetRunner("elder"); err != nil {
		t.Errorf("elder row gone: %v", err)
	}
	runners, err := f.reg.ListRunners()
	if err != nil {
		t.Fatal(err)
	}
	if len(runners) != 1 {
		t.Errorf("runner rows = %d, want only the elder", len(runners))
	}
}
