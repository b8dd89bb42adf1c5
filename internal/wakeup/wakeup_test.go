package wakeup

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/util"
)

type wakeupFixture struct {
	reg    *registry.Registry
	clock  *ports.FakeClock
	procs  *ports.FakeProcessControl
	fs     *ports.FakeFilesystem
	stores map[string]*store.Store
	cfg    *config.Config
}

func newWakeupFixture(t *testing.T) *wakeupFixture {
	t.Helper()
	t.Setenv("STEROIDS_HOME", t.TempDir())

	clock := ports.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg, err := registry.OpenInMemory(registry.WithClock(clock))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	cfg := config.Default()
	cfg.Recovery.StuckInProgressAge = 2 * time.Hour
	cfg.Recovery.StuckReviewAge = time.Hour

	return &wakeupFixture{
		reg:    reg,
		clock:  clock,
		procs:  ports.NewFakeProcessControl(),
		fs:     ports.NewFakeFilesystem(),
		stores: map[string]*store.Store{},
		cfg:    cfg,
	}
}

// addProject registers a project with an in-memory store and the filesystem
// entries prune looks for.
func (f *wakeupFixture) addProject(t *testing.T, path string) *store.Store {
	t.Helper()
	if _, err := f.reg.RegisterProject(path, filepath.Base(path)); err != nil {
		t.Fatalf("register project: %v", err)
	}
	_ = f.fs.MkdirAll(path)
	_ = f.fs.MkdirAll(util.ProjectStorePath(path))

	s, err := store.OpenInMemory(store.WithClock(f.clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	f.stores[path] = s
	return s
}

func (f *wakeupFixture) controller(opts Options) *Controller {
	opts.Exe = "/usr/local/bin/steroids"
	opts.OpenStore = func(p string) (*store.Store, error) { return f.stores[p], nil }
	opts.LoadConfig = func(string) (*config.Config, error) { return f.cfg, nil }
	c := New(f.reg, f.procs, f.fs, f.clock, nil, opts)
	// Fixture stores are shared across passes; Pass must not close them.
	return c
}

func TestPass_ReapsStaleRunnerAndStartsReplacement(t *testing.T) {
	f := newWakeupFixture(t)
	s := f.addProject(t, "/proj/a")
	if err := s.CreateTask(&store.Task{Title: "work"}); err != nil {
		t.Fatal(err)
	}

	dead := &registry.Runner{ID: "r-dead", Status: registry.RunnerRunning, PID: 999, ProjectPath: "/proj/a"}
	if err := f.reg.CreateRunner(dead); err != nil {
		t.Fatalf("seed runner: %v", err)
	}
	f.procs.SetAlive(999, true)
	f.clock.Advance(10 * time.Minute)

	result, err := f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}

	if len(result.ReapedRunners) != 1 || result.ReapedRunners[0] != "r-dead" {
		t.Errorf("reaped = %v", result.ReapedRunners)
	}
	if sigs := f.procs.Killed[999]; len(sigs) == 0 || sigs[0] != syscall.SIGTERM {
		t.Errorf("stale runner not terminated: %v", f.procs.Killed)
	}
	if _, err := f.reg.GetRunner("r-dead"); err == nil {
		t.Error("stale runner row not deleted")
	}

	if len(result.Projects) != 1 || result.Projects[0].Action != ActionStarted {
		t.Fatalf("projects = %+v, want started", result.Projects)
	}
	if f.procs.SpawnCount() != 1 {
		t.Fatalf("spawns = %d, want 1", f.procs.SpawnCount())
	}
	spawn := f.procs.Spawned[0]
	if spawn.Cmd != "/usr/local/bin/steroids" {
		t.Errorf("spawn cmd = %s", spawn.Cmd)
	}
	want := []string{"runner", "start", "--project", "/proj/a"}
	if len(spawn.Args) != len(want) {
		t.Fatalf("spawn args = %v", spawn.Args)
	}
	for i := range want {
		if spawn.Args[i] != want[i] {
			t.Fatalf("spawn args = %v, want %v", spawn.Args, want)
		}
	}
}

func TestPass_HealthyRunnerLeftAlone(t *testing.T) {
	f := newWakeupFixture(t)
	s := f.addProject(t, "/proj/a")
	if err := s.CreateTask(&store.Task{Title: "work"}); err != nil {
		t.Fatal(err)
	}

	live := &registry.Runner{ID: "r-live", Status: registry.RunnerRunning, PID: 100, ProjectPath: "/proj/a"}
	if err := f.reg.CreateRunner(live); err != nil {
		t.Fatal(err)
	}
	f.procs.SetAlive(100, true)

	result, err := f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if len(result.ReapedRunners) != 0 {
		t.Errorf("reaped healthy runner: %v", result.ReapedRunners)
	}
	if result.Projects[0].Action != ActionNone {
		t.Errorf("action = %s, want none", result.Projects[0].Action)
	}
	if f.procs.SpawnCount() != 0 {
		t.Errorf("spawned despite healthy runner")
	}
}

func TestPass_DryRunTouchesNothing(t *testing.T) {
	f := newWakeupFixture(t)
	s := f.addProject(t, "/proj/a")
	if err := s.CreateTask(&store.Task{Title: "work"}); err != nil {
		t.Fatal(err)
	}
	dead := &registry.Runner{ID: "r-dead", Status: registry.RunnerRunning, PID: 999, ProjectPath: "/proj/a"}
	if err := f.reg.CreateRunner(dead); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(10 * time.Minute)

	result, err := f.controller(Options{DryRun: true}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}

	if len(result.ReapedRunners) != 1 {
		t.Errorf("dry run must still report stale runners: %v", result.ReapedRunners)
	}
	if _, err := f.reg.GetRunner("r-dead"); err != nil {
		t.Error("dry run deleted the runner row")
	}
	if result.Projects[0].Action != ActionWouldStart {
		t.Errorf("action = %s, want would_start", result.Projects[0].Action)
	}
	if f.procs.SpawnCount() != 0 {
		t.Error("dry run spawned a runner")
	}
	if v, _ := f.reg.GetMeta(LastWakeupKey); v != "" {
		t.Error("dry run recorded a pass timestamp")
	}
}

func TestPass_SkipsDisabledAndIdleProjects(t *testing.T) {
	f := newWakeupFixture(t)

	idle := f.addProject(t, "/proj/idle")
	_ = idle

	disabled := f.addProject(t, "/proj/disabled")
	if err := disabled.CreateTask(&store.Task{Title: "w"}); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetProjectEnabled("/proj/disabled", false); err != nil {
		t.Fatal(err)
	}

	result, err := f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	for _, pr := range result.Projects {
		if pr.Action != ActionNone {
			t.Errorf("project %s action = %s, want none", pr.Path, pr.Action)
		}
	}
	if f.procs.SpawnCount() != 0 {
		t.Error("spawned for idle or disabled project")
	}
}

func TestPass_SkipsProjectWithActiveSession(t *testing.T) {
	f := newWakeupFixture(t)
	s := f.addProject(t, "/proj/a")
	if err := s.CreateTask(&store.Task{Title: "w"}); err != nil {
		t.Fatal(err)
	}
	sess, err := f.reg.CreateSession("/proj/a")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.reg.UpdateSessionStatus(sess.ID, registry.SessionRunning); err != nil {
		t.Fatal(err)
	}

	result, err := f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if result.Projects[0].Action != ActionNone {
		t.Errorf("action = %s, want none while session runs", result.Projects[0].Action)
	}
	if f.procs.SpawnCount() != 0 {
		t.Error("spawned under an active parallel session")
	}
}

func TestPass_PrunesMissingProjects(t *testing.T) {
	f := newWakeupFixture(t)
	f.addProject(t, "/proj/kept")
	// Registered but no directory on disk.
	if _, err := f.reg.RegisterProject("/proj/gone", "gone"); err != nil {
		t.Fatal(err)
	}

	result, err := f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if len(result.PrunedProjects) != 1 || result.PrunedProjects[0] != "/proj/gone" {
		t.Errorf("pruned = %v", result.PrunedProjects)
	}
	if _, err := f.reg.GetProject("/proj/gone"); err == nil {
		t.Error("missing project still registered")
	}
	if _, err := f.reg.GetProject("/proj/kept"); err != nil {
		t.Errorf("existing project pruned: %v", err)
	}
}

func TestPass_RecoversStuckTasks(t *testing.T) {
	f := newWakeupFixture(t)
	s := f.addProject(t, "/proj/a")

	stuck := &store.Task{Title: "stuck in progress"}
	if err := s.CreateTask(stuck); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(stuck.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}

	waiting := &store.Task{Title: "stuck in review"}
	if err := s.CreateTask(waiting); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(waiting.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(waiting.ID, store.StatusInProgress, store.StatusReview, "coder", "", ""); err != nil {
		t.Fatal(err)
	}

	ceiling := &store.Task{Title: "over the ceiling", RejectionCount: store.MaxRejections}
	if err := s.CreateTask(ceiling); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(3 * time.Hour)

	result, err := f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if result.Projects[0].Recovered != 3 {
		t.Errorf("recovered = %d, want 3", result.Projects[0].Recovered)
	}

	assertStatus(t, s, stuck.ID, store.StatusPending)
	assertStatus(t, s, waiting.ID, store.StatusInProgress)
	assertStatus(t, s, ceiling.ID, store.StatusFailed)

	audit, err := s.ListAudit(stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := audit[len(audit)-1]
	if last.Notes != "recovery:stuck_in_progress" || last.Actor != "wakeup" {
		t.Errorf("audit = %+v", last)
	}
}

func TestPass_RecoveryRespectsActiveRunner(t *testing.T) {
	f := newWakeupFixture(t)
	s := f.addProject(t, "/proj/a")

	task := &store.Task{Title: "worked on"}
	if err := s.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(task.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(3 * time.Hour)

	// A runner with a fresh heartbeat owns this task; a long agent call is
	// not a stuck task.
	live := &registry.Runner{ID: "r-live", Status: registry.RunnerRunning, PID: 100, ProjectPath: "/proj/a"}
	if err := f.reg.CreateRunner(live); err != nil {
		t.Fatal(err)
	}
	f.procs.SetAlive(100, true)

	result, err := f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if result.Projects[0].Recovered != 0 {
		t.Errorf("recovered = %d, want 0 with active runner", result.Projects[0].Recovered)
	}
	assertStatus(t, s, task.ID, store.StatusInProgress)
}

func TestPass_RecoveryRateLimit(t *testing.T) {
	f := newWakeupFixture(t)
	f.cfg.Recovery.MaxIncidentsPerHour = 1
	s := f.addProject(t, "/proj/a")

	var ids []string
	for i := 0; i < 2; i++ {
		task := &store.Task{Title: "stuck"}
		if err := s.CreateTask(task); err != nil {
			t.Fatal(err)
		}
		if err := s.Transition(task.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}
	f.clock.Advance(3 * time.Hour)

	c := f.controller(Options{})
	result, err := c.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if result.Projects[0].Recovered != 1 {
		t.Fatalf("recovered = %d, want 1 under rate limit", result.Projects[0].Recovered)
	}

	// Second pass inside the window is out of budget.
	result, err = c.Pass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Projects[0].Recovered != 0 {
		t.Errorf("second pass recovered = %d, want 0", result.Projects[0].Recovered)
	}

	// A new window opens after an hour.
	f.clock.Advance(61 * time.Minute)
	result, err = c.Pass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Projects[0].Recovered != 1 {
		t.Errorf("new window recovered = %d, want 1", result.Projects[0].Recovered)
	}

	recovered := 0
	for _, id := range ids {
		task, err := s.GetTask(id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status == store.StatusPending {
			recovered++
		}
	}
	if recovered != 2 {
		t.Errorf("pending after all passes = %d, want 2", recovered)
	}
}

func TestPass_RecordsLastWakeup(t *testing.T) {
	f := newWakeupFixture(t)
	f.addProject(t, "/proj/a")

	if _, err := f.controller(Options{}).Pass(context.Background()); err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	v, err := f.reg.GetMeta(LastWakeupKey)
	if err != nil {
		t.Fatal(err)
	}
	if v == "" {
		t.Error("last_wakeup_at not recorded")
	}
}

func assertStatus(t *testing.T, s *store.Store, taskID string, want store.Status) {
	t.Helper()
	task, err := s.GetTask(taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != want {
		t.Errorf("task %s status = %s, want %s", taskID, task.Status, want)
	}
}

func TestPass_StaleThresholdDefaultsToTwoMinutes(t *testing.T) {
	f := newWakeupFixture(t)
	f.addProject(t, "/proj/a")

	lagging := &registry.Runner{ID: "r-lag", Status: registry.RunnerRunning, PID: 11, ProjectPath: "/proj/a"}
	if err := f.reg.CreateRunner(lagging); err != nil {
		t.Fatalf("seed runner: %v", err)
	}
	f.clock.Advance(90 * time.Second)

	result, err := f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if len(result.ReapedRunners) != 0 {
		t.Errorf("runner reaped at 90s, want kept: %v", result.ReapedRunners)
	}

	f.clock.Advance(time.Minute)

	result, err = f.controller(Options{}).Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if len(result.ReapedRunners) != 1 || result.ReapedRunners[0] != "r-lag" {
		t.Errorf("reaped = %v, want [r-lag]", result.ReapedRunners)
	}
}
