// Package wakeup implements the periodic reconciliation pass: reap stale
// runners, release expired leases, clean zombie pid files, prune vanished
// projects, recover stuck tasks and start runners for projects with work.
package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/logging"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/telemetry"
	"github.com/steroids-dev/steroids/internal/util"
)

// LastWakeupKey is the registry meta key recording the last pass time.
const LastWakeupKey = "last_wakeup_at"

// DefaultStaleAfter is the heartbeat age beyond which a runner is reaped.
// Deliberately shorter than the freshness window the single-runner check
// uses: a runner stops counting as the project holder before wakeup kills
// it.
const DefaultStaleAfter = 2 * time.Minute

// Action is what a pass decided for one project.
type Action string

const (
	ActionNone       Action = "none"
	ActionCleaned    Action = "cleaned"
	ActionStarted    Action = "started"
	ActionWouldStart Action = "would_start"
)

// ProjectResult reports what a pass did for one project.
type ProjectResult struct {
	Path      string
	Action    Action
	Recovered int
	Err       error
}

// Result reports one whole wakeup pass.
type Result struct {
	ReapedRunners  []string
	ReleasedLeases int
	PrunedProjects []string
	PrunedLogs     int
	Projects       []ProjectResult
}

// Options configures a Controller.
type Options struct {
	// DryRun reports what a pass would do without spawning, killing or
	// deleting anything.
	DryRun bool
	// Exe is the binary spawned for new runners. Defaults to the current
	// executable.
	Exe string
	// StaleAfter is the heartbeat age beyond which a runner is reaped.
	// Zero falls back to DefaultStaleAfter; the CLI passes
	// runners.stale_after from configuration.
	StaleAfter time.Duration
	// OpenStore opens a project store; tests substitute in-memory stores.
	OpenStore func(projectPath string) (*store.Store, error)
	// LoadConfig loads per-project configuration.
	LoadConfig func(projectPath string) (*config.Config, error)
	Metrics    *telemetry.Metrics
}

// Controller runs wakeup passes against the global registry.
type Controller struct {
	reg    *registry.Registry
	procs  ports.ProcessControl
	fs     ports.Filesystem
	clock  ports.Clock
	logger *slog.Logger
	opts   Options
	// ownsStores is set when the default opener is used; stores injected
	// through Options stay open across passes.
	ownsStores bool
}

// New creates a Controller. procs, fs, clock and logger may be nil.
func New(reg *registry.Registry, procs ports.ProcessControl, fs ports.Filesystem,
	clock ports.Clock, logger *slog.Logger, opts Options) *Controller {

	if procs == nil {
		procs = ports.OSProcessControl{}
	}
	if fs == nil {
		fs = ports.OSFilesystem{}
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	ownsStores := opts.OpenStore == nil
	if ownsStores {
		opts.OpenStore = func(p string) (*store.Store, error) {
			return store.Open(p, store.WithClock(clock))
		}
	}
	if opts.LoadConfig == nil {
		opts.LoadConfig = config.Load
	}

	return &Controller{reg: reg, procs: procs, fs: fs, clock: clock,
		logger: logger, opts: opts, ownsStores: ownsStores}
}

// Pass runs one reconciliation pass.
func (c *Controller) Pass(ctx context.Context) (*Result, error) {
	result := &Result{}

	if err := c.reapStaleRunners(result); err != nil {
		return result, err
	}

	if !c.opts.DryRun {
		released, err := c.reg.ReleaseExpiredLeases()
		if err != nil {
			return result, err
		}
		result.ReleasedLeases = released

		if n, err := logging.PruneLogs(c.clock.Now().AddDate(0, 0, -defaultLogRetentionDays)); err == nil {
			result.PrunedLogs = n
		}
	}

	if err := c.pruneProjects(result); err != nil {
		return result, err
	}

	projects, err := c.reg.ListProjects()
	if err != nil {
		return result, err
	}
	for _, p := range projects {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		pr := c.reconcileProject(p)
		result.Projects = append(result.Projects, pr)
		if pr.Err != nil {
			c.logger.Warn("project reconcile failed", "project", p.Path, "error", pr.Err)
		}
	}

	if !c.opts.DryRun {
		if err := c.reg.SetMeta(LastWakeupKey, c.clock.Now().UTC().Format(registry.TimeLayout)); err != nil {
			c.logger.Warn("record wakeup time failed", "error", err)
		}
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.WakeupPasses.Inc()
	}
	return result, nil
}

const defaultLogRetentionDays = 7

// reapStaleRunners terminates and deletes runners whose heartbeat went
// stale. Live processes get SIGTERM first so they can clean up.
func (c *Controller) reapStaleRunners(result *Result) error {
	stale, err := c.reg.StaleRunners(c.opts.StaleAfter)
	if err != nil {
		return err
	}
	for _, r := range stale {
		result.ReapedRunners = append(result.ReapedRunners, r.ID)
		if c.opts.DryRun {
			continue
		}
		if r.PID > 0 && c.procs.IsAlive(r.PID) {
			_ = c.procs.Kill(r.PID, syscall.SIGTERM)
		}
		if err := c.reg.ReleaseLeasesHeldBy(r.ID); err != nil {
			return err
		}
		if err := c.reg.DeleteRunner(r.ID); err != nil {
			return err
		}
		c.logger.Info("reaped stale runner", "runner", r.ID, "project", r.ProjectPath)
	}
	return nil
}

// pruneProjects unregisters projects whose directory or store file is gone.
func (c *Controller) pruneProjects(result *Result) error {
	missing := func(path string) bool {
		return !c.fs.Exists(path) || !c.fs.Exists(util.ProjectStorePath(path))
	}

	if c.opts.DryRun {
		projects, err := c.reg.ListProjects()
		if err != nil {
			return err
		}
		for _, p := range projects {
			if missing(p.Path) {
				result.PrunedProjects = append(result.PrunedProjects, p.Path)
			}
		}
		return nil
	}

	pruned, err := c.reg.PruneProjects(missing)
	result.PrunedProjects = pruned
	return err
}

func (c *Controller) reconcileProject(p *registry.Project) ProjectResult {
	pr := ProjectResult{Path: p.Path, Action: ActionNone}

	cleaned, err := c.cleanZombieLock(p.Path)
	if err != nil {
		pr.Err = err
		return pr
	}
	if cleaned {
		pr.Action = ActionCleaned
	}

	if !p.Enabled {
		return pr
	}

	s, err := c.opts.OpenStore(p.Path)
	if err != nil {
		pr.Err = fmt.Errorf("open store: %w", err)
		return pr
	}
	if c.ownsStores {
		defer func() { _ = s.Close() }()
	}

	cfg, err := c.opts.LoadConfig(p.Path)
	if err != nil {
		cfg = config.Default()
	}

	// Retention is best effort and never blocks the pass.
	if !c.opts.DryRun && cfg.Retention.InvocationDays > 0 {
		cutoff := c.clock.Now().AddDate(0, 0, -cfg.Retention.InvocationDays)
		if _, err := s.PurgeInvocationsBefore(cutoff); err != nil {
			c.logger.Warn("invocation retention failed", "project", p.Path, "error", err)
		}
	}

	hasWork, err := s.HasWork()
	if err != nil {
		pr.Err = err
		return pr
	}
	if !hasWork {
		return pr
	}

	active, err := c.hasActiveSession(p.Path)
	if err != nil {
		pr.Err = err
		return pr
	}
	if active {
		return pr
	}

	pr.Recovered, err = c.recoverStuckTasks(p.Path, s, cfg)
	if err != nil {
		pr.Err = err
		return pr
	}

	runner, err := c.reg.ActiveRunnerForProject(p.Path, c.opts.StaleAfter)
	if err != nil {
		pr.Err = err
		return pr
	}
	if runner != nil {
		return pr
	}

	if c.opts.DryRun {
		pr.Action = ActionWouldStart
		return pr
	}
	if err := c.spawnRunner(p.Path); err != nil {
		pr.Err = err
		return pr
	}
	pr.Action = ActionStarted
	return pr
}

// cleanZombieLock removes a pid file whose process is dead.
func (c *Controller) cleanZombieLock(projectPath string) (bool, error) {
	guard := lock.NewPIDGuard(projectPath, c.procs)
	zombie, err := guard.Zombie()
	if err != nil || !zombie {
		return false, err
	}
	if !c.opts.DryRun {
		guard.Release()
	}
	return true, nil
}

func (c *Controller) hasActiveSession(projectPath string) (bool, error) {
	sessions, err := c.reg.ListSessionsForProject(projectPath)
	if err != nil {
		return false, err
	}
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (c *Controller) spawnRunner(projectPath string) error {
	exe := c.opts.Exe
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
	}
	pid, err := c.procs.SpawnDetached(exe,
		[]string{"runner", "start", "--project", projectPath}, projectPath, "")
	if err != nil {
		return fmt.Errorf("spawn runner: %w", err)
	}
	c.logger.Info("started runner", "project", projectPath, "pid", pid)
	return nil
}
