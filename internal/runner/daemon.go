// Package runner hosts the long-lived daemon that owns one project loop. It
// registers the runner in the global registry, keeps the heartbeat and
// project stats fresh, forwards events to hooks and tears everything down on
// stop signals.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/steroids-dev/steroids/internal/agent"
	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/orchestrator"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/telemetry"
	"github.com/steroids-dev/steroids/internal/util"
)

// Options configures a Daemon.
type Options struct {
	ProjectPath string
	// SectionID focuses the loop on one section.
	SectionID string
	// ParallelSessionID attaches the runner to a parallel session, which
	// exempts it from the single-runner invariant.
	ParallelSessionID string
	// WorkstreamID makes this a workstream runner: it leases the workstream,
	// restricts selection to SectionIDs and marks the workstream completed
	// when its slice drains.
	WorkstreamID string
	SectionIDs   []string
	// OnSessionDrained runs when this runner completes the last workstream
	// of its session, making it the merger. Wired by the CLI.
	OnSessionDrained func(ctx context.Context, sessionID string) error
	// Once runs a single loop iteration and exits.
	Once bool
	// HandleSignals installs SIGTERM/SIGINT handlers. The CLI sets this;
	// tests leave it off.
	HandleSignals bool
	Metrics       *telemetry.Metrics
	Dispatcher    *hooks.Dispatcher
}

// Daemon runs the orchestrator loop for one project with registry
// registration, pid guarding, heartbeats and hook dispatch around it.
type Daemon struct {
	store   *store.Store
	reg     *registry.Registry
	cfg     *config.Config
	invoker agent.Invoker
	git     git.Port
	pub     *events.MemoryPublisher
	clock   ports.Clock
	procs   ports.ProcessControl
	logger  *slog.Logger
	opts    Options

	id       string
	guard    *lock.PIDGuard
	stopping atomic.Bool
}

// New creates a Daemon. clock, procs and logger may be nil.
func New(s *store.Store, reg *registry.Registry, cfg *config.Config,
	invoker agent.Invoker, gitPort git.Port, pub *events.MemoryPublisher,
	clock ports.Clock, procs ports.ProcessControl, logger *slog.Logger,
	opts Options) *Daemon {

	if clock == nil {
		clock = ports.SystemClock{}
	}
	if procs == nil {
		procs = ports.OSProcessControl{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Daemon{
		store:   s,
		reg:     reg,
		cfg:     cfg,
		invoker: invoker,
		git:     gitPort,
		pub:     pub,
		clock:   clock,
		procs:   procs,
		logger:  logger,
		opts:    opts,
		id:      util.NewID(),
		guard:   lock.NewPIDGuard(opts.ProjectPath, procs),
	}
}

// ID returns the runner identifier registered for this daemon.
func (d *Daemon) ID() string { return d.id }

// Stop requests a graceful shutdown. The loop finishes its current agent
// invocation before exiting.
func (d *Daemon) Stop() { d.stopping.Store(true) }

// Run registers the runner and drives the loop until the project completes
// or a stop is requested. The runner row, leases and pid file are always
// cleaned up on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	// A focused runner on a skipped section would register and idle forever;
	// refuse before touching the registry.
	if d.opts.SectionID != "" {
		sec, err := d.store.GetSection(d.opts.SectionID)
		if err != nil {
			return err
		}
		if sec.Skipped {
			return fmt.Errorf("section %s is skipped", sec.Name)
		}
	}

	if err := d.guard.Check(); err != nil {
		return err
	}
	if err := d.guard.Acquire(); err != nil {
		return err
	}
	defer d.guard.Release()

	// A workstream runner works in an unregistered clone; its registry
	// attachment is the session, not a project row.
	projectRef := d.opts.ProjectPath
	if d.opts.ParallelSessionID != "" {
		projectRef = ""
	}
	runner := &registry.Runner{
		ID:                d.id,
		Status:            registry.RunnerRunning,
		PID:               d.procs.SelfPid(),
		ProjectPath:       projectRef,
		SectionID:         d.opts.SectionID,
		ParallelSessionID: d.opts.ParallelSessionID,
	}
	if err := d.reg.CreateRunner(runner); err != nil {
		return err
	}
	defer d.cleanup()

	if d.opts.WorkstreamID != "" {
		if err := d.reg.AcquireWorkstreamLease(d.opts.WorkstreamID, d.id, d.leaseTTL()); err != nil {
			return err
		}
	}

	if d.opts.Metrics != nil {
		d.opts.Metrics.RunnersActive.Inc()
		defer d.opts.Metrics.RunnersActive.Dec()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.opts.HandleSignals {
		stop := d.watchSignals(ctx)
		defer stop()
	}

	var wg sync.WaitGroup
	if d.opts.Dispatcher != nil && d.pub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.forwardEvents(ctx)
		}()
	}

	if d.opts.Metrics != nil && d.cfg.Telemetry.Listen != "" {
		listen := d.cfg.Telemetry.Listen
		go func() {
			if err := d.opts.Metrics.Serve(ctx, listen, d.logger); err != nil {
				d.logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	d.syncState()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.heartbeatLoop(ctx)
	}()

	loop := orchestrator.New(d.store, d.reg, d.cfg, d.invoker, d.git, d.pub,
		d.clock, d.logger, orchestrator.Options{
			ProjectPath:  d.opts.ProjectPath,
			RunnerID:     d.id,
			FocusSection: d.opts.SectionID,
			Sections:     d.opts.SectionIDs,
			Once:         d.opts.Once,
			ShouldStop:   func() bool { return d.stopping.Load() || ctx.Err() != nil },
			Metrics:      d.opts.Metrics,
		})

	d.logger.Info("runner started",
		"runner", d.id, "project", d.opts.ProjectPath, "pid", runner.PID)

	err := loop.Run(ctx)
	stopped := errors.Is(err, orchestrator.ErrStopped)
	if stopped {
		// A requested stop is a clean exit.
		err = nil
	}

	if d.opts.WorkstreamID != "" {
		err = d.finishWorkstream(ctx, err, stopped)
	}

	cancel()
	wg.Wait()
	return err
}

// finishWorkstream settles the workstream after the loop ends: a drained
// slice completes it (and the last completer merges the session), a loop
// error fails it, a stop just drops the lease so another runner can resume.
func (d *Daemon) finishWorkstream(ctx context.Context, loopErr error, stopped bool) error {
	ws := d.opts.WorkstreamID

	if stopped {
		if err := d.reg.ReleaseWorkstreamLease(ws, d.id); err != nil {
			d.logger.Warn("release workstream lease failed", "workstream", ws, "error", err)
		}
		return loopErr
	}
	if loopErr != nil {
		if err := d.reg.SetWorkstreamStatus(ws, registry.WorkstreamFailed); err != nil {
			d.logger.Warn("mark workstream failed failed", "workstream", ws, "error", err)
		}
		return loopErr
	}

	order, remaining, err := d.reg.CompleteWorkstream(ws)
	if err != nil {
		return err
	}
	d.logger.Info("workstream completed",
		"workstream", ws, "order", order, "remaining", remaining)

	if remaining == 0 && d.opts.OnSessionDrained != nil {
		return d.opts.OnSessionDrained(ctx, d.opts.ParallelSessionID)
	}
	return nil
}

func (d *Daemon) leaseTTL() time.Duration {
	if d.cfg.Runners.Parallel.LeaseDuration > 0 {
		return d.cfg.Runners.Parallel.LeaseDuration
	}
	return 10 * time.Minute
}

// watchSignals turns SIGTERM and SIGINT into a graceful stop request.
func (d *Daemon) watchSignals(ctx context.Context) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-ch:
			d.logger.Info("signal received, stopping", "signal", sig.String())
			d.Stop()
		case <-ctx.Done():
		}
	}()
	return func() { signal.Stop(ch) }
}

// forwardEvents feeds every published event to the hook dispatcher.
func (d *Daemon) forwardEvents(ctx context.Context) {
	sub := d.pub.Subscribe(events.GlobalTaskID)
	defer d.pub.Unsubscribe(events.GlobalTaskID, sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			d.opts.Dispatcher.Dispatch(ev)
		case <-ctx.Done():
			// Drain whatever was already queued so terminal events still
			// reach their hooks.
			for {
				select {
				case ev, ok := <-sub:
					if !ok {
						return
					}
					d.opts.Dispatcher.Dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.syncState()
		}
	}
}

// syncState refreshes the heartbeat, re-checks the single-runner invariant
// and pushes task counts into the project row. TouchProject on an
// unregistered path (a workstream clone) updates nothing, which is fine.
func (d *Daemon) syncState() {
	if err := d.reg.UpdateHeartbeat(d.id, ""); err != nil {
		d.logger.Warn("heartbeat failed", "error", err)
	}
	d.checkProjectHolder()
	if d.opts.WorkstreamID != "" {
		// Leases are not renewed implicitly; refresh on every heartbeat.
		if err := d.reg.AcquireWorkstreamLease(d.opts.WorkstreamID, d.id, d.leaseTTL()); err != nil {
			d.logger.Warn("lease refresh failed", "workstream", d.opts.WorkstreamID, "error", err)
		}
	}

	counts, err := d.store.CountsByStatus()
	if err != nil {
		d.logger.Warn("count tasks failed", "error", err)
		return
	}
	err = d.reg.TouchProject(d.opts.ProjectPath, registry.ProjectStats{
		Pending:    counts.Pending,
		InProgress: counts.InProgress,
		Review:     counts.Review,
		Completed:  counts.Completed,
	})
	if err != nil {
		d.logger.Warn("sync project stats failed", "error", err)
	}
}

// checkProjectHolder re-checks the single-runner invariant. Registration can
// race with a revived runner whose heartbeat was stale at insert time; the
// holder is whichever fresh runner started first, and everyone else yields.
func (d *Daemon) checkProjectHolder() {
	if d.opts.ParallelSessionID != "" {
		return
	}
	holder, err := d.reg.ActiveRunnerForProject(d.opts.ProjectPath, registry.DefaultFreshness)
	if err != nil {
		d.logger.Warn("holder check failed", "error", err)
		return
	}
	if holder != nil && holder.ID != d.id {
		d.logger.Warn("project held by an earlier runner, stopping",
			"holder", holder.ID, "holder_pid", holder.PID,
			"holder_started_at", holder.StartedAt)
		d.Stop()
	}
}

// cleanup removes every trace of this runner: status flips to stopping so
// observers see the shutdown, leases are revoked, the row is deleted and
// queued hook dispatches get to finish. Every step is idempotent.
func (d *Daemon) cleanup() {
	if err := d.reg.SetRunnerStatus(d.id, registry.RunnerStopping); err != nil {
		d.logger.Warn("set runner status failed", "error", err)
	}
	if d.opts.Dispatcher != nil {
		d.opts.Dispatcher.Wait()
	}
	if err := d.reg.ReleaseLeasesHeldBy(d.id); err != nil {
		d.logger.Warn("release leases failed", "error", err)
	}
	if err := d.reg.DeleteRunner(d.id); err != nil {
		d.logger.Warn("delete runner row failed", "error", err)
	}
	d.logger.Info("runner stopped", "runner", d.id)
}

func (d *Daemon) heartbeatInterval() time.Duration {
	if d.cfg.Runners.HeartbeatInterval > 0 {
		return d.cfg.Runners.HeartbeatInterval
	}
	return 30 * time.Second
}
