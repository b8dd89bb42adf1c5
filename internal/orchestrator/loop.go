// Package orchestrator drives one project through the coder/reviewer cycle.
// The loop selects a task, hands it to the configured agent, interprets the
// outcome, records audit and activity, advances git on approval and pauses
// when a provider runs out of credit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steroids-dev/steroids/internal/agent"
	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/selector"
	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/telemetry"
)

// Options configures a Loop.
type Options struct {
	ProjectPath string
	RunnerID    string
	// FocusSection restricts selection to one section.
	FocusSection string
	// Sections restricts selection to a set of sections, used by workstream
	// runners.
	Sections []string
	// Once runs a single iteration and exits; credit exhaustion fails
	// immediately instead of pausing.
	Once bool
	// ShouldStop is polled between iterations and during the credit pause.
	ShouldStop func() bool
	// ReloadConfig re-reads configuration during the credit pause. Defaults
	// to config.Load for the project.
	ReloadConfig func() (*config.Config, error)
	// Sleep substitutes the pause sleeper in tests.
	Sleep func(time.Duration)
	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// Loop is the per-project orchestrator.
type Loop struct {
	store   *store.Store
	reg     *registry.Registry
	cfg     *config.Config
	invoker agent.Invoker
	git     git.Port
	sel     *selector.Selector
	pub     events.Publisher
	clock   ports.Clock
	logger  *slog.Logger
	opts    Options
}

// New creates a Loop. pub may be nil; clock and logger default to the
// system clock and slog default.
func New(s *store.Store, reg *registry.Registry, cfg *config.Config,
	invoker agent.Invoker, gitPort git.Port, pub events.Publisher,
	clock ports.Clock, logger *slog.Logger, opts Options) *Loop {

	if pub == nil {
		pub = events.NewNopPublisher()
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShouldStop == nil {
		opts.ShouldStop = func() bool { return false }
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.ReloadConfig == nil {
		project := opts.ProjectPath
		opts.ReloadConfig = func() (*config.Config, error) { return config.Load(project) }
	}

	return &Loop{
		store:   s,
		reg:     reg,
		cfg:     cfg,
		invoker: invoker,
		git:     gitPort,
		sel:     selector.New(s, pub),
		pub:     pub,
		clock:   clock,
		logger:  logger,
		opts:    opts,
	}
}

// ErrStopped is returned when the loop exits because stop was requested.
var ErrStopped = errors.New("loop stopped")

// Run executes the loop until the project completes, stop is requested, or
// the context is cancelled. A clean "all work done" exit returns nil.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.stopRequested(ctx) {
			return ErrStopped
		}

		enabled, err := l.projectEnabled()
		if err != nil {
			return err
		}
		if !enabled {
			l.logger.Info("project disabled, stopping")
			return nil
		}

		sel, err := l.sel.SelectNext(selector.Filter{
			SectionIDs:   l.opts.Sections,
			FocusSection: l.opts.FocusSection,
		})
		if err != nil {
			return err
		}
		if sel == nil {
			hasWork, err := l.hasRemainingWork()
			if err != nil {
				return err
			}
			if !hasWork {
				l.logger.Info("all tasks complete")
				// A workstream runner drains only its slice; the whole
				// project is not necessarily done.
				if len(l.opts.Sections) == 0 {
					l.pub.Publish(events.NewEvent(events.EventProjectCompleted, "", nil))
				}
				return nil
			}
			// Open work exists but nothing is selectable (skipped or
			// blocked sections). Wait for the situation to change.
			if l.opts.Once {
				return nil
			}
			l.opts.Sleep(l.backoff())
			continue
		}

		if err := l.iterate(ctx, sel); err != nil {
			if errors.Is(err, ErrStopped) {
				return err
			}
			l.logger.Error("iteration failed", "task", sel.Task.ID, "error", err)
		}

		if l.opts.Once {
			return nil
		}
		l.opts.Sleep(l.backoff())
	}
}

func (l *Loop) iterate(ctx context.Context, sel *selector.Selection) error {
	task := sel.Task
	switch sel.Action {
	case selector.ActionStart:
		if l.batchEnabled() {
			return l.batchCoderPhase(ctx, task)
		}
		return l.startSingle(ctx, task)
	case selector.ActionResume:
		return l.coderPhase(ctx, task, "resume")
	case selector.ActionReview:
		if l.batchEnabled() {
			return l.batchReviewerPhase(ctx, task)
		}
		return l.reviewerPhase(ctx, task)
	default:
		return fmt.Errorf("unknown action %q", sel.Action)
	}
}

// batchEnabled reports whether section batch mode applies. Focus and
// workstream slices narrow selection below the section level, so both
// disable batching.
func (l *Loop) batchEnabled() bool {
	return l.cfg.Sections.BatchMode && l.opts.FocusSection == "" && len(l.opts.Sections) == 0
}

func (l *Loop) startSingle(ctx context.Context, task *store.Task) error {
	err := l.store.Transition(task.ID, store.StatusPending, store.StatusInProgress,
		actorRunner(l.opts.RunnerID), "", "")
	if errors.Is(err, store.ErrConflict) {
		// Someone else moved it; pick again next iteration.
		return nil
	}
	if err != nil {
		return err
	}
	l.publishTaskUpdate(task, store.StatusPending, store.StatusInProgress)
	return l.coderPhase(ctx, task, "start")
}

// batchCoderPhase hands the coder a whole section's pending tasks at once.
// Falls back to the single-task path when no section qualifies, which covers
// unsectioned tasks.
func (l *Loop) batchCoderPhase(ctx context.Context, selected *store.Task) error {
	sec, tasks, err := l.sel.SelectBatch(l.cfg.Sections.MaxBatchSize)
	if err != nil {
		return err
	}
	if sec == nil {
		return l.startSingle(ctx, selected)
	}

	started := make([]*store.Task, 0, len(tasks))
	for _, t := range tasks {
		err := l.store.Transition(t.ID, store.StatusPending, store.StatusInProgress,
			actorRunner(l.opts.RunnerID), "", "")
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		l.publishTaskUpdate(t, store.StatusPending, store.StatusInProgress)
		started = append(started, t)
	}
	if len(started) == 0 {
		return nil
	}

	res, err := l.invoker.InvokeCoderBatch(ctx, started, l.opts.ProjectPath)
	if err != nil {
		return fmt.Errorf("invoke coder batch: %w", err)
	}
	for _, t := range started {
		l.recordInvocation(t, agent.RoleCoder, res)
	}

	if ce := l.invoker.Classify(res); ce != nil {
		pause := l.creditPause(ctx, started[0], agent.RoleCoder, ce)
		if !pause.Resolved && pause.Resolution == pauseImmediateFail {
			return fmt.Errorf("credit exhausted for %s/%s", ce.Provider, ce.Model)
		}
		return nil
	}

	for _, t := range started {
		current, err := l.store.GetTask(t.ID)
		if err != nil {
			return err
		}
		if current.Status == store.StatusReview {
			l.publishTaskUpdate(t, store.StatusInProgress, store.StatusReview)
		}
	}
	return nil
}

// batchReviewerPhase reviews every review task in the selected task's
// section in one pass, with the same per-task fallback handling as the
// single path.
func (l *Loop) batchReviewerPhase(ctx context.Context, first *store.Task) error {
	batch := []*store.Task{first}
	if first.SectionID != "" {
		tasks, err := l.store.ListTasks(store.TaskFilter{
			Statuses:  []store.Status{store.StatusReview},
			SectionID: first.SectionID,
		})
		if err != nil {
			return err
		}
		if len(tasks) > 0 {
			batch = tasks
		}
		if max := l.cfg.Sections.MaxBatchSize; max > 0 && len(batch) > max {
			batch = batch[:max]
		}
	}

	results, err := l.invoker.InvokeReviewerBatch(ctx, batch, l.opts.ProjectPath)
	if err != nil {
		return fmt.Errorf("invoke reviewer batch: %w", err)
	}
	for i, res := range results {
		task := batch[i]
		l.recordInvocation(task, agent.RoleReviewer, res)

		if ce := l.invoker.Classify(res); ce != nil {
			pause := l.creditPause(ctx, task, agent.RoleReviewer, ce)
			if !pause.Resolved && pause.Resolution == pauseImmediateFail {
				return fmt.Errorf("credit exhausted for %s/%s", ce.Provider, ce.Model)
			}
			return nil
		}
		if err := l.settleReview(task, res); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) coderPhase(ctx context.Context, task *store.Task, action string) error {
	res, err := l.invoker.InvokeCoder(ctx, task, l.opts.ProjectPath, action)
	if err != nil {
		return fmt.Errorf("invoke coder: %w", err)
	}
	l.recordInvocation(task, agent.RoleCoder, res)

	if ce := l.invoker.Classify(res); ce != nil {
		pause := l.creditPause(ctx, task, agent.RoleCoder, ce)
		if !pause.Resolved && pause.Resolution == pauseImmediateFail {
			return fmt.Errorf("credit exhausted for %s/%s", ce.Provider, ce.Model)
		}
		return nil
	}

	// The coder writes the store itself; whatever state the task is in now
	// is picked up on the next iteration. Timeouts leave status unchanged.
	current, err := l.store.GetTask(task.ID)
	if err != nil {
		return err
	}
	if current.Status == store.StatusReview && task.Status != store.StatusReview {
		l.publishTaskUpdate(task, task.Status, store.StatusReview)
	}
	return nil
}

func (l *Loop) reviewerPhase(ctx context.Context, task *store.Task) error {
	res, err := l.invoker.InvokeReviewer(ctx, task, l.opts.ProjectPath)
	if err != nil {
		return fmt.Errorf("invoke reviewer: %w", err)
	}
	l.recordInvocation(task, agent.RoleReviewer, res)

	if ce := l.invoker.Classify(res); ce != nil {
		pause := l.creditPause(ctx, task, agent.RoleReviewer, ce)
		if !pause.Resolved && pause.Resolution == pauseImmediateFail {
			return fmt.Errorf("credit exhausted for %s/%s", ce.Provider, ce.Model)
		}
		return nil
	}

	return l.settleReview(task, res)
}

// settleReview applies the fallback decision when the reviewer rendered a
// verdict without writing the store, then records whatever transition the
// review produced.
func (l *Loop) settleReview(task *store.Task, res *agent.Result) error {
	current, err := l.store.GetTask(task.ID)
	if err != nil {
		return err
	}

	if current.Status == store.StatusReview && res.Decision != agent.DecisionNone {
		if err := l.applyDecision(task, res); err != nil {
			return err
		}
		current, err = l.store.GetTask(task.ID)
		if err != nil {
			return err
		}
	}

	return l.afterReview(task, current)
}

// applyDecision applies a reviewer verdict that never reached the store.
func (l *Loop) applyDecision(task *store.Task, res *agent.Result) error {
	actor := actorReviewer(l.opts.RunnerID)
	switch res.Decision {
	case agent.DecisionApprove:
		sha, err := l.git.CurrentCommitSHA(l.opts.ProjectPath)
		if err != nil {
			l.logger.Warn("head sha unavailable", "error", err)
		}
		if err := l.store.ApproveTask(task.ID, actor, sha); err != nil {
			return err
		}
	case agent.DecisionReject:
		outcome, err := l.store.RejectTask(task.ID, actor, res.Notes)
		if err != nil {
			return err
		}
		l.countRejection(outcome)
	case agent.DecisionDispute:
		return l.store.CreateDispute(&store.Dispute{
			TaskID:           task.ID,
			Type:             store.DisputeReviewer,
			Reason:           res.Notes,
			ReviewerPosition: res.Notes,
			CreatedBy:        actor,
		})
	}
	return nil
}

// afterReview records activity and advances git for terminal transitions
// the reviewer produced.
func (l *Loop) afterReview(before, current *store.Task) error {
	if current.Status == before.Status {
		return nil
	}
	l.publishTaskUpdate(before, before.Status, current.Status)

	switch current.Status {
	case store.StatusCompleted:
		sha, commitMsg := l.advanceGit(current)
		l.appendActivity(current, registry.ActivityCompleted, commitMsg, sha)
		l.pub.Publish(events.NewEvent(events.EventTaskCompleted, current.ID, events.TaskUpdate{
			TaskID: current.ID, Title: current.Title,
			FromStatus: string(before.Status), ToStatus: string(current.Status),
			CommitSHA: sha,
		}))
		if l.opts.Metrics != nil {
			l.opts.Metrics.TasksCompleted.WithLabelValues(l.opts.ProjectPath).Inc()
		}
		l.maybeSectionCompleted(current)
	case store.StatusFailed:
		l.appendActivity(current, registry.ActivityFailed, "", "")
		l.pub.Publish(events.NewEvent(events.EventTaskFailed, current.ID, events.TaskUpdate{
			TaskID: current.ID, Title: current.Title,
			FromStatus: string(before.Status), ToStatus: string(current.Status),
		}))
		if l.opts.Metrics != nil {
			l.opts.Metrics.TasksFailed.WithLabelValues(l.opts.ProjectPath).Inc()
		}
	case store.StatusDisputed:
		l.appendActivity(current, registry.ActivityDisputed, "", "")
	case store.StatusInProgress:
		// Rejection. Already counted when applied by fallback; reviewer-side
		// rejections are counted here.
		if l.opts.Metrics != nil {
			l.opts.Metrics.Rejections.WithLabelValues(l.opts.ProjectPath).Inc()
		}
	}
	return nil
}

// advanceGit pushes the configured branch and returns the head sha and
// commit message for the activity row. Push failures are logged, not fatal:
// the task stays completed and the next completion will push again.
func (l *Loop) advanceGit(task *store.Task) (sha, commitMsg string) {
	sha, err := l.git.CurrentCommitSHA(l.opts.ProjectPath)
	if err != nil {
		l.logger.Warn("head sha unavailable", "task", task.ID, "error", err)
	}
	commitMsg, err = l.git.LastCommitMessage(l.opts.ProjectPath)
	if err != nil {
		commitMsg = ""
	}
	if err := l.git.Push(l.opts.ProjectPath, l.cfg.Git.Remote, l.cfg.Git.Branch); err != nil {
		l.logger.Warn("git push failed", "task", task.ID, "error", err)
	}
	return sha, commitMsg
}

// maybeSectionCompleted publishes section.completed when the task's section
// has no open work left.
func (l *Loop) maybeSectionCompleted(task *store.Task) {
	if task.SectionID == "" {
		return
	}
	open, err := l.store.ListTasks(store.TaskFilter{
		Statuses:  []store.Status{store.StatusPending, store.StatusInProgress, store.StatusReview},
		SectionID: task.SectionID,
	})
	if err != nil || len(open) > 0 {
		return
	}
	sec, err := l.store.GetSection(task.SectionID)
	if err != nil {
		return
	}
	l.pub.Publish(events.NewEvent(events.EventSectionCompleted, task.ID, events.SectionUpdate{
		SectionID: sec.ID, SectionName: sec.Name,
	}))
}

func (l *Loop) recordInvocation(task *store.Task, role agent.Role, res *agent.Result) {
	rejection := 0
	if current, err := l.store.GetTask(task.ID); err == nil {
		rejection = current.RejectionCount
	}
	inv := &store.Invocation{
		TaskID:          task.ID,
		Role:            string(role),
		Provider:        res.Provider,
		Model:           res.Model,
		Prompt:          task.Title,
		Response:        res.Response,
		Error:           res.Err,
		Success:         res.Success,
		TimedOut:        res.TimedOut,
		Duration:        res.Duration,
		RejectionNumber: rejection,
	}
	if inv.Provider == "" {
		inv.Provider = l.roleConfig(role).Provider
	}
	if inv.Model == "" {
		inv.Model = l.roleConfig(role).Model
	}
	if err := l.store.RecordInvocation(inv); err != nil {
		l.logger.Warn("record invocation failed", "task", task.ID, "error", err)
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.AgentDuration.WithLabelValues(string(role)).Observe(res.Duration.Seconds())
	}
}

func (l *Loop) roleConfig(role agent.Role) config.RoleAI {
	if role == agent.RoleReviewer {
		return l.cfg.AI.Reviewer
	}
	return l.cfg.AI.Coder
}

func (l *Loop) countRejection(outcome *store.RejectOutcome) {
	if l.opts.Metrics == nil || outcome == nil || outcome.Ignored {
		return
	}
	l.opts.Metrics.Rejections.WithLabelValues(l.opts.ProjectPath).Inc()
}

func (l *Loop) appendActivity(task *store.Task, kind registry.ActivityKind, commitMsg, sha string) {
	sectionName := ""
	if task.SectionID != "" {
		if sec, err := l.store.GetSection(task.SectionID); err == nil {
			sectionName = sec.Name
		}
	}
	err := l.reg.AppendActivity(&registry.ActivityEvent{
		ProjectPath:   l.opts.ProjectPath,
		RunnerID:      l.opts.RunnerID,
		TaskID:        task.ID,
		TaskTitle:     task.Title,
		SectionName:   sectionName,
		Kind:          kind,
		CommitMessage: commitMsg,
		CommitSHA:     sha,
	})
	if err != nil {
		l.logger.Warn("append activity failed", "task", task.ID, "error", err)
	}
}

func (l *Loop) publishTaskUpdate(task *store.Task, from, to store.Status) {
	l.pub.Publish(events.NewEvent(events.EventTaskUpdated, task.ID, events.TaskUpdate{
		TaskID: task.ID, Title: task.Title,
		FromStatus: string(from), ToStatus: string(to),
		Actor: actorRunner(l.opts.RunnerID),
	}))
}

// hasRemainingWork reports whether open tasks remain in scope: the whole
// store normally, just the assigned sections for a workstream runner.
func (l *Loop) hasRemainingWork() (bool, error) {
	if len(l.opts.Sections) == 0 {
		return l.store.HasWork()
	}
	open := []store.Status{store.StatusPending, store.StatusInProgress, store.StatusReview}
	for _, sec := range l.opts.Sections {
		tasks, err := l.store.ListTasks(store.TaskFilter{Statuses: open, SectionID: sec})
		if err != nil {
			return false, err
		}
		if len(tasks) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// projectEnabled checks the registry enable flag. Workstream clones are not
// registered projects; they are always considered enabled.
func (l *Loop) projectEnabled() (bool, error) {
	p, err := l.reg.GetProject(l.opts.ProjectPath)
	if errors.Is(err, registry.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return p.Enabled, nil
}

func (l *Loop) stopRequested(ctx context.Context) bool {
	return ctx.Err() != nil || l.opts.ShouldStop()
}

func (l *Loop) backoff() time.Duration {
	if l.cfg.Runners.Backoff > 0 {
		return l.cfg.Runners.Backoff
	}
	return time.Second
}

func actorRunner(runnerID string) string {
	if runnerID == "" {
		return "runner"
	}
	return "runner:" + runnerID
}

func actorReviewer(runnerID string) string {
	if runnerID == "" {
		return "reviewer"
	}
	return "reviewer:" + runnerID
}
