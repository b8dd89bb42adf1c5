package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steroids-dev/steroids/internal/agent"
	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/git"
	"github.com/steroids-dev/steroids/internal/ports"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
)

const project = "/home/alice/app"

type fixture struct {
	store   *store.Store
	reg     *registry.Registry
	cfg     *config.Config
	invoker *agent.FakeInvoker
	runner  *git.FakeRunner
	pub     *events.MemoryPublisher
	clock   *ports.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := ports.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	s, err := store.OpenInMemory(store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg, err := registry.OpenInMemory(registry.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	_, err = reg.RegisterProject(project, "app")
	require.NoError(t, err)

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)

	return &fixture{
		store:   s,
		reg:     reg,
		cfg:     config.Default(),
		invoker: agent.NewFakeInvoker(),
		runner:  git.NewFakeRunner(),
		pub:     pub,
		clock:   clock,
	}
}

func (f *fixture) loop(t *testing.T, opts Options) *Loop {
	t.Helper()
	opts.ProjectPath = project
	if opts.RunnerID == "" {
		opts.RunnerID = "r1"
	}
	if opts.Sleep == nil {
		opts.Sleep = func(time.Duration) {}
	}
	if opts.ReloadConfig == nil {
		cfg := f.cfg
		opts.ReloadConfig = func() (*config.Config, error) { return cfg, nil }
	}
	return New(f.store, f.reg, f.cfg, f.invoker, git.New(f.runner), f.pub, f.clock, nil, opts)
}

func addPending(t *testing.T, f *fixture, title string) *store.Task {
	t.Helper()
	task := &store.Task{Title: title}
	require.NoError(t, f.store.CreateTask(task))
	return task
}

func TestRun_EmptyStoreEmitsProjectCompleted(t *testing.T) {
	f := newFixture(t)
	done := f.pub.Subscribe(events.GlobalTaskID)

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	require.Len(t, done, 1)
	assert.Equal(t, events.EventProjectCompleted, (<-done).Type)
}

func TestRun_DisabledProjectStopsCleanly(t *testing.T) {
	f := newFixture(t)
	addPending(t, f, "t")
	require.NoError(t, f.reg.SetProjectEnabled(project, false))

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))
	assert.Zero(t, f.invoker.CoderCalls)
}

func TestRun_StartInvokesCoder(t *testing.T) {
	f := newFixture(t)
	task := addPending(t, f, "build feature")

	// The coder moves the task to review through the store, like the real
	// agent does.
	f.invoker.OnCoder = func(tk *store.Task, action string) {
		assert.Equal(t, "start", action)
		require.NoError(t, f.store.Transition(tk.ID, store.StatusInProgress, store.StatusReview,
			"coder", "", ""))
	}

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	assert.Equal(t, 1, f.invoker.CoderCalls)
	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReview, got.Status)

	invocations, err := f.store.ListInvocations(task.ID)
	require.NoError(t, err)
	require.Len(t, invocations, 1)
	assert.Equal(t, "coder", invocations[0].Role)
}

func TestRun_ReviewerFallbackApprovesAndPushes(t *testing.T) {
	f := newFixture(t)
	task := addPending(t, f, "reviewed work")
	require.NoError(t, f.store.Transition(task.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""))
	require.NoError(t, f.store.Transition(task.ID, store.StatusInProgress, store.StatusReview, "coder", "", ""))

	f.runner.Respond("git rev-parse HEAD", "abc123")
	f.runner.Respond("git log -1 --format=%s", "implement reviewed work")
	// Reviewer renders approve but never writes the store.
	f.invoker.QueueReviewer(&agent.Result{Success: true, Decision: agent.DecisionApprove})

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)

	assert.True(t, f.runner.Ran("git push origin main"), "completion must push")

	activity, err := f.reg.ListActivity(project, 10)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, registry.ActivityCompleted, activity[0].Kind)
	assert.Equal(t, "abc123", activity[0].CommitSHA)

	audit, err := f.store.ListAudit(task.ID)
	require.NoError(t, err)
	last := audit[len(audit)-1]
	assert.Equal(t, "abc123", last.CommitSHA)
}

func TestRun_ReviewerFallbackRejectionCeiling(t *testing.T) {
	f := newFixture(t)
	task := addPending(t, f, "doomed")
	require.NoError(t, f.store.Transition(task.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""))
	for i := 0; i < store.MaxRejections-1; i++ {
		_, err := f.store.RejectTask(task.ID, "reviewer", "no")
		require.NoError(t, err)
	}
	require.NoError(t, f.store.Transition(task.ID, store.StatusInProgress, store.StatusReview, "coder", "", ""))

	ch := f.pub.Subscribe(task.ID)
	f.invoker.QueueReviewer(&agent.Result{Success: true, Decision: agent.DecisionReject, Notes: "final"})

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, store.MaxRejections, got.RejectionCount)

	activity, err := f.reg.ListActivity(project, 10)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, registry.ActivityFailed, activity[0].Kind)

	var sawFailed bool
	for len(ch) > 0 {
		if (<-ch).Type == events.EventTaskFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed, "task.failed event expected")
}

func TestRun_CoderTimeoutLeavesStatus(t *testing.T) {
	f := newFixture(t)
	task := addPending(t, f, "slow")
	require.NoError(t, f.store.Transition(task.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""))

	f.invoker.QueueCoder(&agent.Result{TimedOut: true, Err: "agent timed out after 30m"})

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status, "timeout must not change status")

	invocations, err := f.store.ListInvocations(task.ID)
	require.NoError(t, err)
	require.Len(t, invocations, 1)
	assert.True(t, invocations[0].TimedOut)
}

func TestRun_CreditExhaustionOnceFailsImmediately(t *testing.T) {
	f := newFixture(t)
	addPending(t, f, "t")
	f.invoker.QueueCreditExhaustion("anthropic", "claude-sonnet", "credit balance is too low")

	ch := f.pub.Subscribe(events.GlobalTaskID)
	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	inc, err := f.reg.OpenIncident("anthropic", "claude-sonnet", "coder")
	require.NoError(t, err)
	require.NotNil(t, inc, "incident must be recorded")

	var sawExhausted bool
	for len(ch) > 0 {
		if (<-ch).Type == events.EventCreditExhausted {
			sawExhausted = true
		}
	}
	assert.True(t, sawExhausted)
}

func TestRun_CreditPauseResolvedByConfigChange(t *testing.T) {
	f := newFixture(t)
	addPending(t, f, "t")
	f.invoker.QueueCreditExhaustion("anthropic", "claude-sonnet", "quota exceeded")

	stop := false
	reloads := 0
	opts := Options{
		ShouldStop: func() bool { return stop },
		ReloadConfig: func() (*config.Config, error) {
			reloads++
			cfg := config.Default()
			if reloads >= 2 {
				// Operator switched the coder model.
				cfg.AI.Coder.Model = "claude-opus"
				stop = true
			}
			return cfg, nil
		},
	}

	err := f.loop(t, opts).Run(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	incidents, err := f.reg.ListCreditIncidents()
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, registry.ResolutionConfigChanged, incidents[0].Resolution)
	assert.False(t, incidents[0].ResolvedAt.IsZero())
}

func TestRun_CreditPauseDismissedOnStop(t *testing.T) {
	f := newFixture(t)
	addPending(t, f, "t")
	f.invoker.QueueCreditExhaustion("anthropic", "claude-sonnet", "quota exceeded")

	stop := false
	slept := 0
	opts := Options{
		ShouldStop: func() bool { return stop },
		Sleep: func(time.Duration) {
			slept++
			if slept >= 3 {
				stop = true
			}
		},
	}

	err := f.loop(t, opts).Run(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	incidents, err := f.reg.ListCreditIncidents()
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, registry.ResolutionDismissed, incidents[0].Resolution)
}

func TestRun_SectionCompletedEvent(t *testing.T) {
	f := newFixture(t)
	sec, err := f.store.CreateSection("core", 0, 0)
	require.NoError(t, err)

	task := &store.Task{Title: "only one", SectionID: sec.ID}
	require.NoError(t, f.store.CreateTask(task))
	require.NoError(t, f.store.Transition(task.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""))
	require.NoError(t, f.store.Transition(task.ID, store.StatusInProgress, store.StatusReview, "coder", "", ""))

	ch := f.pub.Subscribe(events.GlobalTaskID)
	f.invoker.QueueReviewer(&agent.Result{Success: true, Decision: agent.DecisionApprove})

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	var sawSection bool
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == events.EventSectionCompleted {
			sawSection = true
			data := ev.Data.(events.SectionUpdate)
			assert.Equal(t, "core", data.SectionName)
		}
	}
	assert.True(t, sawSection, "section.completed expected")
}

func TestRun_BatchModeStartsWholeSection(t *testing.T) {
	f := newFixture(t)
	f.cfg.Sections.BatchMode = true
	f.cfg.Sections.MaxBatchSize = 2

	sec, err := f.store.CreateSection("core", 0, 0)
	require.NoError(t, err)
	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		task := &store.Task{Title: title, SectionID: sec.ID}
		require.NoError(t, f.store.CreateTask(task))
		ids = append(ids, task.ID)
	}

	// The coder drains its batch the way the real agent does.
	f.invoker.OnBatch = func(tasks []*store.Task) {
		for _, tk := range tasks {
			require.NoError(t, f.store.Transition(tk.ID, store.StatusInProgress, store.StatusReview,
				"coder", "", ""))
		}
	}

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	assert.Equal(t, 1, f.invoker.BatchCalls)
	assert.Zero(t, f.invoker.CoderCalls)
	require.Len(t, f.invoker.LastBatch, 2, "max_batch_size caps the batch")

	inReview := 0
	for _, id := range ids {
		got, err := f.store.GetTask(id)
		require.NoError(t, err)
		if got.Status == store.StatusReview {
			inReview++
		}
	}
	assert.Equal(t, 2, inReview)

	invocations, err := f.store.ListInvocations(f.invoker.LastBatch[0])
	require.NoError(t, err)
	require.Len(t, invocations, 1)
	assert.Equal(t, "coder", invocations[0].Role)
}

func TestRun_BatchModeDisabledUnderFocus(t *testing.T) {
	f := newFixture(t)
	f.cfg.Sections.BatchMode = true

	sec, err := f.store.CreateSection("core", 0, 0)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTask(&store.Task{Title: "solo", SectionID: sec.ID}))

	require.NoError(t, f.loop(t, Options{Once: true, FocusSection: sec.ID}).Run(context.Background()))

	assert.Zero(t, f.invoker.BatchCalls)
	assert.Equal(t, 1, f.invoker.CoderCalls)
}

func TestRun_BatchCreditExhaustionRecordsIncident(t *testing.T) {
	f := newFixture(t)
	f.cfg.Sections.BatchMode = true

	sec, err := f.store.CreateSection("core", 0, 0)
	require.NoError(t, err)
	for _, title := range []string{"a", "b"} {
		require.NoError(t, f.store.CreateTask(&store.Task{Title: title, SectionID: sec.ID}))
	}
	f.invoker.QueueCreditExhaustion("anthropic", "claude-sonnet", "quota exceeded")

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	assert.Equal(t, 1, f.invoker.BatchCalls)
	inc, err := f.reg.OpenIncident("anthropic", "claude-sonnet", "coder")
	require.NoError(t, err)
	require.NotNil(t, inc, "incident must be recorded from the batch phase")
}

func TestRun_BatchReviewerAppliesFallbackPerTask(t *testing.T) {
	f := newFixture(t)
	f.cfg.Sections.BatchMode = true

	sec, err := f.store.CreateSection("core", 0, 0)
	require.NoError(t, err)
	var ids []string
	for _, title := range []string{"a", "b"} {
		task := &store.Task{Title: title, SectionID: sec.ID}
		require.NoError(t, f.store.CreateTask(task))
		require.NoError(t, f.store.Transition(task.ID, store.StatusPending, store.StatusInProgress, "coder", "", ""))
		require.NoError(t, f.store.Transition(task.ID, store.StatusInProgress, store.StatusReview, "coder", "", ""))
		ids = append(ids, task.ID)
	}

	f.runner.Respond("git rev-parse HEAD", "abc123")
	f.runner.Respond("git log -1 --format=%s", "done")
	// Both reviewers approve without writing the store; the fallback applies
	// each verdict.
	f.invoker.QueueReviewer(&agent.Result{Success: true, Decision: agent.DecisionApprove})
	f.invoker.QueueReviewer(&agent.Result{Success: true, Decision: agent.DecisionApprove})

	require.NoError(t, f.loop(t, Options{Once: true}).Run(context.Background()))

	assert.Equal(t, 2, f.invoker.ReviewerCalls)
	for _, id := range ids {
		got, err := f.store.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, got.Status)
	}
}
