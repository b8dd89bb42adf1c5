package store

import (
	"errors"
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/ports"
)

func testStore(t *testing.T) (*Store, *ports.FakeClock) {
	t.Helper()
	clock := ports.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := OpenInMemory(WithClock(clock))
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func mustTask(t *testing.T, s *Store, title string) *Task {
	t.Helper()
	task := &Task{Title: title}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask(%q) failed: %v", title, err)
	}
	return task
}

func mustStatus(t *testing.T, s *Store, taskID string, want Status) {
	t.Helper()
	task, err := s.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != want {
		t.Fatalf("task status = %s, want %s", task.Status, want)
	}
}

func TestTaskValidation(t *testing.T) {
	s, _ := testStore(t)

	cases := []struct {
		name string
		task Task
	}{
		{"empty title", Task{}},
		{"line without path", Task{Title: "x", FileLine: 10}},
		{"path without sha", Task{Title: "x", FilePath: "a.go", FileContentHash: "h"}},
		{"path without hash", Task{Title: "x", FilePath: "a.go", FileCommitSHA: "abc"}},
		{"failed below ceiling", Task{Title: "x", Status: StatusFailed, RejectionCount: 3}},
	}
	for _, tc := range cases {
		if err := s.CreateTask(&tc.task); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}

	if err := s.CreateTask(&Task{Title: "x", SectionID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown section: err = %v, want ErrNotFound", err)
	}
}

func TestTransition_CASAndAudit(t *testing.T) {
	s, clock := testStore(t)
	task := mustTask(t, s, "implement parser")

	if err := s.Transition(task.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatalf("pending -> in_progress failed: %v", err)
	}
	clock.Advance(time.Second)
	if err := s.Transition(task.ID, StatusInProgress, StatusReview, "coder", "done", ""); err != nil {
		t.Fatalf("in_progress -> review failed: %v", err)
	}

	// Stale writer expecting pending must lose the CAS.
	err := s.Transition(task.ID, StatusPending, StatusInProgress, "coder", "", "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale transition err = %v, want ErrConflict", err)
	}

	// Illegal edge is rejected before touching the database.
	err = s.Transition(task.ID, StatusReview, StatusPending, "human", "", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("illegal transition err = %v, want ErrValidation", err)
	}

	err = s.Transition("missing", StatusPending, StatusInProgress, "coder", "", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}

	audit, err := s.ListAudit(task.ID)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(audit))
	}
	if audit[0].ToStatus != StatusInProgress || audit[1].ToStatus != StatusReview {
		t.Errorf("audit order wrong: %s then %s", audit[0].ToStatus, audit[1].ToStatus)
	}
	if audit[1].Notes != "done" {
		t.Errorf("audit notes = %q, want %q", audit[1].Notes, "done")
	}
}

func TestApproveTask_DoubleApproveRejected(t *testing.T) {
	s, _ := testStore(t)
	task := mustTask(t, s, "t")
	if err := s.Transition(task.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(task.ID, StatusInProgress, StatusReview, "coder", "", ""); err != nil {
		t.Fatal(err)
	}

	if err := s.ApproveTask(task.ID, "reviewer", "abc123"); err != nil {
		t.Fatalf("ApproveTask failed: %v", err)
	}
	if err := s.ApproveTask(task.ID, "reviewer", "abc123"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second approve err = %v, want ErrConflict", err)
	}

	audit, _ := s.ListAudit(task.ID)
	last := audit[len(audit)-1]
	if last.CommitSHA != "abc123" {
		t.Errorf("commit sha = %q, want abc123", last.CommitSHA)
	}
}

func TestRejectTask_CeilingMovesToFailed(t *testing.T) {
	s, _ := testStore(t)
	task := mustTask(t, s, "hard one")
	if err := s.Transition(task.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}

	for i := 1; i < MaxRejections; i++ {
		out, err := s.RejectTask(task.ID, "reviewer", "nope")
		if err != nil {
			t.Fatalf("reject %d failed: %v", i, err)
		}
		if out.Failed {
			t.Fatalf("reject %d should not fail the task", i)
		}
		if out.RejectionCount != i {
			t.Fatalf("rejection count = %d, want %d", out.RejectionCount, i)
		}
	}

	out, err := s.RejectTask(task.ID, "reviewer", "final straw")
	if err != nil {
		t.Fatalf("final reject failed: %v", err)
	}
	if !out.Failed || out.Status != StatusFailed || out.RejectionCount != MaxRejections {
		t.Fatalf("final reject outcome = %+v, want failed at %d", out, MaxRejections)
	}
	mustStatus(t, s, task.ID, StatusFailed)

	// Further rejections are audited no-ops.
	out, err = s.RejectTask(task.ID, "reviewer", "still bad")
	if err != nil {
		t.Fatalf("post-failure reject errored: %v", err)
	}
	if !out.Ignored {
		t.Error("post-failure reject should be ignored")
	}
	audit, _ := s.ListAudit(task.ID)
	last := audit[len(audit)-1]
	if last.Notes != "ignored_after_failed" {
		t.Errorf("last audit notes = %q, want ignored_after_failed", last.Notes)
	}
}

func TestResetTask_FailedZeroesRejections(t *testing.T) {
	s, _ := testStore(t)
	task := mustTask(t, s, "t")
	if err := s.Transition(task.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < MaxRejections; i++ {
		if _, err := s.RejectTask(task.ID, "reviewer", ""); err != nil {
			t.Fatal(err)
		}
	}
	mustStatus(t, s, task.ID, StatusFailed)

	if err := s.ResetTask(task.ID, "human"); err != nil {
		t.Fatalf("ResetTask failed: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.Status != StatusPending || got.RejectionCount != 0 {
		t.Fatalf("after reset: status=%s count=%d, want pending/0", got.Status, got.RejectionCount)
	}

	// Resetting an in_progress task is not a legal reset.
	other := mustTask(t, s, "other")
	if err := s.Transition(other.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetTask(other.ID, "human"); !errors.Is(err, ErrValidation) {
		t.Fatalf("reset in_progress err = %v, want ErrValidation", err)
	}
}

func TestResetRejections_KeepsStatus(t *testing.T) {
	s, _ := testStore(t)
	task := mustTask(t, s, "t")
	if err := s.Transition(task.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RejectTask(task.ID, "reviewer", ""); err != nil {
		t.Fatal(err)
	}

	if err := s.ResetRejections(task.ID, "human"); err != nil {
		t.Fatalf("ResetRejections failed: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.RejectionCount != 0 {
		t.Errorf("rejection count = %d, want 0", got.RejectionCount)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestListTasks_BucketOrdering(t *testing.T) {
	s, clock := testStore(t)

	early := mustTask(t, s, "pending early")
	clock.Advance(time.Second)
	late := mustTask(t, s, "pending late")
	clock.Advance(time.Second)

	inProg := mustTask(t, s, "in progress")
	if err := s.Transition(inProg.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	rev := mustTask(t, s, "under review")
	if err := s.Transition(rev.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(rev.ID, StatusInProgress, StatusReview, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	done := mustTask(t, s, "done")
	if err := s.Transition(done.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(done.ID, StatusInProgress, StatusReview, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ApproveTask(done.ID, "reviewer", "sha"); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.ListTasks(TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	wantOrder := []string{rev.ID, inProg.ID, early.ID, late.ID, done.ID}
	if len(tasks) != len(wantOrder) {
		t.Fatalf("task count = %d, want %d", len(tasks), len(wantOrder))
	}
	for i, id := range wantOrder {
		if tasks[i].ID != id {
			t.Errorf("position %d: got %q (%s), want %q", i, tasks[i].Title, tasks[i].Status, id)
		}
	}

	open, err := s.ListTasks(TaskFilter{Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("pending filter count = %d, want 2", len(open))
	}

	found, err := s.ListTasks(TaskFilter{Search: "review"})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != rev.ID {
		t.Errorf("search returned %d tasks", len(found))
	}
}

func TestSectionDependencies_CycleRejected(t *testing.T) {
	s, _ := testStore(t)

	a, err := s.CreateSection("core", -1, 0)
	if err != nil {
		t.Fatalf("CreateSection failed: %v", err)
	}
	b, err := s.CreateSection("api", -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.CreateSection("docs", -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.Position >= b.Position || b.Position >= c.Position {
		t.Errorf("auto positions not increasing: %d %d %d", a.Position, b.Position, c.Position)
	}

	if err := s.AddSectionDependency(b.ID, a.ID); err != nil {
		t.Fatalf("b -> a failed: %v", err)
	}
	if err := s.AddSectionDependency(c.ID, b.ID); err != nil {
		t.Fatalf("c -> b failed: %v", err)
	}

	if err := s.AddSectionDependency(a.ID, c.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("cycle edge err = %v, want ErrValidation", err)
	}
	if err := s.AddSectionDependency(a.ID, a.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("self edge err = %v, want ErrValidation", err)
	}

	// Duplicate edges are a no-op.
	if err := s.AddSectionDependency(b.ID, a.ID); err != nil {
		t.Fatalf("duplicate edge failed: %v", err)
	}

	got, err := s.GetSectionByName("docs")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != b.ID {
		t.Errorf("docs deps = %v", got.DependsOn)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	s, _ := testStore(t)
	task := mustTask(t, s, "contested")
	if err := s.Transition(task.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(task.ID, StatusInProgress, StatusReview, "coder", "", ""); err != nil {
		t.Fatal(err)
	}

	d := &Dispute{
		TaskID:    task.ID,
		Type:      DisputeMajor,
		Reason:    "reviewer wants a rewrite",
		CreatedBy: "reviewer",
	}
	if err := s.CreateDispute(d); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}
	mustStatus(t, s, task.ID, StatusDisputed)

	open, err := s.ListDisputes(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != d.ID {
		t.Fatalf("open disputes = %d", len(open))
	}

	if err := s.ResolveDispute(d.ID, ResolutionRework, "human", "try again"); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	mustStatus(t, s, task.ID, StatusInProgress)

	got, err := s.GetDispute(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Open() || got.Resolution != ResolutionRework || got.ResolvedBy != "human" {
		t.Errorf("resolved dispute = %+v", got)
	}

	if err := s.ResolveDispute(d.ID, ResolutionAccept, "human", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("double resolve err = %v, want ErrConflict", err)
	}

	// Accept path completes the task.
	if err := s.Transition(task.ID, StatusInProgress, StatusReview, "coder", "", ""); err != nil {
		t.Fatal(err)
	}
	d2 := &Dispute{TaskID: task.ID, Type: DisputeCoder, Reason: "coder objects", CreatedBy: "coder"}
	if err := s.CreateDispute(d2); err != nil {
		t.Fatal(err)
	}
	if err := s.ResolveDispute(d2.ID, ResolutionAccept, "human", "ship it"); err != nil {
		t.Fatal(err)
	}
	mustStatus(t, s, task.ID, StatusCompleted)
}

func TestInvocations_RecordAndPurge(t *testing.T) {
	s, clock := testStore(t)
	task := mustTask(t, s, "t")

	old := &Invocation{
		TaskID:   task.ID,
		Role:     "coder",
		Provider: "anthropic",
		Model:    "m1",
		Prompt:   "do it",
		Success:  true,
		Duration: 90 * time.Second,
	}
	if err := s.RecordInvocation(old); err != nil {
		t.Fatalf("RecordInvocation failed: %v", err)
	}

	clock.Advance(10 * 24 * time.Hour)
	recent := &Invocation{
		TaskID: task.ID, Role: "reviewer", Provider: "anthropic", Model: "m1",
		Prompt: "check it", TimedOut: true,
	}
	if err := s.RecordInvocation(recent); err != nil {
		t.Fatal(err)
	}

	invocations, err := s.ListInvocations(task.ID)
	if err != nil {
		t.Fatalf("ListInvocations failed: %v", err)
	}
	if len(invocations) != 2 {
		t.Fatalf("invocation count = %d, want 2", len(invocations))
	}
	if invocations[0].Duration != 90*time.Second {
		t.Errorf("duration = %v", invocations[0].Duration)
	}
	if !invocations[1].TimedOut {
		t.Error("timed_out not persisted")
	}

	n, err := s.PurgeInvocationsBefore(clock.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PurgeInvocationsBefore failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	invocations, _ = s.ListInvocations(task.ID)
	if len(invocations) != 1 || invocations[0].Role != "reviewer" {
		t.Errorf("remaining invocations wrong: %d", len(invocations))
	}
}

func TestCountsAndHasWork(t *testing.T) {
	s, _ := testStore(t)

	work, err := s.HasWork()
	if err != nil {
		t.Fatal(err)
	}
	if work {
		t.Error("empty store reports work")
	}

	mustTask(t, s, "a")
	b := mustTask(t, s, "b")
	if err := s.Transition(b.ID, StatusPending, StatusInProgress, "coder", "", ""); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountsByStatus()
	if err != nil {
		t.Fatalf("CountsByStatus failed: %v", err)
	}
	if counts.Pending != 1 || counts.InProgress != 1 {
		t.Errorf("counts = %+v", counts)
	}

	work, _ = s.HasWork()
	if !work {
		t.Error("store with open tasks reports no work")
	}
}

func TestProjectMeta(t *testing.T) {
	s, _ := testStore(t)

	v, err := s.GetMeta("schema_note")
	if err != nil || v != "" {
		t.Fatalf("missing key = %q, %v", v, err)
	}
	if err := s.SetMeta("schema_note", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMeta("schema_note", "v2"); err != nil {
		t.Fatal(err)
	}
	v, _ = s.GetMeta("schema_note")
	if v != "v2" {
		t.Errorf("meta = %q, want v2", v)
	}
}
