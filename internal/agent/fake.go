package agent

import (
	"context"
	"sync"

	"github.com/steroids-dev/steroids/internal/store"
)

// FakeInvoker is a scriptable Invoker for orchestrator tests. Results are
// dequeued per role; an exhausted queue yields an inert success.
type FakeInvoker struct {
	mu            sync.Mutex
	coderQueue    []*Result
	reviewerQueue []*Result
	// OnCoder, OnReviewer and OnBatch, when set, run before the queued
	// result is returned so tests can mutate the store the way a real agent
	// would.
	OnCoder    func(task *store.Task, action string)
	OnReviewer func(task *store.Task)
	OnBatch    func(tasks []*store.Task)
	// Exhausted marks queued results as credit exhaustion for Classify.
	exhausted map[*Result]*CreditExhaustion

	CoderCalls    int
	ReviewerCalls int
	BatchCalls    int
	// LastBatch records the task ids of the most recent coder batch.
	LastBatch []string
}

// NewFakeInvoker creates an empty FakeInvoker.
func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{exhausted: make(map[*Result]*CreditExhaustion)}
}

// QueueCoder appends a coder result.
func (f *FakeInvoker) QueueCoder(r *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.Role = RoleCoder
	f.coderQueue = append(f.coderQueue, r)
}

// QueueReviewer appends a reviewer result.
func (f *FakeInvoker) QueueReviewer(r *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.Role = RoleReviewer
	f.reviewerQueue = append(f.reviewerQueue, r)
}

// QueueCreditExhaustion appends a coder result that Classify reports as
// credit exhaustion.
func (f *FakeInvoker) QueueCreditExhaustion(provider, model, message string) {
	r := &Result{Role: RoleCoder, Provider: provider, Model: model, Err: message}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coderQueue = append(f.coderQueue, r)
	f.exhausted[r] = &CreditExhaustion{Provider: provider, Model: model, Message: message}
}

// InvokeCoder returns the next queued coder result.
func (f *FakeInvoker) InvokeCoder(_ context.Context, task *store.Task, _, action string) (*Result, error) {
	f.mu.Lock()
	f.CoderCalls++
	var r *Result
	if len(f.coderQueue) > 0 {
		r = f.coderQueue[0]
		f.coderQueue = f.coderQueue[1:]
	} else {
		r = &Result{Role: RoleCoder, Success: true}
	}
	hook := f.OnCoder
	f.mu.Unlock()

	if hook != nil {
		hook(task, action)
	}
	return r, nil
}

// InvokeReviewer returns the next queued reviewer result.
func (f *FakeInvoker) InvokeReviewer(_ context.Context, task *store.Task, _ string) (*Result, error) {
	f.mu.Lock()
	f.ReviewerCalls++
	var r *Result
	if len(f.reviewerQueue) > 0 {
		r = f.reviewerQueue[0]
		f.reviewerQueue = f.reviewerQueue[1:]
	} else {
		r = &Result{Role: RoleReviewer, Success: true}
	}
	hook := f.OnReviewer
	f.mu.Unlock()

	if hook != nil {
		hook(task)
	}
	return r, nil
}

// InvokeCoderBatch returns the next queued coder result for the whole batch.
func (f *FakeInvoker) InvokeCoderBatch(_ context.Context, tasks []*store.Task, _ string) (*Result, error) {
	f.mu.Lock()
	f.BatchCalls++
	f.LastBatch = f.LastBatch[:0]
	for _, t := range tasks {
		f.LastBatch = append(f.LastBatch, t.ID)
	}
	var r *Result
	if len(f.coderQueue) > 0 {
		r = f.coderQueue[0]
		f.coderQueue = f.coderQueue[1:]
	} else {
		r = &Result{Role: RoleCoder, Success: true}
	}
	hook := f.OnBatch
	f.mu.Unlock()

	if hook != nil {
		hook(tasks)
	}
	return r, nil
}

// InvokeReviewerBatch dequeues one reviewer result per task, stopping early
// on a credit-exhausted result like the production invoker.
func (f *FakeInvoker) InvokeReviewerBatch(ctx context.Context, tasks []*store.Task, projectPath string) ([]*Result, error) {
	results := make([]*Result, 0, len(tasks))
	for _, t := range tasks {
		r, err := f.InvokeReviewer(ctx, t, projectPath)
		if err != nil {
			return results, err
		}
		results = append(results, r)
		if f.Classify(r) != nil {
			break
		}
	}
	return results, nil
}

// Classify reports credit exhaustion for results queued as such.
func (f *FakeInvoker) Classify(result *Result) *CreditExhaustion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exhausted[result]
}
