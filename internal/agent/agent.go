// Package agent defines the AgentInvoker contract between the orchestrator
// and the coder/reviewer processes, plus the exec-based production
// implementation. The orchestrator never talks to a provider directly; it
// hands a task to an Invoker and interprets the structured result.
package agent

import (
	"context"
	"time"

	"github.com/steroids-dev/steroids/internal/store"
)

// Role identifies which agent is being invoked.
type Role string

const (
	RoleCoder       Role = "coder"
	RoleReviewer    Role = "reviewer"
	RoleCoordinator Role = "coordinator"
)

// Decision is the reviewer's verdict, used by the orchestrator as a fallback
// when the reviewer failed to write the store itself.
type Decision string

const (
	DecisionNone    Decision = ""
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionDispute Decision = "dispute"
)

// CreditExhaustion identifies the provider/model that ran out of credit.
type CreditExhaustion struct {
	Provider string
	Model    string
	Message  string
}

// Result is the outcome of one agent invocation.
type Result struct {
	Role     Role
	Provider string
	Model    string
	Response string
	Err      string
	Success  bool
	TimedOut bool
	Duration time.Duration
	// Decision is set only for reviewer invocations.
	Decision Decision
	// Notes carries the reviewer's rejection or dispute reasoning.
	Notes string
}

// Invoker is the contract the orchestrator depends on.
type Invoker interface {
	// InvokeCoder runs the coder against a task. action is "start" or
	// "resume". The coder is expected to move the task to review through
	// the store itself; the result reports what happened.
	InvokeCoder(ctx context.Context, task *store.Task, projectPath, action string) (*Result, error)

	// InvokeReviewer runs the reviewer against a task in review.
	InvokeReviewer(ctx context.Context, task *store.Task, projectPath string) (*Result, error)

	// InvokeCoderBatch runs the coder once over a set of tasks from the
	// same section. Like the single form, the coder advances each task
	// through the store itself.
	InvokeCoderBatch(ctx context.Context, tasks []*store.Task, projectPath string) (*Result, error)

	// InvokeReviewerBatch reviews several tasks in one pass, returning one
	// result per task in input order. The slice may be shorter than the
	// input when the provider fails partway through.
	InvokeReviewerBatch(ctx context.Context, tasks []*store.Task, projectPath string) ([]*Result, error)

	// Classify inspects a result for credit exhaustion. Returns nil when
	// the result is not a credit failure.
	Classify(result *Result) *CreditExhaustion
}
