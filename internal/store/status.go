package store

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusPartial    Status = "partial"
)

// MaxRejections is the rejection ceiling. A task rejected this many times is
// transitioned to failed and never selected again without a human reset.
const MaxRejections = 15

// Terminal reports whether the selector excludes this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusPartial, StatusDisputed:
		return true
	}
	return false
}

// legalTransitions encodes the task status machine. Self-transition on
// in_progress covers rejection (count bump, same status).
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusSkipped, StatusPartial},
	StatusInProgress: {StatusReview, StatusInProgress, StatusFailed, StatusDisputed, StatusSkipped, StatusPartial},
	StatusReview:     {StatusCompleted, StatusInProgress, StatusDisputed, StatusFailed},
	StatusCompleted:  {StatusPending}, // explicit human reset only
	StatusSkipped:    {StatusPending},
	StatusPartial:    {StatusPending},
	StatusFailed:     {StatusPending},
	StatusDisputed:   {StatusInProgress, StatusCompleted},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
