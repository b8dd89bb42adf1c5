// Package events provides event types and publishing infrastructure for
// steroids. Events feed the hook dispatcher and in-process observers such as
// the wakeup recovery pass.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// Task lifecycle events, mirrored to hooks.

	// EventTaskCreated indicates a new task was created.
	EventTaskCreated EventType = "task.created"
	// EventTaskUpdated indicates a task changed status.
	EventTaskUpdated EventType = "task.updated"
	// EventTaskCompleted indicates a task was approved and completed.
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed indicates a task hit the rejection ceiling or failed.
	EventTaskFailed EventType = "task.failed"

	// EventSectionCompleted indicates every task in a section is terminal.
	EventSectionCompleted EventType = "section.completed"
	// EventProjectCompleted indicates no selectable work remains.
	EventProjectCompleted EventType = "project.completed"

	// Credit pause protocol.

	// EventCreditExhausted indicates an agent provider ran out of credit.
	EventCreditExhausted EventType = "credit.exhausted"
	// EventCreditResolved indicates a credit incident was resolved.
	EventCreditResolved EventType = "credit.resolved"

	// EventInconsistency indicates the selector or recovery pass found a task
	// in a state that violates an invariant, such as in_progress at the
	// rejection ceiling.
	EventInconsistency EventType = "inconsistency"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// TaskUpdate carries the status change attached to task.* events.
type TaskUpdate struct {
	TaskID     string `json:"task_id"`
	Title      string `json:"title"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Actor      string `json:"actor"`
	CommitSHA  string `json:"commit_sha,omitempty"`
}

// SectionUpdate is attached to section.completed events.
type SectionUpdate struct {
	SectionID   string `json:"section_id"`
	SectionName string `json:"section_name"`
}

// CreditData is attached to credit.* events.
type CreditData struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Role     string `json:"role"`
	Message  string `json:"message,omitempty"`
}

// InconsistencyData describes an invariant violation found during selection
// or recovery.
type InconsistencyData struct {
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
	RejectionCount int    `json:"rejection_count"`
	Detail         string `json:"detail"`
}
