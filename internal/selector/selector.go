// Package selector picks the next task (or batch of tasks) for a project
// under the status priority and section dependency regime. It is a pure
// read-side component: it never mutates the store, only emits events when it
// finds inconsistent state.
package selector

import (
	"fmt"

	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/store"
)

// Action tells the orchestrator what to do with the selected task.
type Action string

const (
	ActionStart  Action = "start"
	ActionResume Action = "resume"
	ActionReview Action = "review"
)

// actionFor maps a selectable status to its orchestrator action.
func actionFor(status store.Status) Action {
	switch status {
	case store.StatusReview:
		return ActionReview
	case store.StatusInProgress:
		return ActionResume
	default:
		return ActionStart
	}
}

// Filter narrows selection.
type Filter struct {
	// SectionIDs restricts candidates to these sections when non-empty.
	SectionIDs []string
	// FocusSection restricts candidates to a single section and disables
	// batch mode.
	FocusSection string
}

// Selection is a chosen task and the action to take on it.
type Selection struct {
	Task   *store.Task
	Action Action
}

// Selector selects tasks from a project store.
type Selector struct {
	store *store.Store
	pub   events.Publisher
}

// New creates a Selector. A nil publisher defaults to the no-op publisher.
func New(s *store.Store, pub events.Publisher) *Selector {
	if pub == nil {
		pub = events.NewNopPublisher()
	}
	return &Selector{store: s, pub: pub}
}

var selectableStatuses = []store.Status{
	store.StatusReview, store.StatusInProgress, store.StatusPending,
}

// SelectNext returns the highest-priority selectable task, or nil when no
// task is eligible. Priority is status bucket (review, then in_progress,
// then pending), then section position, section priority, creation time and
// id. Tasks in skipped or dependency-blocked sections are excluded.
func (sel *Selector) SelectNext(filter Filter) (*Selection, error) {
	eligible, err := sel.eligibleSections(filter)
	if err != nil {
		return nil, err
	}

	tasks, err := sel.store.ListTasks(store.TaskFilter{Statuses: selectableStatuses})
	if err != nil {
		return nil, fmt.Errorf("select next: %w", err)
	}

	for _, t := range tasks {
		if !sectionAllowed(t.SectionID, filter, eligible) {
			continue
		}
		// An in_progress task at the rejection ceiling should already be
		// failed. Never hand it out; flag it for recovery instead.
		if t.Status == store.StatusInProgress && t.RejectionCount >= store.MaxRejections {
			sel.pub.Publish(events.NewEvent(events.EventInconsistency, t.ID,
				events.InconsistencyData{
					TaskID:         t.ID,
					Status:         string(t.Status),
					RejectionCount: t.RejectionCount,
					Detail:         "in_progress task at rejection ceiling",
				}))
			continue
		}
		return &Selection{Task: t, Action: actionFor(t.Status)}, nil
	}
	return nil, nil
}

// SelectBatch returns the highest-priority eligible section with at least
// one pending task and up to maxSize of its pending tasks in selection
// order. Returns (nil, nil, nil) when no section qualifies.
func (sel *Selector) SelectBatch(maxSize int) (*store.Section, []*store.Task, error) {
	if maxSize <= 0 {
		return nil, nil, nil
	}

	sections, err := sel.store.ListSections()
	if err != nil {
		return nil, nil, err
	}
	blocked, err := sel.blockedSections(sections)
	if err != nil {
		return nil, nil, err
	}

	for _, sec := range sections {
		if sec.Skipped || blocked[sec.ID] {
			continue
		}
		pending, err := sel.store.ListTasks(store.TaskFilter{
			Statuses:  []store.Status{store.StatusPending},
			SectionID: sec.ID,
		})
		if err != nil {
			return nil, nil, err
		}
		if len(pending) == 0 {
			continue
		}
		if len(pending) > maxSize {
			pending = pending[:maxSize]
		}
		return sec, pending, nil
	}
	return nil, nil, nil
}

// eligibleSections returns the set of section ids a task may be selected
// from, honoring skip flags, dependency blocking and the filter.
func (sel *Selector) eligibleSections(filter Filter) (map[string]bool, error) {
	sections, err := sel.store.ListSections()
	if err != nil {
		return nil, err
	}
	blocked, err := sel.blockedSections(sections)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(sections))
	for _, sec := range sections {
		if sec.Skipped || blocked[sec.ID] {
			continue
		}
		allowed[sec.ID] = true
	}

	if len(filter.SectionIDs) > 0 {
		requested := make(map[string]bool, len(filter.SectionIDs))
		for _, id := range filter.SectionIDs {
			requested[id] = true
		}
		for id := range allowed {
			if !requested[id] {
				delete(allowed, id)
			}
		}
	}
	return allowed, nil
}

// blockedSections reports which sections have a dependency with remaining
// open work. A dependency is satisfied only when it has no pending,
// in_progress or review tasks left.
func (sel *Selector) blockedSections(sections []*store.Section) (map[string]bool, error) {
	open, err := sel.store.ListTasks(store.TaskFilter{Statuses: selectableStatuses})
	if err != nil {
		return nil, err
	}
	openBySection := make(map[string]int)
	for _, t := range open {
		if t.SectionID != "" {
			openBySection[t.SectionID]++
		}
	}

	blocked := make(map[string]bool)
	for _, sec := range sections {
		for _, dep := range sec.DependsOn {
			if openBySection[dep] > 0 {
				blocked[sec.ID] = true
				break
			}
		}
	}
	return blocked, nil
}

func sectionAllowed(sectionID string, filter Filter, eligible map[string]bool) bool {
	if filter.FocusSection != "" {
		// Focus narrows selection but does not override skip or blocking.
		return sectionID == filter.FocusSection && eligible[sectionID]
	}
	if sectionID == "" {
		// Unsectioned tasks are always candidates unless the filter names
		// explicit sections.
		return len(filter.SectionIDs) == 0
	}
	return eligible[sectionID]
}
