package events

import (
	"sync"
)

// GlobalTaskID subscribes to every task's events. The runner daemon uses it
// to forward the whole stream to the hook dispatcher.
const GlobalTaskID = "*"

// Publisher fans task lifecycle events out to in-process subscribers.
type Publisher interface {
	Publish(event Event)
	// Subscribe returns a channel receiving events for taskID, or for all
	// tasks when taskID is GlobalTaskID.
	Subscribe(taskID string) <-chan Event
	Unsubscribe(taskID string, ch <-chan Event)
	Close()
}

const defaultBuffer = 100

// MemoryPublisher delivers events over buffered channels. Delivery never
// blocks the loop: a subscriber that stops draining loses events rather than
// stalling task processing.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
	closed bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) { p.buffer = size }
}

// NewMemoryPublisher creates a MemoryPublisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subs:   make(map[string]map[chan Event]struct{}),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers the event to the task's subscribers and to wildcard
// subscribers.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}
	p.offer(p.subs[event.TaskID], event)
	if event.TaskID != GlobalTaskID {
		p.offer(p.subs[GlobalTaskID], event)
	}
}

func (p *MemoryPublisher) offer(set map[chan Event]struct{}, event Event) {
	for ch := range set {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber channel. After Close it returns an
// already-closed channel so ranging callers exit immediately.
func (p *MemoryPublisher) Subscribe(taskID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.buffer)
	if p.subs[taskID] == nil {
		p.subs[taskID] = make(map[chan Event]struct{})
	}
	p.subs[taskID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (p *MemoryPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sub := range p.subs[taskID] {
		if sub == ch {
			delete(p.subs[taskID], sub)
			close(sub)
			break
		}
	}
	if len(p.subs[taskID]) == 0 {
		delete(p.subs, taskID)
	}
}

// Close closes every subscriber channel. Idempotent.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for taskID, set := range p.subs {
		for ch := range set {
			close(ch)
		}
		delete(p.subs, taskID)
	}
}

// SubscriberCount reports how many channels are subscribed to a task.
func (p *MemoryPublisher) SubscriberCount(taskID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[taskID])
}

// NopPublisher discards everything. Used where a loop runs without any
// observer attached.
type NopPublisher struct{}

// NewNopPublisher creates a NopPublisher.
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

func (p *NopPublisher) Publish(event Event) {}

func (p *NopPublisher) Subscribe(taskID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (p *NopPublisher) Unsubscribe(taskID string, ch <-chan Event) {}

func (p *NopPublisher) Close() {}
