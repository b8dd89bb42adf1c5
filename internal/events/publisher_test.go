package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishToTaskSubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("task-1")
	p.Publish(NewEvent(EventTaskUpdated, "task-1", TaskUpdate{ToStatus: "review"}))

	select {
	case ev := <-ch:
		assert.Equal(t, EventTaskUpdated, ev.Type)
		assert.Equal(t, "task-1", ev.TaskID)
	default:
		t.Fatal("no event delivered")
	}
}

func TestGlobalSubscriberSeesAllTasks(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	global := p.Subscribe(GlobalTaskID)
	p.Publish(NewEvent(EventTaskCompleted, "a", nil))
	p.Publish(NewEvent(EventTaskFailed, "b", nil))

	require.Len(t, global, 2)
	assert.Equal(t, EventTaskCompleted, (<-global).Type)
	assert.Equal(t, EventTaskFailed, (<-global).Type)
}

func TestPublishNonBlockingOnFullBuffer(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	ch := p.Subscribe("t")
	p.Publish(NewEvent(EventTaskUpdated, "t", nil))
	// Second publish must not block even though the buffer is full.
	p.Publish(NewEvent(EventTaskUpdated, "t", nil))

	assert.Len(t, ch, 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("t")
	p.Unsubscribe("t", ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, p.SubscriberCount("t"))
}

func TestCloseIsIdempotent(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe("t")
	p.Close()
	p.Close()

	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	ch2 := p.Subscribe("t")
	_, open = <-ch2
	assert.False(t, open)
}
