package events

import (
	"sync"
)

// GlobalTaskID subscribes to every task's events at once. The history
// recorder and the WebSocket bridge both listen here.
const GlobalTaskID = "*"

// Publisher fans events out to per-task subscribers.
type Publisher interface {
	Publish(event Event)

	// Subscribe returns a channel carrying the task's events.
	// GlobalTaskID receives everything.
	Subscribe(taskID string) <-chan Event

	// Unsubscribe detaches and closes a channel handed out by Subscribe.
	Unsubscribe(taskID string, ch <-chan Event)

	Close()
}

// MemoryPublisher is the in-process Publisher used by the daemon.
// Delivery is best-effort: a subscriber that stops draining loses
// events rather than stalling the publishing goroutine.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	buffer int
	closed bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize overrides the per-subscriber channel buffer.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.buffer = size
	}
}

// NewMemoryPublisher creates a publisher with a 100-event buffer per
// subscriber.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subs:   make(map[string][]chan Event),
		buffer: 100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers the event to the task's subscribers and to the
// global ones, dropping it for any subscriber whose buffer is full.
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

func (p *MemoryPublisher) offer(channels []chan Event, event Event) {
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe implements Publisher. After Close it hands out an
// already-closed channel so consumers terminate instead of hanging.
func (p *MemoryPublisher) Subscribe(taskID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.buffer)
	p.subs[taskID] = append(p.subs[taskID], ch)
	return ch
}

// Unsubscribe implements Publisher. Unknown channels are ignored.
func (p *MemoryPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	channels := p.subs[taskID]
	for i, sub := range channels {
		if sub == ch {
			p.subs[taskID] = append(channels[:i], channels[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subs[taskID]) == 0 {
		delete(p.subs, taskID)
	}
}

// Close closes every subscription channel; further publishes are
// silently discarded.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for taskID, channels := range p.subs {
		for _, ch := range channels {
			close(ch)
		}
		delete(p.subs, taskID)
	}
}

// SubscriberCount reports how many channels listen on a task id.
func (p *MemoryPublisher) SubscriberCount(taskID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[taskID])
}

// NopPublisher discards everything; collaborators take it when events
// are disabled so they never nil-check.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

func (p *NopPublisher) Publish(Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (p *NopPublisher) Unsubscribe(string, <-chan Event) {}

func (p *NopPublisher) Close() {}
