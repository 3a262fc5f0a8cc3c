package events

import (
	"sync"
)

// GlobalWorktreeID subscribes to events for all worktrees.
const GlobalWorktreeID = "*"

// SnapshotFunc produces a fresh snapshot event for a worktree. The publisher
// uses it to recover slow subscribers that had events dropped.
type SnapshotFunc func(worktreeID string) (Event, bool)

// Publisher is the event fan-out interface.
type Publisher interface {
	// Publish delivers an event to all subscribers of its worktree.
	Publish(event Event)
	// Subscribe returns a channel receiving events for the given worktree.
	// Use GlobalWorktreeID to receive events for all worktrees.
	Subscribe(worktreeID string) <-chan Event
	// Unsubscribe removes and closes a subscription channel.
	Unsubscribe(worktreeID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

type subscription struct {
	ch chan Event
	// lagging is set when delivery to this subscriber was dropped; the next
	// successful delivery is replaced by a coalesced snapshot event.
	lagging bool
}

// MemoryPublisher is the in-memory Publisher. Delivery is non-blocking: a
// subscriber whose buffer is full loses intermediate events and is brought
// back in sync with a single snapshot event instead.
type MemoryPublisher struct {
	mu          sync.Mutex
	subscribers map[string][]*subscription
	bufferSize  int
	snapshotFn  SnapshotFunc
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the per-subscriber channel buffer size. Sizes below
// one are raised to one.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) { p.bufferSize = size }
}

// WithSnapshotFunc installs the snapshot producer used to coalesce dropped
// events for slow subscribers.
func WithSnapshotFunc(fn SnapshotFunc) PublisherOption {
	return func(p *MemoryPublisher) { p.snapshotFn = fn }
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]*subscription),
		bufferSize:  64,
	}
	for _, opt := range opts {
		opt(p)
	}
	// The initial snapshot is sent on the fresh channel before Subscribe
	// returns, so every subscriber needs at least one buffered slot.
	if p.bufferSize < 1 {
		p.bufferSize = 1
	}
	return p
}

// Publish delivers an event to the worktree's subscribers and to global
// subscribers.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.deliver(p.subscribers[event.WorktreeID], event)
	if event.WorktreeID != GlobalWorktreeID {
		p.deliver(p.subscribers[GlobalWorktreeID], event)
	}
}

func (p *MemoryPublisher) deliver(subs []*subscription, event Event) {
	for _, sub := range subs {
		out := event
		if sub.lagging {
			// Replace with a coalesced snapshot so the subscriber does not
			// act on a partial view after the gap.
			if p.snapshotFn != nil {
				if snap, ok := p.snapshotFn(event.WorktreeID); ok {
					out = snap
				}
			}
		}
		select {
		case sub.ch <- out:
			sub.lagging = false
		default:
			sub.lagging = true
		}
	}
}

// Subscribe returns a channel receiving events for the given worktree.
func (p *MemoryPublisher) Subscribe(worktreeID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	sub := &subscription{ch: make(chan Event, p.bufferSize)}
	p.subscribers[worktreeID] = append(p.subscribers[worktreeID], sub)

	// New subscribers get an initial snapshot so they never start from a
	// blank view.
	if p.snapshotFn != nil && worktreeID != GlobalWorktreeID {
		if snap, ok := p.snapshotFn(worktreeID); ok {
			sub.ch <- snap
		}
	}
	return sub.ch
}

// Unsubscribe removes a subscription channel and closes it.
func (p *MemoryPublisher) Unsubscribe(worktreeID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[worktreeID]
	for i, sub := range subs {
		if sub.ch == ch {
			p.subscribers[worktreeID] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(p.subscribers[worktreeID]) == 0 {
		delete(p.subscribers, worktreeID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for id, subs := range p.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(p.subscribers, id)
	}
}

// SubscriberCount returns the number of subscribers for a worktree.
func (p *MemoryPublisher) SubscriberCount(worktreeID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers[worktreeID])
}

// NopPublisher discards all events. Useful in tests and when streaming is
// disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

func (NopPublisher) Subscribe(string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (NopPublisher) Unsubscribe(string, <-chan Event) {}

func (NopPublisher) Close() {}
