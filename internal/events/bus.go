package events

import (
	"context"
	"sync"
)

// Publisher emits dispatch events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Bus is an in-process fan-out of events to subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber
	nextID   int
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber), stop: make(chan struct{})}
}

// Subscribe registers a subscriber with the given buffer. The returned cancel
// func unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: ch, done: make(chan struct{})}
	b.subs[id] = sub

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Unblock publishers waiting on this subscriber before taking the lock.
			close(sub.done)
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers evt to every subscriber, blocking until each has room, the
// subscriber leaves or ctx is done.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		case <-b.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
