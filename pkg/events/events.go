// Package events implements the process-wide lifecycle event
// coordinator: per-container publish/subscribe plus a bounded debug
// ring buffer, replacing timeout-based waits between startup phases
// with an event-driven wait_for_event primitive.
package events

import (
	"context"
	"sync"

	"github.com/cuemby/quilt/pkg/types"
)

const (
	ringBufferCapacity = 1000
	ringBufferDrain    = 500
)

// Subscriber receives lifecycle events for one container. It is a
// channel buffered to 64 events; a slow or abandoned subscriber never
// blocks the emitter, since sends are non-blocking: an event sent to a
// full channel is discarded, and the channel stays subscribed.
type Subscriber chan types.LifecycleEvent

// Coordinator is the process-wide singleton described in spec section
// 4.5. It must be constructed once at daemon startup (see
// cmd/quiltd/main.go) and passed by reference into every component
// that emits or awaits lifecycle events — never reached for as a
// package-level global.
type Coordinator struct {
	mu          sync.Mutex
	subscribers map[string][]Subscriber
	ring        []types.LifecycleEvent
}

// NewCoordinator constructs an empty event coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe returns a new receiver channel for a container's events.
// Callers must Unsubscribe when done to release the channel.
func (c *Coordinator) Subscribe(containerID string) Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := make(Subscriber, 64)
	c.subscribers[containerID] = append(c.subscribers[containerID], sub)
	return sub
}

// Unsubscribe removes a previously registered subscriber.
func (c *Coordinator) Unsubscribe(containerID string, sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subscribers[containerID]
	for i, s := range subs {
		if s == sub {
			c.subscribers[containerID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subscribers[containerID]) == 0 {
		delete(c.subscribers, containerID)
	}
}

// Emit writes the event to the debug ring and to every subscriber
// registered for its container. Sends are non-blocking: a full or
// abandoned channel simply misses the event.
func (c *Coordinator) Emit(event types.LifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring = append(c.ring, event)
	if len(c.ring) > ringBufferCapacity {
		c.ring = append([]types.LifecycleEvent{}, c.ring[ringBufferDrain:]...)
	}

	for _, sub := range c.subscribers[event.ContainerID] {
		select {
		case sub <- event:
		default:
		}
	}
}

// Recent returns a snapshot of the debug ring buffer, most recent
// last.
func (c *Coordinator) Recent() []types.LifecycleEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.LifecycleEvent, len(c.ring))
	copy(out, c.ring)
	return out
}

// Predicate decides whether an event satisfies a wait.
type Predicate func(types.LifecycleEvent) bool

// WaitForEvent blocks until an event satisfying predicate arrives for
// containerID, or ctx is cancelled. It never imposes its own timeout;
// callers wrap it in context.WithTimeout per spec section 5.
func (c *Coordinator) WaitForEvent(ctx context.Context, containerID string, predicate Predicate) (types.LifecycleEvent, error) {
	sub := c.Subscribe(containerID)
	defer c.Unsubscribe(containerID, sub)

	for {
		select {
		case event := <-sub:
			if predicate(event) {
				return event, nil
			}
		case <-ctx.Done():
			return types.LifecycleEvent{}, ctx.Err()
		}
	}
}

// SubscriberCount reports how many subscribers are registered for a
// container; used by tests and diagnostics.
func (c *Coordinator) SubscriberCount(containerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers[containerID])
}
