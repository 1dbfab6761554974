package events

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/quilt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndEmit(t *testing.T) {
	c := NewCoordinator()
	sub := c.Subscribe("c1")
	defer c.Unsubscribe("c1", sub)

	c.Emit(types.LifecycleEvent{Type: types.EventContainerCreated, ContainerID: "c1"})

	select {
	case ev := <-sub:
		assert.Equal(t, types.EventContainerCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEmitDoesNotCrossContainers(t *testing.T) {
	c := NewCoordinator()
	sub := c.Subscribe("c1")
	defer c.Unsubscribe("c1", sub)

	c.Emit(types.LifecycleEvent{Type: types.EventContainerCreated, ContainerID: "other"})

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitForEventMatchesPredicate(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Emit(types.LifecycleEvent{Type: types.EventProcessStarted, ContainerID: "c1"})
		c.Emit(types.LifecycleEvent{Type: types.EventContainerReady, ContainerID: "c1"})
	}()

	ev, err := c.WaitForEvent(ctx, "c1", func(e types.LifecycleEvent) bool {
		return e.Type == types.EventContainerReady
	})
	require.NoError(t, err)
	assert.Equal(t, types.EventContainerReady, ev.Type)
}

func TestWaitForEventRespectsCancellation(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.WaitForEvent(ctx, "c1", func(types.LifecycleEvent) bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	c := NewCoordinator()
	sub := c.Subscribe("c1")
	assert.Equal(t, 1, c.SubscriberCount("c1"))

	c.Unsubscribe("c1", sub)
	assert.Equal(t, 0, c.SubscriberCount("c1"))
}

func TestRingBufferDrainsWhenFull(t *testing.T) {
	c := NewCoordinator()
	for i := 0; i < ringBufferCapacity+10; i++ {
		c.Emit(types.LifecycleEvent{Type: types.EventContainerCreated, ContainerID: "c1"})
	}
	assert.LessOrEqual(t, len(c.Recent()), ringBufferCapacity)
}

func TestEmitNonBlockingOnFullSubscriber(t *testing.T) {
	c := NewCoordinator()
	sub := c.Subscribe("c1")
	defer c.Unsubscribe("c1", sub)

	for i := 0; i < cap(sub)+10; i++ {
		c.Emit(types.LifecycleEvent{Type: types.EventContainerCreated, ContainerID: "c1"})
	}
	// Must not have deadlocked to reach here.
}
