package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	ctx := context.Background()
	err := bus.Subscribe(ctx, TopicQueue, func(_ context.Context, e Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, TopicQueue, Event{ID: "e", Type: TypeTaskQueued, Timestamp: time.Now()}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Errorf("expected 3 events, got %d", len(received))
	}
}

func TestMemoryBus_TopicIsolation(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var got int
	ctx := context.Background()
	_ = bus.Subscribe(ctx, TopicGraph, func(_ context.Context, e Event) error {
		got++
		return nil
	})

	_ = bus.Publish(ctx, TopicPool, Event{Type: TypeServerDegraded})
	if got != 0 {
		t.Error("event on another topic should not reach subscriber")
	}

	_ = bus.Publish(ctx, TopicGraph, Event{Type: TypeFeatureAdded})
	if got != 1 {
		t.Errorf("expected 1 event, got %d", got)
	}
}

func TestMemoryBus_UnsubscribeOnCancel(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var got int
	ctx, cancel := context.WithCancel(context.Background())
	_ = bus.Subscribe(ctx, TopicQueue, func(_ context.Context, e Event) error {
		got++
		return nil
	})

	cancel()
	// Unsubscription happens in a goroutine watching ctx.
	time.Sleep(20 * time.Millisecond)

	_ = bus.Publish(context.Background(), TopicQueue, Event{Type: TypeTaskQueued})
	if got != 0 {
		t.Errorf("cancelled subscriber should not receive events, got %d", got)
	}
}
