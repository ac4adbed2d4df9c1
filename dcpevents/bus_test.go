package dcpevents

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	b := NewBus()
	b.Publish(NotMyVbucket{Partition: 1})
	b.Publish(NotMyVbucket{Partition: 2})

	first, ok := b.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, NotMyVbucket{Partition: 1}, first)

	second, ok := b.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, NotMyVbucket{Partition: 2}, second)
}

func TestBusNextBlocksUntilPublish(t *testing.T) {
	b := NewBus()

	done := make(chan Event, 1)
	go func() {
		event, _ := b.Next(context.Background())
		done <- event
	}()

	time.Sleep(20 * time.Millisecond)
	b.Publish(Poison{})

	select {
	case event := <-done:
		require.Equal(t, Poison{}, event)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on Publish")
	}
}

func TestBusNextReturnsFalseOnContextCancel(t *testing.T) {
	b := NewBus()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := b.Next(ctx)
	require.False(t, ok)
}

func TestBusSubscribeObservesWithoutDrainingQueue(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	var observed []Event
	b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, e)
	})

	b.Publish(NotMyVbucket{Partition: 1})
	b.Publish(NotMyVbucket{Partition: 2})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []Event{NotMyVbucket{Partition: 1}, NotMyVbucket{Partition: 2}}, observed)
	mu.Unlock()

	first, ok := b.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, NotMyVbucket{Partition: 1}, first)
}

func TestBusSubscribeSupportsMultipleObservers(t *testing.T) {
	b := NewBus()

	var a, c atomic.Int32
	b.Subscribe(func(Event) { a.Add(1) })
	b.Subscribe(func(Event) { c.Add(1) })

	b.Publish(Poison{})

	require.Eventually(t, func() bool {
		return a.Load() == 1 && c.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

// TestBusObserverNeverRunsOnPublisherGoroutine guards the reentrancy fix in
// Conductor.Disconnect: an observer that blocks must not block the
// goroutine that called Publish.
func TestBusObserverNeverRunsOnPublisherGoroutine(t *testing.T) {
	b := NewBus()

	release := make(chan struct{})
	entered := make(chan struct{})
	b.Subscribe(func(Event) {
		close(entered)
		<-release
	})

	publishReturned := make(chan struct{})
	go func() {
		b.Publish(Poison{})
		close(publishReturned)
	}()

	select {
	case <-publishReturned:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on its own observer")
	}

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("observer never ran")
	}
	close(release)
}

func TestBusCloseDrainsPendingThenReturnsFalse(t *testing.T) {
	b := NewBus()
	b.Publish(Poison{})
	b.Close()

	event, ok := b.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, Poison{}, event)

	_, ok = b.Next(context.Background())
	require.False(t, ok)
}
