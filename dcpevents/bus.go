package dcpevents

import (
	"context"
	"sync"
)

// Bus is an unbounded single-consumer event queue: Publish never blocks the
// caller (a Channel's reader goroutine, or the bucket config watcher),
// backed by a mutex-guarded slice rather than a fixed-capacity channel, so a
// momentarily slow Fixer cannot back up a Channel's read loop.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool

	observers  []func(Event)
	obsMu      sync.Mutex
	obsCond    *sync.Cond
	obsPending []Event
	obsClosed  bool
}

// NewBus returns an empty Bus and starts the goroutine that delivers events
// to Subscribed observers.
func NewBus() *Bus {
	b := &Bus{}
	b.cond = sync.NewCond(&b.mu)
	b.obsCond = sync.NewCond(&b.obsMu)
	go b.dispatchObservers()
	return b
}

// Subscribe registers fn as a passive observer: every published event
// reaches it, in publish order, in addition to being queued for Next.
// Observers always run on the bus's own dispatch goroutine, never on the
// publisher's — a Fatal event published from deep inside the Fixer's own
// call stack can therefore be observed by an embedder that reacts by
// calling Conductor.Disconnect(true) without that call ever waiting on the
// Fixer's own goroutine.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// dispatchObservers delivers queued events to every Subscribed observer, one
// event at a time, until the bus is closed and drained.
func (b *Bus) dispatchObservers() {
	for {
		b.obsMu.Lock()
		for len(b.obsPending) == 0 && !b.obsClosed {
			b.obsCond.Wait()
		}
		if len(b.obsPending) == 0 {
			b.obsMu.Unlock()
			return
		}
		event := b.obsPending[0]
		b.obsPending = b.obsPending[1:]
		b.obsMu.Unlock()

		b.mu.Lock()
		observers := b.observers
		b.mu.Unlock()

		for _, fn := range observers {
			fn(event)
		}
	}
}

// Publish appends event to the queue and wakes the consumer. Safe to call
// from any goroutine, including concurrently from multiple Channels.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, event)
	b.cond.Signal()
	b.mu.Unlock()

	b.obsMu.Lock()
	if !b.obsClosed {
		b.obsPending = append(b.obsPending, event)
		b.obsCond.Signal()
	}
	b.obsMu.Unlock()
}

// Next blocks until an event is available, ctx is done, or the bus is
// closed. Returns ok=false once the bus is closed and drained.
func (b *Bus) Next(ctx context.Context) (event Event, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancelled := false
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		cancelled = true
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for len(b.pending) == 0 && !b.closed && !cancelled {
		b.cond.Wait()
	}

	if len(b.pending) == 0 {
		return nil, false
	}

	event = b.pending[0]
	b.pending = b.pending[1:]
	return event, true
}

// Close marks the bus closed. Events already queued are still delivered by
// Next; once drained, Next returns ok=false. Observers already queued are
// still delivered too, then the dispatch goroutine exits.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.obsMu.Lock()
	b.obsClosed = true
	b.obsCond.Broadcast()
	b.obsMu.Unlock()
}

// Len returns the number of events currently queued, for tests and debug
// introspection.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
