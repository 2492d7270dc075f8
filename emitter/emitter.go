// Package emitter provides the publish/subscribe capability every pipeline
// component composes in. Each Emitter has an unbounded FIFO queue and at most
// one delivery goroutine, running only while the queue is non-empty, so Emit
// never blocks the caller and subscribers observe events in exactly the order
// they were emitted.
package emitter

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// subscriber is one registered handler. The id is only used for removal.
type subscriber[E any] struct {
	id uint64
	fn func(E)
}

// Emitter delivers events of type E to its subscribers asynchronously.
// The zero value is not usable, construct with New.
type Emitter[E any] struct {
	mu     sync.Mutex
	queue  []E
	subs   []subscriber[E]
	nextID uint64

	running bool // a drain goroutine owns the queue
	closed  bool
	done    chan struct{}
}

// New creates an idle emitter. An idle emitter holds no goroutine.
func New[E any]() *Emitter[E] {
	return &Emitter[E]{done: make(chan struct{})}
}

// Subscribe registers fn for every event emitted after this call.
// Subscribers are invoked in registration order on the delivery goroutine.
// The returned function removes the subscription and is safe to call twice.
func (e *Emitter[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber[E]{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				// copy so an in-flight snapshot keeps its own slice
				next := make([]subscriber[E], 0, len(e.subs)-1)
				next = append(next, e.subs[:i]...)
				next = append(next, e.subs[i+1:]...)
				e.subs = next
				return
			}
		}
	}
}

// Emit queues ev for delivery and returns immediately.
// Returns false if the emitter is already closed, the event is dropped.
func (e *Emitter[E]) Emit(ev E) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queue = append(e.queue, ev)
	if !e.running {
		e.running = true
		go e.drain()
	}
	return true
}

// Close stops accepting events. Events already queued are still delivered,
// then Done is closed. Safe to call multiple times.
func (e *Emitter[E]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if !e.running {
		close(e.done)
	}
}

// Done is closed once the emitter is closed and its queue delivered.
func (e *Emitter[E]) Done() <-chan struct{} {
	return e.done
}

// Pending reports how many events are queued but not yet delivered.
func (e *Emitter[E]) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// drain delivers queued events until the queue is empty, then exits.
// Emit starts a new one the next time an event arrives.
func (e *Emitter[E]) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			if e.closed {
				close(e.done)
			}
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		var zero E
		e.queue[0] = zero // release the reference for the GC
		e.queue = e.queue[1:]
		subs := e.subs
		e.mu.Unlock()

		for _, s := range subs {
			deliver(s.fn, ev)
		}
	}
}

// deliver isolates one subscriber so a panic cannot kill the delivery loop.
func deliver[E any](fn func(E), ev E) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("emitter: subscriber panicked")
		}
	}()
	fn(ev)
}
