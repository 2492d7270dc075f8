package emitter

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[E any](t *testing.T, ch <-chan E, n int) []E {
	t.Helper()
	out := make([]E, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestEmitPreservesOrder(t *testing.T) {
	e := New[int]()
	defer e.Close()

	got := make(chan int, 100)
	e.Subscribe(func(v int) { got <- v })

	for i := 0; i < 100; i++ {
		require.True(t, e.Emit(i))
	}

	events := collect(t, got, 100)
	for i, v := range events {
		assert.Equal(t, i, v)
	}
}

func TestSubscribersCalledInRegistrationOrder(t *testing.T) {
	e := New[string]()
	defer e.Close()

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{})

	e.Subscribe(func(string) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
	})
	e.Subscribe(func(string) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
		close(done)
	})

	e.Emit("x")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := New[int]()
	defer e.Close()

	removed := make(chan int, 10)
	kept := make(chan int, 10)

	off := e.Subscribe(func(v int) { removed <- v })
	e.Subscribe(func(v int) { kept <- v })

	e.Emit(1)
	collect(t, kept, 1)
	collect(t, removed, 1)

	off()
	off() // second call is a no-op

	e.Emit(2)
	assert.Equal(t, []int{2}, collect(t, kept, 1))

	select {
	case v := <-removed:
		t.Fatalf("unsubscribed handler received %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDrainsQueueThenStops(t *testing.T) {
	e := New[int]()

	got := make(chan int, 10)
	block := make(chan struct{})
	e.Subscribe(func(v int) {
		<-block
		got <- v
	})

	e.Emit(1)
	e.Emit(2)
	e.Close()
	assert.False(t, e.Emit(3), "emit after close must be rejected")

	close(block)
	assert.Equal(t, []int{1, 2}, collect(t, got, 2))

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery goroutine did not exit after close")
	}
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	e := New[int]()
	defer e.Close()

	got := make(chan int, 10)
	e.Subscribe(func(v int) {
		if v == 1 {
			panic("boom")
		}
	})
	e.Subscribe(func(v int) { got <- v })

	e.Emit(1)
	e.Emit(2)

	assert.Equal(t, []int{1, 2}, collect(t, got, 2))
}

func TestIdleEmitterHoldsNoGoroutine(t *testing.T) {
	before := runtime.NumGoroutine()

	got := make(chan int, 64)
	emitters := make([]*Emitter[int], 50)
	for i := range emitters {
		e := New[int]()
		e.Subscribe(func(v int) { got <- v })
		e.Emit(i)
		emitters[i] = e
	}
	collect(t, got, len(emitters))

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 5*time.Millisecond, "drained emitters must not keep goroutines")

	// an idle emitter starts delivering again on the next Emit
	emitters[0].Emit(7)
	assert.Equal(t, []int{7}, collect(t, got, 1))
}

func TestCloseIdleEmitter(t *testing.T) {
	e := New[int]()
	e.Close()
	e.Close()

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed for an idle emitter")
	}
	assert.False(t, e.Emit(1))
}
