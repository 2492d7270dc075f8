package sender

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/risa-org/teleport/transport"
)

// mockAdapter is a minimal transport.Adapter for testing.
// It records sent frames and can be configured to fail.
type mockAdapter struct {
	mu        sync.Mutex
	sent      [][]byte
	failAfter int // fail on the Nth send, -1 means never fail
	calls     int
	gate      chan struct{}
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{failAfter: -1}
}

func (m *mockAdapter) Send(payload []byte) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failAfter >= 0 && m.calls > m.failAfter {
		return transport.ErrTransportClosed
	}
	m.sent = append(m.sent, payload)
	return nil
}

func (m *mockAdapter) Receive() <-chan []byte {
	return make(chan []byte)
}

func (m *mockAdapter) Disconnected() <-chan transport.DisconnectEvent {
	return make(chan transport.DisconnectEvent)
}

func (m *mockAdapter) Close() error { return nil }

func (m *mockAdapter) snapshot() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// waitDone closes the sender and waits for the queue to drain.
func waitDone(t *testing.T, s *Sender) {
	t.Helper()
	s.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sender never drained")
	}
}

// --- Tests ---

func TestSendPreservesOrder(t *testing.T) {
	adapter := newMockAdapter()
	s := New(adapter, nil)

	for _, p := range []string{"one", "two", "three"} {
		if err := s.Send([]byte(p)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	waitDone(t, s)

	sent := adapter.snapshot()
	if len(sent) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(sent))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(sent[i]) != want {
			t.Errorf("position %d: expected %q, got %q", i, want, sent[i])
		}
	}
	if s.Written() != 3 {
		t.Errorf("expected 3 written, got %d", s.Written())
	}
}

// TestSendDoesNotBlockOnSlowSocket checks the caller returns immediately
// even while the adapter is stuck.
func TestSendDoesNotBlockOnSlowSocket(t *testing.T) {
	adapter := newMockAdapter()
	adapter.gate = make(chan struct{})
	s := New(adapter, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Send([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a stuck adapter")
	}

	close(adapter.gate)
	waitDone(t, s)

	if len(adapter.snapshot()) != 100 {
		t.Errorf("expected 100 frames after unblocking, got %d", len(adapter.snapshot()))
	}
}

// TestFailedSendBreaksSender checks the first write error is reported once
// and nothing after it is written.
func TestFailedSendBreaksSender(t *testing.T) {
	adapter := newMockAdapter()
	adapter.failAfter = 1

	var mu sync.Mutex
	var reported []error
	s := New(adapter, func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	s.Send([]byte("ok"))
	s.Send([]byte("fails"))
	s.Send([]byte("skipped"))
	waitDone(t, s)

	if sent := adapter.snapshot(); len(sent) != 1 || string(sent[0]) != "ok" {
		t.Errorf("expected only the first frame written, got %q", sent)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 {
		t.Fatalf("expected exactly one error report, got %d", len(reported))
	}
	if !errors.Is(reported[0], transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", reported[0])
	}

	if err := s.Send([]byte("after")); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected broken sender to refuse, got %v", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	s := New(newMockAdapter(), nil)
	waitDone(t, s)

	if err := s.Send([]byte("late")); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed after close, got %v", err)
	}
}

func TestAdapterAccessor(t *testing.T) {
	adapter := newMockAdapter()
	s := New(adapter, nil)
	defer s.Close()

	if s.Adapter() != adapter {
		t.Error("expected Adapter to return the wrapped adapter")
	}
}
