package transport

import (
	"errors"
	"testing"
)

// TestDisconnectReasonConstants checks all reasons are distinct.
// iota bugs (accidentally reordering constants) would break this.
func TestDisconnectReasonConstants(t *testing.T) {
	reasons := []DisconnectReason{
		ReasonUnknown,
		ReasonNetworkError,
		ReasonTimeout,
		ReasonClosedClean,
		ReasonProtocolError,
	}

	seen := make(map[DisconnectReason]bool)
	names := make(map[string]bool)
	for _, r := range reasons {
		if seen[r] {
			t.Errorf("duplicate DisconnectReason value: %d", r)
		}
		seen[r] = true
		if names[r.String()] {
			t.Errorf("duplicate DisconnectReason name: %s", r)
		}
		names[r.String()] = true
	}
}

// TestDisconnectEvent checks the event struct carries reason and error together.
func TestDisconnectEvent(t *testing.T) {
	cause := errors.New("connection reset")
	ev := DisconnectEvent{Reason: ReasonNetworkError, Err: cause}

	if ev.Reason != ReasonNetworkError {
		t.Errorf("expected ReasonNetworkError, got %v", ev.Reason)
	}
	if !errors.Is(ev.Err, cause) {
		t.Errorf("expected wrapped cause, got %v", ev.Err)
	}
}

func TestEventKindNames(t *testing.T) {
	kinds := []EventKind{
		SocketConnection, SocketMessage, SocketDisconnection, SocketError,
		MalformedPayload, SendDropped, Ready, ListenerError, Destroyed,
	}

	seen := make(map[string]bool)
	for _, k := range kinds {
		name := k.String()
		if name == "unknown" {
			t.Errorf("kind %d has no name", k)
		}
		if seen[name] {
			t.Errorf("duplicate kind name %s", name)
		}
		seen[name] = true
	}
}

func TestErrTransportClosed(t *testing.T) {
	wrapped := errors.Join(errors.New("write failed"), ErrTransportClosed)
	if !errors.Is(wrapped, ErrTransportClosed) {
		t.Error("expected errors.Is to match ErrTransportClosed")
	}
}
