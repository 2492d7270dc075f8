package transport

import (
	"errors"
	"net"
)

// ErrTransportClosed is returned when you try to send on a closed transport.
// Named errors like this let callers check the exact cause with errors.Is().
var ErrTransportClosed = errors.New("transport closed")

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum,
// in either direction.
var ErrFrameTooLarge = errors.New("frame too large")

// DisconnectReason tells the layers above why a connection closed.
// This feeds directly into observability: you can see in logs whether
// a socket dropped due to a network error, a protocol fault, or a clean close.
type DisconnectReason int

const (
	ReasonUnknown       DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                          // underlying connection failed
	ReasonTimeout                               // no activity within deadline
	ReasonClosedClean                           // graceful shutdown by either side
	ReasonProtocolError                         // peer violated framing, e.g. oversized frame
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	case ReasonProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
// It bundles the reason with an optional error for debugging.
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close, populated on errors
}

// Adapter is the contract every per-connection transport must satisfy.
// The hub only ever talks to this interface,
// it never imports tcp, websocket, or anything concrete.
type Adapter interface {
	// Send delivers one frame to the remote side.
	// Returns ErrTransportClosed if the connection is no longer active.
	Send(payload []byte) error

	// Receive returns a channel that emits incoming frames.
	// The channel is closed when the connection closes.
	Receive() <-chan []byte

	// Disconnected returns a channel that emits exactly one DisconnectEvent
	// when the connection closes, for any reason. It is delivered before
	// Receive is closed.
	Disconnected() <-chan DisconnectEvent

	// Close shuts down the connection.
	// Safe to call multiple times, subsequent calls are no-ops.
	Close() error
}

// Listener accepts connections and hands each one over as an Adapter.
type Listener interface {
	// Serve blocks accepting connections until Close is called.
	// It returns nil after Close and the accept error otherwise.
	Serve(accept func(Adapter)) error

	// Addr is the bound address, useful when listening on port 0.
	Addr() net.Addr

	// Close stops accepting. Already accepted adapters are not touched.
	Close() error
}
