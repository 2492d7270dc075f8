package server

import "net"

// EventKind names a facade event.
type EventKind int

const (
	PeerConnection EventKind = iota
	PeerReconnection
	PeerDisconnection
	PeerDisconnectedTimeout
	TransportReady     // the listener is accepting, Addr is set
	TransportError     // the listener failed, Err is set
	TransportDestroyed // the socket layer finished shutting down
	Destroyed
	AlreadyDestroyed
)

func (k EventKind) String() string {
	switch k {
	case PeerConnection:
		return "peerConnection"
	case PeerReconnection:
		return "peerReconnection"
	case PeerDisconnection:
		return "peerDisconnection"
	case PeerDisconnectedTimeout:
		return "peerDisconnectedTimeout"
	case TransportReady:
		return "ready"
	case TransportError:
		return "error"
	case TransportDestroyed:
		return "socketsDestroyed"
	case Destroyed:
		return "destroyed"
	case AlreadyDestroyed:
		return "alreadyDestroyed"
	default:
		return "unknown"
	}
}

// Event is what hosts observe through Subscribe.
type Event struct {
	Kind   EventKind
	PeerID uint64
	Addr   net.Addr
	Err    error
}
