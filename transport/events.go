package transport

import "net"

// EventKind names what happened at the socket layer.
type EventKind int

const (
	SocketConnection    EventKind = iota // a connection was accepted and given an id
	SocketMessage                        // a frame arrived and decoded
	SocketDisconnection                  // a connection is gone, exactly once per id
	SocketError                          // a fault on one connection, it stays open
	MalformedPayload                     // a frame arrived that is not valid JSON
	SendDropped                          // a send targeted an unknown or closed id
	Ready                                // the listener is accepting
	ListenerError                        // the listener stopped with an error
	Destroyed                            // destroy finished
)

func (k EventKind) String() string {
	switch k {
	case SocketConnection:
		return "socketConnection"
	case SocketMessage:
		return "socketMessage"
	case SocketDisconnection:
		return "socketDisconnection"
	case SocketError:
		return "socketError"
	case MalformedPayload:
		return "malformedPayload"
	case SendDropped:
		return "sendDropped"
	case Ready:
		return "ready"
	case ListenerError:
		return "listenerError"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event is emitted upward by the socket layer.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	SocketID string
	Message  any              // decoded frame, SocketMessage only
	Reason   DisconnectReason // SocketDisconnection only
	Err      error
	Addr     net.Addr // Ready only
}

// OutboundKind names a command sent down to the socket layer.
type OutboundKind int

const (
	NeedSocketSend  OutboundKind = iota // write Message to SocketID
	NeedSocketClose                     // force-close SocketID
	NeedDestroy                         // shut the whole layer down
)

// Outbound is a command from the layer above.
type Outbound struct {
	Kind     OutboundKind
	SocketID string
	Message  any
}

// Upstream is anything the socket layer takes commands from.
type Upstream interface {
	SubscribeOutbound(fn func(Outbound)) (unsubscribe func())
}
