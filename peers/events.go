package peers

import "github.com/risa-org/teleport/transport"

// EventKind names a session-layer event.
type EventKind int

const (
	PeerConnection          EventKind = iota // a new peer completed connect
	PeerReconnection                         // a known peer came back on a new socket
	PeerDisconnection                        // a peer lost its socket, grace timer started
	PeerDisconnectedTimeout                  // grace timer expired, peer evicted
	PeerMessage                              // an authenticated message for the dispatcher
	NeedObjectsSend                          // the dispatcher should send the connect result
	AuthRejected                             // a connect handshake failed
	TokenMismatch                            // a socket presented the wrong token and was closed
	SendDropped                              // a message was addressed to an unknown peer
	Destroyed                                // destroy finished
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
	case PeerMessage:
		return "peerMessage"
	case NeedObjectsSend:
		return "needObjectsSend"
	case AuthRejected:
		return "authRejected"
	case TokenMismatch:
		return "tokenMismatch"
	case SendDropped:
		return "sendDropped"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event is emitted upward by the Manager.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	PeerID   uint64
	Token    string // NeedObjectsSend only
	SocketID string
	Message  any    // PeerMessage, SendDropped
	Reason   string // AuthRejected, TokenMismatch
	Err      error
}

// OutboundKind names a routing request from the dispatcher.
type OutboundKind int

const (
	NeedPeerSend           OutboundKind = iota // deliver Message to PeerID
	NeedPeersBroadcastSend                     // deliver Message to every known peer
)

// Outbound is a routing request from the layer above.
type Outbound struct {
	Kind    OutboundKind
	PeerID  uint64
	Message any
}

// Upstream is anything the Manager takes routing requests from.
type Upstream interface {
	SubscribeOutbound(fn func(Outbound)) (unsubscribe func())
}

// Downstream is anything the Manager takes socket events from.
type Downstream interface {
	Subscribe(fn func(transport.Event)) (unsubscribe func())
}
