// Package protocol defines the JSON wire messages exchanged between peers
// and the broker, and the codec and shape checks applied to them.
//
// Every message is a JSON object with a "type" discriminant:
//
//	internalCommand   client -> server, connect / reconnect handshake
//	internalCallback  server -> client, handshake reply
//	command           client -> server, method invocation
//	callback          server -> client, method result
//	event             server -> client, broadcast object event
package protocol

// Message type discriminants.
const (
	TypeInternalCommand  = "internalCommand"
	TypeInternalCallback = "internalCallback"
	TypeCommand          = "command"
	TypeCallback         = "callback"
	TypeEvent            = "event"
)

// Internal command names.
const (
	InternalConnect   = "connect"
	InternalReconnect = "reconnect"
)

// ReconnectedResult is the internalCallback result of a successful reconnect.
const ReconnectedResult = "reconnected!"

// InternalArgs carries the handshake arguments.
// PeerID and Token are only present on reconnect.
type InternalArgs struct {
	AuthData any     `json:"authData"`
	PeerID   *uint64 `json:"peerId,omitempty"`
	Token    string  `json:"token,omitempty"`
}

// InternalCommand is a connect or reconnect request.
type InternalCommand struct {
	Type            string       `json:"type"`
	InternalCommand string       `json:"internalCommand"`
	Args            InternalArgs `json:"args"`
}

// InternalCallback answers an InternalCommand.
// Result is a ConnectResult, a ReconnectFallbackResult or ReconnectedResult.
type InternalCallback struct {
	Type            string `json:"type"`
	InternalCommand string `json:"internalCommand"`
	Error           any    `json:"error"`
	Result          any    `json:"result"`
}

// ObjectProps is the public description of one exposed object.
type ObjectProps struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// ConnectResult is the result of a fresh connect: identity plus catalog.
type ConnectResult struct {
	PeerID       uint64                 `json:"peerId"`
	Token        string                 `json:"token"`
	ObjectsProps map[string]ObjectProps `json:"objectsProps"`
}

// ReconnectFallbackResult is returned when a reconnect targeted a peer that
// no longer exists and a brand new peer was created instead.
type ReconnectFallbackResult struct {
	NewPeerID uint64 `json:"newPeerId"`
	NewToken  string `json:"newToken"`
}

// Command invokes methodName on objectName.
// RequestID is any JSON number and is echoed back verbatim.
type Command struct {
	Type       string  `json:"type"`
	ObjectName string  `json:"objectName"`
	MethodName string  `json:"methodName"`
	Args       []any   `json:"args"`
	RequestID  float64 `json:"requestId"`
	Token      string  `json:"token"`
}

// Callback carries the outcome of a Command.
type Callback struct {
	Type       string  `json:"type"`
	ObjectName string  `json:"objectName"`
	MethodName string  `json:"methodName"`
	RequestID  float64 `json:"requestId"`
	Error      any     `json:"error"`
	Result     any     `json:"result"`
}

// Event is an object event fanned out to every known peer.
type Event struct {
	Type       string `json:"type"`
	ObjectName string `json:"objectName"`
	EventName  string `json:"eventName"`
	Args       []any  `json:"args"`
}

// Envelope is the union of every field any message can carry.
// Clients decode inbound traffic into it and switch on Type.
type Envelope struct {
	Type            string  `json:"type"`
	InternalCommand string  `json:"internalCommand,omitempty"`
	ObjectName      string  `json:"objectName,omitempty"`
	MethodName      string  `json:"methodName,omitempty"`
	EventName       string  `json:"eventName,omitempty"`
	RequestID       float64 `json:"requestId,omitempty"`
	Args            []any   `json:"args,omitempty"`
	Error           any     `json:"error,omitempty"`
	Result          any     `json:"result,omitempty"`
}

// NewConnect builds a connect request.
func NewConnect(authData any) InternalCommand {
	return InternalCommand{
		Type:            TypeInternalCommand,
		InternalCommand: InternalConnect,
		Args:            InternalArgs{AuthData: authData},
	}
}

// NewReconnect builds a reconnect request for an existing peer identity.
func NewReconnect(peerID uint64, token string, authData any) InternalCommand {
	return InternalCommand{
		Type:            TypeInternalCommand,
		InternalCommand: InternalReconnect,
		Args:            InternalArgs{AuthData: authData, PeerID: &peerID, Token: token},
	}
}

// NewInternalCallback builds a handshake reply. err may be nil.
func NewInternalCallback(internalCommand string, err error, result any) InternalCallback {
	return InternalCallback{
		Type:            TypeInternalCallback,
		InternalCommand: internalCommand,
		Error:           ErrorPayload(err),
		Result:          result,
	}
}

// NewCallback builds the reply to cmd. err may be nil.
func NewCallback(cmd Command, err error, result any) Callback {
	return Callback{
		Type:       TypeCallback,
		ObjectName: cmd.ObjectName,
		MethodName: cmd.MethodName,
		RequestID:  cmd.RequestID,
		Error:      ErrorPayload(err),
		Result:     result,
	}
}

// NewEvent builds an event broadcast. A nil args slice is sent as [].
func NewEvent(objectName, eventName string, args []any) Event {
	if args == nil {
		args = []any{}
	}
	return Event{
		Type:       TypeEvent,
		ObjectName: objectName,
		EventName:  eventName,
		Args:       args,
	}
}

// ErrorPayload converts err to its wire form: null or the error message.
func ErrorPayload(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}
