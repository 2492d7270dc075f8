package protocol

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

const connectSchema = `{
	"type": "object",
	"properties": {
		"type": {"type": "string", "enum": ["internalCommand"]},
		"internalCommand": {"type": "string", "enum": ["connect"]},
		"args": {"type": "object"}
	},
	"required": ["type", "internalCommand", "args"]
}`

const reconnectSchema = `{
	"type": "object",
	"properties": {
		"type": {"type": "string", "enum": ["internalCommand"]},
		"internalCommand": {"type": "string", "enum": ["reconnect"]},
		"args": {
			"type": "object",
			"properties": {
				"peerId": {"type": "number"},
				"token": {"type": "string"}
			},
			"required": ["peerId", "token"]
		}
	},
	"required": ["type", "internalCommand", "args"]
}`

const commandSchema = `{
	"type": "object",
	"properties": {
		"type": {"type": "string", "enum": ["command"]},
		"objectName": {"type": "string"},
		"methodName": {"type": "string"},
		"args": {"type": "array"},
		"requestId": {"type": "number"}
	},
	"required": ["type", "objectName", "methodName", "args", "requestId"]
}`

// Validator wraps one compiled JSON schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// NewValidator compiles a JSON schema document.
func NewValidator(name, schema string) (*Validator, error) {
	compiled, err := jsonschema.NewCompiler().Compile([]byte(schema))
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Validator{name: name, schema: compiled}, nil
}

func mustValidator(name, schema string) *Validator {
	v, err := NewValidator(name, schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns nil when msg matches, ErrInvalidShape with the
// violated fields otherwise.
func (v *Validator) Validate(msg any) error {
	result := v.schema.Validate(msg)
	if result.IsValid() {
		return nil
	}

	fields := make([]string, 0, len(result.Errors))
	for field, e := range result.Errors {
		fields = append(fields, fmt.Sprintf("%s: %s", field, e.Message))
	}
	sort.Strings(fields)
	return fmt.Errorf("%w: %s: %s", ErrInvalidShape, v.name, strings.Join(fields, "; "))
}

var (
	connectValidator   = mustValidator("connect", connectSchema)
	reconnectValidator = mustValidator("reconnect", reconnectSchema)
	commandValidator   = mustValidator("command", commandSchema)
)

// ParseConnect validates msg as a connect request.
func ParseConnect(msg any) (InternalCommand, error) {
	if err := connectValidator.Validate(msg); err != nil {
		return InternalCommand{}, err
	}
	args := msg.(map[string]any)["args"].(map[string]any)
	return InternalCommand{
		Type:            TypeInternalCommand,
		InternalCommand: InternalConnect,
		Args:            InternalArgs{AuthData: args["authData"]},
	}, nil
}

// ParseReconnect validates msg as a reconnect request.
// A peerId that is negative or fractional cannot name any peer and is
// rejected here.
func ParseReconnect(msg any) (InternalCommand, error) {
	if err := reconnectValidator.Validate(msg); err != nil {
		return InternalCommand{}, err
	}
	args := msg.(map[string]any)["args"].(map[string]any)

	raw := args["peerId"].(float64)
	if raw < 0 || raw != math.Trunc(raw) {
		return InternalCommand{}, fmt.Errorf("%w: reconnect: peerId %v is not a peer id", ErrInvalidShape, raw)
	}
	peerID := uint64(raw)

	return InternalCommand{
		Type:            TypeInternalCommand,
		InternalCommand: InternalReconnect,
		Args: InternalArgs{
			AuthData: args["authData"],
			PeerID:   &peerID,
			Token:    args["token"].(string),
		},
	}, nil
}

// ParseCommand validates msg as a method invocation.
func ParseCommand(msg any) (Command, error) {
	if err := commandValidator.Validate(msg); err != nil {
		return Command{}, err
	}
	obj := msg.(map[string]any)
	token, _ := obj["token"].(string)

	// copy so the handler owns its argument slice
	src := obj["args"].([]any)
	args := make([]any, len(src))
	copy(args, src)

	return Command{
		Type:       TypeCommand,
		ObjectName: obj["objectName"].(string),
		MethodName: obj["methodName"].(string),
		Args:       args,
		RequestID:  obj["requestId"].(float64),
		Token:      token,
	}, nil
}
