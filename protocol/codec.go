package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrMalformedPayload means the bytes on the wire were not valid JSON.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidShape means the JSON decoded but does not match the
	// message shape the caller asked for.
	ErrInvalidShape = errors.New("invalid message shape")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Decode parses one wire frame into its generic JSON form
// (map[string]any for objects, float64 for numbers).
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return v, nil
}

// Encode serializes a message for the wire.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a frame directly into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return env, nil
}

// Convert re-decodes a generic value into a typed result, e.g. an
// Envelope.Result into a ConnectResult.
func Convert(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// TypeOf returns the "type" field of a decoded message, or "".
func TypeOf(msg any) string {
	obj, ok := msg.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := obj["type"].(string)
	return t
}

// TokenOf returns the "token" field of a decoded message.
func TokenOf(msg any) (string, bool) {
	obj, ok := msg.(map[string]any)
	if !ok {
		return "", false
	}
	tok, ok := obj["token"].(string)
	return tok, ok
}

// RequiresToken reports whether msg must carry the bound peer's token.
func RequiresToken(msg any) bool {
	switch TypeOf(msg) {
	case TypeCommand, TypeCallback:
		return true
	}
	return false
}
