package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	v, err := Decode([]byte(s))
	require.NoError(t, err)
	return v
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type": `))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestParseConnect(t *testing.T) {
	msg := decode(t, `{"type":"internalCommand","internalCommand":"connect","args":{"authData":{"name":"some"}}}`)

	cmd, err := ParseConnect(msg)
	require.NoError(t, err)
	assert.Equal(t, InternalConnect, cmd.InternalCommand)
	assert.Equal(t, map[string]any{"name": "some"}, cmd.Args.AuthData)
}

func TestParseConnectRejectsOtherShapes(t *testing.T) {
	cases := map[string]string{
		"not an object":   `42`,
		"missing args":    `{"type":"internalCommand","internalCommand":"connect"}`,
		"wrong command":   `{"type":"internalCommand","internalCommand":"reconnect","args":{}}`,
		"wrong type":      `{"type":"command","internalCommand":"connect","args":{}}`,
		"args not object": `{"type":"internalCommand","internalCommand":"connect","args":[]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConnect(decode(t, raw))
			assert.True(t, errors.Is(err, ErrInvalidShape), "got %v", err)
		})
	}
}

func TestParseReconnect(t *testing.T) {
	msg := decode(t, `{"type":"internalCommand","internalCommand":"reconnect","args":{"peerId":3,"token":"abc","authData":"x"}}`)

	cmd, err := ParseReconnect(msg)
	require.NoError(t, err)
	require.NotNil(t, cmd.Args.PeerID)
	assert.Equal(t, uint64(3), *cmd.Args.PeerID)
	assert.Equal(t, "abc", cmd.Args.Token)
	assert.Equal(t, "x", cmd.Args.AuthData)
}

func TestParseReconnectRejectsBadPeerID(t *testing.T) {
	for _, raw := range []string{
		`{"type":"internalCommand","internalCommand":"reconnect","args":{"peerId":-1,"token":"abc"}}`,
		`{"type":"internalCommand","internalCommand":"reconnect","args":{"peerId":1.5,"token":"abc"}}`,
		`{"type":"internalCommand","internalCommand":"reconnect","args":{"peerId":"1","token":"abc"}}`,
		`{"type":"internalCommand","internalCommand":"reconnect","args":{"token":"abc"}}`,
	} {
		_, err := ParseReconnect(decode(t, raw))
		assert.True(t, errors.Is(err, ErrInvalidShape), "%s: got %v", raw, err)
	}
}

func TestParseCommand(t *testing.T) {
	msg := decode(t, `{"type":"command","objectName":"blank","methodName":"simpleFunc","args":["x"],"requestId":0,"token":"T"}`)

	cmd, err := ParseCommand(msg)
	require.NoError(t, err)
	assert.Equal(t, "blank", cmd.ObjectName)
	assert.Equal(t, "simpleFunc", cmd.MethodName)
	assert.Equal(t, []any{"x"}, cmd.Args)
	assert.Equal(t, float64(0), cmd.RequestID)
	assert.Equal(t, "T", cmd.Token)
}

func TestParseCommandRejectsOtherShapes(t *testing.T) {
	for _, raw := range []string{
		`{"type":"command","objectName":"blank","methodName":"simpleFunc","args":"x","requestId":0}`,
		`{"type":"command","objectName":"blank","methodName":"simpleFunc","args":[],"requestId":"0"}`,
		`{"type":"command","objectName":1,"methodName":"simpleFunc","args":[],"requestId":0}`,
		`{"type":"callback","objectName":"blank","methodName":"simpleFunc","args":[],"requestId":0}`,
		`{"type":"command","objectName":"blank","args":[],"requestId":0}`,
		`"command"`,
	} {
		_, err := ParseCommand(decode(t, raw))
		assert.True(t, errors.Is(err, ErrInvalidShape), "%s: got %v", raw, err)
	}
}

func TestCallbackWireShape(t *testing.T) {
	cmd := Command{ObjectName: "blank", MethodName: "simpleFunc", RequestID: 0}
	data, err := Encode(NewCallback(cmd, nil, "x"))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"callback","objectName":"blank","methodName":"simpleFunc","requestId":0,"error":null,"result":"x"}`,
		string(data))

	data, err = Encode(NewCallback(cmd, errors.New("nope"), nil))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"callback","objectName":"blank","methodName":"simpleFunc","requestId":0,"error":"nope","result":null}`,
		string(data))
}

func TestEventWireShape(t *testing.T) {
	data, err := Encode(NewEvent("blank", "simpleEvent", []any{"one", 2, "10"}))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"event","objectName":"blank","eventName":"simpleEvent","args":["one",2,"10"]}`,
		string(data))

	data, err = Encode(NewEvent("blank", "empty", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","objectName":"blank","eventName":"empty","args":[]}`, string(data))
}

func TestReconnectRoundTrip(t *testing.T) {
	data, err := Encode(NewReconnect(7, "tok", map[string]any{"name": "some"}))
	require.NoError(t, err)

	cmd, err := ParseReconnect(decode(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), *cmd.Args.PeerID)
	assert.Equal(t, "tok", cmd.Args.Token)
}

func TestTokenHelpers(t *testing.T) {
	msg := decode(t, `{"type":"command","token":"abc"}`)
	tok, ok := TokenOf(msg)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
	assert.True(t, RequiresToken(msg))

	assert.False(t, RequiresToken(decode(t, `{"type":"event"}`)))
	assert.False(t, RequiresToken(decode(t, `[1,2]`)))

	_, ok = TokenOf(decode(t, `{"type":"callback"}`))
	assert.False(t, ok)
}

func TestConvertConnectResult(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"internalCallback","internalCommand":"connect","error":null,
		"result":{"peerId":0,"token":"T","objectsProps":{"blank":{"methods":["simpleFunc"],"events":["simpleEvent"]}}}}`))
	require.NoError(t, err)

	var res ConnectResult
	require.NoError(t, Convert(env.Result, &res))
	assert.Equal(t, uint64(0), res.PeerID)
	assert.Equal(t, "T", res.Token)
	assert.Equal(t, []string{"simpleFunc"}, res.ObjectsProps["blank"].Methods)
}
