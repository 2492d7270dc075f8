package server

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/teleport/config"
	"github.com/risa-org/teleport/dispatch"
	"github.com/risa-org/teleport/logging/testlog"
	"github.com/risa-org/teleport/protocol"
	"github.com/risa-org/teleport/transport"
	"github.com/risa-org/teleport/transport/tcp"
)

const wait = 2 * time.Second

func objects() dispatch.Objects {
	obj := dispatch.NewObject().
		Handle("add", dispatch.Sync(func(args []any) (any, error) {
			a, _ := args[0].(float64)
			b, _ := args[1].(float64)
			return a + b, nil
		}))
	return dispatch.Objects{
		"math": {Object: obj, Methods: []string{"add"}},
	}
}

func tcpListen() ListenFunc {
	return func() (transport.Listener, error) {
		return tcp.Listen("127.0.0.1:0", tcp.Options{})
	}
}

func collect(s *Server) <-chan Event {
	ch := make(chan Event, 64)
	s.Subscribe(func(ev Event) { ch <- ev })
	return ch
}

func waitFor(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
			return Event{}
		}
	}
}

// pipe attaches an in-memory connection and returns the client end.
func pipe(t *testing.T, s *Server) *tcp.Adapter {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	client := tcp.New(clientConn, tcp.Options{})
	t.Cleanup(func() { client.Close() })
	s.Accept(tcp.New(serverConn, tcp.Options{}))
	return client
}

func send(t *testing.T, a *tcp.Adapter, msg any) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, a.Send(data))
}

func recv(t *testing.T, a *tcp.Adapter) protocol.Envelope {
	t.Helper()
	select {
	case data, ok := <-a.Receive():
		require.True(t, ok, "connection closed")
		env, err := protocol.DecodeEnvelope(data)
		require.NoError(t, err)
		return env
	case <-time.After(wait):
		t.Fatal("timed out waiting for a frame")
		return protocol.Envelope{}
	}
}

func TestNewRejectsBadRegistry(t *testing.T) {
	_, err := New(Options{Objects: dispatch.Objects{
		"x": {Object: dispatch.NewObject(), Methods: []string{"missing"}},
	}})
	assert.ErrorIs(t, err, dispatch.ErrUnknownMethod)
}

func TestInitWithoutListener(t *testing.T) {
	s, err := New(Options{Objects: objects()})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Init(), ErrNoListener)
	assert.Nil(t, s.Addr())
}

func TestNewFromConfigValidates(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = "udp"
	_, err := NewFromConfig(cfg, objects(), nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestInitIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s, err := New(Options{Objects: objects(), Listen: tcpListen()})
	require.NoError(t, err)
	events := collect(s)

	require.NoError(t, s.Init())
	ev := waitFor(t, events, TransportReady)
	require.NotNil(t, s.Addr())
	assert.Equal(t, s.Addr().String(), ev.Addr.String())

	addr := s.Addr().String()
	require.NoError(t, s.Init())
	assert.Equal(t, addr, s.Addr().String())

	require.NoError(t, s.Destroy(context.Background()))
}

func TestConnectAndCall(t *testing.T) {
	testlog.Start(t)
	s, err := New(Options{Objects: objects()})
	require.NoError(t, err)
	events := collect(s)
	t.Cleanup(func() { s.Destroy(context.Background()) })

	client := pipe(t, s)
	send(t, client, protocol.NewConnect(nil))

	env := recv(t, client)
	require.Equal(t, protocol.TypeInternalCallback, env.Type)
	var result protocol.ConnectResult
	require.NoError(t, protocol.Convert(env.Result, &result))
	assert.Equal(t, []string{"add"}, result.ObjectsProps["math"].Methods)
	assert.NotEmpty(t, result.Token)

	ev := waitFor(t, events, PeerConnection)
	assert.Equal(t, result.PeerID, ev.PeerID)

	send(t, client, protocol.Command{
		Type:       protocol.TypeCommand,
		ObjectName: "math",
		MethodName: "add",
		Args:       []any{2, 3},
		RequestID:  7,
		Token:      result.Token,
	})
	env = recv(t, client)
	assert.Equal(t, protocol.TypeCallback, env.Type)
	assert.Equal(t, float64(7), env.RequestID)
	assert.Equal(t, float64(5), env.Result)

	snap, ok := s.Peer(result.PeerID)
	require.True(t, ok)
	assert.Equal(t, "connected", snap.State.String())
	assert.Len(t, s.Peers(), 1)
}

func TestDisconnectEventsSurface(t *testing.T) {
	testlog.Start(t)
	s, err := New(Options{Objects: objects(), PeerDisconnectedTimeout: 30 * time.Millisecond})
	require.NoError(t, err)
	events := collect(s)
	t.Cleanup(func() { s.Destroy(context.Background()) })

	client := pipe(t, s)
	send(t, client, protocol.NewConnect(nil))
	recv(t, client)
	id := waitFor(t, events, PeerConnection).PeerID

	client.Close()
	assert.Equal(t, id, waitFor(t, events, PeerDisconnection).PeerID)
	assert.Equal(t, id, waitFor(t, events, PeerDisconnectedTimeout).PeerID)

	_, ok := s.Peer(id)
	assert.False(t, ok)
}

func TestDestroy(t *testing.T) {
	testlog.Start(t)
	s, err := New(Options{Objects: objects(), Listen: tcpListen()})
	require.NoError(t, err)
	events := collect(s)
	require.NoError(t, s.Init())
	waitFor(t, events, TransportReady)

	client, err := tcp.Dial(context.Background(), s.Addr().String(), tcp.Options{})
	require.NoError(t, err)
	defer client.Close()
	send(t, client, protocol.NewConnect(nil))
	recv(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, s.Destroy(ctx))

	waitFor(t, events, TransportDestroyed)
	waitFor(t, events, Destroyed)

	select {
	case <-client.Disconnected():
	case <-time.After(wait):
		t.Fatal("client socket was not closed")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Destroy returned")
	}
	assert.Empty(t, s.Peers())

	assert.ErrorIs(t, s.Destroy(ctx), ErrAlreadyDestroyed)
	waitFor(t, events, AlreadyDestroyed)
	assert.ErrorIs(t, s.Init(), ErrAlreadyDestroyed)
}

func TestInitDestroyCyclesReleaseGoroutines(t *testing.T) {
	testlog.Start(t)
	before := runtime.NumGoroutine()
	cycle := func() {
		s, err := New(Options{Objects: objects(), Listen: tcpListen()})
		require.NoError(t, err)
		events := collect(s)
		require.NoError(t, s.Init())
		waitFor(t, events, TransportReady)

		client, err := tcp.Dial(context.Background(), s.Addr().String(), tcp.Options{})
		require.NoError(t, err)
		send(t, client, protocol.NewConnect(nil))
		recv(t, client)

		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		require.NoError(t, s.Destroy(ctx))
		<-client.Disconnected()
		client.Close()
	}

	for i := 0; i < 20; i++ {
		cycle()
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, wait, 10*time.Millisecond, "goroutines before=%d after=%d", before, runtime.NumGoroutine())
}
