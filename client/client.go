// Package client connects to a broker as a peer. It performs the connect
// handshake, correlates calls with their callbacks, surfaces object events
// and resumes the same peer after the connection drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/risa-org/teleport/emitter"
	"github.com/risa-org/teleport/protocol"
	"github.com/risa-org/teleport/transport"
	"github.com/risa-org/teleport/transport/tcp"
	"github.com/risa-org/teleport/transport/websocket"
)

var (
	ErrClosed            = errors.New("client closed")
	ErrNotConnected      = errors.New("connection lost during handshake")
	ErrUnexpectedReply   = errors.New("unexpected handshake reply")
	ErrPeerLost          = errors.New("peer was evicted before the call was answered")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// RemoteError is an error string sent back by the broker.
type RemoteError struct {
	ObjectName string // empty for handshake errors
	MethodName string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.ObjectName == "" {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote %s.%s: %s", e.ObjectName, e.MethodName, e.Message)
}

// DialFunc opens one connection to the broker.
type DialFunc func(ctx context.Context) (transport.Adapter, error)

// Options configures a Client. The zero value is usable.
type Options struct {
	MaxMessageBytes int64
	WriteTimeout    time.Duration

	// AutoReconnect is the retry interval after a drop. Zero disables
	// automatic reconnects, Reconnect can still be called by hand.
	AutoReconnect time.Duration

	OnDisconnect func(transport.DisconnectEvent)
	OnReconnect  func(rekeyed bool)

	Logger *zerolog.Logger
}

type callResult struct {
	env protocol.Envelope
	err error
}

// Client is one peer. Safe for concurrent use.
type Client struct {
	dial     DialFunc
	authData any
	opts     Options
	log      zerolog.Logger

	reconnectMu sync.Mutex

	mu           sync.Mutex
	adapter      transport.Adapter
	connected    bool
	established  bool
	reconnecting bool
	closed       bool
	peerID       uint64
	token        string
	objects      map[string]protocol.ObjectProps
	nextID       float64
	calls        map[float64]chan callResult
	queued       []protocol.Command

	inbox  *emitter.Emitter[protocol.Event]
	events chan protocol.Event
	done   chan struct{}
}

// Dial connects to rawURL and performs the connect handshake.
// ws:// and wss:// use the websocket transport, tcp://host:port the framed
// TCP transport.
func Dial(ctx context.Context, rawURL string, authData any, opts Options) (*Client, error) {
	dial, err := DialerFor(rawURL, opts)
	if err != nil {
		return nil, err
	}
	return New(ctx, dial, authData, opts)
}

// DialerFor returns the DialFunc matching the scheme of rawURL.
func DialerFor(rawURL string, opts Options) (DialFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		wsOpts := websocket.Options{MaxMessageBytes: opts.MaxMessageBytes, WriteTimeout: opts.WriteTimeout}
		return func(ctx context.Context) (transport.Adapter, error) {
			return websocket.Dial(ctx, rawURL, wsOpts)
		}, nil
	case "tcp":
		tcpOpts := tcp.Options{MaxFrameBytes: int(opts.MaxMessageBytes), WriteTimeout: opts.WriteTimeout}
		return func(ctx context.Context) (transport.Adapter, error) {
			return tcp.Dial(ctx, u.Host, tcpOpts)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// New connects through dial and performs the connect handshake.
func New(ctx context.Context, dial DialFunc, authData any, opts Options) (*Client, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{
		dial:     dial,
		authData: authData,
		opts:     opts,
		log:      logger.With().Str("component", "client").Logger(),
		calls:    make(map[float64]chan callResult),
		inbox:    emitter.New[protocol.Event](),
		events:   make(chan protocol.Event, 64),
		done:     make(chan struct{}),
	}
	c.inbox.Subscribe(func(ev protocol.Event) {
		select {
		case c.events <- ev:
		case <-c.done:
		}
	})
	go func() {
		<-c.inbox.Done()
		close(c.events)
	}()

	if err := c.connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	a, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	hs := c.attach(a)

	env, err := c.handshake(ctx, a, hs, protocol.NewConnect(c.authData))
	if err != nil {
		return err
	}
	var result protocol.ConnectResult
	if err := protocol.Convert(env.Result, &result); err != nil {
		c.detach(a)
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}

	c.mu.Lock()
	c.peerID = result.PeerID
	c.token = result.Token
	c.objects = result.ObjectsProps
	c.connected = true
	c.established = true
	c.mu.Unlock()

	c.log.Debug().Uint64("peer", result.PeerID).Msg("connected")
	return nil
}

// attach makes a the current connection and starts reading from it.
// The returned channel carries handshake replies and is closed when a
// stops delivering.
func (c *Client) attach(a transport.Adapter) <-chan protocol.Envelope {
	hs := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.adapter = a
	c.mu.Unlock()
	go c.readLoop(a, hs)
	return hs
}

// detach closes a, unless it has already been replaced.
func (c *Client) detach(a transport.Adapter) {
	c.mu.Lock()
	if c.adapter == a {
		c.adapter = nil
		c.connected = false
	}
	c.mu.Unlock()
	a.Close()
}

func (c *Client) handshake(ctx context.Context, a transport.Adapter, hs <-chan protocol.Envelope, req protocol.InternalCommand) (protocol.Envelope, error) {
	data, err := protocol.Encode(req)
	if err != nil {
		c.detach(a)
		return protocol.Envelope{}, err
	}
	if err := a.Send(data); err != nil {
		c.detach(a)
		return protocol.Envelope{}, fmt.Errorf("send %s: %w", req.InternalCommand, err)
	}

	select {
	case env, ok := <-hs:
		if !ok {
			c.detach(a)
			return protocol.Envelope{}, ErrNotConnected
		}
		if env.InternalCommand != req.InternalCommand {
			c.detach(a)
			return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrUnexpectedReply, env.InternalCommand)
		}
		if env.Error != nil {
			c.detach(a)
			return protocol.Envelope{}, &RemoteError{Message: fmt.Sprint(env.Error)}
		}
		return env, nil
	case <-ctx.Done():
		c.detach(a)
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		return protocol.Envelope{}, ErrClosed
	}
}

func (c *Client) readLoop(a transport.Adapter, hs chan<- protocol.Envelope) {
	defer close(hs)

	for data := range a.Receive() {
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		switch env.Type {
		case protocol.TypeInternalCallback:
			select {
			case hs <- env:
			default:
				c.log.Warn().Str("internalCommand", env.InternalCommand).Msg("unsolicited handshake reply")
			}
		case protocol.TypeCallback:
			c.resolve(env)
		case protocol.TypeEvent:
			c.inbox.Emit(protocol.NewEvent(env.ObjectName, env.EventName, env.Args))
		default:
			c.log.Debug().Str("type", env.Type).Msg("ignoring frame")
		}
	}

	var ev transport.DisconnectEvent
	select {
	case ev = <-a.Disconnected():
	default:
	}
	c.lost(a, ev)
}

// lost runs when a connection stops delivering. Connections that were
// already replaced or that never finished connecting are ignored.
func (c *Client) lost(a transport.Adapter, ev transport.DisconnectEvent) {
	c.mu.Lock()
	if c.adapter != a || c.closed || !c.established {
		c.mu.Unlock()
		return
	}
	c.adapter = nil
	c.connected = false
	startLoop := c.opts.AutoReconnect > 0 && !c.reconnecting
	if startLoop {
		c.reconnecting = true
	}
	c.mu.Unlock()

	c.log.Info().Str("reason", ev.Reason.String()).Msg("connection lost")
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(ev)
	}
	if startLoop {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	interval := c.opts.AutoReconnect
	for {
		select {
		case <-c.done:
			return
		case <-time.After(interval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 4*interval)
		err := c.Reconnect(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		c.log.Debug().Err(err).Msg("reconnect failed, retrying")
	}
}

// Reconnect opens a new connection and resumes the peer. If the broker no
// longer knows the peer it creates a new one and the client adopts the new
// id and token. Calls made while disconnected are sent once resumed.
func (c *Client) Reconnect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.adapter
	c.adapter = nil
	c.connected = false
	peerID, token := c.peerID, c.token
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	a, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	hs := c.attach(a)

	env, err := c.handshake(ctx, a, hs, protocol.NewReconnect(peerID, token, c.authData))
	if err != nil {
		return err
	}

	rekeyed := false
	switch result := env.Result.(type) {
	case string:
		if result != protocol.ReconnectedResult {
			c.detach(a)
			return fmt.Errorf("%w: %q", ErrUnexpectedReply, result)
		}
	case map[string]any:
		var fallback protocol.ReconnectFallbackResult
		if err := protocol.Convert(result, &fallback); err != nil || fallback.NewToken == "" {
			c.detach(a)
			return fmt.Errorf("%w: %v", ErrUnexpectedReply, result)
		}
		rekeyed = true
		c.rekey(fallback)
	default:
		c.detach(a)
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, env.Result)
	}

	c.mu.Lock()
	if c.adapter != a {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.connected = true
	queued := c.queued
	c.queued = nil
	for i, cmd := range queued {
		cmd.Token = c.token
		if err := c.writeLocked(cmd); err != nil {
			c.queued = append(c.queued, queued[i:]...)
			break
		}
	}
	c.mu.Unlock()

	c.log.Info().Uint64("peer", c.PeerID()).Bool("rekeyed", rekeyed).Int("flushed", len(queued)).Msg("reconnected")
	if c.opts.OnReconnect != nil {
		c.opts.OnReconnect(rekeyed)
	}
	return nil
}

// rekey adopts a new identity. Calls the old peer had in flight can never
// be answered and fail with ErrPeerLost; calls still queued locally are
// sent under the new identity.
func (c *Client) rekey(fallback protocol.ReconnectFallbackResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Warn().Uint64("old", c.peerID).Uint64("new", fallback.NewPeerID).Msg("peer was evicted, rekeyed")
	c.peerID = fallback.NewPeerID
	c.token = fallback.NewToken

	waiting := make(map[float64]bool, len(c.queued))
	for _, cmd := range c.queued {
		waiting[cmd.RequestID] = true
	}
	for id, ch := range c.calls {
		if waiting[id] {
			continue
		}
		delete(c.calls, id)
		ch <- callResult{err: ErrPeerLost}
	}
}

func (c *Client) writeLocked(cmd protocol.Command) error {
	if c.adapter == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	return c.adapter.Send(data)
}

// Call invokes objectName.methodName and waits for the callback.
// While disconnected the call is held and sent after Reconnect.
func (c *Client) Call(ctx context.Context, objectName, methodName string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.calls[id] = ch

	cmd := protocol.Command{
		Type:       protocol.TypeCommand,
		ObjectName: objectName,
		MethodName: methodName,
		Args:       args,
		RequestID:  id,
		Token:      c.token,
	}
	if !c.connected || c.writeLocked(cmd) != nil {
		c.queued = append(c.queued, cmd)
	}
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.Error != nil {
			return nil, &RemoteError{
				ObjectName: objectName,
				MethodName: methodName,
				Message:    fmt.Sprint(res.env.Error),
			}
		}
		return res.env.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) resolve(env protocol.Envelope) {
	c.mu.Lock()
	ch, ok := c.calls[env.RequestID]
	delete(c.calls, env.RequestID)
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Float64("requestId", env.RequestID).Msg("callback for unknown request")
		return
	}
	ch <- callResult{env: env}
}

func (c *Client) forget(id float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, id)
	for i, cmd := range c.queued {
		if cmd.RequestID == id {
			c.queued = append(c.queued[:i:i], c.queued[i+1:]...)
			break
		}
	}
}

// Events delivers object events in arrival order. It is closed by Close.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// PeerID returns the current peer id.
func (c *Client) PeerID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Token returns the current peer token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Objects returns the catalog received on connect.
func (c *Client) Objects() map[string]protocol.ObjectProps {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]protocol.ObjectProps, len(c.objects))
	for name, p := range c.objects {
		out[name] = protocol.ObjectProps{
			Methods: append([]string{}, p.Methods...),
			Events:  append([]string{}, p.Events...),
		}
	}
	return out
}

// Connected reports whether a live connection is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Drop closes the current connection without closing the client, as if
// the network had failed. Used to exercise reconnects.
func (c *Client) Drop() {
	c.mu.Lock()
	a := c.adapter
	c.mu.Unlock()
	if a != nil {
		a.Close()
	}
}

// Close ends the client. Pending calls fail with ErrClosed.
// Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	a := c.adapter
	c.adapter = nil
	c.connected = false
	c.calls = make(map[float64]chan callResult)
	c.queued = nil
	c.mu.Unlock()

	close(c.done)
	c.inbox.Close()
	if a != nil {
		return a.Close()
	}
	return nil
}
