// Package hub is the socket layer of the broker. It owns every accepted
// connection, gives each a transport-local id, turns inbound frames into
// events and executes send and close commands addressed by id.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/risa-org/teleport/emitter"
	"github.com/risa-org/teleport/observability"
	"github.com/risa-org/teleport/protocol"
	"github.com/risa-org/teleport/transport"
	"github.com/risa-org/teleport/transport/sender"
)

// DefaultDestroyTimeout bounds how long Destroy waits for the listener.
const DefaultDestroyTimeout = 100 * time.Millisecond

// ErrDestroyed is returned by Start after Destroy.
var ErrDestroyed = errors.New("hub destroyed")

// Options configures a Hub. The zero value is usable.
type Options struct {
	DestroyTimeout time.Duration
	Metrics        bool
	Logger         *zerolog.Logger
}

// conn is one live connection.
type conn struct {
	id      string
	adapter transport.Adapter
	sender  *sender.Sender
}

// Hub is the id-addressed connection table.
type Hub struct {
	opts   Options
	log    zerolog.Logger
	events *emitter.Emitter[transport.Event]

	mu        sync.Mutex
	conns     map[string]*conn
	listener  transport.Listener
	serveDone chan struct{}
	destroyed bool
	unsubUp   func()

	destroyOnce sync.Once
	destroyDone chan struct{}
}

// New creates an idle hub. Call Start to begin accepting.
func New(opts Options) *Hub {
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = DefaultDestroyTimeout
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Hub{
		opts:        opts,
		log:         logger.With().Str("component", "hub").Logger(),
		events:      emitter.New[transport.Event](),
		conns:       make(map[string]*conn),
		destroyDone: make(chan struct{}),
	}
}

// Subscribe registers fn for every socket event.
func (h *Hub) Subscribe(fn func(transport.Event)) (unsubscribe func()) {
	return h.events.Subscribe(fn)
}

// Up makes the hub execute commands published by the layer above.
func (h *Hub) Up(u transport.Upstream) *Hub {
	unsub := u.SubscribeOutbound(h.handleOutbound)
	h.mu.Lock()
	if h.unsubUp != nil {
		h.unsubUp()
	}
	h.unsubUp = unsub
	h.mu.Unlock()
	return h
}

func (h *Hub) handleOutbound(cmd transport.Outbound) {
	switch cmd.Kind {
	case transport.NeedSocketSend:
		h.Send(cmd.SocketID, cmd.Message)
	case transport.NeedSocketClose:
		h.Close(cmd.SocketID)
	case transport.NeedDestroy:
		go h.Destroy(context.Background())
	}
}

// Start serves l in the background. Ready is emitted once serving,
// ListenerError if Serve fails before Destroy.
func (h *Hub) Start(l transport.Listener) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrDestroyed
	}
	h.listener = l
	h.serveDone = make(chan struct{})
	done := h.serveDone
	h.mu.Unlock()

	go func() {
		defer close(done)
		err := l.Serve(h.Accept)

		h.mu.Lock()
		destroyed := h.destroyed
		h.mu.Unlock()
		if err != nil && !destroyed {
			h.log.Error().Err(err).Msg("listener stopped")
			h.events.Emit(transport.Event{Kind: transport.ListenerError, Err: err})
		}
	}()

	h.log.Info().Str("addr", l.Addr().String()).Msg("listening")
	h.events.Emit(transport.Event{Kind: transport.Ready, Addr: l.Addr()})
	return nil
}

// Accept registers a new connection and starts reading from it.
// Listeners call it, tests may call it directly with in-memory adapters.
func (h *Hub) Accept(a transport.Adapter) {
	id := uuid.NewString()
	c := &conn{id: id, adapter: a}
	c.sender = sender.New(a, func(err error) {
		h.log.Warn().Err(err).Str("socket", id).Msg("write failed, closing socket")
		h.events.Emit(transport.Event{Kind: transport.SocketError, SocketID: id, Err: err})
		a.Close()
	})

	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		c.sender.Close()
		a.Close()
		return
	}
	h.conns[id] = c
	h.mu.Unlock()

	if h.opts.Metrics {
		observability.RecordSocketOpened()
	}
	h.log.Debug().Str("socket", id).Msg("socket connected")
	h.events.Emit(transport.Event{Kind: transport.SocketConnection, SocketID: id})

	go h.readLoop(c)
}

func (h *Hub) readLoop(c *conn) {
	for payload := range c.adapter.Receive() {
		if h.opts.Metrics {
			observability.RecordMessage("in")
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			if h.opts.Metrics {
				observability.RecordMalformed()
			}
			h.log.Debug().Err(err).Str("socket", c.id).Msg("malformed payload")
			h.events.Emit(transport.Event{Kind: transport.MalformedPayload, SocketID: c.id, Err: err})
			continue
		}
		h.events.Emit(transport.Event{Kind: transport.SocketMessage, SocketID: c.id, Message: msg})
	}

	// adapters deliver the disconnect event before closing Receive
	var ev transport.DisconnectEvent
	select {
	case ev = <-c.adapter.Disconnected():
	default:
		ev = transport.DisconnectEvent{Reason: transport.ReasonUnknown}
	}
	h.remove(c, ev)
}

// remove drops c from the table. Only the call that actually removes it
// emits SocketDisconnection, so the event fires once per connection.
func (h *Hub) remove(c *conn, ev transport.DisconnectEvent) {
	h.mu.Lock()
	current, ok := h.conns[c.id]
	if ok && current == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
	if !ok || current != c {
		return
	}

	c.sender.Close()
	if h.opts.Metrics {
		observability.RecordSocketClosed()
	}
	h.log.Debug().Str("socket", c.id).Stringer("reason", ev.Reason).Err(ev.Err).Msg("socket disconnected")
	h.events.Emit(transport.Event{
		Kind:     transport.SocketDisconnection,
		SocketID: c.id,
		Reason:   ev.Reason,
		Err:      ev.Err,
	})
}

// Send encodes msg and queues it on the connection's writer.
// An unknown id or a broken connection is a silent no-op plus a diagnostic.
func (h *Hub) Send(id string, msg any) {
	h.mu.Lock()
	c, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		h.dropped(id, "unknown_socket", nil)
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		h.log.Error().Err(err).Str("socket", id).Msg("encode outbound message")
		h.events.Emit(transport.Event{Kind: transport.SocketError, SocketID: id, Err: err})
		return
	}

	if err := c.sender.Send(data); err != nil {
		h.dropped(id, "socket_closed", err)
		return
	}
	if h.opts.Metrics {
		observability.RecordMessage("out")
	}
}

func (h *Hub) dropped(id, reason string, err error) {
	if h.opts.Metrics {
		observability.RecordDropped(reason)
	}
	h.log.Debug().Str("socket", id).Str("reason", reason).Err(err).Msg("send dropped")
	h.events.Emit(transport.Event{Kind: transport.SendDropped, SocketID: id, Err: err})
}

// Close terminates a connection once the frames already queued for it are
// written, waiting at most DestroyTimeout for them. Idempotent, unknown ids
// are ignored. SocketDisconnection follows once the read loop notices.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		return
	}

	c.sender.Close()
	go func() {
		timer := time.NewTimer(h.opts.DestroyTimeout)
		defer timer.Stop()
		select {
		case <-c.sender.Done():
		case <-timer.C:
			h.log.Debug().Str("socket", id).Msg("closing with frames still queued")
		}
		c.adapter.Close()
	}()
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Destroy stops accepting, force-closes every connection and waits for the
// listener to confirm, bounded by DestroyTimeout and ctx. Destroyed is
// emitted once, even if the wait timed out, and is the last event the hub
// emits. Later calls wait for the first.
func (h *Hub) Destroy(ctx context.Context) error {
	h.destroyOnce.Do(func() {
		go h.destroy(ctx)
	})
	select {
	case <-h.destroyDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DestroyDone is closed once Destroy has finished.
func (h *Hub) DestroyDone() <-chan struct{} {
	return h.destroyDone
}

func (h *Hub) destroy(ctx context.Context) {
	defer close(h.destroyDone)

	h.mu.Lock()
	h.destroyed = true
	l := h.listener
	serveDone := h.serveDone
	unsub := h.unsubUp
	h.unsubUp = nil
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	var err error
	if l != nil {
		if cerr := l.Close(); cerr != nil {
			err = cerr
		}
	}
	for _, c := range conns {
		c.adapter.Close()
	}

	if serveDone != nil {
		timer := time.NewTimer(h.opts.DestroyTimeout)
		defer timer.Stop()
		select {
		case <-serveDone:
		case <-timer.C:
			h.log.Warn().Dur("timeout", h.opts.DestroyTimeout).Msg("listener did not confirm close in time")
		case <-ctx.Done():
		}
	}

	h.log.Info().Msg("destroyed")
	h.events.Emit(transport.Event{Kind: transport.Destroyed, Err: err})
	h.events.Close()
}
