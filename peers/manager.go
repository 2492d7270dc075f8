// Package peers is the session layer of the broker. It turns transport
// sockets into durable peers with stable ids, runs the connect and reconnect
// handshake, evicts peers whose grace period ran out and queues outbound
// messages for peers that are between sockets.
package peers

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/risa-org/teleport/emitter"
	"github.com/risa-org/teleport/handshake"
	"github.com/risa-org/teleport/observability"
	"github.com/risa-org/teleport/protocol"
	"github.com/risa-org/teleport/session"
	"github.com/risa-org/teleport/store/memory"
	"github.com/risa-org/teleport/transport"
)

// DefaultDisconnectTimeout is the grace period a disconnected peer gets.
const DefaultDisconnectTimeout = 500 * time.Millisecond

// ErrDestroyed is reported to handshakes that finish after Destroy.
var ErrDestroyed = errors.New("session manager destroyed")

// Options configures a Manager. The zero value is usable and accepts
// every client.
type Options struct {
	Auth              handshake.AuthFunc
	DisconnectTimeout time.Duration
	Tokens            session.TokenGenerator
	Metrics           bool
	Logger            *zerolog.Logger
}

// Manager owns the peer table.
//
// Every mutation happens under mu and covers one whole transition
// (bind, unbind, flush, evict). Events and socket commands are emitted
// while holding it: Emit only enqueues, and emitting in lock order is what
// keeps a peer's messages in FIFO order across a reconnect flush.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	store     *memory.Store
	handshake *handshake.Handler
	nextID    uint64
	pending   map[string]struct{} // sockets with a handshake in flight
	greeting  map[uint64]struct{} // new peers whose connect result is not out yet
	destroyed bool
	unsubs    []func()

	events   *emitter.Emitter[Event]
	outbound *emitter.Emitter[transport.Outbound]
}

// New creates a Manager. Wire it with Down and Up.
func New(opts Options) *Manager {
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.Tokens == nil {
		opts.Tokens = session.RandomTokens{}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	store := memory.New()
	return &Manager{
		opts:      opts,
		log:       logger.With().Str("component", "peers").Logger(),
		store:     store,
		handshake: handshake.NewHandler(store, opts.Auth),
		pending:   make(map[string]struct{}),
		greeting:  make(map[uint64]struct{}),
		events:    emitter.New[Event](),
		outbound:  emitter.New[transport.Outbound](),
	}
}

// Down subscribes to socket events.
func (m *Manager) Down(d Downstream) *Manager {
	unsub := d.Subscribe(m.handleSocketEvent)
	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsub)
	m.mu.Unlock()
	return m
}

// Up subscribes to routing requests.
func (m *Manager) Up(u Upstream) *Manager {
	unsub := u.SubscribeOutbound(m.handleOutbound)
	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsub)
	m.mu.Unlock()
	return m
}

// Subscribe registers fn for every session event.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// SubscribeOutbound registers fn for socket commands. It makes the Manager
// a transport.Upstream.
func (m *Manager) SubscribeOutbound(fn func(transport.Outbound)) (unsubscribe func()) {
	return m.outbound.Subscribe(fn)
}

func (m *Manager) handleSocketEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.SocketMessage:
		m.handleMessage(ev.SocketID, ev.Message)
	case transport.SocketDisconnection:
		m.handleDisconnect(ev.SocketID)
	}
}

func (m *Manager) handleOutbound(cmd Outbound) {
	switch cmd.Kind {
	case NeedPeerSend:
		m.Send(cmd.PeerID, cmd.Message)
	case NeedPeersBroadcastSend:
		m.Broadcast(cmd.Message)
	}
}

// handleMessage routes one decoded frame. Bound sockets forward to the
// dispatcher after the token check, unbound sockets may only handshake.
func (m *Manager) handleMessage(socketID string, msg any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return
	}

	p, bound := m.store.PeerBySocket(socketID)
	if !bound {
		m.handshakeLocked(socketID, msg)
		return
	}

	if protocol.RequiresToken(msg) {
		token, _ := protocol.TokenOf(msg)
		if err := session.VerifyToken(p.Token, token); err != nil {
			// only the socket is closed, the peer record is untouched; losing
			// the socket then starts its grace period like any other drop
			m.log.Warn().Uint64("peer", p.ID).Str("socket", socketID).Msg("token mismatch, closing socket")
			m.closeSocketLocked(socketID)
			m.events.Emit(Event{Kind: TokenMismatch, PeerID: p.ID, SocketID: socketID, Reason: handshake.ReasonInvalidToken, Err: err})
			return
		}
	}

	m.events.Emit(Event{Kind: PeerMessage, PeerID: p.ID, SocketID: socketID, Message: msg})
}

// handshakeLocked handles the first message on a socket. Anything other
// than a well-formed connect or reconnect is dropped without a reply.
func (m *Manager) handshakeLocked(socketID string, msg any) {
	if _, busy := m.pending[socketID]; busy {
		m.log.Debug().Str("socket", socketID).Msg("message during handshake dropped")
		return
	}

	if cmd, err := protocol.ParseConnect(msg); err == nil {
		m.startConnectLocked(socketID, protocol.InternalConnect, cmd.Args.AuthData)
		return
	}

	cmd, err := protocol.ParseReconnect(msg)
	if err != nil {
		m.log.Debug().Str("socket", socketID).Str("type", protocol.TypeOf(msg)).Msg("unauthenticated message dropped")
		return
	}
	m.reconnectLocked(socketID, cmd)
}

func (m *Manager) reconnectLocked(socketID string, cmd protocol.InternalCommand) {
	peerID := *cmd.Args.PeerID
	res := m.handshake.Reconnect(handshake.ReconnectRequest{
		PeerID:   peerID,
		Token:    cmd.Args.Token,
		SocketID: socketID,
	})

	if !res.Accepted {
		switch res.Reason {
		case handshake.ReasonPeerNotFound, handshake.ReasonPeerEvicted:
			// the grace period is over, treat it as a fresh client
			m.log.Debug().Uint64("peer", peerID).Str("reason", res.Reason).Msg("reconnect falls back to connect")
			m.startConnectLocked(socketID, protocol.InternalReconnect, cmd.Args.AuthData)
		default:
			m.log.Warn().Uint64("peer", peerID).Str("socket", socketID).Str("reason", res.Reason).Msg("reconnect rejected")
			m.recordHandshake(protocol.InternalReconnect, "rejected")
			m.sendSocketLocked(socketID, protocol.NewInternalCallback(protocol.InternalReconnect, errors.New("reconnect rejected: "+res.Reason), nil))
			m.closeSocketLocked(socketID)
			m.events.Emit(Event{Kind: TokenMismatch, PeerID: peerID, SocketID: socketID, Reason: res.Reason})
		}
		return
	}

	p := res.Peer
	if res.PreviousSocket != "" {
		m.store.UnbindSocket(res.PreviousSocket)
		m.closeSocketLocked(res.PreviousSocket)
		m.log.Debug().Uint64("peer", p.ID).Str("socket", res.PreviousSocket).Msg("previous socket taken over")
	}
	m.store.BindSocket(socketID, p.ID)

	m.sendSocketLocked(socketID, protocol.NewInternalCallback(protocol.InternalReconnect, nil, protocol.ReconnectedResult))
	queued := p.Outbox.Drain()
	for _, msg := range queued {
		m.sendSocketLocked(socketID, msg)
	}

	m.log.Debug().Uint64("peer", p.ID).Str("socket", socketID).Int("flushed", len(queued)).Msg("peer reconnected")
	m.recordHandshake(protocol.InternalReconnect, "accepted")
	m.updateGauges()
	m.events.Emit(Event{Kind: PeerReconnection, PeerID: p.ID, SocketID: socketID})
}

// startConnectLocked runs the auth function off the event loop so a slow
// auth backend only delays this socket. kind is the internal command the
// client sent, a reconnect fallback answers with the new credentials.
func (m *Manager) startConnectLocked(socketID, kind string, authData any) {
	m.pending[socketID] = struct{}{}
	go func() {
		err := m.handshake.Authorize(authData)
		m.finishConnect(socketID, kind, err)
	}()
}

func (m *Manager) finishConnect(socketID, kind string, authErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[socketID]; !ok {
		// socket went away while the auth function ran
		m.log.Debug().Str("socket", socketID).Msg("handshake abandoned")
		return
	}
	delete(m.pending, socketID)

	if m.destroyed {
		authErr = ErrDestroyed
	}

	var token string
	if authErr == nil {
		token, authErr = m.opts.Tokens.NewToken()
	}
	if authErr != nil {
		m.log.Warn().Err(authErr).Str("socket", socketID).Str("command", kind).Msg("connect rejected")
		m.recordHandshake(kind, "rejected")
		m.sendSocketLocked(socketID, protocol.NewInternalCallback(kind, authErr, nil))
		m.closeSocketLocked(socketID)
		m.events.Emit(Event{Kind: AuthRejected, SocketID: socketID, Reason: kind, Err: authErr})
		return
	}

	id := m.nextID
	m.nextID++
	p := session.NewPeer(id, token, socketID)
	m.store.Add(p)

	if kind == protocol.InternalReconnect {
		m.sendSocketLocked(socketID, protocol.NewInternalCallback(kind, nil, protocol.ReconnectFallbackResult{
			NewPeerID: id,
			NewToken:  token,
		}))
	} else {
		// hold everything else for this peer until the catalog is out
		m.greeting[id] = struct{}{}
		m.events.Emit(Event{Kind: NeedObjectsSend, PeerID: id, Token: token, SocketID: socketID})
	}

	m.log.Debug().Uint64("peer", id).Str("socket", socketID).Str("command", kind).Msg("peer connected")
	m.recordHandshake(kind, "accepted")
	m.updateGauges()
	m.events.Emit(Event{Kind: PeerConnection, PeerID: id, SocketID: socketID})
}

// handleDisconnect starts the grace period of the peer bound to socketID.
// Sockets that never authenticated just vanish.
func (m *Manager) handleDisconnect(socketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, socketID)
	if m.destroyed {
		return
	}

	id, ok := m.store.UnbindSocket(socketID)
	if !ok {
		return
	}
	p, ok := m.store.Get(id)
	if !ok || p.SocketID != socketID {
		return
	}

	p.Transition(session.StateDisconnected)
	p.SocketID = ""
	p.StartTimer(m.opts.DisconnectTimeout, func(gen uint64) {
		m.expire(id, gen)
	})

	m.log.Debug().Uint64("peer", id).Dur("grace", m.opts.DisconnectTimeout).Msg("peer disconnected")
	m.updateGauges()
	m.events.Emit(Event{Kind: PeerDisconnection, PeerID: id, SocketID: socketID})
}

// expire evicts a peer whose grace timer fired. A fire from a timer that
// was cancelled or replaced in the meantime is ignored.
func (m *Manager) expire(id, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.store.Get(id)
	if !ok || !p.TimerCurrent(gen) || p.State != session.StateDisconnected {
		return
	}

	p.StopTimer()
	lost := p.Outbox.Discard()
	p.Transition(session.StateEvicted)
	m.store.Delete(id)
	delete(m.greeting, id)

	m.log.Warn().Uint64("peer", id).Int("lost", lost).Msg("peer disconnected timeout")
	if m.opts.Metrics {
		observability.RecordEviction()
	}
	m.updateGauges()
	m.events.Emit(Event{Kind: PeerDisconnectedTimeout, PeerID: id})
}

// Send routes msg to one peer: straight to its socket when connected,
// into its outbox while disconnected. Returns false for unknown peers,
// including peers evicted while their reply was being computed.
func (m *Manager) Send(peerID uint64, msg any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.store.Get(peerID)
	if !ok {
		m.log.Warn().Uint64("peer", peerID).Msg("send to unknown peer dropped")
		if m.opts.Metrics {
			observability.RecordDropped("unknown_peer")
		}
		m.events.Emit(Event{Kind: SendDropped, PeerID: peerID, Message: msg})
		return false
	}
	m.routeLocked(p, msg)
	return true
}

// Broadcast routes msg to every known peer, connected or not.
// Returns how many peers it was routed to.
func (m *Manager) Broadcast(msg any) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.store.All()
	for _, p := range all {
		m.routeLocked(p, msg)
	}
	return len(all)
}

func (m *Manager) routeLocked(p *session.Peer, msg any) {
	if _, ok := m.greeting[p.ID]; ok {
		if !isConnectResult(msg) {
			p.Outbox.Push(msg)
			m.log.Debug().Uint64("peer", p.ID).Msg("message held until connect result")
			return
		}
		delete(m.greeting, p.ID)
		if p.State == session.StateConnected {
			m.sendSocketLocked(p.SocketID, msg)
			for _, held := range p.Outbox.Drain() {
				m.sendSocketLocked(p.SocketID, held)
			}
			return
		}
	}

	switch p.State {
	case session.StateConnected:
		m.sendSocketLocked(p.SocketID, msg)
	case session.StateDisconnected:
		p.Outbox.Push(msg)
		if m.opts.Metrics {
			observability.RecordQueued()
		}
		m.log.Debug().Uint64("peer", p.ID).Int("queued", p.Outbox.Len()).Msg("peer disconnected, message queued")
	}
}

func isConnectResult(msg any) bool {
	cb, ok := msg.(protocol.InternalCallback)
	return ok && cb.InternalCommand == protocol.InternalConnect
}

func (m *Manager) sendSocketLocked(socketID string, msg any) {
	m.outbound.Emit(transport.Outbound{Kind: transport.NeedSocketSend, SocketID: socketID, Message: msg})
}

func (m *Manager) closeSocketLocked(socketID string) {
	m.outbound.Emit(transport.Outbound{Kind: transport.NeedSocketClose, SocketID: socketID})
}

func (m *Manager) recordHandshake(kind, outcome string) {
	if m.opts.Metrics {
		observability.RecordHandshake(kind, outcome)
	}
}

func (m *Manager) updateGauges() {
	if m.opts.Metrics {
		observability.SetPeers(
			m.store.CountByState(session.StateConnected),
			m.store.CountByState(session.StateDisconnected),
		)
	}
}

// Peer returns a snapshot of one peer.
func (m *Manager) Peer(id uint64) (session.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store.Get(id)
	if !ok {
		return session.Snapshot{}, false
	}
	return p.Snapshot(), true
}

// Peers returns snapshots of every known peer ordered by id.
func (m *Manager) Peers() []session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.store.All()
	out := make([]session.Snapshot, len(all))
	for i, p := range all {
		out[i] = p.Snapshot()
	}
	return out
}

// Count returns the number of known peers.
func (m *Manager) Count() int {
	return m.store.Count()
}

// Destroy evicts every peer without emitting per-peer timeouts, detaches
// from both neighbours and tells the socket layer to shut down. Destroyed is
// the last event the Manager emits.
// Safe to call multiple times, only the first call has an effect.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	unsubs := m.unsubs
	m.unsubs = nil

	for _, p := range m.store.All() {
		p.StopTimer()
		p.Outbox.Discard()
		p.Transition(session.StateEvicted)
		m.store.Delete(p.ID)
	}
	m.pending = make(map[string]struct{})
	m.greeting = make(map[uint64]struct{})
	m.updateGauges()

	m.outbound.Emit(transport.Outbound{Kind: transport.NeedDestroy})
	m.events.Emit(Event{Kind: Destroyed})
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	// queued events, NeedDestroy included, are still delivered
	m.outbound.Close()
	m.events.Close()
	m.log.Debug().Msg("destroyed")
}
