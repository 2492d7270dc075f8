// Package server is the host-facing entry point of the broker. It builds the
// socket, session and command layers, wires them together and exposes one
// lifecycle: Init to start serving, Destroy to stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/risa-org/teleport/config"
	"github.com/risa-org/teleport/dispatch"
	"github.com/risa-org/teleport/emitter"
	"github.com/risa-org/teleport/handshake"
	"github.com/risa-org/teleport/observability"
	"github.com/risa-org/teleport/peers"
	"github.com/risa-org/teleport/session"
	"github.com/risa-org/teleport/transport"
	"github.com/risa-org/teleport/transport/hub"
	"github.com/risa-org/teleport/transport/tcp"
	"github.com/risa-org/teleport/transport/websocket"
)

var (
	ErrAlreadyDestroyed = errors.New("server already destroyed")
	ErrNoListener       = errors.New("no listener configured")
)

// ListenFunc opens the listener Init serves on.
type ListenFunc func() (transport.Listener, error)

// Options configures a Server.
type Options struct {
	Objects dispatch.Objects
	Auth    handshake.AuthFunc
	Listen  ListenFunc

	PeerDisconnectedTimeout time.Duration
	DestroyTimeout          time.Duration
	Tokens                  session.TokenGenerator
	Metrics                 bool
	Logger                  *zerolog.Logger
}

// Server is the facade over hub, peers and dispatch.
type Server struct {
	opts Options
	log  zerolog.Logger

	hub        *hub.Hub
	peers      *peers.Manager
	dispatcher *dispatch.Dispatcher
	events     *emitter.Emitter[Event]

	mu          sync.Mutex
	listener    transport.Listener
	initialized bool
	destroying  bool
	done        chan struct{}
}

// New validates the object registry and wires the layers. Nothing listens
// until Init.
func New(opts Options) (*Server, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Metrics {
		observability.RegisterMetrics()
	}

	d, err := dispatch.New(opts.Objects, dispatch.Options{Metrics: opts.Metrics, Logger: &logger})
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:       opts,
		log:        logger.With().Str("component", "server").Logger(),
		dispatcher: d,
		events:     emitter.New[Event](),
		done:       make(chan struct{}),
	}
	s.hub = hub.New(hub.Options{
		DestroyTimeout: opts.DestroyTimeout,
		Metrics:        opts.Metrics,
		Logger:         &logger,
	})
	s.peers = peers.New(peers.Options{
		Auth:              opts.Auth,
		DisconnectTimeout: opts.PeerDisconnectedTimeout,
		Tokens:            opts.Tokens,
		Metrics:           opts.Metrics,
		Logger:            &logger,
	})

	s.hub.Subscribe(s.handleTransportEvent)
	s.peers.Subscribe(s.handlePeerEvent)

	s.hub.Up(s.peers)
	s.peers.Down(s.hub).Up(s.dispatcher)
	s.dispatcher.Down(s.peers)

	return s, nil
}

// NewFromConfig builds a Server whose listener follows cfg.
func NewFromConfig(cfg config.Config, objects dispatch.Objects, auth handshake.AuthFunc) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.Logger
	return New(Options{
		Objects:                 objects,
		Auth:                    auth,
		Listen:                  ListenerFromConfig(cfg, &logger),
		PeerDisconnectedTimeout: cfg.PeerDisconnectedTimeout,
		DestroyTimeout:          cfg.DestroyTimeout,
		Metrics:                 cfg.MetricsEnabled,
		Logger:                  &logger,
	})
}

// ListenerFromConfig returns a ListenFunc for the configured transport.
func ListenerFromConfig(cfg config.Config, logger *zerolog.Logger) ListenFunc {
	return func() (transport.Listener, error) {
		switch cfg.Transport {
		case config.TransportTCP:
			return tcp.Listen(cfg.Listen, tcp.Options{
				MaxFrameBytes: int(cfg.MaxMessageBytes),
				WriteTimeout:  cfg.WriteTimeout,
			})
		case config.TransportWebsocket:
			return websocket.Listen(cfg.Listen, websocket.ListenerOptions{
				Path: cfg.Path,
				Adapter: websocket.Options{
					MaxMessageBytes: cfg.MaxMessageBytes,
					WriteTimeout:    cfg.WriteTimeout,
				},
				Metrics: cfg.MetricsEnabled,
				Logger:  logger,
			})
		default:
			return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport)
		}
	}
}

// Init opens the listener and starts serving. TransportReady follows.
// Calling Init again is a no-op.
func (s *Server) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroying {
		return ErrAlreadyDestroyed
	}
	if s.initialized {
		return nil
	}
	if s.opts.Listen == nil {
		return ErrNoListener
	}

	l, err := s.opts.Listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := s.hub.Start(l); err != nil {
		l.Close()
		return err
	}
	s.listener = l
	s.initialized = true
	return nil
}

// Accept hands an already established connection to the socket layer.
// Hosts that terminate connections themselves use it instead of Init.
func (s *Server) Accept(a transport.Adapter) {
	s.hub.Accept(a)
}

// Addr returns the listening address, nil before Init.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Subscribe registers fn for lifecycle and peer events.
func (s *Server) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.events.Subscribe(fn)
}

// Peer returns a snapshot of one peer.
func (s *Server) Peer(id uint64) (session.Snapshot, bool) {
	return s.peers.Peer(id)
}

// Peers returns snapshots of every known peer.
func (s *Server) Peers() []session.Snapshot {
	return s.peers.Peers()
}

// Destroy tears the layers down top to bottom: object listeners, peers,
// then sockets. It returns once TransportDestroyed and Destroyed have been
// emitted, or when ctx ends. A second call emits AlreadyDestroyed and
// returns ErrAlreadyDestroyed.
func (s *Server) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroying {
		s.mu.Unlock()
		s.log.Warn().Msg("destroy called twice")
		s.events.Emit(Event{Kind: AlreadyDestroyed})
		return ErrAlreadyDestroyed
	}
	s.destroying = true
	s.mu.Unlock()

	s.log.Info().Msg("destroying")
	s.dispatcher.Destroy()
	s.peers.Destroy()
	if err := s.hub.Destroy(ctx); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Destroyed has been emitted.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.Ready:
		s.events.Emit(Event{Kind: TransportReady, Addr: ev.Addr})
	case transport.ListenerError:
		s.events.Emit(Event{Kind: TransportError, Err: ev.Err})
	case transport.Destroyed:
		s.events.Emit(Event{Kind: TransportDestroyed, Err: ev.Err})
		s.events.Emit(Event{Kind: Destroyed})
		s.log.Info().Msg("destroyed")
		close(s.done)
	}
}

func (s *Server) handlePeerEvent(ev peers.Event) {
	switch ev.Kind {
	case peers.PeerConnection:
		s.events.Emit(Event{Kind: PeerConnection, PeerID: ev.PeerID})
	case peers.PeerReconnection:
		s.events.Emit(Event{Kind: PeerReconnection, PeerID: ev.PeerID})
	case peers.PeerDisconnection:
		s.events.Emit(Event{Kind: PeerDisconnection, PeerID: ev.PeerID})
	case peers.PeerDisconnectedTimeout:
		s.events.Emit(Event{Kind: PeerDisconnectedTimeout, PeerID: ev.PeerID})
	}
}
