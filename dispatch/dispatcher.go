// Package dispatch is the command layer of the broker. It holds the registry
// of exposed objects, executes validated commands against them and turns
// object events into broadcasts.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/risa-org/teleport/emitter"
	"github.com/risa-org/teleport/observability"
	"github.com/risa-org/teleport/peers"
	"github.com/risa-org/teleport/protocol"
)

var (
	ErrUnknownObject    = errors.New("unknown object")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrNotObservable    = errors.New("object declares events but cannot emit them")
	ErrMethodPanic      = errors.New("method panicked")
	ErrAlreadyDestroyed = errors.New("dispatcher already destroyed")
)

// Descriptor exposes one object: which of its methods peers may call and
// which of its events are broadcast. Both lists keep their order on the wire.
type Descriptor struct {
	Object  Target
	Methods []string
	Events  []string
}

// Objects is the registry, keyed by the name peers address.
type Objects map[string]Descriptor

// EventKind names a dispatcher event.
type EventKind int

const (
	InvalidCommand   EventKind = iota // a peer message was not a well-formed command
	UnknownTarget                     // a command named an object or method that isn't exposed
	MethodPanic                       // a method panicked, the peer got an error reply
	Destroyed                         // destroy finished
	AlreadyDestroyed                  // destroy was called again
)

// Event is emitted by the Dispatcher for diagnostics and lifecycle.
type Event struct {
	Kind       EventKind
	PeerID     uint64
	ObjectName string
	MethodName string
	Err        error
}

// Source is anything the Dispatcher takes session events from.
type Source interface {
	Subscribe(fn func(peers.Event)) (unsubscribe func())
}

// Options configures a Dispatcher.
type Options struct {
	Metrics bool
	Logger  *zerolog.Logger
}

type entry struct {
	methods map[string]Method
}

// Dispatcher executes commands. Each invocation runs on its own goroutine,
// so a method that takes its time never holds up other peers or other
// requests of the same peer.
type Dispatcher struct {
	opts    Options
	log     zerolog.Logger
	table   map[string]entry
	props   map[string]protocol.ObjectProps
	pending sync.WaitGroup

	outbound *emitter.Emitter[peers.Outbound]
	events   *emitter.Emitter[Event]

	mu        sync.Mutex
	offs      []func()
	unsubs    []func()
	destroyed bool
}

// New validates the registry, resolves every listed method and subscribes
// to every listed event. The registry is fixed from here on.
func New(objects Objects, opts Options) (*Dispatcher, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	d := &Dispatcher{
		opts:     opts,
		log:      logger.With().Str("component", "dispatch").Logger(),
		table:    make(map[string]entry, len(objects)),
		props:    make(map[string]protocol.ObjectProps, len(objects)),
		outbound: emitter.New[peers.Outbound](),
		events:   emitter.New[Event](),
	}

	for name, desc := range objects {
		if desc.Object == nil {
			d.detach()
			return nil, fmt.Errorf("%w: %s has no object", ErrUnknownObject, name)
		}

		e := entry{methods: make(map[string]Method, len(desc.Methods))}
		for _, method := range desc.Methods {
			fn, ok := desc.Object.Method(method)
			if !ok || fn == nil {
				d.detach()
				return nil, fmt.Errorf("%w: %s.%s is listed but not implemented", ErrUnknownMethod, name, method)
			}
			e.methods[method] = fn
		}

		if len(desc.Events) > 0 {
			obs, ok := desc.Object.(Observable)
			if !ok {
				d.detach()
				return nil, fmt.Errorf("%w: %s", ErrNotObservable, name)
			}
			for _, event := range desc.Events {
				d.offs = append(d.offs, obs.On(event, d.broadcaster(name, event)))
			}
		}

		d.table[name] = e
		d.props[name] = protocol.ObjectProps{
			Methods: append([]string{}, desc.Methods...),
			Events:  append([]string{}, desc.Events...),
		}
	}

	return d, nil
}

func (d *Dispatcher) broadcaster(objectName, eventName string) func(args ...any) {
	return func(args ...any) {
		if d.opts.Metrics {
			observability.RecordEvent(objectName, eventName)
		}
		d.log.Debug().Str("object", objectName).Str("event", eventName).Msg("event broadcast")
		d.outbound.Emit(peers.Outbound{
			Kind:    peers.NeedPeersBroadcastSend,
			Message: protocol.NewEvent(objectName, eventName, append([]any{}, args...)),
		})
	}
}

// Down subscribes to session events.
func (d *Dispatcher) Down(src Source) *Dispatcher {
	unsub := src.Subscribe(d.handlePeerEvent)
	d.mu.Lock()
	d.unsubs = append(d.unsubs, unsub)
	d.mu.Unlock()
	return d
}

// SubscribeOutbound registers fn for routing requests. It makes the
// Dispatcher a peers.Upstream.
func (d *Dispatcher) SubscribeOutbound(fn func(peers.Outbound)) (unsubscribe func()) {
	return d.outbound.Subscribe(fn)
}

// Subscribe registers fn for dispatcher events.
func (d *Dispatcher) Subscribe(fn func(Event)) (unsubscribe func()) {
	return d.events.Subscribe(fn)
}

// ObjectsProps returns the public catalog sent to every connecting peer.
func (d *Dispatcher) ObjectsProps() map[string]protocol.ObjectProps {
	out := make(map[string]protocol.ObjectProps, len(d.props))
	for name, p := range d.props {
		out[name] = protocol.ObjectProps{
			Methods: append([]string{}, p.Methods...),
			Events:  append([]string{}, p.Events...),
		}
	}
	return out
}

func (d *Dispatcher) handlePeerEvent(ev peers.Event) {
	switch ev.Kind {
	case peers.NeedObjectsSend:
		d.sendObjects(ev.PeerID, ev.Token)
	case peers.PeerMessage:
		d.handleMessage(ev.PeerID, ev.Message)
	}
}

func (d *Dispatcher) sendObjects(peerID uint64, token string) {
	d.outbound.Emit(peers.Outbound{
		Kind:   peers.NeedPeerSend,
		PeerID: peerID,
		Message: protocol.NewInternalCallback(protocol.InternalConnect, nil, protocol.ConnectResult{
			PeerID:       peerID,
			Token:        token,
			ObjectsProps: d.ObjectsProps(),
		}),
	})
}

// handleMessage validates and runs one command. Messages that aren't
// commands are dropped without a reply, commands for things that aren't
// exposed get an error reply.
func (d *Dispatcher) handleMessage(peerID uint64, msg any) {
	cmd, err := protocol.ParseCommand(msg)
	if err != nil {
		d.log.Debug().Uint64("peer", peerID).Err(err).Msg("invalid command dropped")
		d.events.Emit(Event{Kind: InvalidCommand, PeerID: peerID, Err: err})
		return
	}

	e, ok := d.table[cmd.ObjectName]
	if !ok {
		d.reject(peerID, cmd, fmt.Errorf("%w: %s", ErrUnknownObject, cmd.ObjectName))
		return
	}
	fn, ok := e.methods[cmd.MethodName]
	if !ok {
		d.reject(peerID, cmd, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, cmd.ObjectName, cmd.MethodName))
		return
	}

	d.pending.Add(1)
	go d.invoke(peerID, cmd, fn)
}

func (d *Dispatcher) reject(peerID uint64, cmd protocol.Command, err error) {
	d.log.Debug().Uint64("peer", peerID).Err(err).Msg("command rejected")
	if d.opts.Metrics {
		observability.RecordCommand(cmd.ObjectName, cmd.MethodName, "rejected", 0)
	}
	d.events.Emit(Event{Kind: UnknownTarget, PeerID: peerID, ObjectName: cmd.ObjectName, MethodName: cmd.MethodName, Err: err})
	d.reply(peerID, protocol.NewCallback(cmd, err, nil))
}

func (d *Dispatcher) invoke(peerID uint64, cmd protocol.Command, fn Method) {
	defer d.pending.Done()

	start := time.Now()
	var once sync.Once
	reply := func(err error, results ...any) {
		answered := false
		once.Do(func() {
			answered = true
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			if d.opts.Metrics {
				observability.RecordCommand(cmd.ObjectName, cmd.MethodName, outcome, time.Since(start))
			}
			d.reply(peerID, protocol.NewCallback(cmd, err, collapse(results)))
		})
		if !answered {
			d.log.Debug().Uint64("peer", peerID).Str("object", cmd.ObjectName).Str("method", cmd.MethodName).
				Msg("second reply ignored")
		}
	}

	defer func() {
		if r := recover(); r != nil {
			stack := goerrors.Wrap(r, 2)
			d.log.Error().Uint64("peer", peerID).Str("object", cmd.ObjectName).Str("method", cmd.MethodName).
				Str("stack", string(stack.Stack())).Msgf("method panicked: %v", r)
			err := fmt.Errorf("%w: %v", ErrMethodPanic, r)
			d.events.Emit(Event{Kind: MethodPanic, PeerID: peerID, ObjectName: cmd.ObjectName, MethodName: cmd.MethodName, Err: err})
			reply(err)
		}
	}()

	fn(cmd.Args, reply)
}

func (d *Dispatcher) reply(peerID uint64, cb protocol.Callback) {
	d.outbound.Emit(peers.Outbound{Kind: peers.NeedPeerSend, PeerID: peerID, Message: cb})
}

// collapse maps method results to the single JSON result value.
func collapse(results []any) any {
	switch len(results) {
	case 0:
		return nil
	case 1:
		return results[0]
	default:
		return append([]any{}, results...)
	}
}

// Wait blocks until every method invocation started so far has returned.
// Replies a method sends later from another goroutine are not waited for.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Destroy removes every event handler attached at construction and detaches
// from the session layer. In-flight calls still reply.
// A second call emits AlreadyDestroyed and returns ErrAlreadyDestroyed.
func (d *Dispatcher) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		d.events.Emit(Event{Kind: AlreadyDestroyed})
		return ErrAlreadyDestroyed
	}
	d.destroyed = true
	d.mu.Unlock()

	d.detach()
	d.log.Debug().Msg("destroyed")
	d.events.Emit(Event{Kind: Destroyed})
	return nil
}

func (d *Dispatcher) detach() {
	d.mu.Lock()
	offs, unsubs := d.offs, d.unsubs
	d.offs, d.unsubs = nil, nil
	d.mu.Unlock()

	for _, off := range offs {
		off()
	}
	for _, unsub := range unsubs {
		unsub()
	}
}
