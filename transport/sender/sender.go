package sender

import (
	"sync"
	"sync/atomic"

	"github.com/risa-org/teleport/emitter"
	"github.com/risa-org/teleport/transport"
)

// Sender is the single place where outgoing frames for one connection are
// written. Frames are queued and written by one goroutine in the order Send
// was called, so a slow socket stalls only itself and never the caller
// routing messages to every other peer.
//
// The first failed write marks the Sender broken: onError is called once,
// everything still queued is discarded, and later Sends are refused.
type Sender struct {
	adapter transport.Adapter
	queue   *emitter.Emitter[[]byte]
	onError func(error)

	broken    atomic.Bool
	written   atomic.Uint64
	errorOnce sync.Once
}

// New creates a Sender that delivers frames via adapter.
// onError may be nil.
func New(adapter transport.Adapter, onError func(error)) *Sender {
	s := &Sender{
		adapter: adapter,
		queue:   emitter.New[[]byte](),
		onError: onError,
	}
	s.queue.Subscribe(s.write)
	return s
}

// Send queues payload for delivery and returns immediately.
// Returns ErrTransportClosed once the Sender is closed or broken.
func (s *Sender) Send(payload []byte) error {
	if s.broken.Load() {
		return transport.ErrTransportClosed
	}
	if !s.queue.Emit(payload) {
		return transport.ErrTransportClosed
	}
	return nil
}

// Close stops accepting frames. Frames already queued are still attempted.
// Safe to call multiple times.
func (s *Sender) Close() {
	s.queue.Close()
}

// Done is closed once every queued frame has been handled after Close.
func (s *Sender) Done() <-chan struct{} {
	return s.queue.Done()
}

// Pending reports how many frames are waiting to be written.
func (s *Sender) Pending() int {
	return s.queue.Pending()
}

// Written reports how many frames reached the adapter successfully.
func (s *Sender) Written() uint64 {
	return s.written.Load()
}

// Adapter returns the underlying transport adapter.
func (s *Sender) Adapter() transport.Adapter {
	return s.adapter
}

func (s *Sender) write(payload []byte) {
	if s.broken.Load() {
		return
	}
	if err := s.adapter.Send(payload); err != nil {
		s.broken.Store(true)
		s.errorOnce.Do(func() {
			if s.onError != nil {
				s.onError(err)
			}
		})
		return
	}
	s.written.Add(1)
}
