package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/risa-org/teleport/transport"
)

// DefaultMaxFrameBytes bounds a single frame when Options leaves it zero.
const DefaultMaxFrameBytes = 1 << 20

// Options tunes an Adapter. The zero value is usable.
type Options struct {
	MaxFrameBytes int           // largest accepted frame, both directions
	WriteTimeout  time.Duration // per-frame write deadline, zero means none
}

func (o Options) maxFrame() int {
	if o.MaxFrameBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return o.MaxFrameBytes
}

// Adapter implements transport.Adapter over a raw TCP connection.
//
// Wire format for each frame:
//
//	[4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// TCP is a stream protocol with no concept of message boundaries.
// Without framing, a Read() call might return half a message or two
// messages joined together.
type Adapter struct {
	conn       net.Conn                       // the underlying TCP connection
	opts       Options                        // frame limit and write deadline
	incoming   chan []byte                    // delivers received frames to caller
	disconnect chan transport.DisconnectEvent // signals when connection closes
	done       chan struct{}                  // closed by Close, unblocks the read loop
	closeOnce  sync.Once                      // guarantees cleanup runs exactly once
	writeMu    sync.Mutex                     // one writer at a time, frames must not interleave
}

// New wraps an existing net.Conn in a transport Adapter.
// The conn must already be established, dialing or accepting happens outside.
// Immediately starts a read loop goroutine in the background.
func New(conn net.Conn, opts Options) *Adapter {
	a := &Adapter{
		conn:       conn,
		opts:       opts,
		incoming:   make(chan []byte, 64),                   // buffered so reader doesn't block on slow consumers
		disconnect: make(chan transport.DisconnectEvent, 1), // buffered so writer never blocks
		done:       make(chan struct{}),
	}

	go a.readLoop()

	return a
}

// Send frames payload and writes it to the TCP connection.
// Uses writeMu to ensure only one goroutine writes at a time.
func (a *Adapter) Send(payload []byte) error {
	if len(payload) > a.opts.maxFrame() {
		return fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, len(payload))
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.opts.WriteTimeout > 0 {
		a.conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
	}

	// one write per frame so the header and body travel together
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := a.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

// Receive returns the channel of incoming frames.
// The channel is closed when the connection closes.
func (a *Adapter) Receive() <-chan []byte {
	return a.incoming
}

// Disconnected returns a channel that emits exactly one event when
// the connection closes, for any reason.
func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// Close shuts down the TCP connection.
// Safe to call multiple times, cleanup runs exactly once due to sync.Once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.conn.Close()
	})
	return err
}

// RemoteAddr is the address of the other side.
func (a *Adapter) RemoteAddr() net.Addr {
	return a.conn.RemoteAddr()
}

// readLoop runs in a goroutine and continuously reads frames from the
// TCP connection. When the connection closes it signals disconnect and exits.
func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	limit := a.opts.maxFrame()
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(a.conn, lenBuf[:]); err != nil {
			a.signalDisconnect(err)
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if int64(n) > int64(limit) {
			a.signalDisconnect(fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, n))
			return
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(a.conn, payload); err != nil {
			a.signalDisconnect(err)
			return
		}

		select {
		case a.incoming <- payload:
		case <-a.done:
			a.signalDisconnect(nil)
			return
		}
	}
}

// signalDisconnect figures out the reason for disconnection and
// sends exactly one event on the disconnect channel.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	closedLocally := false
	select {
	case <-a.done:
		closedLocally = true
	default:
	}

	switch {
	case err == nil, errors.Is(err, io.EOF), closedLocally:
		// EOF means the remote side closed cleanly, done means we did
		event.Reason = transport.ReasonClosedClean
	case errors.Is(err, transport.ErrFrameTooLarge):
		event.Reason = transport.ReasonProtocolError
		event.Err = err
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			event.Reason = transport.ReasonTimeout
		} else {
			event.Reason = transport.ReasonNetworkError
		}
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}

// Listener accepts TCP connections and wraps each in an Adapter.
type Listener struct {
	ln        net.Listener
	opts      Options
	closed    chan struct{}
	closeOnce sync.Once
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, opts: opts, closed: make(chan struct{})}, nil
}

// Serve accepts until Close. Returns nil after Close.
func (l *Listener) Serve(accept func(transport.Adapter)) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
			}
			return fmt.Errorf("tcp accept: %w", err)
		}
		accept(New(conn, l.opts))
	}
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Safe to call multiple times.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
	})
	return err
}

// Dial connects to a TCP listener.
func Dial(ctx context.Context, addr string, opts Options) (*Adapter, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return New(conn, opts), nil
}
