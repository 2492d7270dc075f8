package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/risa-org/teleport/transport"
)

// DefaultMaxMessageBytes bounds one inbound message when Options leaves it zero.
const DefaultMaxMessageBytes = 1 << 20

// Options tunes an Adapter. The zero value is usable.
type Options struct {
	MaxMessageBytes int64         // read limit per message
	WriteTimeout    time.Duration // per-message write deadline, zero means none
}

// Adapter implements transport.Adapter over a WebSocket connection.
// Each frame travels as one text message. Unlike TCP, WebSocket already
// has message boundaries built in, so there is no framing of our own.
type Adapter struct {
	conn       *websocket.Conn
	opts       Options
	incoming   chan []byte
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// New wraps an existing *websocket.Conn in a transport Adapter.
func New(conn *websocket.Conn, opts Options) *Adapter {
	limit := opts.MaxMessageBytes
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	conn.SetReadLimit(limit)

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		conn:       conn,
		opts:       opts,
		incoming:   make(chan []byte, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	go a.readLoop()
	return a
}

func (a *Adapter) Send(payload []byte) error {
	ctx := a.ctx
	if a.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.WriteTimeout)
		defer cancel()
	}
	if err := a.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

func (a *Adapter) Receive() <-chan []byte {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		err = a.conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		_, payload, err := a.conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		select {
		case a.incoming <- payload:
		case <-a.ctx.Done():
			a.signalDisconnect(a.ctx.Err())
			return
		}
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes,
// different WebSocket implementations and shutdown timing produce either code.
// Context cancellation means we closed it ourselves, also clean.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	case status == websocket.StatusMessageTooBig:
		event.Reason = transport.ReasonProtocolError
		event.Err = err
	case errors.Is(err, context.DeadlineExceeded):
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}

// Dial opens a websocket connection to url, e.g. "ws://127.0.0.1:8000/teleport".
func Dial(ctx context.Context, url string, opts Options) (*Adapter, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return New(conn, opts), nil
}
