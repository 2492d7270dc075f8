package websocket

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/risa-org/teleport/observability"
	"github.com/risa-org/teleport/transport"
)

// ListenerOptions configures the HTTP side of the websocket listener.
type ListenerOptions struct {
	Path           string // upgrade route, defaults to "/"
	Adapter        Options
	Metrics        bool     // mount /metrics
	OriginPatterns []string // extra origins allowed to upgrade, host-only by default
	Logger         *zerolog.Logger
}

// Listener serves websocket upgrades from a gin engine.
// Non-upgrade requests get /health and, when enabled, /metrics.
type Listener struct {
	ln     net.Listener
	srv    *http.Server
	router *gin.Engine
	opts   ListenerOptions
	log    zerolog.Logger

	mu     sync.RWMutex
	accept func(transport.Adapter)
}

// Listen binds addr and prepares the routes. Nothing is accepted until Serve.
func Listen(addr string, opts ListenerOptions) (*Listener, error) {
	if opts.Path == "" {
		opts.Path = "/"
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "websocket").Logger()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}

	l := &Listener{ln: ln, opts: opts, log: logger}
	l.router = l.routes()
	l.srv = &http.Server{
		Handler:           l.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l, nil
}

func (l *Listener) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(l.log))
	if l.opts.Metrics {
		observability.RegisterMetrics()
		r.Use(observability.RequestMetricsMiddleware())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if l.opts.Metrics {
		r.GET("/metrics", gin.WrapH(observability.Handler()))
	}
	r.GET(l.opts.Path, l.upgrade)

	return r
}

func (l *Listener) upgrade(c *gin.Context) {
	l.mu.RLock()
	accept := l.accept
	l.mu.RUnlock()
	if accept == nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: l.opts.OriginPatterns,
	})
	if err != nil {
		// Accept already wrote the HTTP error response
		l.log.Debug().Err(err).Str("remote", c.Request.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	accept(New(conn, l.opts.Adapter))
}

// Handler exposes the gin engine, e.g. for httptest.
func (l *Listener) Handler() http.Handler {
	return l.router
}

// Serve accepts upgrades until Close. Returns nil after Close.
func (l *Listener) Serve(accept func(transport.Adapter)) error {
	l.mu.Lock()
	l.accept = accept
	l.mu.Unlock()

	err := l.srv.Serve(l.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Upgraded connections are hijacked from the HTTP
// server and are not closed here.
func (l *Listener) Close() error {
	err := l.srv.Close()
	// the server only tracks the listener once Serve has started
	l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
