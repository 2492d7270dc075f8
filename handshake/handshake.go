// Package handshake decides whether an unauthenticated socket may become a
// peer: connect requests go through the host's auth function, reconnect
// requests are checked against the peer table.
package handshake

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
	"github.com/rs/zerolog/log"

	"github.com/risa-org/teleport/session"
)

var (
	// ErrAuthRejected is returned when the auth function answers false
	// without an error of its own.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrAuthPanic wraps a panic recovered from the auth function.
	ErrAuthPanic = errors.New("auth function panicked")
)

// AuthFunc is supplied by the host. It receives the client's authData
// verbatim and answers whether the client may connect.
type AuthFunc func(authData any) (bool, error)

// AllowAll accepts every client.
func AllowAll(any) (bool, error) { return true, nil }

// ReconnectRequest is what the client sends when coming back.
type ReconnectRequest struct {
	PeerID   uint64 // the peer id issued on connect
	Token    string // the secret issued on connect, proves ownership
	SocketID string // the new socket the peer should be bound to
}

// ReconnectResult is what the handshake returns after processing a request.
// Either the peer is rebound and Connected, or it's rejected with a reason.
type ReconnectResult struct {
	Accepted bool
	Reason   string        // populated on rejection, empty on success
	Peer     *session.Peer // the rebound peer on success

	// PreviousSocket is set when the peer was still bound to a live socket.
	// The caller owns unbinding and closing it.
	PreviousSocket string
}

// Rejection reasons. These feed straight into logs and metrics labels.
const (
	ReasonPeerNotFound = "peer_not_found"
	ReasonPeerEvicted  = "peer_evicted"
	ReasonInvalidToken = "invalid_token"
	ReasonInvalidState = "invalid_state"
)

// PeerStore is the interface the handshake uses to look up peers.
// The handshake package doesn't need to know how the table is kept.
type PeerStore interface {
	Get(peerID uint64) (*session.Peer, bool)
}

// Handler processes connect and reconnect requests.
// It mutates the peers it returns, so callers must hold whatever lock
// guards the peer table for the duration of a call.
type Handler struct {
	store PeerStore
	auth  AuthFunc
}

// NewHandler creates a handshake handler backed by the given store.
// A nil auth function accepts everyone.
func NewHandler(store PeerStore, auth AuthFunc) *Handler {
	if auth == nil {
		auth = AllowAll
	}
	return &Handler{store: store, auth: auth}
}

// Authorize runs the auth function for a connect request.
// Returns nil on success, ErrAuthRejected, the auth function's own error,
// or a wrapped ErrAuthPanic.
func (h *Handler) Authorize(authData any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := goerrors.Wrap(r, 2)
			log.Error().Str("stack", string(stack.Stack())).Msgf("auth function panicked: %v", r)
			err = fmt.Errorf("%w: %v", ErrAuthPanic, r)
		}
	}()

	ok, err := h.auth(authData)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthRejected
	}
	return nil
}

// Reconnect processes a reconnect attempt.
//
// Steps:
//  1. Look up the peer
//  2. Check it hasn't been evicted
//  3. Validate the token
//  4. Cancel the grace timer and move Disconnected → Connected
//  5. Rebind to the new socket
//
// A rejected request leaves the peer exactly as it was.
func (h *Handler) Reconnect(req ReconnectRequest) ReconnectResult {
	p, ok := h.store.Get(req.PeerID)
	if !ok {
		return reject(ReasonPeerNotFound)
	}

	if p.State == session.StateEvicted {
		return reject(ReasonPeerEvicted)
	}

	if err := session.VerifyToken(p.Token, req.Token); err != nil {
		return reject(ReasonInvalidToken)
	}

	var previous string
	switch p.State {
	case session.StateConnected:
		// the client noticed the drop before we did, take the peer over
		previous = p.SocketID
	case session.StateDisconnected:
		p.StopTimer()
		if !p.Transition(session.StateConnected) {
			return reject(ReasonInvalidState)
		}
	}

	p.SocketID = req.SocketID
	p.ReconnectCount++

	return ReconnectResult{
		Accepted:       true,
		Peer:           p,
		PreviousSocket: previous,
	}
}

// reject is a helper to build a clean rejection result with a reason.
func reject(reason string) ReconnectResult {
	return ReconnectResult{
		Accepted: false,
		Reason:   reason,
	}
}
