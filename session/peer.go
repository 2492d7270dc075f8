// Package session holds the Peer data model: a logical client session that
// outlives any single socket. It knows nothing about transports or wire
// formats, the peers package drives it.
package session

import (
	"time"
)

// PeerState represents what state a peer is currently in.
type PeerState int

const (
	StateConnected    PeerState = iota // bound to a live socket, messages flow immediately
	StateDisconnected                  // socket dropped, grace timer running, messages queue up
	StateEvicted                       // grace timer expired or manager destroyed, terminal
)

func (s PeerState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Peer is one logical session. The peer ID and token are stable across
// reconnects, SocketID changes every time the client comes back.
//
// Peer is not safe for concurrent use. The session manager serializes every
// transition under its own lock.
type Peer struct {
	ID             uint64    // monotonically assigned, never reused within a process
	Token          string    // secret proving ownership on reconnect and on every command
	SocketID       string    // current transport id, empty while disconnected
	State          PeerState // current state in the lifecycle
	CreatedAt      time.Time // when the connect handshake completed
	LastActiveAt   time.Time // last state transition
	ReconnectCount int       // how many times this peer has reconnected, for observability
	Outbox         *Outbox   // messages waiting for the next successful reconnect

	timer    *time.Timer
	timerGen uint64
}

// NewPeer creates a connected peer bound to socketID.
func NewPeer(id uint64, token, socketID string) *Peer {
	now := time.Now()
	return &Peer{
		ID:           id,
		Token:        token,
		SocketID:     socketID,
		State:        StateConnected,
		CreatedAt:    now,
		LastActiveAt: now,
		Outbox:       NewOutbox(),
	}
}

// Transition moves the peer to a new state.
// Not all transitions are valid, this enforces the rules.
func (p *Peer) Transition(next PeerState) bool {
	if !isValidTransition(p.State, next) {
		return false
	}
	p.State = next
	p.LastActiveAt = time.Now()
	return true
}

// isValidTransition defines which state changes are legal.
// Evicted is terminal, nothing can come after it.
func isValidTransition(from, to PeerState) bool {
	allowed := map[PeerState][]PeerState{
		StateConnected:    {StateDisconnected, StateEvicted},
		StateDisconnected: {StateConnected, StateEvicted},
		StateEvicted:      {},
	}

	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}

// StartTimer arms the disconnect grace timer, cancelling any previous one.
// fire receives the generation the timer was started with, so a callback
// that lost the race against StopTimer can recognize itself as stale.
func (p *Peer) StartTimer(d time.Duration, fire func(gen uint64)) {
	p.StopTimer()
	p.timerGen++
	gen := p.timerGen
	p.timer = time.AfterFunc(d, func() { fire(gen) })
}

// StopTimer cancels the grace timer if one is armed.
// Bumping the generation invalidates a callback that already started.
func (p *Peer) StopTimer() {
	if p.timer == nil {
		return
	}
	p.timer.Stop()
	p.timer = nil
	p.timerGen++
}

// TimerActive reports whether a grace timer is armed.
func (p *Peer) TimerActive() bool {
	return p.timer != nil
}

// TimerCurrent reports whether gen is the generation of the armed timer.
func (p *Peer) TimerCurrent(gen uint64) bool {
	return p.timer != nil && p.timerGen == gen
}

// Snapshot is a read-only copy of a peer, safe to hand to other goroutines.
type Snapshot struct {
	ID             uint64
	SocketID       string
	State          PeerState
	Queued         int
	CreatedAt      time.Time
	LastActiveAt   time.Time
	ReconnectCount int
}

// Snapshot copies the observable fields. The token is not copied.
func (p *Peer) Snapshot() Snapshot {
	return Snapshot{
		ID:             p.ID,
		SocketID:       p.SocketID,
		State:          p.State,
		Queued:         p.Outbox.Len(),
		CreatedAt:      p.CreatedAt,
		LastActiveAt:   p.LastActiveAt,
		ReconnectCount: p.ReconnectCount,
	}
}
