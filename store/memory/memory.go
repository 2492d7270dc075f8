package memory

import (
	"sort"
	"sync"

	"github.com/risa-org/teleport/session"
)

// Store is a thread-safe in-memory peer table implementing
// handshake.PeerStore, with a secondary index from socket id to peer id.
//
// The lock guards the maps only. Peer fields are owned by the session
// manager and must be read under its lock.
type Store struct {
	mu      sync.RWMutex
	peers   map[uint64]*session.Peer
	sockets map[string]uint64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		peers:   make(map[uint64]*session.Peer),
		sockets: make(map[string]uint64),
	}
}

// Add stores a peer and binds its current socket, if any.
func (s *Store) Add(p *session.Peer) {
	s.mu.Lock()
	s.peers[p.ID] = p
	if p.SocketID != "" {
		s.sockets[p.SocketID] = p.ID
	}
	s.mu.Unlock()
}

// Get retrieves a peer by id.
// Satisfies the handshake.PeerStore interface.
func (s *Store) Get(peerID uint64) (*session.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[peerID]
	return p, ok
}

// Delete removes a peer and every socket binding pointing at it.
func (s *Store) Delete(peerID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
	for socketID, id := range s.sockets {
		if id == peerID {
			delete(s.sockets, socketID)
		}
	}
}

// BindSocket points socketID at peerID.
// At most one peer per socket: a previous binding of socketID is replaced.
func (s *Store) BindSocket(socketID string, peerID uint64) {
	s.mu.Lock()
	s.sockets[socketID] = peerID
	s.mu.Unlock()
}

// UnbindSocket removes the binding of socketID and returns the peer id it
// pointed at.
func (s *Store) UnbindSocket(socketID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sockets[socketID]
	if ok {
		delete(s.sockets, socketID)
	}
	return id, ok
}

// PeerBySocket returns the peer bound to socketID.
func (s *Store) PeerBySocket(socketID string) (*session.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sockets[socketID]
	if !ok {
		return nil, false
	}
	p, ok := s.peers[id]
	return p, ok
}

// All returns every stored peer ordered by id.
func (s *Store) All() []*session.Peer {
	s.mu.RLock()
	out := make([]*session.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of peers currently in the store.
// Useful for observability and testing.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// CountByState returns how many stored peers are in state.
func (s *Store) CountByState(state session.PeerState) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.peers {
		if p.State == state {
			n++
		}
	}
	return n
}
