package memory

import (
	"testing"

	"github.com/risa-org/teleport/session"
)

func TestAddAndGet(t *testing.T) {
	store := New()

	p := session.NewPeer(0, "token", "socket-a")
	store.Add(p)

	got, ok := store.Get(0)
	if !ok {
		t.Fatal("expected to find peer after adding it")
	}
	if got != p {
		t.Error("expected the same peer pointer back")
	}

	bySocket, ok := store.PeerBySocket("socket-a")
	if !ok || bySocket != p {
		t.Error("expected Add to bind the peer's socket")
	}
}

func TestGetUnknown(t *testing.T) {
	store := New()

	if _, ok := store.Get(42); ok {
		t.Error("expected false for unknown peer ID")
	}
	if _, ok := store.PeerBySocket("nope"); ok {
		t.Error("expected false for unknown socket ID")
	}
}

func TestDeleteRemovesSocketBindings(t *testing.T) {
	store := New()

	p := session.NewPeer(1, "token", "socket-a")
	store.Add(p)
	store.BindSocket("socket-b", 1)

	store.Delete(1)

	if _, ok := store.Get(1); ok {
		t.Error("expected peer to be gone after delete")
	}
	if _, ok := store.PeerBySocket("socket-a"); ok {
		t.Error("expected socket-a binding to be gone")
	}
	if _, ok := store.PeerBySocket("socket-b"); ok {
		t.Error("expected socket-b binding to be gone")
	}
}

func TestBindAndUnbind(t *testing.T) {
	store := New()

	p := session.NewPeer(7, "token", "")
	store.Add(p)

	if _, ok := store.PeerBySocket(""); ok {
		t.Error("a peer without a socket must not be indexed")
	}

	store.BindSocket("socket-x", 7)
	if got, ok := store.PeerBySocket("socket-x"); !ok || got != p {
		t.Fatal("expected socket-x to resolve to peer 7")
	}

	id, ok := store.UnbindSocket("socket-x")
	if !ok || id != 7 {
		t.Errorf("expected unbind to return 7, got %d %v", id, ok)
	}
	if _, ok := store.UnbindSocket("socket-x"); ok {
		t.Error("second unbind should report nothing")
	}

	// the peer itself survives unbinding
	if _, ok := store.Get(7); !ok {
		t.Error("unbinding a socket must not delete the peer")
	}
}

func TestAllIsOrdered(t *testing.T) {
	store := New()

	for _, id := range []uint64{5, 1, 3} {
		store.Add(session.NewPeer(id, "token", ""))
	}

	all := store.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(all))
	}
	for i, want := range []uint64{1, 3, 5} {
		if all[i].ID != want {
			t.Errorf("position %d: expected id %d, got %d", i, want, all[i].ID)
		}
	}
}

func TestCount(t *testing.T) {
	store := New()

	if store.Count() != 0 {
		t.Errorf("expected count 0, got %d", store.Count())
	}

	store.Add(session.NewPeer(0, "token", "a"))
	disconnected := session.NewPeer(1, "token", "")
	disconnected.Transition(session.StateDisconnected)
	store.Add(disconnected)

	if store.Count() != 2 {
		t.Errorf("expected count 2, got %d", store.Count())
	}
	if n := store.CountByState(session.StateConnected); n != 1 {
		t.Errorf("expected 1 connected, got %d", n)
	}
	if n := store.CountByState(session.StateDisconnected); n != 1 {
		t.Errorf("expected 1 disconnected, got %d", n)
	}

	store.Delete(0)

	if store.Count() != 1 {
		t.Errorf("expected count 1 after delete, got %d", store.Count())
	}
}
