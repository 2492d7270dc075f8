package session

// Outbox is the FIFO of messages addressed to a disconnected peer.
// It is unbounded, nothing is compacted or dropped until the peer either
// reconnects (Drain) or is evicted (Discard).
//
// Like Peer, an Outbox is guarded by the session manager's lock.
type Outbox struct {
	messages []any
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Push appends a message at the tail.
func (o *Outbox) Push(msg any) {
	o.messages = append(o.messages, msg)
}

// Drain removes and returns every queued message in enqueue order.
func (o *Outbox) Drain() []any {
	out := o.messages
	o.messages = nil
	return out
}

// Discard drops everything queued and returns how many messages were lost.
func (o *Outbox) Discard() int {
	n := len(o.messages)
	o.messages = nil
	return n
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	return len(o.messages)
}
