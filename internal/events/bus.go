// Package events provides a publish/subscribe bus for peer lifecycle
// notifications. The connection manager publishes a PeerEvent on every
// state transition; subscribers (the status bridge, tests, future
// metrics) receive them on buffered channels. The bus is nil-safe and
// non-blocking: a slow subscriber misses events rather than stalling
// the state machine that published them.
package events

import (
	"sync"
	"time"
)

// Event kinds.
const (
	// KindDiscovered signals a descriptor newly surfaced by discovery.
	KindDiscovered = "discovered"
	// KindStateChanged signals a peer connection state transition.
	KindStateChanged = "state_changed"
	// KindRemoved signals a peer dropped from the table on teardown.
	KindRemoved = "removed"
)

// PeerEvent is a single peer lifecycle notification.
type PeerEvent struct {
	// Timestamp is when the transition was applied.
	Timestamp time.Time `json:"ts"`
	// PeerID identifies the peer.
	PeerID string `json:"peer_id"`
	// Kind is one of the Kind constants.
	Kind string `json:"kind"`
	// State is the peer's state after the transition, for
	// KindStateChanged events.
	State string `json:"state,omitempty"`
	// Detail carries the failure reason where one applies.
	Detail string `json:"detail,omitempty"`
}

// Bus is a non-blocking broadcast bus for PeerEvents.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan PeerEvent]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan PeerEvent]chan PeerEvent
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan PeerEvent]struct{}),
		recvToSend: make(map[<-chan PeerEvent]chan PeerEvent),
	}
}

// Publish sends e to all subscribers without blocking; full subscriber
// channels drop the event. Safe on a nil receiver.
func (b *Bus) Publish(e PeerEvent) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving published events. The caller
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan PeerEvent {
	if bufSize <= 0 {
		bufSize = 16
	}
	ch := make(chan PeerEvent, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling
// it twice for the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan PeerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}
