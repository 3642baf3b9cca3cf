package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(PeerEvent{PeerID: "p1", Kind: KindDiscovered})

	for _, ch := range []<-chan PeerEvent{a, c} {
		select {
		case e := <-ch:
			if e.PeerID != "p1" || e.Kind != KindDiscovered {
				t.Errorf("got %+v", e)
			}
			if e.Timestamp.IsZero() {
				t.Error("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer, then publish more. The extra events are dropped
	// rather than stalling the publisher.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(PeerEvent{PeerID: "p1", Kind: KindStateChanged})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
}

func TestNilBusPublishIsNoOp(t *testing.T) {
	var b *Bus
	b.Publish(PeerEvent{PeerID: "p1"}) // must not panic
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(0)

	b.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}

	b.Unsubscribe(ch) // no-op, must not panic

	// Later publishes must not reach the closed channel.
	b.Publish(PeerEvent{PeerID: "p1"})
}

func TestExplicitTimestampPreserved(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(PeerEvent{Timestamp: ts, PeerID: "p1", Kind: KindRemoved})

	e := <-ch
	if !e.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, ts)
	}
}
