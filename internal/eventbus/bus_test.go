package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	Emit(b, EvNotifySent, "payload")

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != EvNotifySent {
				t.Fatalf("sub %d: got type %q, want %q", i, e.Type, EvNotifySent)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: event time not set", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: event not delivered", i)
		}
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must not panic against the closed channel.
	Emit(b, EvSocketConnected, nil)
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	Emit(b, EvNotifyQueued, 1)
	Emit(b, EvNotifyQueued, 2) // buffer full, dropped

	e := <-ch
	if e.Data != 1 {
		t.Fatalf("got %v, want first event retained", e.Data)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %v", e.Data)
	default:
	}
}
