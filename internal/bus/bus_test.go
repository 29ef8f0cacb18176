package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(KindMessageIngested, "m1")

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageIngested {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageIngested)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageIngested})
	b.Publish(Event{Kind: KindPresenceOnline, Payload: PresencePayload{UserID: "u1"}})

	select {
	case evt := <-ch:
		if evt.Kind != KindPresenceOnline {
			t.Errorf("got kind %q, want %s", evt.Kind, KindPresenceOnline)
		}
		if p, ok := evt.Payload.(PresencePayload); !ok || p.UserID != "u1" {
			t.Errorf("payload = %#v, want PresencePayload{u1}", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(Event{Kind: KindMessageIngested})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("agent.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindAgentReplied})
	b.Publish(Event{Kind: KindAgentFailed})

	evt := <-ch
	if evt.Kind != KindAgentReplied {
		t.Errorf("got %q, want %s", evt.Kind, KindAgentReplied)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
