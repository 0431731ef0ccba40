package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSDelivery, 10)
	defer unsub()

	b.Emit("delivery.updated", "m1")

	select {
	case evt := <-ch:
		if evt.Kind != "delivery.updated" {
			t.Errorf("got kind %q, want delivery.updated", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSCall, 10)
	defer unsub()

	b.Emit("delivery.updated", nil)
	b.Emit("call.incoming", nil)

	select {
	case evt := <-ch:
		if evt.Kind != "call.incoming" {
			t.Errorf("got kind %q, want call.incoming", evt.Kind)
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

func TestMultipleSubscribersSeeSameEvent(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(NSActivity, 1)
	defer unsub1()
	ch2, unsub2 := b.Subscribe("", 1)
	defer unsub2()

	b.Emit("activity.updated", "u2")

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Kind != "activity.updated" {
				t.Errorf("subscriber %d got kind %q", i, evt.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestFullSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("", 0)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Emit("relay.connected", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	unsub()

	b.Emit("relay.connected", nil)

	select {
	case evt := <-ch:
		t.Errorf("unexpected event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
