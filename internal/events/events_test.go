package events

import "testing"

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(4)
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish(SessionEvent("started", "deadbeef", nil))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeSession || ev.Details["content_id"] != "deadbeef" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		default:
			t.Fatal("expected event on every subscriber")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(4)
	ch, unsub := b.Subscribe()
	unsub()

	b.Publish(EngineEvent("added", "c1", nil))

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestPublishDropsOnFullSubscriber(t *testing.T) {
	b := New(1)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(VPNEvent("connected", "vpn1", nil))
	b.Publish(VPNEvent("connected", "vpn1", nil)) // should drop, not block

	<-ch
	select {
	case <-ch:
		t.Fatal("expected second event to have been dropped")
	default:
	}
}
