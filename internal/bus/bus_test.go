package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicShares)

	share := &Share{PoolID: "xmr1", Height: 42}
	b.Publish(TopicShares, share)

	select {
	case evt := <-ch:
		got, ok := evt.Payload.(*Share)
		if !ok || got.PoolID != "xmr1" {
			t.Fatalf("unexpected payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberIsolationByTopic(t *testing.T) {
	b := New()
	shares := b.Subscribe(TopicShares)
	admin := b.Subscribe(TopicAdmin)

	b.Publish(TopicAdmin, &AdminNotification{Kind: AdminBlockAccepted})

	select {
	case <-shares:
		t.Fatal("shares subscriber should not receive admin events")
	default:
	}

	select {
	case evt := <-admin:
		n := evt.Payload.(*AdminNotification)
		if n.Kind != AdminBlockAccepted {
			t.Fatalf("unexpected kind: %v", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for admin event")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_ = b.Subscribe(TopicShares) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSubscriberBuffer*2; i++ {
			b.Publish(TopicShares, &Share{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicShares)
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	// Publish/Subscribe after Close must not panic.
	b.Publish(TopicShares, &Share{})
	_ = b.Subscribe(TopicShares)
}
