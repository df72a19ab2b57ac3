package relay

import (
	"net"
	"testing"
	"time"

	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/clock"
)

func TestPublisherBroadcastsToSubscriber(t *testing.T) {
	b := bus.New()
	defer b.Close()

	pub := NewPublisher("cluster-a", "127.0.0.1:0", WireFormatJSON)
	if err := pub.Start(b); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pub.Stop()

	conn, err := net.Dial("tcp", pub.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Give acceptLoop a moment to register the connection.
	deadline := time.Now().Add(2 * time.Second)
	for pub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for subscriber registration")
		}
		time.Sleep(time.Millisecond)
	}

	b.Publish(bus.TopicShares, &bus.Share{
		PoolID:            "xmr1",
		Worker:            "rig1",
		ClaimedDifficulty: 10,
		Height:            7,
		SolutionTxHash:    "abcd",
		CreatedAt:         time.Unix(1700000000, 0),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Topic != "xmr1" {
		t.Fatalf("expected topic xmr1, got %q", frame.Topic)
	}

	record, err := DecodeShare(frame.Payload, frame.Flags&WireFormatMask)
	if err != nil {
		t.Fatalf("DecodeShare: %v", err)
	}
	if record.Worker != "rig1" || record.Height != 7 {
		t.Fatalf("unexpected decoded record: %+v", record)
	}
}

func TestPublisherDropsNonShareEvents(t *testing.T) {
	b := bus.New()
	defer b.Close()

	pub := NewPublisher("cluster-a", "127.0.0.1:0", WireFormatJSON)
	if err := pub.Start(b); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pub.Stop()

	conn, err := net.Dial("tcp", pub.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for pub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for subscriber registration")
		}
		time.Sleep(time.Millisecond)
	}

	b.Publish(bus.TopicShares, "not a share")
	b.Publish(bus.TopicShares, &bus.Share{PoolID: "xmr1", Worker: "rig2", Height: 9})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	record, err := DecodeShare(frame.Payload, frame.Flags&WireFormatMask)
	if err != nil {
		t.Fatalf("DecodeShare: %v", err)
	}
	if record.Worker != "rig2" {
		t.Fatalf("expected the non-Share event to be skipped, got worker %q first", record.Worker)
	}
}

func TestReceiverFiltersUnsubscribedTopicsAndStampsSource(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		other, _ := EncodeShare(ShareRecord{PoolID: "xmr1", Worker: "ignored"}, WireFormatJSON)
		WriteFrame(conn, Frame{Topic: "btc1", Flags: WireFormatJSON, Payload: other})

		wanted, _ := EncodeShare(ShareRecord{PoolID: "xmr1", Worker: "rig3", Height: 3}, WireFormatJSON)
		WriteFrame(conn, Frame{Topic: "xmr1", Flags: WireFormatJSON, Payload: wanted})

		time.Sleep(100 * time.Millisecond)
	}()

	b := bus.New()
	defer b.Close()
	events := b.Subscribe(bus.TopicShares)

	fc := clock.NewFake(time.Unix(1800000000, 0))
	sub := NewSubscription("remote-a", listener.Addr().String(), []string{"xmr1"})
	recv := NewReceiver([]Subscription{sub}, b, fc)
	recv.Start()
	defer recv.Stop()

	select {
	case evt := <-events:
		share, ok := evt.Payload.(*bus.Share)
		if !ok {
			t.Fatalf("expected *bus.Share payload, got %T", evt.Payload)
		}
		if share.Worker != "rig3" {
			t.Fatalf("expected the filtered frame to be skipped, got worker %q", share.Worker)
		}
		if share.Source != "remote-a" {
			t.Fatalf("expected Source to be stamped with remote cluster name, got %q", share.Source)
		}
		if !share.CreatedAt.Equal(fc.Now()) {
			t.Fatalf("expected CreatedAt to be stamped with the receiver's clock, got %v", share.CreatedAt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for republished share")
	}

	<-serverDone
}
