package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/corepool/stratumd/internal/bus"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client, err := New(mr.Addr(), "", 0, 10*time.Minute)
	if err != nil {
		mr.Close()
		t.Fatalf("failed to create client: %v", err)
	}

	return client, mr
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	if _, err := New("127.0.0.1:1", "", 0, time.Minute); err == nil {
		t.Fatal("expected New to fail against an unreachable address")
	}
}

func TestWriteShare(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Stop()

	share := &bus.Share{
		PoolID:           "xmr1",
		MinerAddress:     "tos1testaddress",
		Worker:           "rig1",
		ActualDifficulty: 1000000,
		Height:           12345,
		CreatedAt:        time.Now(),
	}

	if err := client.writeShare(share); err != nil {
		t.Fatalf("writeShare() error = %v", err)
	}
}

func TestWriteBlock(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Stop()

	n := &bus.AdminNotification{
		Kind:      bus.AdminBlockAccepted,
		PoolID:    "xmr1",
		Height:    12345,
		CreatedAt: time.Now(),
	}

	if err := client.writeBlock(n); err != nil {
		t.Fatalf("writeBlock() error = %v", err)
	}
}

func TestHashrateAfterShares(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Stop()

	for i := 0; i < 5; i++ {
		share := &bus.Share{
			PoolID:           "xmr1",
			MinerAddress:     "tos1testaddress",
			Worker:           "rig1",
			ActualDifficulty: 1000000,
			CreatedAt:        time.Now(),
		}
		if err := client.writeShare(share); err != nil {
			t.Fatalf("writeShare() error = %v", err)
		}
	}

	rate, err := client.Hashrate("xmr1")
	if err != nil {
		t.Fatalf("Hashrate() error = %v", err)
	}
	if rate <= 0 {
		t.Error("expected a positive hashrate after writing shares")
	}
}

func TestStartConsumesBusEvents(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Stop()

	b := bus.New()
	defer b.Close()
	client.Start(b)

	b.Publish(bus.TopicShares, &bus.Share{
		PoolID: "xmr1", MinerAddress: "tos1testaddress", Worker: "rig1",
		ActualDifficulty: 500000, CreatedAt: time.Now(),
	})

	time.Sleep(20 * time.Millisecond)
	rate, err := client.Hashrate("xmr1")
	if err != nil {
		t.Fatalf("Hashrate() error = %v", err)
	}
	if rate <= 0 {
		t.Error("expected the bus-delivered share to have been persisted")
	}
}
