package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	c.Advance(5 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("Now() after Advance = %v", got)
	}

	if got := c.Since(start); got != 5*time.Second {
		t.Fatalf("Since() = %v, want 5s", got)
	}
}

func TestSystemClock(t *testing.T) {
	var c Clock = System{}
	before := time.Now()
	now := c.Now()
	if now.Before(before) {
		t.Fatal("System clock returned time before the call")
	}
}
