package ban

import (
	"testing"
	"time"

	"github.com/corepool/stratumd/internal/clock"
)

func TestBanAndIsBanned(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(DefaultConfig(), fc)

	m.Ban("1.2.3.4", time.Minute)
	if !m.IsBanned("1.2.3.4") {
		t.Fatal("expected address to be banned")
	}
	if m.IsBanned("5.6.7.8") {
		t.Fatal("unrelated address should not be banned")
	}
}

func TestBanExpiresLazily(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(DefaultConfig(), fc)

	m.Ban("1.2.3.4", time.Minute)
	fc.Advance(2 * time.Minute)

	if m.IsBanned("1.2.3.4") {
		t.Fatal("ban should have expired")
	}
	if m.Count() != 0 {
		t.Fatalf("expired ban should have been purged, count = %d", m.Count())
	}
}

func TestReportJunkReceivedBansAddress(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.JunkBanDuration = 5 * time.Minute
	m := New(cfg, fc)

	m.ReportJunkReceived("9.9.9.9")
	if !m.IsBanned("9.9.9.9") {
		t.Fatal("expected address banned after junk report")
	}
}

func TestReportInvalidShareBansAfterLimit(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.InvalidShareLimit = 3
	cfg.InvalidShareWindow = time.Hour
	m := New(cfg, fc)

	for i := 0; i < 2; i++ {
		m.ReportInvalidShare("1.1.1.1")
	}
	if m.IsBanned("1.1.1.1") {
		t.Fatal("should not be banned before reaching the limit")
	}

	m.ReportInvalidShare("1.1.1.1")
	if !m.IsBanned("1.1.1.1") {
		t.Fatal("expected ban after crossing invalid-share limit")
	}
}

func TestReportInvalidShareWindowResets(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.InvalidShareLimit = 2
	cfg.InvalidShareWindow = time.Minute
	m := New(cfg, fc)

	m.ReportInvalidShare("2.2.2.2")
	fc.Advance(2 * time.Minute)
	m.ReportInvalidShare("2.2.2.2")

	if m.IsBanned("2.2.2.2") {
		t.Fatal("counter should have reset after the window elapsed")
	}
}

func TestUnban(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := New(DefaultConfig(), fc)

	m.Ban("3.3.3.3", time.Hour)
	m.Unban("3.3.3.3")
	if m.IsBanned("3.3.3.3") {
		t.Fatal("expected unban to clear the ban")
	}
}
