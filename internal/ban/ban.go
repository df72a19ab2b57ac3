// Package ban implements the Banning Manager: an O(1) address→expiry
// table with lazy and periodic purge, plus the invalid-share rate
// counter hook the Share Validator calls into (spec.md §4.7).
//
// Grounded on the donor's internal/policy/policy.go IsBanned/BanIP/
// resetLoop shape, narrowed to the capability spec.md names. The
// donor's ipset/os-exec integration is intentionally not carried here —
// see DESIGN.md.
package ban

import (
	"sync"
	"time"

	"github.com/corepool/stratumd/internal/clock"
	"github.com/corepool/stratumd/internal/log"
)

// Config controls the ban table's policy.
type Config struct {
	// JunkBanDuration is how long an address is banned for sending
	// unparseable stratum frames, when BanOnJunkReceive is set.
	JunkBanDuration time.Duration
	// InvalidShareWindow and InvalidShareLimit gate the secondary
	// invalid-share counter: if an address crosses InvalidShareLimit
	// invalid shares within InvalidShareWindow, it is banned for
	// JunkBanDuration.
	InvalidShareWindow time.Duration
	InvalidShareLimit  int
	// SweepInterval controls how often the periodic expiry sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig mirrors the donor's policy defaults, narrowed to the
// fields this package uses.
func DefaultConfig() Config {
	return Config{
		JunkBanDuration:    30 * time.Minute,
		InvalidShareWindow: 10 * time.Minute,
		InvalidShareLimit:  30,
		SweepInterval:      time.Minute,
	}
}

type invalidShareCounter struct {
	mu      sync.Mutex
	count   int
	windowStart time.Time
}

// Manager is the Banning Manager. The zero value is not usable;
// construct with New.
type Manager struct {
	cfg   Config
	clock clock.Clock

	mu      sync.RWMutex
	expiry  map[string]time.Time

	countersMu sync.Mutex
	counters   map[string]*invalidShareCounter

	quit chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Manager. If c is nil, a System clock is used.
func New(cfg Config, c clock.Clock) *Manager {
	if c == nil {
		c = clock.Default
	}
	return &Manager{
		cfg:      cfg,
		clock:    c,
		expiry:   make(map[string]time.Time),
		counters: make(map[string]*invalidShareCounter),
	}
}

// Start launches the periodic sweep goroutine.
func (m *Manager) Start() {
	m.quit = make(chan struct{})
	m.wg.Add(1)
	go m.sweepLoop()
	log.Info("ban manager started")
}

// Stop halts the periodic sweep and waits for it to exit.
func (m *Manager) Stop() {
	if m.quit != nil {
		close(m.quit)
	}
	m.wg.Wait()
	log.Info("ban manager stopped")
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, exp := range m.expiry {
		if now.After(exp) {
			delete(m.expiry, addr)
		}
	}
}

// IsBanned reports whether addr is currently banned, purging the entry
// lazily if it has already expired.
func (m *Manager) IsBanned(addr string) bool {
	m.mu.RLock()
	exp, ok := m.expiry[addr]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	if m.clock.Now().After(exp) {
		m.mu.Lock()
		delete(m.expiry, addr)
		m.mu.Unlock()
		return false
	}
	return true
}

// Ban bans addr for duration, starting now.
func (m *Manager) Ban(addr string, duration time.Duration) {
	m.mu.Lock()
	m.expiry[addr] = m.clock.Now().Add(duration)
	m.mu.Unlock()
	log.Warnf("banned %s for %s", addr, duration)
}

// ReportJunkReceived applies the default junk-ban policy for addr.
func (m *Manager) ReportJunkReceived(addr string) {
	d := m.cfg.JunkBanDuration
	if d <= 0 {
		d = 30 * time.Minute
	}
	m.Ban(addr, d)
}

// ReportInvalidShare increments addr's invalid-share counter within the
// configured window; once the limit is crossed, addr is banned. This is
// the hook spec.md §4.7 describes the validator calling into.
func (m *Manager) ReportInvalidShare(addr string) {
	if m.cfg.InvalidShareLimit <= 0 {
		return
	}

	m.countersMu.Lock()
	c, ok := m.counters[addr]
	now := m.clock.Now()
	if !ok || now.Sub(c.windowStart) > m.cfg.InvalidShareWindow {
		c = &invalidShareCounter{windowStart: now}
		m.counters[addr] = c
	}
	c.count++
	exceeded := c.count >= m.cfg.InvalidShareLimit
	m.countersMu.Unlock()

	if exceeded {
		m.Ban(addr, m.cfg.JunkBanDuration)
	}
}

// Unban removes any ban on addr, regardless of expiry.
func (m *Manager) Unban(addr string) {
	m.mu.Lock()
	delete(m.expiry, addr)
	m.mu.Unlock()
}

// Count returns the number of currently-tracked ban entries (including
// any not yet lazily purged).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.expiry)
}
