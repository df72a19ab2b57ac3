// Package vardiff implements the per-worker adaptive difficulty
// controller (spec.md §4.5): a bounded ring of recent share timestamps
// feeds a ratio-based retarget, clamped to [minDifficulty,
// maxDifficulty] and stepped to avoid oscillation.
//
// Grounded on the donor's internal/slave/stratum.go checkVardiff, with
// one deliberate behavior change: the donor applies a new difficulty
// immediately (session.Difficulty = newDiff, then sends set_difficulty
// inline). spec.md §4.5 requires the change be deferred until the next
// job notification, so here a retarget only stages a PendingDifficulty;
// the caller (the Stratum Session) is responsible for picking it up the
// next time it emits set_difficulty/mining.notify.
package vardiff

import (
	"sync"
	"time"

	"github.com/corepool/stratumd/internal/clock"
)

// Config is one pool's vardiff policy (spec.md §3 PoolConfig.vardiff).
type Config struct {
	MinDifficulty    float64
	MaxDifficulty    float64
	TargetTime       time.Duration // desired average inter-share interval
	RetargetInterval time.Duration // minimum time between retargets
	VariancePercent  float64       // ratio clamp band, e.g. 30 means [0.7, 1.3]
	SampleSize       int           // ring buffer capacity (M in spec.md §2)
}

// Controller tracks one worker's share-timing ring and retarget state.
// The zero value is not usable; construct with New.
type Controller struct {
	cfg   Config
	clock clock.Clock

	mu               sync.Mutex
	samples          []time.Time // ring buffer, oldest first
	lastRetarget     time.Time
	currentDifficulty float64
	pendingDifficulty float64 // 0 means no pending change
}

// New constructs a Controller starting at startDifficulty. If c is nil,
// a System clock is used.
func New(cfg Config, startDifficulty float64, c clock.Clock) *Controller {
	if c == nil {
		c = clock.Default
	}
	return &Controller{
		cfg:               cfg,
		clock:             c,
		samples:           make([]time.Time, 0, cfg.SampleSize),
		lastRetarget:      c.Now(),
		currentDifficulty: startDifficulty,
	}
}

// RecordShare appends the timestamp of an accepted share and, if due,
// computes a retarget. It returns the newly staged difficulty and true
// if a retarget occurred; the caller applies it on the next job event.
func (c *Controller) RecordShare() (float64, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, now)
	if len(c.samples) > c.cfg.SampleSize {
		c.samples = c.samples[len(c.samples)-c.cfg.SampleSize:]
	}

	return c.retargetLocked(now)
}

func (c *Controller) retargetLocked(now time.Time) (float64, bool) {
	if c.cfg.RetargetInterval <= 0 {
		return 0, false
	}
	elapsed := now.Sub(c.lastRetarget)
	if elapsed < c.cfg.RetargetInterval {
		return 0, false
	}
	minSamples := c.cfg.SampleSize
	if minSamples < 2 {
		minSamples = 2
	}
	if len(c.samples) < minSamples {
		return 0, false
	}

	span := c.samples[len(c.samples)-1].Sub(c.samples[0])
	if span <= 0 {
		return 0, false
	}
	avgInterval := span / time.Duration(len(c.samples)-1)

	targetTime := c.cfg.TargetTime
	if targetTime <= 0 {
		targetTime = 10 * time.Second
	}

	ratio := float64(targetTime) / float64(avgInterval)

	variance := c.cfg.VariancePercent / 100.0
	if variance <= 0 {
		variance = 0.3
	}

	// Within the band: no change needed, avoids oscillation.
	if ratio >= 1-variance && ratio <= 1+variance {
		c.lastRetarget = now
		return 0, false
	}

	if ratio > 1+variance {
		ratio = 1 + variance
	} else if ratio < 1-variance {
		ratio = 1 - variance
	}

	newDifficulty := c.currentDifficulty * ratio
	if c.cfg.MinDifficulty > 0 && newDifficulty < c.cfg.MinDifficulty {
		newDifficulty = c.cfg.MinDifficulty
	}
	if c.cfg.MaxDifficulty > 0 && newDifficulty > c.cfg.MaxDifficulty {
		newDifficulty = c.cfg.MaxDifficulty
	}

	c.lastRetarget = now

	if newDifficulty == c.currentDifficulty {
		return 0, false
	}

	c.pendingDifficulty = newDifficulty
	return newDifficulty, true
}

// CurrentDifficulty returns the difficulty currently in effect (the
// last value applied via ApplyPending, or the start value).
func (c *Controller) CurrentDifficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDifficulty
}

// PendingDifficulty returns the staged-but-not-yet-applied difficulty
// and whether one is staged.
func (c *Controller) PendingDifficulty() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingDifficulty == 0 {
		return 0, false
	}
	return c.pendingDifficulty, true
}

// ApplyPending commits the staged difficulty as current, clearing the
// pending slot, and returns it. Called by the Stratum Session when it
// is about to emit the next job notification / set_difficulty. Returns
// false if nothing was pending.
func (c *Controller) ApplyPending() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingDifficulty == 0 {
		return c.currentDifficulty, false
	}
	c.currentDifficulty = c.pendingDifficulty
	c.pendingDifficulty = 0
	return c.currentDifficulty, true
}
