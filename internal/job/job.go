// Package job implements the Job Manager (spec.md §4.3): it polls a
// coin daemon for fresh block templates (and accepts templates handed
// to Manager.PushUpdate), maintains the set of currently-valid jobs keyed by id,
// evicts jobs older than MaxBlockBacklog heights, and publishes "new
// job" events onto the message bus.
//
// Grounded on the donor's internal/master/master.go refreshJob/
// jobRefreshLoop/pruneJobBacklog, generalized from one hardcoded
// coin family to any coinfamily.CoinFamily and from a single update
// channel to the message bus.
package job

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/coinfamily"
	"github.com/corepool/stratumd/internal/config"
	"github.com/corepool/stratumd/internal/log"
	"github.com/corepool/stratumd/internal/rpc"
	"github.com/corepool/stratumd/internal/util"
)

// Job is one installed block template: immutable once created, except
// for its seen-submission set which is safe for concurrent access.
type Job struct {
	id         string
	height     uint64
	template   []byte
	target     *big.Int
	difficulty float64
	timestamp  uint64
	createdAt  time.Time

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// ID returns the job's opaque id.
func (j *Job) ID() string { return j.id }

// Height returns the job's block height.
func (j *Job) Height() uint64 { return j.height }

// Template returns the job's coin-family-specific header template.
func (j *Job) Template() []byte { return j.template }

// Target returns the job's big-integer network target.
func (j *Job) Target() *big.Int { return j.target }

// Difficulty returns the job's network difficulty.
func (j *Job) Difficulty() float64 { return j.difficulty }

// MarkSeen records a submission tuple key against this job's seen-set,
// returning true if it was already present (a duplicate submission).
func (j *Job) MarkSeen(key string) bool {
	j.seenMu.Lock()
	defer j.seenMu.Unlock()
	if _, ok := j.seen[key]; ok {
		return true
	}
	j.seen[key] = struct{}{}
	return false
}

// JobView is the read surface the Share Validator needs from a Job,
// kept narrow so the validator package does not depend on Manager
// internals.
type JobView interface {
	Template() []byte
	Height() uint64
	Difficulty() float64
	MarkSeen(key string) bool
}

// Lookup resolves a job id to a JobView, implemented by Manager.
type Lookup interface {
	Lookup(id string) (JobView, bool)
}

// Notification is the payload of a "new job" bus event (spec.md §4.3
// step 5): the parameters each coin family's stratum session needs to
// build mining.notify / set_difficulty.
type Notification struct {
	PoolID     string
	JobID      string
	Height     uint64
	Difficulty float64
	CleanJobs  bool
}

// Manager owns one pool's job set: the currently valid job plus a
// bounded backlog of recent jobs, refreshed by polling the pool's
// daemon upstream (and by templates handed to PushUpdate, fused into
// the same installation path).
type Manager struct {
	poolID     string
	family     coinfamily.CoinFamily
	upstream   *rpc.UpstreamManager
	bus        *bus.Bus
	refresh    time.Duration
	maxBacklog uint64

	mu      sync.RWMutex
	current *Job
	backlog map[string]*Job
	height  uint64

	idCounter uint64

	pushCh chan *rpc.BlockTemplate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager for one pool.
func New(poolCfg config.PoolConfig, family coinfamily.CoinFamily, upstream *rpc.UpstreamManager, b *bus.Bus) *Manager {
	maxBacklog := poolCfg.MaxBlockBacklog
	if maxBacklog == 0 {
		maxBacklog = 3
	}
	refresh := poolCfg.BlockRefreshInterval
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}

	return &Manager{
		poolID:     poolCfg.ID,
		family:     family,
		upstream:   upstream,
		bus:        b,
		refresh:    refresh,
		maxBacklog: maxBacklog,
		backlog:    make(map[string]*Job),
		pushCh:     make(chan *rpc.BlockTemplate, 8),
	}
}

// PushUpdate feeds an asynchronously-received block template into the
// same installation path the poll loop uses, fusing push and poll into
// one event stream. The repository has no daemon websocket
// subscription; templates arrive here only from callers of PushUpdate.
func (m *Manager) PushUpdate(tpl *rpc.BlockTemplate) {
	select {
	case m.pushCh <- tpl:
	default:
		log.Warnf("pool %s: push update dropped, channel full", m.poolID)
	}
}

// Start checks that at least one daemon endpoint is healthy (peer count
// and sync state are not checked), installs an initial job, and
// launches the fused poll/push refresh loop.
func (m *Manager) Start(ctx context.Context) error {
	if !m.upstream.HasHealthyUpstream() {
		return fmt.Errorf("pool %s: no healthy daemon endpoint at startup", m.poolID)
	}

	if err := m.refreshFromPoll(ctx); err != nil {
		return fmt.Errorf("pool %s: initial job fetch failed: %w", m.poolID, err)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop halts the refresh loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshFromPoll(m.ctx); err != nil {
				log.Warnf("pool %s: job refresh failed: %v", m.poolID, err)
			}
		case tpl := <-m.pushCh:
			m.install(tpl)
		}
	}
}

func (m *Manager) refreshFromPoll(ctx context.Context) error {
	client := m.upstream.GetClient()
	if client == nil {
		return fmt.Errorf("no upstream available")
	}

	tpl, err := client.GetBlockTemplate(ctx)
	if err != nil {
		return err
	}

	m.mu.RLock()
	unchanged := m.current != nil && tpl.Height == m.height
	m.mu.RUnlock()
	if unchanged {
		return nil
	}

	m.install(tpl)
	return nil
}

// install builds and activates a Job from a fetched template (spec.md
// §4.3 steps 1-5).
func (m *Manager) install(tpl *rpc.BlockTemplate) {
	rawHeader, err := decodeHeaderBytes(tpl.HeaderHash)
	if err != nil {
		log.Warnf("pool %s: malformed header template: %v", m.poolID, err)
		return
	}

	headerBytes, err := m.family.BuildJobTemplate(rawHeader)
	if err != nil {
		log.Warnf("pool %s: failed to build job template: %v", m.poolID, err)
		return
	}

	id := m.nextJobID()
	difficulty := float64(tpl.Difficulty)

	j := &Job{
		id:         id,
		height:     tpl.Height,
		template:   headerBytes,
		target:     coinfamily.TargetForDifficulty(difficulty),
		difficulty: difficulty,
		timestamp:  tpl.Timestamp,
		createdAt:  time.Now(),
		seen:       make(map[string]struct{}),
	}

	m.mu.Lock()
	prevHeight := m.height
	if m.current != nil {
		m.backlog[m.current.id] = m.current
	}
	m.current = j
	m.height = tpl.Height
	m.evictBacklogLocked()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.TopicJobs, Notification{
			PoolID:     m.poolID,
			JobID:      j.id,
			Height:     j.height,
			Difficulty: j.difficulty,
			CleanJobs:  j.height > prevHeight,
		})
	}

	log.Infof("pool %s: installed job %s at height %d (difficulty %.0f)", m.poolID, j.id, j.height, j.difficulty)
}

// evictBacklogLocked drops jobs more than maxBacklog heights below the
// current job's height (spec.md §3 Job invariant). Caller must hold mu.
func (m *Manager) evictBacklogLocked() {
	if m.height <= m.maxBacklog {
		return
	}
	minHeight := m.height - m.maxBacklog
	for id, j := range m.backlog {
		if j.height < minHeight {
			delete(m.backlog, id)
		}
	}
}

func (m *Manager) nextJobID() string {
	n := atomic.AddUint64(&m.idCounter, 1)
	return fmt.Sprintf("%016x", n)
}

// Lookup resolves id against the current job or the backlog (spec.md
// §4.4 step 1).
func (m *Manager) Lookup(id string) (JobView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current != nil && m.current.id == id {
		return m.current, true
	}
	if j, ok := m.backlog[id]; ok {
		return j, true
	}
	return nil, false
}

// Current returns the currently active job, or nil if none installed.
func (m *Manager) Current() *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func decodeHeaderBytes(headerHash string) ([]byte, error) {
	if headerHash == "" {
		return nil, fmt.Errorf("empty header template")
	}
	return util.HexToBytes(headerHash)
}
