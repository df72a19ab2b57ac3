package rpc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corepool/stratumd/internal/config"
	"github.com/corepool/stratumd/internal/log"
)

// UpstreamState is a monitoring snapshot of one daemon endpoint.
type UpstreamState struct {
	Name         string
	URL          string
	Healthy      bool
	LastCheck    time.Time
	SuccessCount int32
	FailCount    int32
	ResponseTime time.Duration
	Height       uint64
	Weight       int
}

type upstream struct {
	client *Client
	name   string
	weight int

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
	responseTime time.Duration
	height       uint64
}

// UpstreamManager multiplexes several daemon endpoints for one pool,
// selecting the highest-weight healthy one and failing over on error
// (spec.md §3 PoolConfig.daemons[]).
type UpstreamManager struct {
	upstreams []*upstream

	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration
	maxFailures         int
	recoveryThreshold   int

	activeIdx int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpstreamManager builds a manager from a pool's configured daemon
// endpoints, minerAddress applied to every client for block-template
// calls.
func NewUpstreamManager(ctx context.Context, daemons []config.DaemonConfig, minerAddress string) *UpstreamManager {
	mgrCtx, cancel := context.WithCancel(ctx)
	mgr := &UpstreamManager{
		ctx:                 mgrCtx,
		cancel:              cancel,
		healthCheckInterval: 5 * time.Second,
		healthCheckTimeout:  3 * time.Second,
		maxFailures:         3,
		recoveryThreshold:   2,
	}

	for _, d := range daemons {
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		weight := d.Weight
		if weight <= 0 {
			weight = 1
		}
		name := d.URL

		client := NewClient(d.URL, timeout)
		client.SetMinerAddress(minerAddress)

		mgr.upstreams = append(mgr.upstreams, &upstream{
			client:  client,
			name:    name,
			weight:  weight,
			healthy: true,
		})
	}

	sort.Slice(mgr.upstreams, func(i, j int) bool {
		return mgr.upstreams[i].weight > mgr.upstreams[j].weight
	})

	return mgr
}

// Start begins the periodic health-check loop.
func (m *UpstreamManager) Start() {
	if len(m.upstreams) == 0 {
		log.Warn("upstream manager has no configured daemons")
		return
	}

	log.Infof("starting upstream manager with %d daemons", len(m.upstreams))
	m.checkAllUpstreams()

	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop halts the health-check loop.
func (m *UpstreamManager) Stop() {
	m.cancel()
	m.wg.Wait()
	log.Info("upstream manager stopped")
}

func (m *UpstreamManager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAllUpstreams()
		}
	}
}

func (m *UpstreamManager) checkAllUpstreams() {
	var wg sync.WaitGroup
	for _, u := range m.upstreams {
		wg.Add(1)
		go func(u *upstream) {
			defer wg.Done()
			m.checkUpstream(u)
		}(u)
	}
	wg.Wait()
	m.selectBestUpstream()
}

func (m *UpstreamManager) checkUpstream(u *upstream) {
	ctx, cancel := context.WithTimeout(m.ctx, m.healthCheckTimeout)
	defer cancel()

	start := time.Now()
	block, err := u.client.GetLatestBlock(ctx)
	responseTime := time.Since(start)

	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastCheck = time.Now()
	u.responseTime = responseTime

	if err != nil {
		u.failCount++
		u.successCount = 0
		if u.failCount >= int32(m.maxFailures) && u.healthy {
			u.healthy = false
			log.Warnf("upstream %s marked unhealthy after %d failures: %v", u.name, u.failCount, err)
		}
		return
	}

	u.successCount++
	if block != nil {
		u.height = block.Height
	}
	if !u.healthy && u.successCount >= int32(m.recoveryThreshold) {
		u.healthy = true
		u.failCount = 0
		log.Infof("upstream %s recovered (height=%d, response=%v)", u.name, u.height, responseTime)
	} else if u.healthy {
		u.failCount = 0
	}
}

func (m *UpstreamManager) selectBestUpstream() {
	bestIdx, bestWeight, bestHeight := -1, -1, uint64(0)

	for i, u := range m.upstreams {
		u.mu.RLock()
		healthy, weight, height := u.healthy, u.weight, u.height
		u.mu.RUnlock()

		if !healthy {
			continue
		}
		if weight > bestWeight || (weight == bestWeight && height > bestHeight) {
			bestIdx, bestWeight, bestHeight = i, weight, height
		}
	}

	if bestIdx < 0 {
		log.Warn("no healthy upstream daemon available")
		return
	}

	if old := atomic.LoadInt32(&m.activeIdx); int32(bestIdx) != old {
		atomic.StoreInt32(&m.activeIdx, int32(bestIdx))
		log.Infof("switched active daemon to %s (weight=%d height=%d)", m.upstreams[bestIdx].name, bestWeight, bestHeight)
	}
}

// GetClient returns the currently active daemon client.
func (m *UpstreamManager) GetClient() *Client {
	if len(m.upstreams) == 0 {
		return nil
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.upstreams)) {
		return m.upstreams[idx].client
	}
	return m.upstreams[0].client
}

// HasHealthyUpstream reports whether any configured daemon is healthy.
func (m *UpstreamManager) HasHealthyUpstream() bool {
	for _, u := range m.upstreams {
		u.mu.RLock()
		h := u.healthy
		u.mu.RUnlock()
		if h {
			return true
		}
	}
	return false
}

// GetUpstreamStates returns a monitoring snapshot of every configured
// daemon, for the stats API.
func (m *UpstreamManager) GetUpstreamStates() []UpstreamState {
	states := make([]UpstreamState, len(m.upstreams))
	for i, u := range m.upstreams {
		u.mu.RLock()
		states[i] = UpstreamState{
			Name: u.name, URL: u.client.url, Healthy: u.healthy,
			LastCheck: u.lastCheck, SuccessCount: u.successCount, FailCount: u.failCount,
			ResponseTime: u.responseTime, Height: u.height, Weight: u.weight,
		}
		u.mu.RUnlock()
	}
	return states
}

// CallWithFailover runs fn against the active client, falling over to
// the next healthy upstream on error.
func (m *UpstreamManager) CallWithFailover(fn func(*Client) error) error {
	client := m.GetClient()
	if client == nil {
		return nil
	}

	if err := fn(client); err == nil {
		return nil
	} else {
		activeIdx := atomic.LoadInt32(&m.activeIdx)
		for i, u := range m.upstreams {
			if int32(i) == activeIdx {
				continue
			}
			u.mu.RLock()
			healthy := u.healthy
			u.mu.RUnlock()
			if !healthy {
				continue
			}

			log.Infof("failover: trying daemon %s", u.name)
			if ferr := fn(u.client); ferr == nil {
				atomic.StoreInt32(&m.activeIdx, int32(i))
				log.Infof("failover successful: now using %s", u.name)
				return nil
			}
		}
		return err
	}
}
