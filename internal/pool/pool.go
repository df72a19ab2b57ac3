// Package pool wires one currency's Job Manager, Stratum Server,
// Vardiff Controllers, Share Validator, and Banning Manager into the
// stratum.Dispatcher boundary, translating wire requests into
// coin-family-polymorphic validation calls and back into stratum
// results/errors.
//
// Grounded on the wiring cmd/tos-pool/main.go performs inline (share
// callback closures, checkVardiff call sites, session bookkeeping),
// pulled out of main into a reusable type so a ClusterConfig with
// several currencies can start and stop each independently — the
// donor only ever ran one coin.
package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/corepool/stratumd/internal/ban"
	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/coinfamily"
	"github.com/corepool/stratumd/internal/coinfamily/toshash"
	"github.com/corepool/stratumd/internal/config"
	"github.com/corepool/stratumd/internal/job"
	"github.com/corepool/stratumd/internal/log"
	"github.com/corepool/stratumd/internal/rpc"
	"github.com/corepool/stratumd/internal/stratum"
	"github.com/corepool/stratumd/internal/util"
	"github.com/corepool/stratumd/internal/validator"
	"github.com/corepool/stratumd/internal/vardiff"
)

// resolveCoinFamily maps a PoolConfig.CoinFamily name to its
// implementation. toshash is the one coin family carried end to end by
// this repository; additional families register here the same way.
func resolveCoinFamily(name string) (coinfamily.CoinFamily, error) {
	switch name {
	case "toshash":
		return toshash.Family{}, nil
	default:
		return nil, fmt.Errorf("unknown coin family %q", name)
	}
}

// Pool is one currency's fully wired serving stack.
type Pool struct {
	cfg    config.PoolConfig
	family coinfamily.CoinFamily
	bus    *bus.Bus
	bans   *ban.Manager

	upstream  *rpc.UpstreamManager
	jobs      *job.Manager
	validator *validator.Validator
	server    *stratum.Server
	wsServer  *stratum.WebSocketServer

	vardiffMu sync.Mutex
	vardiffs  map[string]*vardiff.Controller // keyed by Session.ID

	jobEvents <-chan bus.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool for one currency. bans is shared across every
// pool in the cluster, since the Banning Manager's address table is not
// per-currency (spec.md §4.7).
func New(cfg config.PoolConfig, b *bus.Bus, bans *ban.Manager) (*Pool, error) {
	family, err := resolveCoinFamily(cfg.CoinFamily)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.ID, err)
	}

	minerAddress := ""
	if len(cfg.RewardRecipients) > 0 {
		minerAddress = cfg.RewardRecipients[0].Address
	}

	p := &Pool{
		cfg:      cfg,
		family:   family,
		bus:      b,
		bans:     bans,
		vardiffs: make(map[string]*vardiff.Controller),
	}

	p.upstream = rpc.NewUpstreamManager(context.Background(), cfg.Daemons, minerAddress)
	p.jobs = job.New(cfg, family, p.upstream, b)
	p.validator = validator.New(family, p.jobs)
	p.server = stratum.New(cfg.ID, cfg.Stratums, p, bans)

	if cfg.WebSocket.Enabled {
		p.wsServer = stratum.NewWebSocketServer(cfg.WebSocket.Bind, p.server)
	}

	return p, nil
}

// Start brings the pool's upstream monitor, job manager, and stratum
// listeners up, in that dependency order. A failure here aborts this
// pool only; the cluster keeps serving its other pools (spec.md §9,
// generalized from the donor's single-pool startup sequence).
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.upstream.Start()

	if err := p.jobs.Start(p.ctx); err != nil {
		p.upstream.Stop()
		return fmt.Errorf("pool %s: %w", p.cfg.ID, err)
	}

	if err := p.server.Start(); err != nil {
		p.jobs.Stop()
		p.upstream.Stop()
		return fmt.Errorf("pool %s: %w", p.cfg.ID, err)
	}

	if p.wsServer != nil {
		if err := p.wsServer.Start(); err != nil {
			log.Warnf("pool %s: websocket transport failed to start: %v", p.cfg.ID, err)
		}
	}

	p.jobEvents = p.bus.Subscribe(bus.TopicJobs)
	p.wg.Add(1)
	go p.broadcastLoop()

	log.Infof("pool %s: started (coin family %s)", p.cfg.ID, p.family.Name())
	return nil
}

// Stop tears the pool down in reverse dependency order.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.wsServer != nil {
		p.wsServer.Stop()
	}
	p.server.Stop()
	p.jobs.Stop()
	p.upstream.Stop()
	log.Infof("pool %s: stopped", p.cfg.ID)
}

// broadcastLoop drives mining.notify/set_difficulty fan-out off the Job
// Manager's install events, applying each session's pending vardiff
// change (if any) in the same notification (spec.md §4.5).
func (p *Pool) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case evt, ok := <-p.jobEvents:
			if !ok {
				return
			}
			n, ok := evt.Payload.(job.Notification)
			if !ok || n.PoolID != p.cfg.ID {
				continue
			}
			p.announce(n)
		}
	}
}

func (p *Pool) announce(n job.Notification) {
	view, ok := p.jobs.Lookup(n.JobID)
	if !ok {
		log.Warnf("pool %s: announce: job %s vanished before broadcast", p.cfg.ID, n.JobID)
		return
	}

	headerHex := util.BytesToHexNoPrefix(view.Template())
	targetHex := util.BytesToHexNoPrefix(util.PadLeft(coinfamily.TargetForDifficulty(n.Difficulty).Bytes(), 32))

	p.server.Broadcast(n.JobID, headerHex, targetHex, n.Height, n.CleanJobs, func(s *stratum.Session) {
		ctrl := p.controllerFor(s.ID)
		if ctrl == nil {
			return
		}
		if _, pending := ctrl.PendingDifficulty(); pending {
			if applied, ok := ctrl.ApplyPending(); ok {
				s.NotifyDifficulty(applied)
			}
		}
	})
}

func (p *Pool) controllerFor(sessionID string) *vardiff.Controller {
	p.vardiffMu.Lock()
	defer p.vardiffMu.Unlock()
	return p.vardiffs[sessionID]
}

// OnConnect is a no-op hook point; nothing needs to happen before a
// session authenticates.
func (p *Pool) OnConnect(s *stratum.Session) {}

// OnDisconnect releases the session's vardiff controller.
func (p *Pool) OnDisconnect(s *stratum.Session) {
	p.vardiffMu.Lock()
	delete(p.vardiffs, s.ID)
	p.vardiffMu.Unlock()
}

// OnSubscribe handles mining.subscribe: marks the session subscribed,
// queues the session's starting difficulty and current job, if any, and
// returns its subscription ids and extra-nonce assignment as the reply,
// which is therefore sent after those notifications (spec.md §4.1/§4.2).
func (p *Pool) OnSubscribe(s *stratum.Session, req *stratum.Request) (interface{}, *stratum.RPCError) {
	s.MarkSubscribed()

	result := []interface{}{
		[][]string{
			{"mining.notify", s.ID},
			{"mining.set_difficulty", s.ID},
		},
		s.ExtraNonce1(),
		s.ExtraNonce2Size(),
	}

	s.NotifyDifficulty(s.Difficulty())

	if current := p.jobs.Current(); current != nil {
		headerHex := util.BytesToHexNoPrefix(current.Template())
		targetHex := util.BytesToHexNoPrefix(util.PadLeft(current.Target().Bytes(), 32))
		s.NotifyJob(current.ID(), headerHex, targetHex, current.Height(), true)
	}

	return result, nil
}

// OnAuthorize handles mining.authorize: "address.worker" login, one
// vardiff controller created per authorized session (spec.md §4.1,
// grounded on the donor's parseWorkerID convention).
func (p *Pool) OnAuthorize(s *stratum.Session, req *stratum.Request) (interface{}, *stratum.RPCError) {
	login := req.StringParam(0)
	if login == "" {
		return nil, &stratum.RPCError{Code: stratum.ErrCodeOther, Message: "invalid params"}
	}

	address, worker := parseWorkerID(login)
	if address == "" {
		return nil, &stratum.RPCError{Code: stratum.ErrCodeOther, Message: "invalid miner address"}
	}

	s.Authorize(address, worker)

	p.vardiffMu.Lock()
	p.vardiffs[s.ID] = vardiff.New(vardiffConfig(p.cfg.Vardiff), s.Difficulty(), nil)
	p.vardiffMu.Unlock()

	log.Infof("pool %s: session %s authorized as %s.%s", p.cfg.ID, s.ID, shortAddress(address), worker)
	return true, nil
}

// OnExtranonceSubscribe handles mining.extranonce.subscribe: this
// session's extra-nonce was already assigned at connect time, so there
// is nothing further to negotiate; acknowledge per spec.md §6.
func (p *Pool) OnExtranonceSubscribe(s *stratum.Session, req *stratum.Request) (interface{}, *stratum.RPCError) {
	return true, nil
}

// OnSubmit handles mining.submit: runs the Share Validator pipeline and
// translates its verdict into a stratum result/error (spec.md §4.4).
func (p *Pool) OnSubmit(s *stratum.Session, req *stratum.Request) (interface{}, *stratum.RPCError) {
	if !s.Subscribed() {
		return nil, &stratum.RPCError{Code: stratum.ErrCodeNotSubscribed, Message: "not subscribed"}
	}
	if !s.Authorized() {
		return nil, &stratum.RPCError{Code: stratum.ErrCodeUnauthorized, Message: "unauthorized worker"}
	}

	params := req.StringParams()
	if len(params) < 2 {
		p.reportInvalid(s)
		return nil, &stratum.RPCError{Code: stratum.ErrCodeOther, Message: "invalid params"}
	}
	jobID := params[1]

	networkDifficulty := 0.0
	if view, ok := p.jobs.Lookup(jobID); ok {
		networkDifficulty = view.Difficulty()
	}

	share, err := p.validator.Validate(validator.Request{
		PoolID:            p.cfg.ID,
		Worker:            s.Worker(),
		MinerAddress:      s.MinerAddress(),
		JobID:             jobID,
		WorkerExtraNonce:  s.ExtraNonce1(),
		Params:            params,
		ClaimedDifficulty: s.Difficulty(),
		NetworkDifficulty: networkDifficulty,
	})
	if err != nil {
		p.reportInvalid(s)
		if verr, ok := err.(*validator.ValidationError); ok {
			return nil, &stratum.RPCError{Code: int(verr.Code), Message: verr.Message}
		}
		return nil, &stratum.RPCError{Code: stratum.ErrCodeOther, Message: err.Error()}
	}

	if ctrl := p.controllerFor(s.ID); ctrl != nil {
		if _, retargeted := ctrl.RecordShare(); retargeted {
			s.MarkDifficultyPending()
		}
	}

	p.publish(share)
	return true, nil
}

func (p *Pool) reportInvalid(s *stratum.Session) {
	if p.bans == nil {
		return
	}
	p.bans.ReportInvalidShare(stratum.ExtractIP(s.RemoteAddr))
}

func (p *Pool) publish(share *validator.Share) {
	if p.bus == nil {
		return
	}

	p.bus.Publish(bus.TopicShares, &bus.Share{
		PoolID:            share.PoolID,
		Worker:            share.Worker,
		MinerAddress:      share.MinerAddress,
		ClaimedDifficulty: share.ClaimedDifficulty,
		ActualDifficulty:  share.ActualDifficulty,
		NetworkDifficulty: share.NetworkDifficulty,
		Height:            share.Height,
		IsBlockCandidate:  share.IsBlockCandidate,
		Source:            share.Source,
		CreatedAt:         share.CreatedAt,
		Nonce:             share.Nonce,
		MixHash:           share.MixHash,
		SolutionTxHash:    share.Hash,
	})

	if share.IsBlockCandidate {
		p.bus.Publish(bus.TopicAdmin, &bus.AdminNotification{
			Kind:      bus.AdminBlockAccepted,
			PoolID:    share.PoolID,
			Message:   fmt.Sprintf("block candidate found by %s at height %d", share.Worker, share.Height),
			Height:    share.Height,
			CreatedAt: share.CreatedAt,
		})
	}
}

// SessionCount and AuthorizedCount expose the stratum server's live
// connection counters for the stats/admin surface.
func (p *Pool) SessionCount() int    { return p.server.SessionCount() }
func (p *Pool) AuthorizedCount() int { return p.server.AuthorizedCount() }
func (p *Pool) BanCount() int        { return p.bans.Count() }

// parseWorkerID splits a stratum login of the form "address.worker"
// into its two parts, grounded on the donor's parseWorkerID. A login
// with no "." gets the worker name "default".
func parseWorkerID(login string) (address, worker string) {
	if idx := strings.Index(login, "."); idx != -1 {
		return login[:idx], login[idx+1:]
	}
	return login, "default"
}

func shortAddress(address string) string {
	if len(address) <= 16 {
		return address
	}
	return address[:16]
}

func vardiffConfig(cfg config.VardiffConfig) vardiff.Config {
	return vardiff.Config{
		MinDifficulty:    cfg.MinDifficulty,
		MaxDifficulty:    cfg.MaxDifficulty,
		TargetTime:       cfg.TargetTime,
		RetargetInterval: cfg.RetargetInterval,
		VariancePercent:  cfg.VariancePercent,
		SampleSize:       cfg.SampleSize,
	}
}
