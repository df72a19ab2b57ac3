// Package telemetry wraps New Relic APM as a bus subscriber: every
// share and admin event published on the Message Bus is mirrored into
// a custom event/metric, the same role internal/newrelic/newrelic.go
// (teacher) played when called directly from Master/StratumServer.
package telemetry

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/config"
	"github.com/corepool/stratumd/internal/log"
)

// Agent wraps a New Relic application and consumes bus events.
type Agent struct {
	cfg config.TelemetryConfig

	mu  sync.RWMutex
	app *newrelic.Application

	quit chan struct{}
}

// NewAgent constructs an Agent; Start must be called to connect.
func NewAgent(cfg config.TelemetryConfig) *Agent {
	return &Agent{cfg: cfg, quit: make(chan struct{})}
}

// Start initializes the New Relic connection and, if b is non-nil,
// begins mirroring share and admin events as custom events.
func (a *Agent) Start(b *bus.Bus) error {
	if !a.cfg.Enabled {
		log.Info("telemetry: disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		log.Warn("telemetry: license key not configured, disabling")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		log.Warnf("telemetry: connection timeout: %v (retrying in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	if b != nil {
		go a.consumeShares(b.Subscribe(bus.TopicShares))
		go a.consumeAdmin(b.Subscribe(bus.TopicAdmin))
	}

	log.Infof("telemetry: New Relic APM enabled for app %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the APM connection.
func (a *Agent) Stop() {
	close(a.quit)
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app != nil {
		app.Shutdown(10 * time.Second)
	}
}

func (a *Agent) consumeShares(events <-chan bus.Event) {
	for {
		select {
		case <-a.quit:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			share, ok := evt.Payload.(*bus.Share)
			if !ok {
				continue
			}
			a.recordCustomEvent("ShareSubmission", map[string]interface{}{
				"pool_id":    share.PoolID,
				"worker":     share.Worker,
				"difficulty": share.ActualDifficulty,
				"candidate":  share.IsBlockCandidate,
			})
		}
	}
}

func (a *Agent) consumeAdmin(events <-chan bus.Event) {
	for {
		select {
		case <-a.quit:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			n, ok := evt.Payload.(*bus.AdminNotification)
			if !ok {
				continue
			}
			a.recordCustomEvent("AdminNotification", map[string]interface{}{
				"pool_id": n.PoolID,
				"kind":    string(n.Kind),
				"height":  n.Height,
			})
		}
	}
}

func (a *Agent) recordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// UpdatePoolMetrics records point-in-time hashrate and session gauges
// for one pool. cmd/stratumd does not call it; gauges are recorded only
// when a caller invokes it.
func (a *Agent) UpdatePoolMetrics(poolID string, hashrate float64, sessions, authorized int) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()
	if app == nil {
		return
	}
	app.RecordCustomMetric("Custom/Pool/"+poolID+"/Hashrate", hashrate)
	app.RecordCustomMetric("Custom/Pool/"+poolID+"/Sessions", float64(sessions))
	app.RecordCustomMetric("Custom/Pool/"+poolID+"/Authorized", float64(authorized))
}
