// stratumd runs a cluster of currency mining pools: one stratum
// front-end, job manager, and share validator per configured coin,
// sharing one banning policy and one share relay/receiver fabric.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corepool/stratumd/internal/api"
	"github.com/corepool/stratumd/internal/ban"
	"github.com/corepool/stratumd/internal/bus"
	"github.com/corepool/stratumd/internal/config"
	"github.com/corepool/stratumd/internal/log"
	"github.com/corepool/stratumd/internal/notify"
	"github.com/corepool/stratumd/internal/pool"
	"github.com/corepool/stratumd/internal/relay"
	"github.com/corepool/stratumd/internal/storage"
	"github.com/corepool/stratumd/internal/telemetry"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stratumd v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Infof("stratumd v%s starting, cluster %q, %d pool(s) configured", version, cfg.ClusterName, len(cfg.Pools))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.New()
	defer eventBus.Close()

	banManager := ban.New(banningConfig(cfg.Banning), nil)
	banManager.Start()
	defer banManager.Stop()

	var store *storage.Client
	if cfg.Redis.Enabled {
		var err error
		store, err = storage.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.HashrateWindow)
		if err != nil {
			log.Errorf("failed to connect to redis, persistence disabled: %v", err)
		} else {
			store.Start(eventBus)
			defer store.Stop()
		}
	}

	notifier := notify.NewNotifier(notify.WebhookConfig{
		Enabled:      cfg.Notify.Enabled,
		PoolName:     cfg.Notify.PoolName,
		DiscordURL:   cfg.Notify.DiscordWebhookURL,
		TelegramBot:  cfg.Notify.TelegramBotToken,
		TelegramChat: cfg.Notify.TelegramChatID,
	})
	notifier.Start(eventBus)
	defer notifier.Stop()

	telemetryAgent := telemetry.NewAgent(cfg.Telemetry)
	if err := telemetryAgent.Start(eventBus); err != nil {
		log.Errorf("failed to start telemetry agent: %v", err)
	}
	defer telemetryAgent.Stop()

	var apiServer *api.Server
	if cfg.API.Enabled {
		var hashrate api.HashrateSource
		if store != nil {
			hashrate = store
		}
		apiServer = api.NewServer(cfg.API, hashrate)
	}

	var publisher *relay.Publisher
	if cfg.ShareRelay.PublishBind != "" {
		publisher = relay.NewPublisher(cfg.ClusterName, cfg.ShareRelay.PublishBind, wireFormat(cfg.ShareRelay.WireFormat))
		if err := publisher.Start(eventBus); err != nil {
			log.Errorf("failed to start share relay publisher: %v", err)
			publisher = nil
		} else {
			defer publisher.Stop()
		}
	}

	var receiver *relay.Receiver
	if len(cfg.ShareRelay.Subscriptions) > 0 {
		subs := make([]relay.Subscription, 0, len(cfg.ShareRelay.Subscriptions))
		for _, s := range cfg.ShareRelay.Subscriptions {
			subs = append(subs, relay.NewSubscription(s.RemoteCluster, s.Address, s.Topics))
		}
		receiver = relay.NewReceiver(subs, eventBus, nil)
		receiver.Start()
		defer receiver.Stop()
	}

	pools := make([]*pool.Pool, 0, len(cfg.Pools))
	for _, poolCfg := range cfg.Pools {
		if !poolCfg.Enabled {
			log.Infof("pool %s: disabled, skipping", poolCfg.ID)
			continue
		}

		p, err := pool.New(poolCfg, eventBus, banManager)
		if err != nil {
			log.Errorf("pool %s: failed to construct: %v", poolCfg.ID, err)
			continue
		}
		if err := p.Start(ctx); err != nil {
			log.Errorf("pool %s: failed to start: %v", poolCfg.ID, err)
			continue
		}
		pools = append(pools, p)
		if apiServer != nil {
			apiServer.RegisterPool(poolCfg.ID, p)
		}
	}

	if len(pools) == 0 {
		log.Fatal("no pool started successfully, exiting")
	}

	if apiServer != nil {
		if err := apiServer.Start(); err != nil {
			log.Errorf("failed to start api server: %v", err)
		} else {
			defer apiServer.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("stratumd started, press Ctrl+C to stop")
	<-sigChan
	log.Info("shutting down")

	for _, p := range pools {
		p.Stop()
	}
}

func banningConfig(cfg config.BanningConfig) ban.Config {
	return ban.Config{
		JunkBanDuration:    cfg.JunkBanDuration,
		InvalidShareWindow: cfg.InvalidShareWindow,
		InvalidShareLimit:  cfg.InvalidShareLimit,
		SweepInterval:      time.Minute,
	}
}

// wireFormat maps the configured relay wire format name to the
// relay package's frame-flag constant, defaulting to JSON for an
// empty or unrecognized value.
func wireFormat(name string) uint32 {
	if name == "binary" {
		return relay.WireFormatBinary
	}
	return relay.WireFormatJSON
}
