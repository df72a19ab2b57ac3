// Package config loads the cluster-wide configuration document: the
// banning policy, relay endpoints, and the list of per-currency pools
// this process should run, generalizing the donor's single-coin
// Master/Slave split into spec.md's ClusterConfig/PoolConfig model.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ClusterConfig is the process-wide, immutable configuration document
// (spec.md §3).
type ClusterConfig struct {
	ClusterName string        `mapstructure:"cluster_name"`
	Banning     BanningConfig `mapstructure:"banning"`
	ShareRelay  RelayConfig   `mapstructure:"share_relay"`
	Pools       []PoolConfig  `mapstructure:"pools"`
	Redis       RedisConfig   `mapstructure:"redis"`
	API         APIConfig     `mapstructure:"api"`
	Notify      NotifyConfig  `mapstructure:"notify"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Log         LogConfig     `mapstructure:"log"`
}

// BanningConfig carries the policy bits spec.md §4.7 names.
type BanningConfig struct {
	BanOnJunkReceive   bool          `mapstructure:"ban_on_junk_receive"`
	BanOnInvalidShares bool          `mapstructure:"ban_on_invalid_shares"`
	JunkBanDuration    time.Duration `mapstructure:"junk_ban_duration"`
	InvalidShareWindow time.Duration `mapstructure:"invalid_share_window"`
	InvalidShareLimit  int           `mapstructure:"invalid_share_limit"`
}

// RelayConfig names the cluster's outbound publish endpoint and inbound
// subscribe endpoints (spec.md §4.6, §6).
type RelayConfig struct {
	PublishBind  string             `mapstructure:"publish_bind"`
	WireFormat   string             `mapstructure:"wire_format"` // "json" or "binary"
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

// SubscriptionConfig is one remote relay this cluster's Share Receiver
// connects to.
type SubscriptionConfig struct {
	RemoteCluster string   `mapstructure:"remote_cluster"`
	Address       string   `mapstructure:"address"`
	Topics        []string `mapstructure:"topics"`
}

// PoolConfig is one currency's immutable pool configuration (spec.md §3).
type PoolConfig struct {
	ID                   string             `mapstructure:"id"`
	CoinFamily           string             `mapstructure:"coin_family"`
	Enabled              bool               `mapstructure:"enabled"`
	Daemons              []DaemonConfig     `mapstructure:"daemons"`
	Stratums             []StratumListener  `mapstructure:"stratums"`
	BlockRefreshInterval time.Duration      `mapstructure:"block_refresh_interval"`
	EnableInternalStratum bool              `mapstructure:"enable_internal_stratum"`
	ExternalStratums     []SubscriptionConfig `mapstructure:"external_stratums"`
	RewardRecipients     []RewardRecipient  `mapstructure:"reward_recipients"`
	Vardiff              VardiffConfig      `mapstructure:"vardiff"`
	MaxBlockBacklog      uint64             `mapstructure:"max_block_backlog"`
	WebSocket            WebSocketConfig    `mapstructure:"websocket"`
}

// WebSocketConfig configures the optional websocket stratum transport
// that runs alongside a pool's TCP listeners.
type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// DaemonConfig is one coin-daemon RPC endpoint.
type DaemonConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Weight   int           `mapstructure:"weight"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Websocket string       `mapstructure:"websocket"` // push-mode URL, optional
}

// StratumListener describes one TCP listening endpoint for a pool.
type StratumListener struct {
	Address           string  `mapstructure:"address"`
	Port              int     `mapstructure:"port"`
	TLS               bool    `mapstructure:"tls"`
	TLSPFXPath        string  `mapstructure:"tls_pfx_path"`
	TLSPFXPassword    string  `mapstructure:"tls_pfx_password"`
	InitialDifficulty float64 `mapstructure:"initial_difficulty"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

// RewardRecipient is a fractional payout destination. Carried through
// from config for the (out-of-scope) payment processor to consume; the
// core does not interpret it.
type RewardRecipient struct {
	Address string  `mapstructure:"address"`
	Percent float64 `mapstructure:"percent"`
}

// VardiffConfig configures the per-pool adaptive difficulty controller
// (spec.md §4.5).
type VardiffConfig struct {
	MinDifficulty    float64       `mapstructure:"min_difficulty"`
	MaxDifficulty    float64       `mapstructure:"max_difficulty"`
	TargetTime       time.Duration `mapstructure:"target_time"`
	RetargetInterval time.Duration `mapstructure:"retarget_interval"`
	VariancePercent  float64       `mapstructure:"variance_percent"`
	SampleSize       int           `mapstructure:"sample_size"`
}

// RedisConfig configures the storage package's persistence client.
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	HashrateWindow time.Duration `mapstructure:"hashrate_window"`
}

// APIConfig configures the ambient stats/admin HTTP surface.
type APIConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Bind       string        `mapstructure:"bind"`
	StatsCache time.Duration `mapstructure:"stats_cache"`
	AdminToken string        `mapstructure:"admin_token"`
}

// NotifyConfig configures the webhook admin-notification sink.
type NotifyConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	PoolName          string `mapstructure:"pool_name"`
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
	TelegramBotToken  string `mapstructure:"telegram_bot_token"`
	TelegramChatID    string `mapstructure:"telegram_chat_id"`
}

// TelemetryConfig configures the optional APM integration.
type TelemetryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// LogConfig configures internal/log.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads the cluster configuration from configPath (or the default
// search locations) with environment overrides, applying defaults and
// validating the result.
func Load(configPath string) (*ClusterConfig, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/stratumd")
	}

	v.SetEnvPrefix("POOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg ClusterConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster_name", "default-cluster")

	v.SetDefault("banning.ban_on_junk_receive", true)
	v.SetDefault("banning.ban_on_invalid_shares", true)
	v.SetDefault("banning.junk_ban_duration", "30m")
	v.SetDefault("banning.invalid_share_window", "10m")
	v.SetDefault("banning.invalid_share_limit", 30)

	v.SetDefault("share_relay.wire_format", "binary")

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.hashrate_window", "10m")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks the cluster configuration for internal consistency.
func (c *ClusterConfig) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("cluster_name is required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}

	seen := make(map[string]bool, len(c.Pools))
	for i := range c.Pools {
		p := &c.Pools[i]
		if p.ID == "" {
			return fmt.Errorf("pools[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate pool id %q", p.ID)
		}
		seen[p.ID] = true

		if p.CoinFamily == "" {
			return fmt.Errorf("pools[%s].coin_family is required", p.ID)
		}
		if len(p.Daemons) == 0 {
			return fmt.Errorf("pools[%s] must declare at least one daemon endpoint", p.ID)
		}
		if p.MaxBlockBacklog == 0 {
			p.MaxBlockBacklog = 3
		}
		if p.BlockRefreshInterval <= 0 {
			p.BlockRefreshInterval = 500 * time.Millisecond
		}
		if err := p.Vardiff.validate(); err != nil {
			return fmt.Errorf("pools[%s].vardiff: %w", p.ID, err)
		}
	}

	return nil
}

func (v *VardiffConfig) validate() error {
	if v.MinDifficulty <= 0 {
		v.MinDifficulty = 1000
	}
	if v.MaxDifficulty <= 0 {
		v.MaxDifficulty = 1e12
	}
	if v.MinDifficulty > v.MaxDifficulty {
		return fmt.Errorf("min_difficulty must be <= max_difficulty")
	}
	if v.TargetTime <= 0 {
		v.TargetTime = 10 * time.Second
	}
	if v.RetargetInterval <= 0 {
		v.RetargetInterval = 90 * time.Second
	}
	if v.VariancePercent <= 0 {
		v.VariancePercent = 30
	}
	if v.SampleSize <= 0 {
		v.SampleSize = 8
	}
	return nil
}
