package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	State    StateConfig    `koanf:"state"`
	Sync     SyncConfig     `koanf:"sync"`
	Dedup    DedupConfig    `koanf:"dedup"`
	Bus      BusConfig      `koanf:"bus"`
	Daemon   DaemonConfig   `koanf:"daemon"`
	Adapters AdaptersConfig `koanf:"adapters"`
	Manifest ManifestConfig `koanf:"manifest"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type StateConfig struct {
	Dir          string `koanf:"dir"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
	StaleLockTTL string `koanf:"stale_lock_ttl"`
}

type SyncConfig struct {
	Workers             int    `koanf:"workers"`
	TokenRefreshEvery   string `koanf:"token_refresh_every"`
	RenewalEvery        string `koanf:"renewal_every"`
	PollEvery           string `koanf:"poll_every"`
	DedupTrimEvery      string `koanf:"dedup_trim_every"`
	MaxPagesPerCycle    int    `koanf:"max_pages_per_cycle"`
	ShutdownGracePeriod string `koanf:"shutdown_grace_period"`
}

type DedupConfig struct {
	Capacity int    `koanf:"capacity"`
	TTL      string `koanf:"ttl"`
}

type BusConfig struct {
	QueueSize     int    `koanf:"queue_size"`
	SubmitTimeout string `koanf:"submit_timeout"`
	DrainTimeout  string `koanf:"drain_timeout"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
}

type ManifestConfig struct {
	Path string `koanf:"path"`
}

type AdaptersConfig struct {
	Graph   GraphConfig   `koanf:"graph"`
	Forum   ForumConfig   `koanf:"forum"`
	Botfeed BotfeedConfig `koanf:"botfeed"`
	Slack   SlackConfig   `koanf:"slack"`
}

// GraphConfig configures the Teams-like enterprise chat adapter
// (change-notification subscriptions plus inbound webhooks).
type GraphConfig struct {
	Enabled           bool   `koanf:"enabled"`
	BaseURL           string `koanf:"base_url"`
	TokenURL          string `koanf:"token_url"`
	ClientID          string `koanf:"client_id"`
	ClientSecret      string `koanf:"client_secret"`
	Grant             string `koanf:"grant"`
	RefreshBuffer     string `koanf:"refresh_buffer"`
	SubscriptionLease string `koanf:"subscription_lease"`
	RenewalLead       string `koanf:"renewal_lead"`
	NotificationURL   string `koanf:"notification_url"`
	CallTimeout       string `koanf:"call_timeout"`
}

// ForumConfig configures the community/forum adapter (cursor-based listing).
type ForumConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BaseURL       string `koanf:"base_url"`
	TokenURL      string `koanf:"token_url"`
	ClientID      string `koanf:"client_id"`
	ClientSecret  string `koanf:"client_secret"`
	Username      string `koanf:"username"`
	Password      string `koanf:"password"`
	Grant         string `koanf:"grant"`
	RefreshBuffer string `koanf:"refresh_buffer"`
	CallTimeout   string `koanf:"call_timeout"`
	PageSize      int    `koanf:"page_size"`
}

// BotfeedConfig configures the bot-messaging adapter (long-poll updates).
type BotfeedConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BotToken      string `koanf:"bot_token"`
	UpdateTimeout int    `koanf:"update_timeout"`
}

// SlackConfig configures the Slack events adapter (signed webhook delivery)
// and the optional egress channel for publishing synced events.
type SlackConfig struct {
	Enabled       bool   `koanf:"enabled"`
	SigningSecret string `koanf:"signing_secret"`
	BotToken      string `koanf:"bot_token"`
	NotifyChannel string `koanf:"notify_channel"`
}

const (
	DefaultServerPort            = 8484
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "10s"
	DefaultServerWriteTimeout    = "10s"
	DefaultServerIdleTimeout     = "60s"
	DefaultServerShutdownTimeout = "5s"

	DefaultStateLockRetry    = "100ms"
	DefaultStateLockMaxRetry = 300
	DefaultStateStaleLockTTL = "15m"

	DefaultSyncWorkers             = 4
	DefaultSyncTokenRefreshEvery   = "@every 1m"
	DefaultSyncRenewalEvery        = "@every 5m"
	DefaultSyncPollEvery           = "@every 30s"
	DefaultSyncDedupTrimEvery      = "@every 10m"
	DefaultSyncMaxPagesPerCycle    = 10
	DefaultSyncShutdownGracePeriod = "15s"

	DefaultDedupCapacity = 10000
	DefaultDedupTTL      = "24h"

	DefaultBusQueueSize     = 1000
	DefaultBusSubmitTimeout = "500ms"
	DefaultBusDrainTimeout  = "5s"

	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonPreflightTimeout       = "10s"

	DefaultGrant             = "client_credentials"
	DefaultRefreshBuffer     = "2m"
	DefaultSubscriptionLease = "1h"
	DefaultRenewalLead       = "10m"
	DefaultCallTimeout       = "30s"
	DefaultForumPageSize     = 100
	DefaultBotfeedTimeout    = 60
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                       DefaultServerPort,
		"server.log_level":                  DefaultServerLogLevel,
		"server.read_timeout":               DefaultServerReadTimeout,
		"server.write_timeout":              DefaultServerWriteTimeout,
		"server.idle_timeout":               DefaultServerIdleTimeout,
		"server.shutdown_timeout":           DefaultServerShutdownTimeout,
		"state.dir":                         filepath.Join(os.Getenv("HOME"), ".kakehashi", "state"),
		"state.lock_retry":                  DefaultStateLockRetry,
		"state.lock_max_retry":              DefaultStateLockMaxRetry,
		"state.stale_lock_ttl":              DefaultStateStaleLockTTL,
		"sync.workers":                      DefaultSyncWorkers,
		"sync.token_refresh_every":          DefaultSyncTokenRefreshEvery,
		"sync.renewal_every":                DefaultSyncRenewalEvery,
		"sync.poll_every":                   DefaultSyncPollEvery,
		"sync.dedup_trim_every":             DefaultSyncDedupTrimEvery,
		"sync.max_pages_per_cycle":          DefaultSyncMaxPagesPerCycle,
		"sync.shutdown_grace_period":        DefaultSyncShutdownGracePeriod,
		"dedup.capacity":                    DefaultDedupCapacity,
		"dedup.ttl":                         DefaultDedupTTL,
		"bus.queue_size":                    DefaultBusQueueSize,
		"bus.submit_timeout":                DefaultBusSubmitTimeout,
		"bus.drain_timeout":                 DefaultBusDrainTimeout,
		"daemon.shutdown_timeout":           DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":      DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":   DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":          DefaultDaemonPreflightTimeout,
		"manifest.path":                     filepath.Join(os.Getenv("HOME"), ".kakehashi", "resources.yaml"),
		"adapters.graph.grant":              DefaultGrant,
		"adapters.graph.refresh_buffer":     DefaultRefreshBuffer,
		"adapters.graph.subscription_lease": DefaultSubscriptionLease,
		"adapters.graph.renewal_lead":       DefaultRenewalLead,
		"adapters.graph.call_timeout":       DefaultCallTimeout,
		"adapters.forum.grant":              "password",
		"adapters.forum.refresh_buffer":     DefaultRefreshBuffer,
		"adapters.forum.call_timeout":       DefaultCallTimeout,
		"adapters.forum.page_size":          DefaultForumPageSize,
		"adapters.botfeed.update_timeout":   DefaultBotfeedTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kakehashi", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("KAKEHASHI_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KAKEHASHI_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Post-Process: Inject standard Env Vars if missing
	if secret := os.Getenv("KAKEHASHI_GRAPH_CLIENT_SECRET"); secret != "" && cfg.Adapters.Graph.ClientSecret == "" {
		cfg.Adapters.Graph.ClientSecret = secret
	}
	if secret := os.Getenv("KAKEHASHI_FORUM_CLIENT_SECRET"); secret != "" && cfg.Adapters.Forum.ClientSecret == "" {
		cfg.Adapters.Forum.ClientSecret = secret
	}
	if token := os.Getenv("KAKEHASHI_BOT_TOKEN"); token != "" && cfg.Adapters.Botfeed.BotToken == "" {
		cfg.Adapters.Botfeed.BotToken = token
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" && cfg.Adapters.Slack.BotToken == "" {
		cfg.Adapters.Slack.BotToken = token
	}
	if secret := os.Getenv("SLACK_SIGNING_SECRET"); secret != "" && cfg.Adapters.Slack.SigningSecret == "" {
		cfg.Adapters.Slack.SigningSecret = secret
	}

	return &cfg, nil
}
