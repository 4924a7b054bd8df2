// Package config defines the top-level configuration for lendbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LENDBOT_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Subgraph  SubgraphConfig  `toml:"subgraph"`
	Rebalance RebalanceConfig `toml:"rebalance"`
	Sync      SyncConfig      `toml:"sync"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters. Allocation reports
// are archived only when Enabled is set.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`

	// ArchiveCron schedules moving old audit entries to the bucket.
	ArchiveCron   string `toml:"archive_cron"`
	RetentionDays int    `toml:"retention_days"`
}

// SubgraphConfig holds the lending protocol indexer endpoint.
type SubgraphConfig struct {
	URL      string   `toml:"url"`
	APIKey   string   `toml:"api_key"`
	PageSize int      `toml:"page_size"`
	Timeout  duration `toml:"timeout"`

	// RequestsPerMinute throttles outgoing queries; 0 disables throttling.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// CurveConfig describes one kinked interest-rate curve. An empty IRM marks
// the default curve.
type CurveConfig struct {
	IRM      string  `toml:"irm"`
	BaseRate float64 `toml:"base_rate"`
	Slope1   float64 `toml:"slope1"`
	Slope2   float64 `toml:"slope2"`
	Kink     float64 `toml:"kink"`
}

// RebalanceConfig holds allocator and pending-queue parameters.
type RebalanceConfig struct {
	Rounds          int           `toml:"rounds"`
	SecondsPerYear  float64       `toml:"seconds_per_year"`
	ExcludedMarkets []string      `toml:"excluded_markets"`
	QueueLockTTL    duration      `toml:"queue_lock_ttl"`
	MarketCacheTTL  duration      `toml:"market_cache_ttl"`
	DefaultCurve    CurveConfig   `toml:"default_curve"`
	Curves          []CurveConfig `toml:"curves"`
}

// SyncConfig holds subgraph synchronisation parameters.
type SyncConfig struct {
	Enabled  bool     `toml:"enabled"`
	ChainID  int64    `toml:"chain_id"`
	Interval duration `toml:"interval"`
	Wallets  []string `toml:"wallets"`
	// Backfill bounds how far back the first transaction sync reaches.
	Backfill duration `toml:"backfill"`
	// Markets are refreshed even when no watched wallet holds them, so they
	// can be staged as destinations.
	Markets []string `toml:"markets"`
}

// MonitorConfig holds allocation-monitor parameters.
type MonitorConfig struct {
	Enabled           bool     `toml:"enabled"`
	Interval          duration `toml:"interval"`
	MinImprovementBps float64  `toml:"min_improvement_bps"`
	// Wallets defaults to sync.wallets when empty.
	Wallets  []string `toml:"wallets"`
	Cooldown duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "lendbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lendbot-reports",
			ForcePathStyle: true,
			ArchiveCron:    "0 3 1 * *",
			RetentionDays:  90,
		},
		Subgraph: SubgraphConfig{
			URL:               "https://blue-api.morpho.org/graphql",
			PageSize:          500,
			Timeout:           duration{30 * time.Second},
			RequestsPerMinute: 120,
		},
		Rebalance: RebalanceConfig{
			Rounds:         20,
			SecondsPerYear: 365 * 24 * 60 * 60,
			QueueLockTTL:   duration{5 * time.Second},
			MarketCacheTTL: duration{2 * time.Minute},
			DefaultCurve: CurveConfig{
				BaseRate: 0,
				Slope1:   0.04,
				Slope2:   0.75,
				Kink:     0.9,
			},
		},
		Sync: SyncConfig{
			Enabled:  true,
			ChainID:  1,
			Interval: duration{5 * time.Minute},
			Backfill: duration{365 * 24 * time.Hour},
		},
		Monitor: MonitorConfig{
			Enabled:           true,
			Interval:          duration{15 * time.Minute},
			MinImprovementBps: 25,
			Cooldown:          duration{6 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"rebalance_opportunity", "queue_changed", "sync_error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"sync":    true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sync, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.ArchiveCron != "" && len(strings.Fields(c.S3.ArchiveCron)) != 5 {
			errs = append(errs, "s3: archive_cron must have 5 fields")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
	}

	// Rebalance
	if c.Rebalance.Rounds < 1 {
		errs = append(errs, "rebalance: rounds must be >= 1")
	}
	if c.Rebalance.SecondsPerYear <= 0 {
		errs = append(errs, "rebalance: seconds_per_year must be > 0")
	}
	errs = append(errs, validateCurve("rebalance.default_curve", c.Rebalance.DefaultCurve, false)...)
	for i, cv := range c.Rebalance.Curves {
		errs = append(errs, validateCurve(fmt.Sprintf("rebalance.curves[%d]", i), cv, true)...)
	}

	// Sync
	if c.syncActive() {
		if c.Subgraph.URL == "" {
			errs = append(errs, "subgraph: url must not be empty when sync is enabled")
		}
		if c.Sync.Interval.Duration <= 0 {
			errs = append(errs, "sync: interval must be > 0")
		}
		if c.Sync.ChainID <= 0 {
			errs = append(errs, "sync: chain_id must be positive")
		}
	}
	for _, w := range c.Sync.Wallets {
		if !common.IsHexAddress(w) {
			errs = append(errs, fmt.Sprintf("sync: wallet %q is not a hex address", w))
		}
	}

	// Monitor
	if c.monitorActive() {
		if c.Monitor.Interval.Duration <= 0 {
			errs = append(errs, "monitor: interval must be > 0")
		}
		if c.Monitor.MinImprovementBps < 0 {
			errs = append(errs, "monitor: min_improvement_bps must be >= 0")
		}
	}
	for _, w := range c.Monitor.Wallets {
		if !common.IsHexAddress(w) {
			errs = append(errs, fmt.Sprintf("monitor: wallet %q is not a hex address", w))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MonitorWallets returns the wallets the monitor watches.
func (c *Config) MonitorWallets() []string {
	if len(c.Monitor.Wallets) > 0 {
		return c.Monitor.Wallets
	}
	return c.Sync.Wallets
}

func (c *Config) syncActive() bool {
	m := strings.ToLower(c.Mode)
	return m == "sync" || (m == "full" && c.Sync.Enabled)
}

func (c *Config) monitorActive() bool {
	m := strings.ToLower(c.Mode)
	return m == "monitor" || (m == "full" && c.Monitor.Enabled)
}

func validateCurve(name string, cv CurveConfig, needIRM bool) []string {
	var errs []string
	if needIRM && !common.IsHexAddress(cv.IRM) {
		errs = append(errs, fmt.Sprintf("%s: irm %q is not a hex address", name, cv.IRM))
	}
	if cv.BaseRate < 0 || cv.Slope1 < 0 || cv.Slope2 < 0 {
		errs = append(errs, name+": rates and slopes must be >= 0")
	}
	if cv.Kink <= 0 || cv.Kink > 1 {
		errs = append(errs, fmt.Sprintf("%s: kink must be in (0, 1], got %g", name, cv.Kink))
	}
	return errs
}
