package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LENDBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LENDBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LENDBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LENDBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LENDBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LENDBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LENDBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LENDBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LENDBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LENDBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LENDBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LENDBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LENDBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LENDBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LENDBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LENDBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LENDBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LENDBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LENDBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LENDBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LENDBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "LENDBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LENDBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LENDBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LENDBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LENDBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchiveCron, "LENDBOT_S3_ARCHIVE_CRON")
	setInt(&cfg.S3.RetentionDays, "LENDBOT_S3_RETENTION_DAYS")

	// ── Subgraph ──
	setStr(&cfg.Subgraph.URL, "LENDBOT_SUBGRAPH_URL")
	setStr(&cfg.Subgraph.APIKey, "LENDBOT_SUBGRAPH_API_KEY")
	setInt(&cfg.Subgraph.PageSize, "LENDBOT_SUBGRAPH_PAGE_SIZE")
	setDuration(&cfg.Subgraph.Timeout, "LENDBOT_SUBGRAPH_TIMEOUT")
	setInt(&cfg.Subgraph.RequestsPerMinute, "LENDBOT_SUBGRAPH_REQUESTS_PER_MINUTE")

	// ── Rebalance ──
	setInt(&cfg.Rebalance.Rounds, "LENDBOT_REBALANCE_ROUNDS")
	setFloat64(&cfg.Rebalance.SecondsPerYear, "LENDBOT_REBALANCE_SECONDS_PER_YEAR")
	setStringSlice(&cfg.Rebalance.ExcludedMarkets, "LENDBOT_REBALANCE_EXCLUDED_MARKETS")
	setDuration(&cfg.Rebalance.QueueLockTTL, "LENDBOT_REBALANCE_QUEUE_LOCK_TTL")
	setDuration(&cfg.Rebalance.MarketCacheTTL, "LENDBOT_REBALANCE_MARKET_CACHE_TTL")

	// ── Sync ──
	setBool(&cfg.Sync.Enabled, "LENDBOT_SYNC_ENABLED")
	setInt64(&cfg.Sync.ChainID, "LENDBOT_SYNC_CHAIN_ID")
	setDuration(&cfg.Sync.Interval, "LENDBOT_SYNC_INTERVAL")
	setStringSlice(&cfg.Sync.Wallets, "LENDBOT_SYNC_WALLETS")
	setDuration(&cfg.Sync.Backfill, "LENDBOT_SYNC_BACKFILL")
	setStringSlice(&cfg.Sync.Markets, "LENDBOT_SYNC_MARKETS")

	// ── Monitor ──
	setBool(&cfg.Monitor.Enabled, "LENDBOT_MONITOR_ENABLED")
	setDuration(&cfg.Monitor.Interval, "LENDBOT_MONITOR_INTERVAL")
	setFloat64(&cfg.Monitor.MinImprovementBps, "LENDBOT_MONITOR_MIN_IMPROVEMENT_BPS")
	setStringSlice(&cfg.Monitor.Wallets, "LENDBOT_MONITOR_WALLETS")
	setDuration(&cfg.Monitor.Cooldown, "LENDBOT_MONITOR_COOLDOWN")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LENDBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LENDBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "LENDBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "LENDBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "LENDBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LENDBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LENDBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LENDBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LENDBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LENDBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LENDBOT_MODE")
	setStr(&cfg.LogLevel, "LENDBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
