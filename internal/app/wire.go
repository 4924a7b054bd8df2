package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/lendbot/internal/blob/s3"
	"github.com/alanyoungcy/lendbot/internal/cache/redis"
	"github.com/alanyoungcy/lendbot/internal/config"
	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/earnings"
	"github.com/alanyoungcy/lendbot/internal/irm"
	"github.com/alanyoungcy/lendbot/internal/metrics"
	"github.com/alanyoungcy/lendbot/internal/notify"
	"github.com/alanyoungcy/lendbot/internal/pipeline"
	"github.com/alanyoungcy/lendbot/internal/platform/subgraph"
	"github.com/alanyoungcy/lendbot/internal/rebalance"
	"github.com/alanyoungcy/lendbot/internal/server/handler"
	"github.com/alanyoungcy/lendbot/internal/service"
	"github.com/alanyoungcy/lendbot/internal/store/postgres"
)

// Dependencies bundles everything the operating modes need. It is built by
// Wire and torn down by the cleanup function Wire returns.
type Dependencies struct {
	// Stores
	MarketStore      domain.MarketStore
	PositionStore    domain.PositionStore
	TransactionStore domain.TransactionStore
	SnapshotStore    domain.SnapshotStore
	AuditStore       domain.AuditStore

	// Caches
	MarketCache *redis.MarketCache
	QueueStore  domain.QueueStore
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage; nil unless s3.enabled.
	BlobWriter    domain.BlobWriter
	BlobReader    domain.BlobReader
	AuditArchiver *s3blob.AuditArchiver

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	// Services
	Rebalance *service.RebalanceService
	Earnings  *service.EarningsService

	// Syncer is nil when no subgraph URL is configured.
	Syncer *pipeline.Syncer

	// HealthChecks probe each backing service for /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics:      metrics.Default(),
		HealthChecks: make(map[string]handler.HealthCheck),
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	stores := pgClient.Stores()
	deps.MarketStore = stores.Markets
	deps.PositionStore = stores.Positions
	deps.TransactionStore = stores.Transactions
	deps.SnapshotStore = stores.Snapshots
	deps.AuditStore = stores.Audit
	deps.HealthChecks["postgres"] = pgClient.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Rebalance.MarketCacheTTL.Duration)
	deps.QueueStore = redis.NewQueueStore(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.HealthChecks["redis"] = redisClient.Ping

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.AuditArchiver = s3blob.NewAuditArchiver(writer, deps.AuditStore)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	deps.Notifier = newNotifier(cfg.Notify, logger)

	// --- Rate model, allocator and calculator ---
	sim := newSimulator(cfg.Rebalance)
	engine := rebalance.NewEngine(sim,
		rebalance.WithRounds(cfg.Rebalance.Rounds),
		rebalance.WithLogger(logger),
		rebalance.WithMetrics(deps.Metrics),
	)
	calc := earnings.New(
		earnings.WithSecondsPerYear(cfg.Rebalance.SecondsPerYear),
		earnings.WithMetrics(deps.Metrics),
	)

	// --- Services ---
	rebalanceSvc := service.NewRebalanceService(
		deps.PositionStore, deps.MarketStore, deps.MarketCache,
		deps.QueueStore, deps.LockManager, deps.SignalBus,
		deps.AuditStore, engine, logger,
	).
		WithNotifier(deps.Notifier).
		WithMetrics(deps.Metrics).
		WithExcluded(cfg.Rebalance.ExcludedMarkets).
		WithLockTTL(cfg.Rebalance.QueueLockTTL.Duration)
	if deps.BlobWriter != nil {
		rebalanceSvc.WithReports(deps.BlobWriter)
	}
	deps.Rebalance = rebalanceSvc

	deps.Earnings = service.NewEarningsService(
		deps.PositionStore, deps.TransactionStore, deps.SnapshotStore, calc, logger,
	)

	// --- Indexer sync ---
	if cfg.Subgraph.URL != "" {
		client := subgraph.NewClient(subgraph.Config{
			URL:               cfg.Subgraph.URL,
			APIKey:            cfg.Subgraph.APIKey,
			PageSize:          cfg.Subgraph.PageSize,
			Timeout:           cfg.Subgraph.Timeout.Duration,
			RequestsPerMinute: cfg.Subgraph.RequestsPerMinute,
		})
		deps.Syncer = pipeline.NewSyncer(client,
			pipeline.Stores{
				Markets:      deps.MarketStore,
				Positions:    deps.PositionStore,
				Transactions: deps.TransactionStore,
				Snapshots:    deps.SnapshotStore,
			},
			deps.MarketCache,
			deps.SignalBus,
			pipeline.SyncConfig{
				ChainID:  cfg.Sync.ChainID,
				Wallets:  cfg.Sync.Wallets,
				Markets:  cfg.Sync.Markets,
				Backfill: cfg.Sync.Backfill.Duration,
			},
			logger,
		).
			WithNotifier(deps.Notifier).
			WithMetrics(deps.Metrics)
	}

	return deps, cleanup, nil
}

// newNotifier builds a Notifier over every channel with credentials.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}

// newSimulator registers every configured curve on top of the default one.
func newSimulator(cfg config.RebalanceConfig) *irm.Simulator {
	dc := cfg.DefaultCurve
	sim := irm.NewSimulator(irm.NewKinkedCurve(dc.BaseRate, dc.Slope1, dc.Slope2, dc.Kink))
	for _, cv := range cfg.Curves {
		sim.Register(common.HexToAddress(cv.IRM),
			irm.NewKinkedCurve(cv.BaseRate, cv.Slope1, cv.Slope2, cv.Kink))
	}
	return sim
}
