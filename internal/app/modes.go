package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lendbot/internal/pipeline"
	"github.com/alanyoungcy/lendbot/internal/server"
	"github.com/alanyoungcy/lendbot/internal/server/handler"
	"github.com/alanyoungcy/lendbot/internal/server/ws"
	"github.com/alanyoungcy/lendbot/internal/service"
)

const (
	shutdownTimeout = 5 * time.Second
	// syncRequestTimeout bounds one on-demand sync through the API.
	syncRequestTimeout = 2 * time.Minute
)

// ServerMode serves the HTTP and WebSocket API only.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// SyncMode runs the indexer pipeline only.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startPipeline(ctx, g, deps); err != nil {
		return fmt.Errorf("sync mode: %w", err)
	}
	return g.Wait()
}

// MonitorMode runs the allocation monitor only.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startMonitor(ctx, g, deps)
	return g.Wait()
}

// FullMode runs every enabled subsystem: the pipeline, the monitor and the
// HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("sync", a.cfg.Sync.Enabled),
		slog.Bool("monitor", a.cfg.Monitor.Enabled),
		slog.Bool("server", a.cfg.Server.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Sync.Enabled {
		if err := a.startPipeline(ctx, g, deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	}
	if a.cfg.Monitor.Enabled {
		a.startMonitor(ctx, g, deps)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

// startPipeline runs wallet sync on its interval and, with S3 enabled, the
// audit archive on its cron.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Syncer == nil {
		return fmt.Errorf("subgraph.url is not configured")
	}

	var archiver *pipeline.Archiver
	if deps.AuditArchiver != nil && a.cfg.S3.ArchiveCron != "" {
		archiver = pipeline.NewArchiver(deps.AuditArchiver, a.cfg.S3.RetentionDays, a.logger)
	}
	orch := pipeline.NewOrchestrator(deps.Syncer, archiver,
		a.cfg.Sync.Interval.Duration, a.cfg.S3.ArchiveCron, a.logger)

	g.Go(func() error {
		return orch.Run(ctx)
	})
	return nil
}

// startMonitor runs the allocation monitor until ctx is cancelled.
func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	wallets := a.cfg.MonitorWallets()
	if len(wallets) == 0 {
		a.logger.WarnContext(ctx, "monitor: no wallets configured, monitor will idle")
	}
	mon := service.NewMonitorService(deps.Rebalance, deps.Notifier, service.MonitorConfig{
		Wallets:           wallets,
		Interval:          a.cfg.Monitor.Interval.Duration,
		MinImprovementBps: a.cfg.Monitor.MinImprovementBps,
		Cooldown:          a.cfg.Monitor.Cooldown.Duration,
	}, a.logger)

	g.Go(func() error {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("monitor: %w", err)
		}
		return nil
	})
}

// startHTTPServer builds the API server with its WebSocket hub and shuts it
// down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      a.startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.version, a.startedAt),
		Positions: handler.NewPositionHandler(deps.Rebalance, a.logger),
		Rebalance: handler.NewRebalanceHandler(deps.Rebalance, a.cfg.Sync.ChainID, a.logger),
		Earnings:  handler.NewEarningsHandler(deps.Earnings, a.logger),
	}
	if deps.Syncer != nil {
		handlers.Sync = handler.NewSyncHandler(deps.Syncer, syncRequestTimeout, a.logger)
	}
	if deps.BlobReader != nil {
		handlers.Reports = handler.NewReportHandler(deps.BlobReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, deps.Metrics, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
