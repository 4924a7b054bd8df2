package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/metrics"
	"github.com/alanyoungcy/lendbot/internal/server/handler"
	"github.com/alanyoungcy/lendbot/internal/server/middleware"
	"github.com/alanyoungcy/lendbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit requests per RateWindow per client IP; zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Sync and Reports are optional; their routes are only mounted when set.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Rebalance *handler.RebalanceHandler
	Earnings  *handler.EarningsHandler
	Sync      *handler.SyncHandler
	Reports   *handler.ReportHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths skip authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer creates a new Server with all routes registered on the ServeMux
// and the middleware chain applied. limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, m, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)

	mux.HandleFunc("GET /api/rebalance/allocation", handlers.Rebalance.GetAllocation)
	mux.HandleFunc("GET /api/rebalance/queue", handlers.Rebalance.GetQueue)
	mux.HandleFunc("POST /api/rebalance/queue", handlers.Rebalance.Stage)
	mux.HandleFunc("POST /api/rebalance/queue/allocation", handlers.Rebalance.StageAllocation)
	mux.HandleFunc("DELETE /api/rebalance/queue/{id}", handlers.Rebalance.Remove)

	mux.HandleFunc("GET /api/earnings", handlers.Earnings.GetEarnings)
	mux.HandleFunc("GET /api/earnings/summary", handlers.Earnings.GetSummary)

	if handlers.Sync != nil {
		mux.HandleFunc("POST /api/sync", handlers.Sync.TriggerSync)
	}
	if handlers.Reports != nil {
		mux.HandleFunc("GET /api/reports", handlers.Reports.ListReports)
		mux.HandleFunc("GET /api/reports/latest", handlers.Reports.LatestReport)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger, m)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
