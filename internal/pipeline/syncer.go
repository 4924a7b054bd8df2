package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/metrics"
	"github.com/alanyoungcy/lendbot/internal/notify"
	"github.com/alanyoungcy/lendbot/internal/service"
)

// Fetcher retrieves lending state from the indexer.
type Fetcher interface {
	FetchMarkets(ctx context.Context, chainID int64, ids []string) ([]domain.Market, error)
	FetchPositions(ctx context.Context, chainID int64, wallet string) ([]domain.Position, error)
	FetchTransactions(ctx context.Context, chainID int64, wallet string, since time.Time) ([]domain.Transaction, error)
	FetchSupplyHistory(ctx context.Context, chainID int64, wallet, marketID string, start, end time.Time) ([]domain.BalanceSnapshot, error)
}

// MarketBatchCache writes many markets to the cache in one round trip.
type MarketBatchCache interface {
	SetMany(ctx context.Context, markets []domain.Market) error
}

// Stores groups the persistence targets of a sync run.
type Stores struct {
	Markets      domain.MarketStore
	Positions    domain.PositionStore
	Transactions domain.TransactionStore
	Snapshots    domain.SnapshotStore
}

// SyncConfig configures a Syncer.
type SyncConfig struct {
	ChainID int64
	Wallets []string
	// Markets are refreshed regardless of whether a wallet holds them.
	Markets []string
	// Backfill bounds the first transaction and snapshot sync of a wallet.
	Backfill time.Duration
}

// SyncResult counts what one wallet sync wrote.
type SyncResult struct {
	Wallet       string `json:"wallet"`
	Markets      int    `json:"markets"`
	Positions    int    `json:"positions"`
	Transactions int    `json:"transactions"`
	Snapshots    int    `json:"snapshots"`
}

// Syncer pulls markets, positions, transactions and balance snapshots for
// watched wallets from the indexer into Postgres and the market cache.
type Syncer struct {
	fetcher  Fetcher
	stores   Stores
	cache    MarketBatchCache
	bus      domain.SignalBus
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	cfg      SyncConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewSyncer creates a Syncer. cache and bus may be nil.
func NewSyncer(fetcher Fetcher, stores Stores, cache MarketBatchCache, bus domain.SignalBus, cfg SyncConfig, logger *slog.Logger) *Syncer {
	return &Syncer{
		fetcher: fetcher,
		stores:  stores,
		cache:   cache,
		bus:     bus,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "syncer")),
	}
}

// WithNotifier sends sync failures to the given notifier.
func (s *Syncer) WithNotifier(n *notify.Notifier) *Syncer {
	s.notifier = n
	return s
}

// WithMetrics records per-stage sync outcomes.
func (s *Syncer) WithMetrics(m *metrics.Metrics) *Syncer {
	s.metrics = m
	return s
}

// Run executes one sync pass over every watched wallet and the extra
// markets. A failing wallet does not stop the others; all failures are
// joined into the returned error.
func (s *Syncer) Run(ctx context.Context) ([]SyncResult, error) {
	var (
		results []SyncResult
		errs    []error
	)

	if n, err := s.syncMarkets(ctx, s.cfg.Markets); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "syncer: refreshed watched markets", slog.Int("count", n))
	}

	for _, wallet := range s.cfg.Wallets {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("syncer: context cancelled: %w", err)
		}
		res, err := s.SyncWallet(ctx, wallet)
		if err != nil {
			errs = append(errs, err)
			s.reportFailure(ctx, res.Wallet, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// RunLoop runs the syncer on a repeating interval until ctx is cancelled.
func (s *Syncer) RunLoop(ctx context.Context, interval time.Duration) error {
	s.runAndLog(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer: loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Syncer) runAndLog(ctx context.Context) {
	start := time.Now()
	results, err := s.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "syncer: run failed", slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "syncer: run complete",
		slog.Int("wallets_synced", len(results)),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// SyncWallet refreshes one wallet: its positions and their markets, then
// transactions since the last stored one, then balance snapshots.
func (s *Syncer) SyncWallet(ctx context.Context, wallet string) (SyncResult, error) {
	wallet = domain.NormalizeWallet(wallet)
	res := SyncResult{Wallet: wallet}

	positions, err := s.fetcher.FetchPositions(ctx, s.cfg.ChainID, wallet)
	s.metrics.ObserveSync("positions", err)
	if err != nil {
		return res, fmt.Errorf("syncer: fetch positions for %s: %w", wallet, err)
	}

	markets := marketsOf(positions)
	if err := s.storeMarkets(ctx, markets); err != nil {
		return res, err
	}
	res.Markets = len(markets)

	if err := s.stores.Positions.UpsertBatch(ctx, positions); err != nil {
		return res, fmt.Errorf("syncer: upsert positions for %s: %w", wallet, err)
	}
	res.Positions = len(positions)

	since, err := s.since(ctx, wallet)
	if err != nil {
		return res, err
	}

	txs, err := s.fetcher.FetchTransactions(ctx, s.cfg.ChainID, wallet, since)
	s.metrics.ObserveSync("transactions", err)
	if err != nil {
		return res, fmt.Errorf("syncer: fetch transactions for %s: %w", wallet, err)
	}
	if len(txs) > 0 {
		if err := s.stores.Transactions.InsertBatch(ctx, txs); err != nil {
			return res, fmt.Errorf("syncer: insert transactions for %s: %w", wallet, err)
		}
	}
	res.Transactions = len(txs)

	n, err := s.syncSnapshots(ctx, wallet, positions, since)
	s.metrics.ObserveSync("snapshots", err)
	if err != nil {
		return res, err
	}
	res.Snapshots = n

	s.publish(ctx, service.Event{Type: service.EventSyncCompleted, Wallet: wallet, Data: res})
	s.logger.InfoContext(ctx, "syncer: wallet synced",
		slog.String("wallet", wallet),
		slog.Int("positions", res.Positions),
		slog.Int("transactions", res.Transactions),
		slog.Int("snapshots", res.Snapshots),
	)
	return res, nil
}

// since is the timestamp of the latest stored transaction, or the backfill
// horizon for a wallet seen for the first time.
func (s *Syncer) since(ctx context.Context, wallet string) (time.Time, error) {
	last, err := s.stores.Transactions.GetLastTimestamp(ctx, wallet)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return time.Time{}, fmt.Errorf("syncer: last transaction for %s: %w", wallet, err)
	}
	if !last.IsZero() {
		return last, nil
	}
	if s.cfg.Backfill > 0 {
		return s.now().Add(-s.cfg.Backfill).UTC(), nil
	}
	return time.Unix(0, 0).UTC(), nil
}

// syncSnapshots stores the indexer's supply history since the given time
// plus a snapshot of the current balance of every position. History that is
// missing for a market is not an error.
func (s *Syncer) syncSnapshots(ctx context.Context, wallet string, positions []domain.Position, since time.Time) (int, error) {
	now := s.now().UTC()
	var snaps []domain.BalanceSnapshot
	for _, p := range positions {
		history, err := s.fetcher.FetchSupplyHistory(ctx, s.cfg.ChainID, wallet, p.MarketID, since, now)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return 0, fmt.Errorf("syncer: supply history for %s in %s: %w", wallet, p.MarketID, err)
		default:
			snaps = append(snaps, history...)
		}
		snaps = append(snaps, domain.BalanceSnapshot{
			MarketID:     p.MarketID,
			Wallet:       wallet,
			SupplyAssets: p.SupplyAssets,
			Timestamp:    now,
		})
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	if err := s.stores.Snapshots.InsertBatch(ctx, snaps); err != nil {
		return 0, fmt.Errorf("syncer: insert snapshots for %s: %w", wallet, err)
	}
	return len(snaps), nil
}

func (s *Syncer) syncMarkets(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	markets, err := s.fetcher.FetchMarkets(ctx, s.cfg.ChainID, ids)
	s.metrics.ObserveSync("markets", err)
	if err != nil {
		return 0, fmt.Errorf("syncer: fetch markets: %w", err)
	}
	if err := s.storeMarkets(ctx, markets); err != nil {
		return 0, err
	}
	return len(markets), nil
}

// storeMarkets persists markets and refreshes the cache. A cache failure is
// logged; the next read falls back to the store.
func (s *Syncer) storeMarkets(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	if err := s.stores.Markets.UpsertBatch(ctx, markets); err != nil {
		return fmt.Errorf("syncer: upsert %d markets: %w", len(markets), err)
	}
	if s.cache == nil {
		return nil
	}
	if err := s.cache.SetMany(ctx, markets); err != nil {
		s.logger.WarnContext(ctx, "syncer: cache markets failed", slog.String("error", err.Error()))
	}
	return nil
}

func (s *Syncer) publish(ctx context.Context, ev service.Event) {
	if s.bus == nil {
		return
	}
	ev.At = s.now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelSync, payload); err != nil {
		s.logger.WarnContext(ctx, "syncer: publish failed", slog.String("error", err.Error()))
	}
}

func (s *Syncer) reportFailure(ctx context.Context, wallet string, cause error) {
	s.logger.ErrorContext(ctx, "syncer: wallet sync failed",
		slog.String("wallet", wallet),
		slog.String("error", cause.Error()),
	)
	s.publish(ctx, service.Event{
		Type:   service.EventSyncFailed,
		Wallet: wallet,
		Data:   map[string]string{"error": cause.Error()},
	})
	if s.notifier.Enabled(notify.EventSyncError) {
		body := fmt.Sprintf("wallet %s: %s", wallet, cause.Error())
		if err := s.notifier.Notify(ctx, notify.EventSyncError, "Sync failed", body); err != nil {
			s.logger.WarnContext(ctx, "syncer: notify failed", slog.String("error", err.Error()))
		}
	}
}

// marketsOf returns the distinct markets carried by positions, ordered by ID.
func marketsOf(positions []domain.Position) []domain.Market {
	seen := make(map[string]domain.Market, len(positions))
	for _, p := range positions {
		id := strings.ToLower(p.Market.ID)
		if id == "" {
			continue
		}
		seen[id] = p.Market
	}
	out := make([]domain.Market, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
