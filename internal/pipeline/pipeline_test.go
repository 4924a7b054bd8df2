package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/notify"
	"github.com/alanyoungcy/lendbot/internal/service"
)

const (
	walletA = "0x00000000000000000000000000000000000000aa"
	walletB = "0x00000000000000000000000000000000000000bb"
	marketA = "0xaaaa"
	marketB = "0xbbbb"
)

var syncNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	positions map[string][]domain.Position
	txs       map[string][]domain.Transaction
	history   map[string][]domain.BalanceSnapshot
	markets   []domain.Market
	failFor   string

	sinceSeen   map[string]time.Time
	marketCalls [][]string
}

func (f *fakeFetcher) FetchMarkets(_ context.Context, _ int64, ids []string) ([]domain.Market, error) {
	f.marketCalls = append(f.marketCalls, ids)
	return f.markets, nil
}

func (f *fakeFetcher) FetchPositions(_ context.Context, _ int64, wallet string) ([]domain.Position, error) {
	if wallet == f.failFor {
		return nil, errors.New("indexer unavailable")
	}
	return f.positions[wallet], nil
}

func (f *fakeFetcher) FetchTransactions(_ context.Context, _ int64, wallet string, since time.Time) ([]domain.Transaction, error) {
	if f.sinceSeen == nil {
		f.sinceSeen = make(map[string]time.Time)
	}
	f.sinceSeen[wallet] = since
	return f.txs[wallet], nil
}

func (f *fakeFetcher) FetchSupplyHistory(_ context.Context, _ int64, _ string, marketID string, _, _ time.Time) ([]domain.BalanceSnapshot, error) {
	h, ok := f.history[marketID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return h, nil
}

type memMarkets struct{ byID map[string]domain.Market }

func (s *memMarkets) Upsert(ctx context.Context, m domain.Market) error {
	return s.UpsertBatch(ctx, []domain.Market{m})
}

func (s *memMarkets) UpsertBatch(_ context.Context, markets []domain.Market) error {
	if s.byID == nil {
		s.byID = make(map[string]domain.Market)
	}
	for _, m := range markets {
		s.byID[m.ID] = m
	}
	return nil
}

func (s *memMarkets) GetByID(_ context.Context, id string) (domain.Market, error) {
	m, ok := s.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMarkets) ListByLoanAsset(context.Context, int64, string) ([]domain.Market, error) {
	return nil, nil
}

func (s *memMarkets) Count(context.Context) (int64, error) { return int64(len(s.byID)), nil }

type memPositions struct{ rows []domain.Position }

func (s *memPositions) UpsertBatch(_ context.Context, positions []domain.Position) error {
	s.rows = append(s.rows, positions...)
	return nil
}

func (s *memPositions) ListByWallet(context.Context, string) ([]domain.Position, error) {
	return s.rows, nil
}

func (s *memPositions) Get(context.Context, string, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

type memTransactions struct {
	rows []domain.Transaction
	last map[string]time.Time
}

func (s *memTransactions) InsertBatch(_ context.Context, txs []domain.Transaction) error {
	s.rows = append(s.rows, txs...)
	return nil
}

func (s *memTransactions) ListByPosition(context.Context, string, string, domain.ListOpts) ([]domain.Transaction, error) {
	return s.rows, nil
}

func (s *memTransactions) GetLastTimestamp(_ context.Context, wallet string) (time.Time, error) {
	return s.last[wallet], nil
}

type memSnapshots struct{ rows []domain.BalanceSnapshot }

func (s *memSnapshots) InsertBatch(_ context.Context, snaps []domain.BalanceSnapshot) error {
	s.rows = append(s.rows, snaps...)
	return nil
}

func (s *memSnapshots) GetAt(context.Context, string, string, time.Time) (domain.BalanceSnapshot, error) {
	return domain.BalanceSnapshot{}, domain.ErrNotFound
}

type memCache struct{ set []domain.Market }

func (c *memCache) SetMany(_ context.Context, markets []domain.Market) error {
	c.set = append(c.set, markets...)
	return nil
}

type memBus struct{ events []service.Event }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if channel != domain.ChannelSync {
		return errors.New("unexpected channel " + channel)
	}
	var ev service.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.events = append(b.events, ev)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

type recordingSender struct{ titles []string }

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

type syncFixture struct {
	syncer  *Syncer
	fetcher *fakeFetcher
	markets *memMarkets
	pos     *memPositions
	txs     *memTransactions
	snaps   *memSnapshots
	cache   *memCache
	bus     *memBus
	sender  *recordingSender
}

func position(wallet, marketID string, supply int64) domain.Position {
	return domain.Position{
		MarketID:     marketID,
		Wallet:       wallet,
		ChainID:      1,
		SupplyAssets: big.NewInt(supply),
		Market:       domain.Market{ID: marketID, ChainID: 1},
	}
}

func newSyncFixture(wallets ...string) *syncFixture {
	f := &syncFixture{
		fetcher: &fakeFetcher{
			positions: map[string][]domain.Position{
				walletA: {position(walletA, marketA, 100), position(walletA, marketB, 50)},
			},
			txs: map[string][]domain.Transaction{
				walletA: {{Hash: "0x1", MarketID: marketA, Wallet: walletA, Type: domain.TxTypeSupply, Assets: big.NewInt(100), Timestamp: syncNow.Add(-time.Hour)}},
			},
			history: map[string][]domain.BalanceSnapshot{
				marketA: {
					{MarketID: marketA, Wallet: walletA, SupplyAssets: big.NewInt(0), Timestamp: syncNow.Add(-2 * time.Hour)},
					{MarketID: marketA, Wallet: walletA, SupplyAssets: big.NewInt(100), Timestamp: syncNow.Add(-time.Hour)},
				},
			},
		},
		markets: &memMarkets{},
		pos:     &memPositions{},
		txs:     &memTransactions{last: map[string]time.Time{}},
		snaps:   &memSnapshots{},
		cache:   &memCache{},
		bus:     &memBus{},
		sender:  &recordingSender{},
	}
	stores := Stores{Markets: f.markets, Positions: f.pos, Transactions: f.txs, Snapshots: f.snaps}
	cfg := SyncConfig{ChainID: 1, Wallets: wallets, Backfill: 30 * 24 * time.Hour}
	n := notify.NewNotifier([]notify.Sender{f.sender}, []string{notify.EventSyncError}, quietLogger())
	f.syncer = NewSyncer(f.fetcher, stores, f.cache, f.bus, cfg, quietLogger()).WithNotifier(n)
	f.syncer.now = func() time.Time { return syncNow }
	return f
}

func TestSyncWalletFirstRun(t *testing.T) {
	f := newSyncFixture(walletA)

	res, err := f.syncer.SyncWallet(context.Background(), "0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)

	assert.Equal(t, SyncResult{Wallet: walletA, Markets: 2, Positions: 2, Transactions: 1, Snapshots: 4}, res)
	assert.Len(t, f.markets.byID, 2)
	assert.Len(t, f.cache.set, 2)
	assert.Len(t, f.pos.rows, 2)
	assert.Len(t, f.txs.rows, 1)

	// Two history points for A, none for B, plus one current snapshot each.
	require.Len(t, f.snaps.rows, 4)
	current := f.snaps.rows[len(f.snaps.rows)-1]
	assert.Equal(t, marketB, current.MarketID)
	assert.Equal(t, syncNow, current.Timestamp)

	assert.Equal(t, syncNow.Add(-30*24*time.Hour), f.fetcher.sinceSeen[walletA])

	require.Len(t, f.bus.events, 1)
	assert.Equal(t, service.EventSyncCompleted, f.bus.events[0].Type)
	assert.Equal(t, walletA, f.bus.events[0].Wallet)
}

func TestSyncWalletResumesFromLastTransaction(t *testing.T) {
	f := newSyncFixture(walletA)
	last := syncNow.Add(-3 * time.Hour)
	f.txs.last[walletA] = last

	_, err := f.syncer.SyncWallet(context.Background(), walletA)
	require.NoError(t, err)
	assert.Equal(t, last, f.fetcher.sinceSeen[walletA])
}

func TestRunContinuesPastFailingWallet(t *testing.T) {
	f := newSyncFixture(walletB, walletA)
	f.fetcher.failFor = walletB

	results, err := f.syncer.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer unavailable")

	require.Len(t, results, 1)
	assert.Equal(t, walletA, results[0].Wallet)

	assert.Equal(t, []string{"Sync failed"}, f.sender.titles)
	require.Len(t, f.bus.events, 2)
	assert.Equal(t, service.EventSyncFailed, f.bus.events[0].Type)
	assert.Equal(t, walletB, f.bus.events[0].Wallet)
}

func TestRunRefreshesWatchedMarkets(t *testing.T) {
	f := newSyncFixture()
	f.syncer.cfg.Markets = []string{"0xcccc"}
	f.fetcher.markets = []domain.Market{{ID: "0xcccc", ChainID: 1}}

	results, err := f.syncer.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.Equal(t, [][]string{{"0xcccc"}}, f.fetcher.marketCalls)
	assert.Contains(t, f.markets.byID, "0xcccc")
	assert.Len(t, f.cache.set, 1)
}

func TestMarketsOfDeduplicates(t *testing.T) {
	got := marketsOf([]domain.Position{
		position(walletA, marketB, 1),
		position(walletB, marketA, 1),
		position(walletB, marketB, 1),
		{MarketID: "orphan"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, marketA, got[0].ID)
	assert.Equal(t, marketB, got[1].ID)
}

func TestScheduleNext(t *testing.T) {
	tests := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"0 3 1 * *", time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC), time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
		{"30 0,12 * * *", time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC), time.Date(2025, 1, 1, 12, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseCron(tt.expr)
			require.NoError(t, err)
			got, err := s.Next(tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCronRejects(t *testing.T) {
	for _, expr := range []string{"* * *", "60 * * * *", "a * * * *", "*/0 * * * *", "5-1 * * * *", "0 0 0 * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

type fakeAudit struct {
	before time.Time
	n      int64
	err    error
}

func (a *fakeAudit) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	a.before = before
	return a.n, a.err
}

func TestArchiverRunUsesRetention(t *testing.T) {
	audit := &fakeAudit{n: 7}
	a := NewArchiver(audit, 90, quietLogger())
	a.now = func() time.Time { return syncNow }

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, syncNow.Add(-90*24*time.Hour), audit.before)

	audit.err = errors.New("s3 down")
	_, err = a.Run(context.Background())
	assert.ErrorContains(t, err, "s3 down")
}

func TestArchiverRejectsBadCron(t *testing.T) {
	a := NewArchiver(&fakeAudit{}, 90, quietLogger())
	assert.Error(t, a.RunCron(context.Background(), "not a cron"))
}

func TestOrchestratorStopsCleanly(t *testing.T) {
	f := newSyncFixture()
	archiver := NewArchiver(&fakeAudit{}, 90, quietLogger())
	o := NewOrchestrator(f.syncer, archiver, time.Minute, "0 3 1 * *", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, o.Run(ctx))
}
