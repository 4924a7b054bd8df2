package service

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memPositions struct {
	byWallet map[string][]domain.Position
}

func (s *memPositions) UpsertBatch(_ context.Context, positions []domain.Position) error {
	if s.byWallet == nil {
		s.byWallet = make(map[string][]domain.Position)
	}
	for _, p := range positions {
		s.byWallet[p.Wallet] = append(s.byWallet[p.Wallet], p)
	}
	return nil
}

func (s *memPositions) ListByWallet(_ context.Context, wallet string) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(s.byWallet[wallet]))
	for _, p := range s.byWallet[wallet] {
		p.Market = p.Market.Clone()
		out = append(out, p)
	}
	return out, nil
}

func (s *memPositions) Get(_ context.Context, wallet, marketID string) (domain.Position, error) {
	for _, p := range s.byWallet[wallet] {
		if p.MarketID == marketID {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

type memMarkets struct {
	byID map[string]domain.Market
}

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

func (s *memMarkets) ListByLoanAsset(_ context.Context, chainID int64, loanAsset string) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range s.byID {
		if m.ChainID == chainID && m.Params.LoanToken.Hex() == loanAsset {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMarkets) Count(context.Context) (int64, error) { return int64(len(s.byID)), nil }

type memCache struct {
	byID map[string]domain.Market
}

func (c *memCache) Set(_ context.Context, m domain.Market) error {
	if c.byID == nil {
		c.byID = make(map[string]domain.Market)
	}
	c.byID[m.ID] = m
	return nil
}

func (c *memCache) Get(_ context.Context, id string) (domain.Market, error) {
	m, ok := c.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	delete(c.byID, id)
	return nil
}

type memQueues struct {
	byWallet map[string][]domain.RebalanceAction
	saves    int
}

func (q *memQueues) Load(_ context.Context, wallet string) ([]domain.RebalanceAction, error) {
	return append([]domain.RebalanceAction(nil), q.byWallet[wallet]...), nil
}

func (q *memQueues) Save(_ context.Context, wallet string, actions []domain.RebalanceAction) error {
	if q.byWallet == nil {
		q.byWallet = make(map[string][]domain.RebalanceAction)
	}
	q.saves++
	if len(actions) == 0 {
		delete(q.byWallet, wallet)
		return nil
	}
	q.byWallet[wallet] = append([]domain.RebalanceAction(nil), actions...)
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type published struct {
	channel string
	payload []byte
}

type memBus struct {
	msgs []published
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.msgs = append(b.msgs, published{channel: channel, payload: payload})
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBlob struct {
	paths []string
}

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	_, _ = io.Copy(io.Discard, data)
	b.paths = append(b.paths, path)
	return nil
}

type memTransactions struct {
	txs []domain.Transaction
}

func (s *memTransactions) InsertBatch(_ context.Context, txs []domain.Transaction) error {
	s.txs = append(s.txs, txs...)
	return nil
}

func (s *memTransactions) ListByPosition(_ context.Context, wallet, marketID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, tx := range s.txs {
		if tx.Wallet != wallet || tx.MarketID != marketID {
			continue
		}
		if opts.Since != nil && tx.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && tx.Timestamp.After(*opts.Until) {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memTransactions) GetLastTimestamp(_ context.Context, wallet string) (time.Time, error) {
	var last time.Time
	for _, tx := range s.txs {
		if tx.Wallet == wallet && tx.Timestamp.After(last) {
			last = tx.Timestamp
		}
	}
	return last, nil
}

type memSnapshots struct {
	snaps []domain.BalanceSnapshot
}

func (s *memSnapshots) InsertBatch(_ context.Context, snaps []domain.BalanceSnapshot) error {
	s.snaps = append(s.snaps, snaps...)
	return nil
}

func (s *memSnapshots) GetAt(_ context.Context, wallet, marketID string, t time.Time) (domain.BalanceSnapshot, error) {
	var (
		best  domain.BalanceSnapshot
		found bool
	)
	for _, snap := range s.snaps {
		if snap.Wallet != wallet || snap.MarketID != marketID || snap.Timestamp.After(t) {
			continue
		}
		if !found || snap.Timestamp.After(best.Timestamp) {
			best, found = snap, true
		}
	}
	if !found {
		return domain.BalanceSnapshot{}, domain.ErrNotFound
	}
	return best, nil
}

type recordingSender struct {
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

func amount(n int64) *big.Int { return big.NewInt(n) }
