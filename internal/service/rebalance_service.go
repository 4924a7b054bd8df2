package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/lendbot/internal/blob/s3"
	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/metrics"
	"github.com/alanyoungcy/lendbot/internal/notify"
	"github.com/alanyoungcy/lendbot/internal/rebalance"
)

// DefaultQueueLockTTL bounds how long one queue edit may hold the wallet lock.
const DefaultQueueLockTTL = 5 * time.Second

// StageRequest is a user's request to stage a move between two markets.
type StageRequest struct {
	FromMarket string
	ToMarket   string
	Amount     *big.Int
	UseMax     bool
}

// PendingQueue is a wallet's staged actions with their net effect per market.
type PendingQueue struct {
	Wallet  string                   `json:"wallet"`
	Actions []domain.RebalanceAction `json:"actions"`
	Deltas  map[string]*big.Int      `json:"deltas"`
}

// AllocationReport is the document archived for every computed allocation.
type AllocationReport struct {
	Wallet     string                `json:"wallet"`
	ComputedAt time.Time             `json:"computed_at"`
	Allocation *rebalance.Allocation `json:"allocation"`
}

// RebalanceService runs the allocator over a wallet's stored positions and
// owns the wallet's pending rebalance queue.
type RebalanceService struct {
	positions domain.PositionStore
	markets   domain.MarketStore
	cache     domain.MarketCache
	queues    domain.QueueStore
	locks     domain.LockManager
	bus       domain.SignalBus
	audit     domain.AuditStore
	engine    *rebalance.Engine
	logger    *slog.Logger

	reports  domain.BlobWriter
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	excluded []string
	lockTTL  time.Duration
	now      func() time.Time
}

// NewRebalanceService creates a RebalanceService with all required
// dependencies.
func NewRebalanceService(
	positions domain.PositionStore,
	markets domain.MarketStore,
	cache domain.MarketCache,
	queues domain.QueueStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	engine *rebalance.Engine,
	logger *slog.Logger,
) *RebalanceService {
	return &RebalanceService{
		positions: positions,
		markets:   markets,
		cache:     cache,
		queues:    queues,
		locks:     locks,
		bus:       bus,
		audit:     audit,
		engine:    engine,
		logger:    logger.With(slog.String("component", "rebalance_service")),
		lockTTL:   DefaultQueueLockTTL,
		now:       time.Now,
	}
}

// WithReports archives every computed allocation through w.
func (s *RebalanceService) WithReports(w domain.BlobWriter) *RebalanceService {
	s.reports = w
	return s
}

// WithNotifier sends queue changes to chat channels.
func (s *RebalanceService) WithNotifier(n *notify.Notifier) *RebalanceService {
	s.notifier = n
	return s
}

// WithMetrics records queue operations.
func (s *RebalanceService) WithMetrics(m *metrics.Metrics) *RebalanceService {
	s.metrics = m
	return s
}

// WithExcluded sets markets that are never allocated to, on top of any
// per-request exclusions.
func (s *RebalanceService) WithExcluded(ids []string) *RebalanceService {
	s.excluded = normalizeIDs(ids)
	return s
}

// WithLockTTL overrides DefaultQueueLockTTL.
func (s *RebalanceService) WithLockTTL(d time.Duration) *RebalanceService {
	if d > 0 {
		s.lockTTL = d
	}
	return s
}

// WithClock overrides the time source used for action timestamps.
func (s *RebalanceService) WithClock(now func() time.Time) *RebalanceService {
	if now != nil {
		s.now = now
	}
	return s
}

// Groups returns the wallet's positions grouped by loan asset and chain,
// with market state refreshed from the cache where available.
func (s *RebalanceService) Groups(ctx context.Context, wallet string) ([]domain.GroupedPosition, error) {
	positions, err := s.positions.ListByWallet(ctx, domain.NormalizeWallet(wallet))
	if err != nil {
		return nil, fmt.Errorf("rebalance_service: list positions: %w", err)
	}
	for i := range positions {
		positions[i].Market = s.freshMarket(ctx, positions[i])
	}
	return domain.GroupPositions(positions), nil
}

// ComputeAllocation runs the allocator for one group of the wallet. A nil
// allocation with a nil error means there is nothing to rebalance.
func (s *RebalanceService) ComputeAllocation(ctx context.Context, wallet string, chainID int64, loanAsset common.Address, excluded []string) (*rebalance.Allocation, error) {
	wallet = domain.NormalizeWallet(wallet)
	gp, err := s.group(ctx, wallet, chainID, loanAsset)
	if err != nil {
		return nil, err
	}

	alloc, ok := s.engine.ComputeAllocation(gp, s.exclusions(excluded))
	if !ok {
		s.logger.DebugContext(ctx, "rebalance_service: nothing to rebalance",
			slog.String("wallet", wallet),
			slog.String("loan_asset", loanAsset.Hex()),
		)
		return nil, nil
	}

	s.logger.InfoContext(ctx, "rebalance_service: allocation computed",
		slog.String("wallet", wallet),
		slog.String("loan_asset", loanAsset.Hex()),
		slog.Int("markets", len(alloc.Deltas)),
		slog.Float64("current_apy", alloc.CurrentWeightedAPY),
		slog.Float64("projected_apy", alloc.ProjectedWeightedAPY),
	)
	publish(ctx, s.bus, s.logger, domain.ChannelAllocation, Event{
		Type:   EventAllocation,
		Wallet: wallet,
		Data:   alloc,
		At:     s.now(),
	})
	s.archiveReport(ctx, wallet, alloc)
	return alloc, nil
}

// Pending returns the wallet's staged actions.
func (s *RebalanceService) Pending(ctx context.Context, wallet string) (PendingQueue, error) {
	wallet = domain.NormalizeWallet(wallet)
	q, err := s.loadQueue(ctx, wallet)
	if err != nil {
		return PendingQueue{}, err
	}
	actions := q.Actions()
	if actions == nil {
		actions = []domain.RebalanceAction{}
	}
	return PendingQueue{Wallet: wallet, Actions: actions, Deltas: q.PendingDeltas()}, nil
}

// PendingDelta returns the net staged change for one market.
func (s *RebalanceService) PendingDelta(ctx context.Context, wallet, marketID string) (*big.Int, error) {
	q, err := s.loadQueue(ctx, domain.NormalizeWallet(wallet))
	if err != nil {
		return nil, err
	}
	return q.PendingDelta(normalizeID(marketID)), nil
}

// Stage validates req against the wallet's balances net of already staged
// actions and appends it to the queue.
func (s *RebalanceService) Stage(ctx context.Context, wallet string, req StageRequest) (domain.RebalanceAction, error) {
	wallet = domain.NormalizeWallet(wallet)
	positions, err := s.positions.ListByWallet(ctx, wallet)
	if err != nil {
		return domain.RebalanceAction{}, fmt.Errorf("rebalance_service: list positions: %w", err)
	}
	held := make(map[string]domain.Market, len(positions))
	for _, p := range positions {
		held[p.MarketID] = p.Market
	}

	from, err := s.resolveRef(ctx, req.FromMarket, held)
	if err != nil {
		return domain.RebalanceAction{}, err
	}
	to, err := s.resolveRef(ctx, req.ToMarket, held)
	if err != nil {
		return domain.RebalanceAction{}, err
	}

	instr := rebalance.Instruction{
		Wallet:    wallet,
		LoanAsset: from.Params.LoanToken,
		From:      from,
		To:        to,
		Amount:    req.Amount,
		UseMax:    req.UseMax,
		Source:    domain.ActionSourceManual,
	}
	balances := balancesOf(positions)

	var action domain.RebalanceAction
	err = s.withQueue(ctx, wallet, func(q rebalance.Queue) (rebalance.Queue, error) {
		next, a, err := q.Add(instr, balances, s.now())
		if err != nil {
			return q, err
		}
		action = a
		return next, nil
	})
	s.metrics.ObserveQueueOp("add", err)
	if err != nil {
		return domain.RebalanceAction{}, fmt.Errorf("rebalance_service: stage: %w", err)
	}

	s.queueChanged(ctx, EventQueueAdded, "added", action, held[from.ID].LoanDecimals)
	return action, nil
}

// StageAllocation computes an allocation for the group and stages the moves
// it implies. Either every move is staged or none is.
func (s *RebalanceService) StageAllocation(ctx context.Context, wallet string, chainID int64, loanAsset common.Address, excluded []string) ([]domain.RebalanceAction, error) {
	wallet = domain.NormalizeWallet(wallet)
	gp, err := s.group(ctx, wallet, chainID, loanAsset)
	if err != nil {
		return nil, err
	}
	alloc, ok := s.engine.ComputeAllocation(gp, s.exclusions(excluded))
	if !ok {
		return nil, nil
	}
	planned := rebalance.PlanActions(wallet, gp, alloc, s.now())
	if len(planned) == 0 {
		return nil, nil
	}
	balances := balancesOf(gp.Positions)

	var staged []domain.RebalanceAction
	err = s.withQueue(ctx, wallet, func(q rebalance.Queue) (rebalance.Queue, error) {
		initial := q
		staged = staged[:0]
		for _, p := range planned {
			// A max leg only means "drain the source" when nothing else
			// was already staged against it.
			useMax := p.IsMax && initial.PendingDelta(p.From.ID).Sign() == 0
			next, a, err := q.Add(rebalance.Instruction{
				Wallet:    wallet,
				LoanAsset: gp.LoanAsset,
				From:      p.From,
				To:        p.To,
				Amount:    p.Amount,
				UseMax:    useMax,
				Source:    domain.ActionSourceAllocator,
			}, balances, s.now())
			if err != nil {
				return initial, err
			}
			q = next
			staged = append(staged, a)
		}
		return q, nil
	})
	s.metrics.ObserveQueueOp("stage_allocation", err)
	if err != nil {
		return nil, fmt.Errorf("rebalance_service: stage allocation: %w", err)
	}

	audit(ctx, s.audit, s.logger, "rebalance.allocation_staged", map[string]any{
		"wallet":        wallet,
		"loan_asset":    gp.LoanAsset.Hex(),
		"chain_id":      gp.ChainID,
		"actions":       len(staged),
		"current_apy":   alloc.CurrentWeightedAPY,
		"projected_apy": alloc.ProjectedWeightedAPY,
	})
	for _, a := range staged {
		s.queueChanged(ctx, EventQueueAdded, "added", a, gp.LoanDecimals)
	}
	return staged, nil
}

// Remove drops a staged action. An unknown ID yields domain.ErrNotFound.
func (s *RebalanceService) Remove(ctx context.Context, wallet, actionID string) error {
	wallet = domain.NormalizeWallet(wallet)

	var removed domain.RebalanceAction
	err := s.withQueue(ctx, wallet, func(q rebalance.Queue) (rebalance.Queue, error) {
		for _, a := range q.Actions() {
			if a.ID == actionID {
				removed = a
			}
		}
		next, ok := q.Remove(actionID)
		if !ok {
			return q, fmt.Errorf("action %s: %w", actionID, domain.ErrNotFound)
		}
		return next, nil
	})
	s.metrics.ObserveQueueOp("remove", err)
	if err != nil {
		return fmt.Errorf("rebalance_service: remove: %w", err)
	}

	s.queueChanged(ctx, EventQueueRemoved, "removed", removed, s.decimalsOf(ctx, removed.From.ID))
	return nil
}

// withQueue runs fn over the wallet's queue while holding the wallet lock
// and saves the result. When fn fails nothing is saved.
func (s *RebalanceService) withQueue(ctx context.Context, wallet string, fn func(rebalance.Queue) (rebalance.Queue, error)) error {
	unlock, err := s.locks.Acquire(ctx, "queue:"+wallet, s.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	defer unlock()

	q, err := s.loadQueue(ctx, wallet)
	if err != nil {
		return err
	}
	next, err := fn(q)
	if err != nil {
		return err
	}
	if err := s.queues.Save(ctx, wallet, next.Actions()); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

func (s *RebalanceService) loadQueue(ctx context.Context, wallet string) (rebalance.Queue, error) {
	actions, err := s.queues.Load(ctx, wallet)
	if err != nil {
		return rebalance.Queue{}, fmt.Errorf("rebalance_service: load queue: %w", err)
	}
	return rebalance.NewQueue(actions), nil
}

func (s *RebalanceService) group(ctx context.Context, wallet string, chainID int64, loanAsset common.Address) (domain.GroupedPosition, error) {
	groups, err := s.Groups(ctx, wallet)
	if err != nil {
		return domain.GroupedPosition{}, err
	}
	for _, g := range groups {
		if g.ChainID == chainID && g.LoanAsset == loanAsset {
			return g, nil
		}
	}
	return domain.GroupedPosition{}, fmt.Errorf("rebalance_service: no %s positions on chain %d: %w",
		loanAsset.Hex(), chainID, domain.ErrNotFound)
}

// freshMarket prefers the cached market state over the stored one.
func (s *RebalanceService) freshMarket(ctx context.Context, p domain.Position) domain.Market {
	if s.cache == nil {
		return p.Market
	}
	m, err := s.cache.Get(ctx, p.MarketID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "rebalance_service: market cache get failed",
				slog.String("market_id", p.MarketID),
				slog.String("error", err.Error()),
			)
		}
		return p.Market
	}
	return m
}

// resolveRef finds a market among the wallet's positions or in the store.
// An empty or unknown ID resolves to an empty ref, which the queue rejects
// as a missing market.
func (s *RebalanceService) resolveRef(ctx context.Context, id string, held map[string]domain.Market) (domain.MarketRef, error) {
	id = normalizeID(id)
	if id == "" {
		return domain.MarketRef{}, nil
	}
	if m, ok := held[id]; ok {
		return m.Ref(), nil
	}
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MarketRef{}, fmt.Errorf("rebalance_service: %w: %w: unknown market %s",
				domain.ErrInvalidInstruction, domain.ErrMissingMarket, id)
		}
		return domain.MarketRef{}, fmt.Errorf("rebalance_service: get market %s: %w", id, err)
	}
	return m.Ref(), nil
}

func (s *RebalanceService) exclusions(extra []string) []string {
	out := make([]string, 0, len(s.excluded)+len(extra))
	out = append(out, s.excluded...)
	return append(out, normalizeIDs(extra)...)
}

func (s *RebalanceService) queueChanged(ctx context.Context, eventType, verb string, a domain.RebalanceAction, decimals int) {
	publish(ctx, s.bus, s.logger, domain.ChannelQueue, Event{
		Type:   eventType,
		Wallet: a.Wallet,
		Data:   a,
		At:     s.now(),
	})
	audit(ctx, s.audit, s.logger, "queue."+verb, map[string]any{
		"wallet":    a.Wallet,
		"action_id": a.ID,
		"from":      a.From.ID,
		"to":        a.To.ID,
		"amount":    a.Amount.String(),
		"is_max":    a.IsMax,
		"source":    string(a.Source),
	})
	if s.notifier.Enabled(notify.EventQueueChanged) {
		title, body := notify.QueueMessage(verb, decimals, a)
		if err := s.notifier.Notify(ctx, notify.EventQueueChanged, title, body); err != nil {
			s.logger.WarnContext(ctx, "rebalance_service: notify failed", slog.String("error", err.Error()))
		}
	}
}

func (s *RebalanceService) decimalsOf(ctx context.Context, marketID string) int {
	if !s.notifier.Enabled(notify.EventQueueChanged) || marketID == "" {
		return 0
	}
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return 0
	}
	return m.LoanDecimals
}

func (s *RebalanceService) archiveReport(ctx context.Context, wallet string, alloc *rebalance.Allocation) {
	if s.reports == nil {
		return
	}
	at := s.now()
	data, err := json.Marshal(AllocationReport{Wallet: wallet, ComputedAt: at, Allocation: alloc})
	if err != nil {
		s.logger.WarnContext(ctx, "rebalance_service: marshal report failed", slog.String("error", err.Error()))
		return
	}
	path := s3blob.ReportPath(wallet, at)
	if err := s.reports.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		s.logger.WarnContext(ctx, "rebalance_service: archive report failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func balancesOf(positions []domain.Position) rebalance.Balances {
	out := make(rebalance.Balances, len(positions))
	for _, p := range positions {
		if p.SupplyAssets != nil {
			out[p.MarketID] = new(big.Int).Set(p.SupplyAssets)
		}
	}
	return out
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = normalizeID(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
