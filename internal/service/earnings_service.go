package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/earnings"
)

// PositionEarnings reports one position over every standard period.
type PositionEarnings struct {
	MarketID         string                                `json:"market_id"`
	CollateralSymbol string                                `json:"collateral_symbol"`
	SupplyAssets     *big.Int                              `json:"supply_assets"`
	Periods          map[string]domain.EarningsCalculation `json:"periods"`
}

// GroupEarnings aggregates the positions of one loan asset on one chain.
// RealizedAPY is the supply-weighted APY of its positions per period.
type GroupEarnings struct {
	LoanAsset    common.Address     `json:"loan_asset"`
	LoanSymbol   string             `json:"loan_symbol"`
	LoanDecimals int                `json:"loan_decimals"`
	ChainID      int64              `json:"chain_id"`
	Positions    []PositionEarnings `json:"positions"`
	RealizedAPY  map[string]float64 `json:"realized_apy"`
}

// EarningsSummary is the realized-yield report of one wallet.
type EarningsSummary struct {
	Wallet string          `json:"wallet"`
	AsOf   time.Time       `json:"as_of"`
	Groups []GroupEarnings `json:"groups"`
}

// EarningsService computes realized earnings from stored balances and
// transaction history.
type EarningsService struct {
	positions    domain.PositionStore
	transactions domain.TransactionStore
	snapshots    domain.SnapshotStore
	calc         *earnings.Calculator
	now          func() time.Time
	logger       *slog.Logger
}

// NewEarningsService creates an EarningsService.
func NewEarningsService(
	positions domain.PositionStore,
	transactions domain.TransactionStore,
	snapshots domain.SnapshotStore,
	calc *earnings.Calculator,
	logger *slog.Logger,
) *EarningsService {
	return &EarningsService{
		positions:    positions,
		transactions: transactions,
		snapshots:    snapshots,
		calc:         calc,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "earnings_service")),
	}
}

// WithClock overrides the time source; it should match the calculator's.
func (s *EarningsService) WithClock(now func() time.Time) *EarningsService {
	if now != nil {
		s.now = now
	}
	return s
}

// Earnings computes one position's earnings over (start, end). A zero end
// means now, in which case the live position balance is the ending balance.
func (s *EarningsService) Earnings(ctx context.Context, wallet, marketID string, start, end time.Time) (domain.EarningsCalculation, error) {
	wallet = domain.NormalizeWallet(wallet)
	marketID = normalizeID(marketID)
	now := s.now()
	if end.IsZero() || end.After(now) {
		end = now
	}
	if !start.Before(end) {
		return domain.EarningsCalculation{}, fmt.Errorf("earnings_service: start must be before end: %w", domain.ErrInvalidRange)
	}

	pos, err := s.positions.Get(ctx, wallet, marketID)
	if err != nil {
		return domain.EarningsCalculation{}, fmt.Errorf("earnings_service: get position: %w", err)
	}

	ending := pos.SupplyAssets
	if end.Before(now) {
		if ending, err = s.balanceAt(ctx, wallet, marketID, end); err != nil {
			return domain.EarningsCalculation{}, err
		}
	}
	starting, err := s.balanceAt(ctx, wallet, marketID, start)
	if err != nil {
		return domain.EarningsCalculation{}, err
	}

	txs, err := s.transactions.ListByPosition(ctx, wallet, marketID, domain.ListOpts{Since: &start, Until: &end})
	if err != nil {
		return domain.EarningsCalculation{}, fmt.Errorf("earnings_service: list transactions: %w", err)
	}
	return s.calc.Compute(ending, starting, txs, start, end), nil
}

// Summary reports every position of the wallet over the standard periods.
func (s *EarningsService) Summary(ctx context.Context, wallet string) (EarningsSummary, error) {
	wallet = domain.NormalizeWallet(wallet)
	now := s.now()

	positions, err := s.positions.ListByWallet(ctx, wallet)
	if err != nil {
		return EarningsSummary{}, fmt.Errorf("earnings_service: list positions: %w", err)
	}

	summary := EarningsSummary{Wallet: wallet, AsOf: now, Groups: []GroupEarnings{}}
	for _, gp := range domain.GroupPositions(positions) {
		ge := GroupEarnings{
			LoanAsset:    gp.LoanAsset,
			LoanSymbol:   gp.LoanSymbol,
			LoanDecimals: gp.LoanDecimals,
			ChainID:      gp.ChainID,
			RealizedAPY:  make(map[string]float64),
		}
		for _, p := range gp.Positions {
			pe, err := s.positionEarnings(ctx, wallet, p, now)
			if err != nil {
				return EarningsSummary{}, err
			}
			ge.Positions = append(ge.Positions, pe)
		}
		for _, period := range earnings.Periods() {
			ge.RealizedAPY[period.Name] = weightedAPY(ge.Positions, period.Name)
		}
		summary.Groups = append(summary.Groups, ge)
	}
	return summary, nil
}

func (s *EarningsService) positionEarnings(ctx context.Context, wallet string, p domain.Position, now time.Time) (PositionEarnings, error) {
	txs, err := s.transactions.ListByPosition(ctx, wallet, p.MarketID, domain.ListOpts{})
	if err != nil {
		return PositionEarnings{}, fmt.Errorf("earnings_service: list transactions: %w", err)
	}

	pe := PositionEarnings{
		MarketID:         p.MarketID,
		CollateralSymbol: p.Market.CollateralSymbol,
		SupplyAssets:     p.SupplyAssets,
		Periods:          make(map[string]domain.EarningsCalculation),
	}
	for _, period := range earnings.Periods() {
		start := period.Start(now, txs)
		starting, err := s.balanceAt(ctx, wallet, p.MarketID, start)
		if err != nil {
			return PositionEarnings{}, err
		}
		pe.Periods[period.Name] = s.calc.Compute(p.SupplyAssets, starting, txs, start, now)
	}
	return pe, nil
}

// balanceAt is the latest snapshot at or before t; no snapshot means the
// position did not exist yet.
func (s *EarningsService) balanceAt(ctx context.Context, wallet, marketID string, t time.Time) (*big.Int, error) {
	snap, err := s.snapshots.GetAt(ctx, wallet, marketID, t)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("earnings_service: balance at %s: %w", t.Format(time.RFC3339), err)
	}
	return snap.SupplyAssets, nil
}

func weightedAPY(positions []PositionEarnings, period string) float64 {
	total := new(big.Float)
	weighted := new(big.Float)
	for _, p := range positions {
		if p.SupplyAssets == nil || p.SupplyAssets.Sign() <= 0 {
			continue
		}
		w := new(big.Float).SetInt(p.SupplyAssets)
		total.Add(total, w)
		weighted.Add(weighted, w.Mul(w, big.NewFloat(p.Periods[period].APY)))
	}
	if total.Sign() == 0 {
		return 0
	}
	out, _ := new(big.Float).Quo(weighted, total).Float64()
	return out
}
