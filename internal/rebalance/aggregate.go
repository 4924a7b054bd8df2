package rebalance

import (
	"math/big"
	"sort"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Allocation is the result of one allocation run over a grouped position.
type Allocation struct {
	LoanAsset            common.Address       `json:"loan_asset"`
	LoanSymbol           string               `json:"loan_symbol"`
	ChainID              int64                `json:"chain_id"`
	Deltas               []domain.MarketDelta `json:"deltas"`
	TotalAssets          *big.Int             `json:"total_assets"`
	TotalRebalanceable   *big.Int             `json:"total_rebalanceable"`
	CurrentWeightedAPY   float64              `json:"current_weighted_apy"`
	ProjectedWeightedAPY float64              `json:"projected_weighted_apy"`
	Rounds               int                  `json:"rounds"`
}

// Improvement is the projected minus current weighted APY.
func (a *Allocation) Improvement() float64 {
	if a == nil {
		return 0
	}
	return a.ProjectedWeightedAPY - a.CurrentWeightedAPY
}

// ComputeAllocation runs the allocator over gp, skipping markets in
// excluded. It returns false when there is nothing to rebalance: no eligible
// positions, no withdrawable capital, or capital too small to split.
func (e *Engine) ComputeAllocation(gp domain.GroupedPosition, excluded []string) (*Allocation, bool) {
	started := time.Now()
	alloc, ok := e.computeAllocation(gp, excluded)
	rounds := 0
	if ok {
		rounds = alloc.Rounds
	}
	e.metrics.ObserveAllocation(ok, rounds, time.Since(started))
	return alloc, ok
}

func (e *Engine) computeAllocation(gp domain.GroupedPosition, excluded []string) (*Allocation, bool) {
	cands := eligible(gp, excluded)
	if len(cands) == 0 {
		return nil, false
	}

	raw := e.allocate(cands)
	if raw == nil {
		return nil, false
	}

	totalAssets := new(big.Int)
	totalRebalanceable := new(big.Int)
	for _, c := range cands {
		totalAssets.Add(totalAssets, c.class.Current)
		totalRebalanceable.Add(totalRebalanceable, c.class.Withdrawable)
	}

	deltas := make([]domain.MarketDelta, len(cands))
	currentWeighted := new(big.Float)
	projectedWeighted := new(big.Float)
	for i, c := range cands {
		target := raw.targets[i]
		projected := e.projectedAPY(c.market, c.class.Current, target)

		deltas[i] = domain.MarketDelta{
			MarketID:         c.market.ID,
			CollateralSymbol: c.market.CollateralSymbol,
			CurrentAmount:    new(big.Int).Set(c.class.Current),
			TargetAmount:     new(big.Int).Set(target),
			Delta:            new(big.Int).Sub(target, c.class.Current),
			LockedAmount:     new(big.Int).Set(c.class.Locked),
			CurrentAPY:       c.market.SupplyAPY,
			ProjectedAPY:     projected,
		}

		currentWeighted.Add(currentWeighted, weigh(c.class.Current, c.market.SupplyAPY))
		projectedWeighted.Add(projectedWeighted, weigh(target, projected))
	}

	sort.SliceStable(deltas, func(i, j int) bool {
		return deltas[i].Delta.Cmp(deltas[j].Delta) > 0
	})

	return &Allocation{
		LoanAsset:            gp.LoanAsset,
		LoanSymbol:           gp.LoanSymbol,
		ChainID:              gp.ChainID,
		Deltas:               deltas,
		TotalAssets:          totalAssets,
		TotalRebalanceable:   totalRebalanceable,
		CurrentWeightedAPY:   ratio(currentWeighted, totalAssets),
		ProjectedWeightedAPY: ratio(projectedWeighted, totalAssets),
		Rounds:               raw.rounds,
	}, true
}

// projectedAPY prices the market after the move settles, starting from an
// untouched copy: withdraw the current amount, then supply the target. When
// the full withdrawal is not reachable (part of the position is locked) the
// net delta is simulated instead. Falls back to the current APY.
func (e *Engine) projectedAPY(m domain.Market, current, target *big.Int) float64 {
	fresh := m.Clone()
	if out, ok := e.simulate(fresh, new(big.Int).Neg(current)); ok {
		if in, ok := e.simulate(fresh.Apply(out), target); ok {
			return in.SupplyAPY
		}
	}
	if res, ok := e.simulate(fresh, new(big.Int).Sub(target, current)); ok {
		return res.SupplyAPY
	}
	return m.SupplyAPY
}

func weigh(amount *big.Int, apy float64) *big.Float {
	return new(big.Float).Mul(new(big.Float).SetInt(amount), big.NewFloat(apy))
}

func ratio(weighted *big.Float, total *big.Int) float64 {
	if total.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Float).Quo(weighted, new(big.Float).SetInt(total)).Float64()
	return f
}
