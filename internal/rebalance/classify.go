// Package rebalance decides how a wallet's supplied capital should be spread
// across markets that share one loan asset, and tracks the staged moves that
// have not been executed yet.
package rebalance

import (
	"math/big"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// Classification splits a position's supply into what can leave the market
// right now and what is pinned by borrowers.
type Classification struct {
	Current      *big.Int
	Locked       *big.Int
	Withdrawable *big.Int
}

// ClassifyLocked returns locked = max(0, supply - liquidity) and
// withdrawable = supply - locked.
func ClassifyLocked(pos domain.Position, market domain.Market) Classification {
	current := new(big.Int)
	if pos.SupplyAssets != nil {
		current.Set(pos.SupplyAssets)
	}
	liquidity := new(big.Int)
	if market.LiquidityAssets != nil {
		liquidity.Set(market.LiquidityAssets)
	}

	locked := new(big.Int).Sub(current, liquidity)
	if locked.Sign() < 0 {
		locked.SetInt64(0)
	}
	return Classification{
		Current:      current,
		Locked:       locked,
		Withdrawable: new(big.Int).Sub(current, locked),
	}
}

// candidate is one eligible position with its classification.
type candidate struct {
	market domain.Market
	class  Classification
}

// eligible filters positions down to those with positive supply in a
// market outside the exclusion set, preserving input order.
func eligible(gp domain.GroupedPosition, excluded []string) []candidate {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	out := make([]candidate, 0, len(gp.Positions))
	for _, p := range gp.Positions {
		if p.SupplyAssets == nil || p.SupplyAssets.Sign() <= 0 {
			continue
		}
		id := p.MarketID
		if id == "" {
			id = p.Market.ID
		}
		if _, ok := skip[id]; ok {
			continue
		}
		m := p.Market.Clone()
		m.ID = id
		out = append(out, candidate{market: m, class: ClassifyLocked(p, m)})
	}
	return out
}
