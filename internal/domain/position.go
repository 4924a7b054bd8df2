package domain

import (
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Position is a wallet's stake in a single market.
type Position struct {
	MarketID     string   `json:"market_id"`
	Wallet       string   `json:"wallet"`
	ChainID      int64    `json:"chain_id"`
	SupplyAssets *big.Int `json:"supply_assets"`
	SupplyShares *big.Int `json:"supply_shares"`
	BorrowAssets *big.Int `json:"borrow_assets"`
	BorrowShares *big.Int `json:"borrow_shares"`
	Market       Market   `json:"market"`
}

// GroupedPosition collects every position of a wallet that shares one loan
// asset on one chain. It is the unit the rebalance engine operates on.
type GroupedPosition struct {
	LoanAsset    common.Address `json:"loan_asset"`
	LoanSymbol   string         `json:"loan_symbol"`
	LoanDecimals int            `json:"loan_decimals"`
	ChainID      int64          `json:"chain_id"`
	Positions    []Position     `json:"positions"`
	TotalSupply  *big.Int       `json:"total_supply"`
	AvgAPY       float64        `json:"avg_apy"` // supply-weighted
}

type groupKey struct {
	asset common.Address
	chain int64
}

// GroupPositions groups positions by (loan asset, chain). Positions without
// a positive supply are skipped. Groups are ordered by total supply, largest
// first; positions inside a group keep their input order.
func GroupPositions(positions []Position) []GroupedPosition {
	index := make(map[groupKey]int)
	var groups []GroupedPosition

	for _, p := range positions {
		if p.SupplyAssets == nil || p.SupplyAssets.Sign() <= 0 {
			continue
		}
		k := groupKey{asset: p.Market.Params.LoanToken, chain: p.ChainID}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, GroupedPosition{
				LoanAsset:    k.asset,
				LoanSymbol:   p.Market.LoanSymbol,
				LoanDecimals: p.Market.LoanDecimals,
				ChainID:      k.chain,
				TotalSupply:  new(big.Int),
			})
		}
		groups[i].Positions = append(groups[i].Positions, p)
		groups[i].TotalSupply.Add(groups[i].TotalSupply, p.SupplyAssets)
	}

	for i := range groups {
		groups[i].AvgAPY = weightedSupplyAPY(groups[i].Positions, groups[i].TotalSupply)
	}

	sort.SliceStable(groups, func(a, b int) bool {
		return groups[a].TotalSupply.Cmp(groups[b].TotalSupply) > 0
	})
	return groups
}

func weightedSupplyAPY(positions []Position, total *big.Int) float64 {
	if total.Sign() == 0 {
		return 0
	}
	sum := new(big.Float)
	for _, p := range positions {
		w := new(big.Float).SetInt(p.SupplyAssets)
		sum.Add(sum, w.Mul(w, big.NewFloat(p.Market.SupplyAPY)))
	}
	avg, _ := sum.Quo(sum, new(big.Float).SetInt(total)).Float64()
	return avg
}

// NormalizeWallet canonicalises a wallet address for storage and lookups.
func NormalizeWallet(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}
