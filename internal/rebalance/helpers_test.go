package rebalance

import (
	"math/big"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

var loanToken = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

func mkMarket(id string, supply, borrow int64, apy float64) domain.Market {
	return domain.Market{
		ID:                id,
		ChainID:           1,
		Params:            domain.MarketParams{LoanToken: loanToken, LLTV: big.NewInt(860000000000000000)},
		LoanSymbol:        "USDC",
		CollateralSymbol:  "C-" + id,
		LoanDecimals:      6,
		TotalSupplyAssets: big.NewInt(supply),
		TotalBorrowAssets: big.NewInt(borrow),
		LiquidityAssets:   big.NewInt(supply - borrow),
		SupplyAPY:         apy,
	}
}

func mkPos(m domain.Market, amount int64) domain.Position {
	return domain.Position{
		MarketID:     m.ID,
		Wallet:       "0xwallet",
		ChainID:      m.ChainID,
		SupplyAssets: big.NewInt(amount),
		Market:       m,
	}
}

func group(ps ...domain.Position) domain.GroupedPosition {
	return domain.GroupedPosition{
		LoanAsset:    loanToken,
		LoanSymbol:   "USDC",
		LoanDecimals: 6,
		ChainID:      1,
		Positions:    ps,
	}
}

// flatSim applies deltas to pool totals and reports a fixed APY per market.
type flatSim struct {
	apy map[string]float64
	// budget caps the number of positive-delta calls that succeed; -1 is
	// unlimited.
	budget *int
}

func (s flatSim) Simulate(m domain.Market, delta *big.Int) (domain.SimulationResult, bool) {
	if delta.Sign() > 0 && s.budget != nil {
		if *s.budget == 0 {
			return domain.SimulationResult{}, false
		}
		*s.budget--
	}
	supply := new(big.Int).Add(m.TotalSupplyAssets, delta)
	liquidity := new(big.Int).Sub(supply, m.TotalBorrowAssets)
	if supply.Sign() < 0 || liquidity.Sign() < 0 {
		return domain.SimulationResult{}, false
	}
	return domain.SimulationResult{
		SupplyAPY:         s.apy[m.ID],
		TotalSupplyAssets: supply,
		TotalBorrowAssets: new(big.Int).Set(m.TotalBorrowAssets),
		LiquidityAssets:   liquidity,
	}, true
}

func targetsByID(a *Allocation) map[string]int64 {
	out := make(map[string]int64, len(a.Deltas))
	for _, d := range a.Deltas {
		out[d.MarketID] = d.TargetAmount.Int64()
	}
	return out
}

func sumTargets(a *Allocation) *big.Int {
	sum := new(big.Int)
	for _, d := range a.Deltas {
		sum.Add(sum, d.TargetAmount)
	}
	return sum
}
