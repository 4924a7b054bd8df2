package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MarketParams identifies an isolated lending market. The five fields are
// exactly what an execution layer needs to address the market on-chain.
type MarketParams struct {
	LoanToken       common.Address `json:"loan_token"`
	CollateralToken common.Address `json:"collateral_token"`
	Oracle          common.Address `json:"oracle"`
	IRM             common.Address `json:"irm"`
	LLTV            *big.Int       `json:"lltv"` // liquidation LTV, 1e18 = 100%
}

// ID returns the market unique key: keccak256 over the ABI encoding of the
// params (five left-padded 32-byte words).
func (p MarketParams) ID() string {
	lltv := p.LLTV
	if lltv == nil {
		lltv = new(big.Int)
	}
	buf := make([]byte, 0, 5*32)
	buf = append(buf, common.LeftPadBytes(p.LoanToken.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(p.CollateralToken.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(p.Oracle.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(p.IRM.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(lltv.Bytes(), 32)...)
	return crypto.Keccak256Hash(buf).Hex()
}

// Market is a lending pool for one (loan asset, collateral asset, chain)
// triple. Markets are owned by the data source; the rebalance engine only
// ever works on clones.
type Market struct {
	ID                string       `json:"id"`
	ChainID           int64        `json:"chain_id"`
	Params            MarketParams `json:"params"`
	LoanSymbol        string       `json:"loan_symbol"`
	CollateralSymbol  string       `json:"collateral_symbol"`
	LoanDecimals      int          `json:"loan_decimals"`
	TotalSupplyAssets *big.Int     `json:"total_supply_assets"`
	TotalBorrowAssets *big.Int     `json:"total_borrow_assets"`
	LiquidityAssets   *big.Int     `json:"liquidity_assets"`
	SupplyAPY         float64      `json:"supply_apy"`
	BorrowAPY         float64      `json:"borrow_apy"`
	Utilization       float64      `json:"utilization"`
	Fee               float64      `json:"fee"` // protocol share of interest, 0..1
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the market. Mutating the clone's big integers
// never affects the receiver.
func (m Market) Clone() Market {
	out := m
	out.Params.LLTV = cloneInt(m.Params.LLTV)
	out.TotalSupplyAssets = cloneInt(m.TotalSupplyAssets)
	out.TotalBorrowAssets = cloneInt(m.TotalBorrowAssets)
	out.LiquidityAssets = cloneInt(m.LiquidityAssets)
	return out
}

// Apply returns a copy of the market carrying the simulated state.
func (m Market) Apply(res SimulationResult) Market {
	out := m.Clone()
	out.TotalSupplyAssets = cloneInt(res.TotalSupplyAssets)
	out.TotalBorrowAssets = cloneInt(res.TotalBorrowAssets)
	out.LiquidityAssets = cloneInt(res.LiquidityAssets)
	out.SupplyAPY = res.SupplyAPY
	out.BorrowAPY = res.BorrowAPY
	out.Utilization = res.Utilization
	return out
}

// Ref returns the identifiers a rebalance action needs to reference the market.
func (m Market) Ref() MarketRef {
	return MarketRef{
		ID:               m.ID,
		ChainID:          m.ChainID,
		Params:           MarketParams{LoanToken: m.Params.LoanToken, CollateralToken: m.Params.CollateralToken, Oracle: m.Params.Oracle, IRM: m.Params.IRM, LLTV: cloneInt(m.Params.LLTV)},
		CollateralSymbol: m.CollateralSymbol,
	}
}

// SimulationResult is the state a market would be in after a hypothetical
// supply (positive delta) or withdrawal (negative delta).
type SimulationResult struct {
	SupplyAPY         float64
	BorrowAPY         float64
	Utilization       float64
	TotalSupplyAssets *big.Int
	TotalBorrowAssets *big.Int
	LiquidityAssets   *big.Int
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
