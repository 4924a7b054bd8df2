package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketDelta is the allocator's verdict for one market.
type MarketDelta struct {
	MarketID         string   `json:"market_id"`
	CollateralSymbol string   `json:"collateral_symbol"`
	CurrentAmount    *big.Int `json:"current_amount"`
	TargetAmount     *big.Int `json:"target_amount"`
	Delta            *big.Int `json:"delta"`
	LockedAmount     *big.Int `json:"locked_amount"`
	CurrentAPY       float64  `json:"current_apy"`
	ProjectedAPY     float64  `json:"projected_apy"`
}

// MarketRef carries enough identifiers to submit an action on-chain later.
type MarketRef struct {
	ID               string       `json:"id"`
	ChainID          int64        `json:"chain_id"`
	Params           MarketParams `json:"params"`
	CollateralSymbol string       `json:"collateral_symbol"`
}

// ActionSource records who staged a rebalance action.
type ActionSource string

const (
	ActionSourceManual    ActionSource = "manual"
	ActionSourceAllocator ActionSource = "allocator"
)

// RebalanceAction is a staged, not-yet-executed instruction to move capital
// between two markets of the same loan asset. Actions are never edited in
// place; changing one means removing it and staging a replacement.
type RebalanceAction struct {
	ID        string         `json:"id"`
	Wallet    string         `json:"wallet"`
	LoanAsset common.Address `json:"loan_asset"`
	From      MarketRef      `json:"from"`
	To        MarketRef      `json:"to"`
	Amount    *big.Int       `json:"amount"`
	IsMax     bool           `json:"is_max"`
	Source    ActionSource   `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}
