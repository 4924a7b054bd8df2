package domain

import (
	"math/big"
	"time"
)

// TxType is the kind of position-changing transaction.
type TxType string

const (
	TxTypeSupply   TxType = "supply"
	TxTypeWithdraw TxType = "withdraw"
)

// Transaction is a single supply or withdrawal in a wallet's history.
type Transaction struct {
	Hash      string    `json:"hash"`
	LogIndex  int       `json:"log_index"`
	MarketID  string    `json:"market_id"`
	Wallet    string    `json:"wallet"`
	Type      TxType    `json:"type"`
	Assets    *big.Int  `json:"assets"`
	Shares    *big.Int  `json:"shares"`
	Timestamp time.Time `json:"timestamp"`
}

// BalanceSnapshot is a wallet's supplied assets in a market at a point in time.
type BalanceSnapshot struct {
	MarketID     string    `json:"market_id"`
	Wallet       string    `json:"wallet"`
	SupplyAssets *big.Int  `json:"supply_assets"`
	Timestamp    time.Time `json:"timestamp"`
}

// EarningsCalculation is the realized return of one position over one window.
type EarningsCalculation struct {
	Earned         *big.Int      `json:"earned"`
	TotalDeposits  *big.Int      `json:"total_deposits"`
	TotalWithdraws *big.Int      `json:"total_withdraws"`
	AvgCapital     *big.Int      `json:"avg_capital"`
	EffectiveTime  time.Duration `json:"effective_time"`
	APY            float64       `json:"apy"`
}
