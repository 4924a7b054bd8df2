package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatUnits renders a native-unit amount as a decimal string, e.g.
// FormatUnits(1500000, 6) == "1.5".
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, int32(-decimals)).String()
}

// FormatAPY renders a fractional APY as a percentage with two decimals.
func FormatAPY(apy float64) string {
	return decimal.NewFromFloat(apy).Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}
