// Package irm models how a lending market's rates react to utilization and
// simulates the market state after a hypothetical supply or withdrawal.
package irm

import "math/big"

// KinkedCurve is a two-slope utilization curve:
//
//	rate = base + slope1*U                          for U <= kink
//	rate = base + slope1*kink + slope2*(U - kink)   for U >  kink
type KinkedCurve struct {
	// BaseRate is the borrow APR at zero utilization.
	BaseRate *big.Rat
	// Slope1 is the APR increase per unit of utilization up to the kink.
	Slope1 *big.Rat
	// Slope2 is the APR increase per unit of utilization beyond the kink.
	Slope2 *big.Rat
	// Kink is the utilization where the slope changes.
	Kink *big.Rat
}

// NewKinkedCurve builds a curve from decimal inputs, e.g. a 2% base rate is
// 0.02 and a 90% kink is 0.9.
func NewKinkedCurve(baseRate, slope1, slope2, kink float64) *KinkedCurve {
	c := &KinkedCurve{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	c.BaseRate.SetFloat64(baseRate)
	c.Slope1.SetFloat64(slope1)
	c.Slope2.SetFloat64(slope2)
	c.Kink.SetFloat64(kink)
	return c
}

// DefaultCurve approximates a stablecoin market targeting 90% utilization.
func DefaultCurve() *KinkedCurve {
	return NewKinkedCurve(0, 0.04, 0.75, 0.9)
}

// Utilization returns borrowed/supplied, or zero for an empty pool.
func Utilization(borrowed, supplied *big.Int) *big.Rat {
	if borrowed == nil || borrowed.Sign() == 0 || supplied == nil || supplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(borrowed, supplied)
}

// BorrowAPR returns the borrow rate at the given utilization.
func (c *KinkedCurve) BorrowAPR(utilization *big.Rat) *big.Rat {
	if c == nil {
		return new(big.Rat)
	}
	rate := cloneRat(c.BaseRate)
	if utilization == nil || utilization.Sign() == 0 {
		return rate
	}
	kink := cloneRat(c.Kink)
	slope1 := cloneRat(c.Slope1)
	if kink.Sign() == 0 || utilization.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilization))
	}

	rate.Add(rate, new(big.Rat).Mul(slope1, kink))
	excess := new(big.Rat).Sub(utilization, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(c.Slope2), excess))
}

// SupplyAPR is the share of borrow interest that reaches suppliers:
// borrowAPR * U * (1 - fee).
func (c *KinkedCurve) SupplyAPR(utilization *big.Rat, fee *big.Rat) *big.Rat {
	if utilization == nil || utilization.Sign() == 0 {
		return new(big.Rat)
	}
	keep := new(big.Rat).Sub(big.NewRat(1, 1), cloneRat(fee))
	if keep.Sign() < 0 {
		keep.SetInt64(0)
	}
	out := c.BorrowAPR(utilization)
	out.Mul(out, utilization)
	return out.Mul(out, keep)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}
