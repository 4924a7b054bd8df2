// Package earnings reconstructs a position's realized interest and
// annualized return from balances and its supply/withdraw history.
package earnings

import (
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/metrics"
)

// DefaultSecondsPerYear is the annualization base (365 days).
const DefaultSecondsPerYear = 365 * 24 * 60 * 60

// Calculator computes time-weighted earnings. It is stateless apart from its
// configuration and safe for concurrent use.
type Calculator struct {
	secondsPerYear float64
	now            func() time.Time
	metrics        *metrics.Metrics
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithSecondsPerYear overrides the annualization base. Non-positive values
// are ignored.
func WithSecondsPerYear(s float64) Option {
	return func(c *Calculator) {
		if s > 0 {
			c.secondsPerYear = s
		}
	}
}

// WithClock sets the clock used when no window end is given.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Calculator) { c.metrics = m }
}

// New creates a Calculator.
func New(opts ...Option) *Calculator {
	c := &Calculator{
		secondsPerYear: DefaultSecondsPerYear,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute returns the earnings of one position over (start, end). ending and
// starting are the position's supplied assets at end and start. Only
// transactions strictly inside the window count. A zero end means now.
//
// Capital is treated as constant between transactions. When no capital was
// at risk for any length of time, Earned is still reported but APY,
// AvgCapital and EffectiveTime are zero. Non-positive earnings annualize to
// an APY of zero.
func (c *Calculator) Compute(ending, starting *big.Int, txs []domain.Transaction, start, end time.Time) domain.EarningsCalculation {
	if end.IsZero() {
		end = c.now()
	}
	ending = orZero(ending)
	starting = orZero(starting)

	window := inWindow(txs, start, end)

	deposits := new(big.Int)
	withdraws := new(big.Int)
	for _, tx := range window {
		switch tx.Type {
		case domain.TxTypeSupply:
			deposits.Add(deposits, orZero(tx.Assets))
		case domain.TxTypeWithdraw:
			withdraws.Add(withdraws, orZero(tx.Assets))
		}
	}

	earned := new(big.Int).Add(ending, withdraws)
	earned.Sub(earned, new(big.Int).Add(starting, deposits))

	moving := new(big.Int).Set(starting)
	weighted := new(big.Int)
	var effective time.Duration
	checkpoint := start
	accrue := func(at time.Time) {
		elapsed := at.Sub(checkpoint)
		if moving.Sign() > 0 && elapsed > 0 {
			effective += elapsed
			weighted.Add(weighted, new(big.Int).Mul(moving, big.NewInt(elapsed.Nanoseconds())))
		}
		checkpoint = at
	}
	for _, tx := range window {
		accrue(tx.Timestamp)
		switch tx.Type {
		case domain.TxTypeSupply:
			moving.Add(moving, orZero(tx.Assets))
		case domain.TxTypeWithdraw:
			moving.Sub(moving, orZero(tx.Assets))
		}
	}
	accrue(end)

	out := domain.EarningsCalculation{
		Earned:         earned,
		TotalDeposits:  deposits,
		TotalWithdraws: withdraws,
		AvgCapital:     new(big.Int),
	}
	if effective == 0 {
		c.metrics.ObserveEarnings(false)
		return out
	}

	out.AvgCapital = new(big.Int).Quo(weighted, big.NewInt(effective.Nanoseconds()))
	out.EffectiveTime = effective
	out.APY = c.annualize(earned, out.AvgCapital, effective)
	c.metrics.ObserveEarnings(true)
	return out
}

// annualize compounds the period return earned/avg over a year:
// (earned/avg + 1)^(year/effective) - 1.
func (c *Calculator) annualize(earned, avg *big.Int, effective time.Duration) float64 {
	if earned.Sign() <= 0 || avg.Sign() <= 0 {
		return 0
	}
	r, _ := new(big.Rat).SetFrac(earned, avg).Float64()
	periods := c.secondsPerYear / effective.Seconds()

	apy := math.Expm1(periods * math.Log1p(r))
	if math.IsInf(apy, 1) || math.IsNaN(apy) {
		return math.MaxFloat64
	}
	return apy
}

// inWindow returns the transactions with start < timestamp < end in
// ascending time order. The input slice is not reordered.
func inWindow(txs []domain.Transaction, start, end time.Time) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Timestamp.After(start) && tx.Timestamp.Before(end) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
