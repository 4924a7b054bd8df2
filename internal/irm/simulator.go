package irm

import (
	"math"
	"math/big"
	"sync"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Simulator projects a market's state after a signed capital delta. Each
// market is priced with the curve registered for its IRM address, falling
// back to a default curve.
type Simulator struct {
	mu       sync.RWMutex
	curves   map[common.Address]*KinkedCurve
	fallback *KinkedCurve
}

// NewSimulator creates a Simulator. A nil fallback uses DefaultCurve.
func NewSimulator(fallback *KinkedCurve) *Simulator {
	if fallback == nil {
		fallback = DefaultCurve()
	}
	return &Simulator{
		curves:   make(map[common.Address]*KinkedCurve),
		fallback: fallback,
	}
}

// Register binds a curve to an IRM address.
func (s *Simulator) Register(irm common.Address, c *KinkedCurve) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curves[irm] = c
}

// CurveFor returns the curve used to price markets with the given IRM.
func (s *Simulator) CurveFor(irm common.Address) *KinkedCurve {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.curves[irm]; ok {
		return c
	}
	return s.fallback
}

// Simulate returns the state m would have after supplying delta (negative
// delta withdraws). ok is false when the result is not reachable: supply
// would go negative, or the withdrawal exceeds available liquidity. The
// input market is never modified.
func (s *Simulator) Simulate(m domain.Market, delta *big.Int) (domain.SimulationResult, bool) {
	supply := new(big.Int)
	if m.TotalSupplyAssets != nil {
		supply.Set(m.TotalSupplyAssets)
	}
	borrow := new(big.Int)
	if m.TotalBorrowAssets != nil {
		borrow.Set(m.TotalBorrowAssets)
	}
	if delta != nil {
		supply.Add(supply, delta)
	}
	if supply.Sign() < 0 {
		return domain.SimulationResult{}, false
	}

	liquidity := new(big.Int).Sub(supply, borrow)
	if liquidity.Sign() < 0 {
		return domain.SimulationResult{}, false
	}

	curve := s.CurveFor(m.Params.IRM)
	util := Utilization(borrow, supply)
	fee := new(big.Rat).SetFloat64(m.Fee)
	if fee == nil {
		fee = new(big.Rat)
	}

	borrowAPR, _ := curve.BorrowAPR(util).Float64()
	supplyAPR, _ := curve.SupplyAPR(util, fee).Float64()
	utilF, _ := util.Float64()

	return domain.SimulationResult{
		SupplyAPY:         compound(supplyAPR),
		BorrowAPY:         compound(borrowAPR),
		Utilization:       utilF,
		TotalSupplyAssets: supply,
		TotalBorrowAssets: borrow,
		LiquidityAssets:   liquidity,
	}, true
}

// compound converts a continuously compounded APR into an APY.
func compound(apr float64) float64 {
	if apr <= 0 {
		return 0
	}
	return math.Expm1(apr)
}
