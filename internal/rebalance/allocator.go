package rebalance

import (
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/metrics"
)

// DefaultRounds is the number of equal chunks the rebalanceable capital is
// split into.
const DefaultRounds = 20

// Simulator projects a market's state after a signed capital delta without
// modifying the market it is given.
type Simulator interface {
	Simulate(m domain.Market, delta *big.Int) (domain.SimulationResult, bool)
}

// Engine runs the greedy allocator. An Engine holds no per-run state and can
// be shared across goroutines.
type Engine struct {
	sim     Simulator
	rounds  int
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithRounds sets the allocation granularity. Non-positive values are ignored.
func WithRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.rounds = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine on top of sim.
func NewEngine(sim Simulator, opts ...Option) *Engine {
	e := &Engine{
		sim:    sim,
		rounds: DefaultRounds,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rounds returns the configured round count.
func (e *Engine) Rounds() int { return e.rounds }

func (e *Engine) simulate(m domain.Market, delta *big.Int) (domain.SimulationResult, bool) {
	res, ok := e.sim.Simulate(m, delta)
	e.metrics.ObserveSimulation(ok)
	return res, ok
}

// allocation is the raw allocator output: target amount per candidate index
// plus the number of rounds that placed capital.
type allocation struct {
	targets []*big.Int
	rounds  int
}

// allocate greedily assigns the withdrawable capital of cands one chunk at a
// time to the market whose supply APY after absorbing the chunk is highest.
// Locked capital stays where it is. It returns nil when nothing can move.
func (e *Engine) allocate(cands []candidate) *allocation {
	total := new(big.Int)
	for _, c := range cands {
		total.Add(total, c.class.Withdrawable)
	}
	if total.Sign() == 0 {
		return nil
	}

	rounds := big.NewInt(int64(e.rounds))
	chunk, rem := new(big.Int).QuoRem(total, rounds, new(big.Int))
	if chunk.Sign() == 0 {
		return nil
	}

	targets := make([]*big.Int, len(cands))
	working := make([]domain.Market, len(cands))
	usable := make([]bool, len(cands))
	for i, c := range cands {
		targets[i] = new(big.Int).Set(c.class.Locked)

		// Baseline: the market as if everything movable had already left.
		res, ok := e.simulate(c.market, new(big.Int).Neg(c.class.Withdrawable))
		if !ok {
			e.logger.Debug("rebalance: baseline simulation unusable, market not a candidate",
				slog.String("market_id", c.market.ID),
			)
			continue
		}
		working[i] = c.market.Apply(res)
		usable[i] = true
	}

	placed := new(big.Int)
	completed := 0
	for r := 0; r < e.rounds; r++ {
		amount := new(big.Int).Set(chunk)
		if r == e.rounds-1 {
			amount.Add(amount, rem)
		}

		best := -1
		var bestRes domain.SimulationResult
		for i := range cands {
			if !usable[i] {
				continue
			}
			res, ok := e.simulate(working[i], amount)
			if !ok {
				continue
			}
			if best == -1 || res.SupplyAPY > bestRes.SupplyAPY {
				best = i
				bestRes = res
			}
		}
		if best == -1 {
			e.logger.Debug("rebalance: no usable candidate, stopping early",
				slog.Int("round", r),
				slog.Int("rounds", e.rounds),
			)
			break
		}

		targets[best].Add(targets[best], amount)
		working[best] = working[best].Apply(bestRes)
		placed.Add(placed, amount)
		completed++
	}

	// Capital not placed by an early stop goes back to the candidates in
	// order, each taking at most what it released.
	unplaced := new(big.Int).Sub(total, placed)
	for i, c := range cands {
		if unplaced.Sign() == 0 {
			break
		}
		back := new(big.Int).Set(c.class.Withdrawable)
		if back.Cmp(unplaced) > 0 {
			back.Set(unplaced)
		}
		targets[i].Add(targets[i], back)
		unplaced.Sub(unplaced, back)
	}

	return &allocation{targets: targets, rounds: completed}
}
