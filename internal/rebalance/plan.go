package rebalance

import (
	"math/big"
	"sort"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/google/uuid"
)

// PlanActions turns an allocation into from/to moves by pairing the largest
// outflows with the largest inflows. Markets missing from gp are skipped.
func PlanActions(wallet string, gp domain.GroupedPosition, alloc *Allocation, now time.Time) []domain.RebalanceAction {
	if alloc == nil {
		return nil
	}

	markets := make(map[string]domain.Market, len(gp.Positions))
	for _, p := range gp.Positions {
		id := p.MarketID
		if id == "" {
			id = p.Market.ID
		}
		m := p.Market
		m.ID = id
		markets[id] = m
	}

	type leg struct {
		id     string
		amount *big.Int
		full   bool
	}
	var outs, ins []leg
	for _, d := range alloc.Deltas {
		if _, ok := markets[d.MarketID]; !ok {
			continue
		}
		switch d.Delta.Sign() {
		case -1:
			outs = append(outs, leg{
				id:     d.MarketID,
				amount: new(big.Int).Neg(d.Delta),
				full:   d.TargetAmount.Sign() == 0,
			})
		case 1:
			ins = append(ins, leg{id: d.MarketID, amount: new(big.Int).Set(d.Delta)})
		}
	}
	sort.SliceStable(outs, func(i, j int) bool { return outs[i].amount.Cmp(outs[j].amount) > 0 })
	sort.SliceStable(ins, func(i, j int) bool { return ins[i].amount.Cmp(ins[j].amount) > 0 })

	var actions []domain.RebalanceAction
	i, j := 0, 0
	for i < len(outs) && j < len(ins) {
		amount := outs[i].amount
		if ins[j].amount.Cmp(amount) < 0 {
			amount = ins[j].amount
		}
		amount = new(big.Int).Set(amount)

		outs[i].amount.Sub(outs[i].amount, amount)
		ins[j].amount.Sub(ins[j].amount, amount)

		actions = append(actions, domain.RebalanceAction{
			ID:        uuid.NewString(),
			Wallet:    wallet,
			LoanAsset: gp.LoanAsset,
			From:      markets[outs[i].id].Ref(),
			To:        markets[ins[j].id].Ref(),
			Amount:    amount,
			IsMax:     outs[i].full && outs[i].amount.Sign() == 0,
			Source:    domain.ActionSourceAllocator,
			CreatedAt: now,
		})

		if outs[i].amount.Sign() == 0 {
			i++
		}
		if ins[j].amount.Sign() == 0 {
			j++
		}
	}
	return actions
}
