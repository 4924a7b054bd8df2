package rebalance

import (
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Instruction is a request to stage a move of Amount from one market to
// another. With UseMax set, Amount is ignored and the whole net-available
// balance of the source market is staged.
type Instruction struct {
	Wallet    string
	LoanAsset common.Address
	From      domain.MarketRef
	To        domain.MarketRef
	Amount    *big.Int
	UseMax    bool
	Source    domain.ActionSource
}

// Balances maps market ID to the wallet's current supplied amount.
type Balances map[string]*big.Int

// Queue is an ordered set of staged actions. It is a value: Add and Remove
// return a new Queue and never modify the receiver.
type Queue struct {
	actions []domain.RebalanceAction
}

// NewQueue builds a queue from previously staged actions.
func NewQueue(actions []domain.RebalanceAction) Queue {
	return Queue{actions: append([]domain.RebalanceAction(nil), actions...)}
}

// Actions returns a copy of the staged actions in staging order.
func (q Queue) Actions() []domain.RebalanceAction {
	return append([]domain.RebalanceAction(nil), q.actions...)
}

func (q Queue) Len() int { return len(q.actions) }

// PendingDelta is the signed sum of staged amounts for a market: inflows
// where it is the destination minus outflows where it is the source.
func (q Queue) PendingDelta(marketID string) *big.Int {
	out := new(big.Int)
	for _, a := range q.actions {
		if a.Amount == nil {
			continue
		}
		if a.To.ID == marketID {
			out.Add(out, a.Amount)
		}
		if a.From.ID == marketID {
			out.Sub(out, a.Amount)
		}
	}
	return out
}

// PendingDeltas returns PendingDelta for every market the queue touches.
func (q Queue) PendingDeltas() map[string]*big.Int {
	out := make(map[string]*big.Int)
	for _, a := range q.actions {
		for _, id := range []string{a.From.ID, a.To.ID} {
			if _, ok := out[id]; !ok {
				out[id] = q.PendingDelta(id)
			}
		}
	}
	return out
}

// Available is what the wallet would hold in a market once every staged
// action has executed, floored at zero.
func (q Queue) Available(marketID string, current *big.Int) *big.Int {
	out := new(big.Int)
	if current != nil {
		out.Set(current)
	}
	out.Add(out, q.PendingDelta(marketID))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// Add validates instr against the net-available balance of its source
// market and stages it. On rejection the receiver is returned unchanged
// along with an error wrapping domain.ErrInvalidInstruction.
func (q Queue) Add(instr Instruction, balances Balances, now time.Time) (Queue, domain.RebalanceAction, error) {
	if instr.From.ID == "" || instr.To.ID == "" {
		return q, domain.RebalanceAction{}, reject(domain.ErrMissingMarket)
	}
	if instr.From.ID == instr.To.ID {
		return q, domain.RebalanceAction{}, reject(domain.ErrSameMarket)
	}
	if instr.From.Params.LoanToken != instr.To.Params.LoanToken {
		return q, domain.RebalanceAction{}, reject(domain.ErrAssetMismatch)
	}

	available := q.Available(instr.From.ID, balances[instr.From.ID])

	amount := new(big.Int)
	switch {
	case instr.UseMax:
		amount.Set(available)
	case instr.Amount != nil:
		amount.Set(instr.Amount)
	}
	if amount.Sign() <= 0 {
		return q, domain.RebalanceAction{}, reject(domain.ErrNonPositiveAmount)
	}
	if amount.Cmp(available) > 0 {
		return q, domain.RebalanceAction{}, fmt.Errorf("%w: %w: requested %s, available %s",
			domain.ErrInvalidInstruction, domain.ErrExceedsAvailable, amount, available)
	}

	source := instr.Source
	if source == "" {
		source = domain.ActionSourceManual
	}
	loan := instr.LoanAsset
	if loan == (common.Address{}) {
		loan = instr.From.Params.LoanToken
	}

	action := domain.RebalanceAction{
		ID:        uuid.NewString(),
		Wallet:    instr.Wallet,
		LoanAsset: loan,
		From:      instr.From,
		To:        instr.To,
		Amount:    amount,
		IsMax:     instr.UseMax,
		Source:    source,
		CreatedAt: now,
	}

	next := make([]domain.RebalanceAction, 0, len(q.actions)+1)
	next = append(next, q.actions...)
	next = append(next, action)
	return Queue{actions: next}, action, nil
}

// Remove drops the action with the given ID. The boolean reports whether
// an action was removed.
func (q Queue) Remove(id string) (Queue, bool) {
	for i, a := range q.actions {
		if a.ID != id {
			continue
		}
		next := make([]domain.RebalanceAction, 0, len(q.actions)-1)
		next = append(next, q.actions[:i]...)
		next = append(next, q.actions[i+1:]...)
		return Queue{actions: next}, true
	}
	return q, false
}

func reject(reason error) error {
	return fmt.Errorf("%w: %w", domain.ErrInvalidInstruction, reason)
}
