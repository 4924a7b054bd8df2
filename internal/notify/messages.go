package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/rebalance"
)

// maxListedDeltas caps how many market moves an opportunity message lists.
const maxListedDeltas = 5

// OpportunityMessage renders an allocation that beats the current yield.
func OpportunityMessage(wallet string, decimals int, a *rebalance.Allocation) (title, body string) {
	title = fmt.Sprintf("%s rebalance: %s -> %s",
		a.LoanSymbol, domain.FormatAPY(a.CurrentWeightedAPY), domain.FormatAPY(a.ProjectedWeightedAPY))

	var b strings.Builder
	fmt.Fprintf(&b, "wallet %s, chain %d\n", wallet, a.ChainID)
	fmt.Fprintf(&b, "rebalanceable %s of %s %s\n",
		domain.FormatUnits(a.TotalRebalanceable, decimals),
		domain.FormatUnits(a.TotalAssets, decimals),
		a.LoanSymbol)

	listed := 0
	for _, d := range a.Deltas {
		if d.Delta == nil || d.Delta.Sign() == 0 {
			continue
		}
		if listed == maxListedDeltas {
			b.WriteString("...\n")
			break
		}
		sign := "+"
		if d.Delta.Sign() < 0 {
			sign = ""
		}
		fmt.Fprintf(&b, "%s %s%s (%s -> %s)\n",
			marketLabel(d), sign, domain.FormatUnits(d.Delta, decimals),
			domain.FormatAPY(d.CurrentAPY), domain.FormatAPY(d.ProjectedAPY))
		listed++
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// QueueMessage renders a staged or removed action.
func QueueMessage(verb string, decimals int, a domain.RebalanceAction) (title, body string) {
	title = fmt.Sprintf("Queue %s", verb)
	amount := domain.FormatUnits(a.Amount, decimals)
	if a.IsMax {
		amount += " (max)"
	}
	body = fmt.Sprintf("wallet %s: %s from %s to %s",
		a.Wallet, amount, refLabel(a.From), refLabel(a.To))
	return title, body
}

func marketLabel(d domain.MarketDelta) string {
	if d.CollateralSymbol != "" {
		return d.CollateralSymbol
	}
	return shortID(d.MarketID)
}

func refLabel(r domain.MarketRef) string {
	if r.CollateralSymbol != "" {
		return r.CollateralSymbol
	}
	return shortID(r.ID)
}

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10]
}
