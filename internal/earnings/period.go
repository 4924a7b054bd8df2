package earnings

import (
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// Period is a named trailing window. A zero Window means the position's whole
// history.
type Period struct {
	Name   string        `json:"name"`
	Window time.Duration `json:"window"`
}

const day = 24 * time.Hour

// Periods returns the standard reporting windows, shortest first.
func Periods() []Period {
	return []Period{
		{Name: "1d", Window: day},
		{Name: "7d", Window: 7 * day},
		{Name: "30d", Window: 30 * day},
		{Name: "90d", Window: 90 * day},
		{Name: "all", Window: 0},
	}
}

// ParsePeriod looks up a standard period by name.
func ParsePeriod(name string) (Period, bool) {
	for _, p := range Periods() {
		if p.Name == name {
			return p, true
		}
	}
	return Period{}, false
}

// Start returns the window start for a window ending at end. For the whole
// history it is one second before the first transaction, so that transaction
// falls strictly inside the window; with no history it is end.
func (p Period) Start(end time.Time, txs []domain.Transaction) time.Time {
	if p.Window > 0 {
		return end.Add(-p.Window)
	}
	first := end
	for _, tx := range txs {
		if tx.Timestamp.Before(first) {
			first = tx.Timestamp
		}
	}
	if first.Equal(end) {
		return end
	}
	return first.Add(-time.Second)
}
