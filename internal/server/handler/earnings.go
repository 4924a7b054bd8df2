package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/earnings"
	"github.com/alanyoungcy/lendbot/internal/service"
)

var errMissingStart = errors.New("start or period query parameter required")

func errPeriod(name string) error {
	return fmt.Errorf("unknown period %q, use 1d, 7d, 30d or 90d", name)
}

// EarningsService defines the methods that the earnings handler requires.
type EarningsService interface {
	Earnings(ctx context.Context, wallet, marketID string, start, end time.Time) (domain.EarningsCalculation, error)
	Summary(ctx context.Context, wallet string) (service.EarningsSummary, error)
}

// EarningsHandler serves realized-yield endpoints.
type EarningsHandler struct {
	svc    EarningsService
	now    func() time.Time
	logger *slog.Logger
}

// NewEarningsHandler creates an EarningsHandler.
func NewEarningsHandler(svc EarningsService, logger *slog.Logger) *EarningsHandler {
	return &EarningsHandler{svc: svc, now: time.Now, logger: logger}
}

type earningsResponse struct {
	Wallet   string                     `json:"wallet"`
	MarketID string                     `json:"market_id"`
	Start    time.Time                  `json:"start"`
	End      time.Time                  `json:"end"`
	Earnings domain.EarningsCalculation `json:"earnings"`
}

// GetEarnings computes one position's earnings over a window given either
// as unix-second start/end or as a named period (1d, 7d, 30d, 90d).
// GET /api/earnings?wallet=0x...&market_id=0x...&start=...&end=...
// GET /api/earnings?wallet=0x...&market_id=0x...&period=30d
func (h *EarningsHandler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	marketID := strings.TrimSpace(r.URL.Query().Get("market_id"))
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "market_id query parameter required")
		return
	}

	start, end, err := h.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	calc, err := h.svc.Earnings(r.Context(), wallet, marketID, start, end)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to compute earnings")
		return
	}
	if end.IsZero() {
		end = h.now().UTC()
	}
	writeJSON(w, http.StatusOK, earningsResponse{
		Wallet:   wallet,
		MarketID: strings.ToLower(marketID),
		Start:    start,
		End:      end,
		Earnings: calc,
	})
}

// GetSummary reports every position of the wallet over the standard periods.
// GET /api/earnings/summary?wallet=0x...
func (h *EarningsHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.svc.Summary(r.Context(), wallet)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to compute earnings summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *EarningsHandler) window(r *http.Request) (time.Time, time.Time, error) {
	if name := r.URL.Query().Get("period"); name != "" {
		p, ok := earnings.ParsePeriod(name)
		if !ok || p.Window == 0 {
			return time.Time{}, time.Time{}, errPeriod(name)
		}
		end := h.now().UTC()
		return p.Start(end, nil), end, nil
	}

	start, err := unixParam(r, "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start.IsZero() {
		return time.Time{}, time.Time{}, errMissingStart
	}
	end, err := unixParam(r, "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}
