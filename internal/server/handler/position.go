package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Groups(ctx context.Context, wallet string) ([]domain.GroupedPosition, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

type listPositionsResponse struct {
	Wallet string                   `json:"wallet"`
	Groups []domain.GroupedPosition `json:"groups"`
}

// ListPositions returns a wallet's positions grouped by loan asset and chain.
// GET /api/positions?wallet=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	groups, err := h.positions.Groups(r.Context(), wallet)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list positions")
		return
	}
	if groups == nil {
		groups = []domain.GroupedPosition{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Wallet: wallet, Groups: groups})
}
