package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/lendbot/internal/pipeline"
)

// WalletSyncer refreshes one wallet from the indexer.
type WalletSyncer interface {
	SyncWallet(ctx context.Context, wallet string) (pipeline.SyncResult, error)
}

// SyncHandler serves the on-demand sync endpoint.
type SyncHandler struct {
	syncer  WalletSyncer
	timeout time.Duration
	logger  *slog.Logger
}

// NewSyncHandler creates a SyncHandler. A sync that runs past timeout is
// abandoned.
func NewSyncHandler(syncer WalletSyncer, timeout time.Duration, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{syncer: syncer, timeout: timeout, logger: logger}
}

// TriggerSync synchronously refreshes one wallet and reports what was
// written.
// POST /api/sync?wallet=0x...
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "handler: sync requested", slog.String("wallet", wallet))

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.syncer.SyncWallet(ctx, wallet)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
