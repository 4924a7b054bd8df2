package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/rebalance"
	"github.com/alanyoungcy/lendbot/internal/service"
)

// RebalanceService defines the methods that the rebalance handler requires.
type RebalanceService interface {
	ComputeAllocation(ctx context.Context, wallet string, chainID int64, loanAsset common.Address, excluded []string) (*rebalance.Allocation, error)
	Pending(ctx context.Context, wallet string) (service.PendingQueue, error)
	Stage(ctx context.Context, wallet string, req service.StageRequest) (domain.RebalanceAction, error)
	StageAllocation(ctx context.Context, wallet string, chainID int64, loanAsset common.Address, excluded []string) ([]domain.RebalanceAction, error)
	Remove(ctx context.Context, wallet, actionID string) error
}

// RebalanceHandler serves allocation and pending-queue endpoints.
type RebalanceHandler struct {
	svc            RebalanceService
	defaultChainID int64
	logger         *slog.Logger
}

// NewRebalanceHandler creates a RebalanceHandler. defaultChainID applies
// when a request omits chain_id.
func NewRebalanceHandler(svc RebalanceService, defaultChainID int64, logger *slog.Logger) *RebalanceHandler {
	return &RebalanceHandler{svc: svc, defaultChainID: defaultChainID, logger: logger}
}

type allocationResponse struct {
	Allocation *rebalance.Allocation `json:"allocation"`
}

// GetAllocation computes the yield-maximizing allocation for one group.
// GET /api/rebalance/allocation?wallet=0x...&chain_id=1&loan_asset=0x...&exclude=a,b
func (h *RebalanceHandler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	wallet, chainID, loanAsset, ok := h.groupParams(w, r.URL.Query().Get("loan_asset"), r)
	if !ok {
		return
	}

	alloc, err := h.svc.ComputeAllocation(r.Context(), wallet, chainID, loanAsset, listParam(r, "exclude"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to compute allocation")
		return
	}
	writeJSON(w, http.StatusOK, allocationResponse{Allocation: alloc})
}

// GetQueue returns the wallet's pending actions and per-market deltas.
// GET /api/rebalance/queue?wallet=0x...
func (h *RebalanceHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.svc.Pending(r.Context(), wallet)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to load queue")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// stageRequest is the JSON body of a manual stage. Amount is an integer in
// the loan token's base units, passed as a string to keep full precision.
type stageRequest struct {
	Wallet     string `json:"wallet"`
	FromMarket string `json:"from_market"`
	ToMarket   string `json:"to_market"`
	Amount     string `json:"amount"`
	UseMax     bool   `json:"use_max"`
}

// Stage validates and appends one action to the wallet's queue.
// POST /api/rebalance/queue
func (h *RebalanceHandler) Stage(w http.ResponseWriter, r *http.Request) {
	var body stageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !common.IsHexAddress(body.Wallet) {
		writeError(w, http.StatusBadRequest, "wallet must be a hex address")
		return
	}

	req := service.StageRequest{
		FromMarket: body.FromMarket,
		ToMarket:   body.ToMarket,
		UseMax:     body.UseMax,
	}
	if s := strings.TrimSpace(body.Amount); s != "" && !body.UseMax {
		amount, ok := new(big.Int).SetString(s, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "amount must be an integer in base units")
			return
		}
		req.Amount = amount
	}

	action, err := h.svc.Stage(r.Context(), domain.NormalizeWallet(body.Wallet), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to stage action")
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

type stageAllocationRequest struct {
	Wallet    string   `json:"wallet"`
	ChainID   int64    `json:"chain_id"`
	LoanAsset string   `json:"loan_asset"`
	Exclude   []string `json:"exclude"`
}

type stageAllocationResponse struct {
	Actions []domain.RebalanceAction `json:"actions"`
}

// StageAllocation stages the allocator's recommended moves for one group.
// POST /api/rebalance/queue/allocation
func (h *RebalanceHandler) StageAllocation(w http.ResponseWriter, r *http.Request) {
	var body stageAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !common.IsHexAddress(body.Wallet) {
		writeError(w, http.StatusBadRequest, "wallet must be a hex address")
		return
	}
	if !common.IsHexAddress(body.LoanAsset) {
		writeError(w, http.StatusBadRequest, "loan_asset must be a hex address")
		return
	}
	chainID := body.ChainID
	if chainID == 0 {
		chainID = h.defaultChainID
	}

	actions, err := h.svc.StageAllocation(r.Context(), domain.NormalizeWallet(body.Wallet), chainID,
		common.HexToAddress(body.LoanAsset), body.Exclude)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to stage allocation")
		return
	}
	if actions == nil {
		actions = []domain.RebalanceAction{}
	}
	writeJSON(w, http.StatusCreated, stageAllocationResponse{Actions: actions})
}

// Remove deletes one pending action.
// DELETE /api/rebalance/queue/{id}?wallet=0x...
func (h *RebalanceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing action id")
		return
	}

	if err := h.svc.Remove(r.Context(), wallet, id); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to remove action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "removed",
		"action_id": id,
	})
}

// groupParams reads wallet, chain_id and loan_asset, writing a 400 and
// returning false when any is invalid.
func (h *RebalanceHandler) groupParams(w http.ResponseWriter, loanAsset string, r *http.Request) (string, int64, common.Address, bool) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", 0, common.Address{}, false
	}
	chainID, err := int64Param(r, "chain_id", h.defaultChainID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", 0, common.Address{}, false
	}
	if !common.IsHexAddress(loanAsset) {
		writeError(w, http.StatusBadRequest, "loan_asset must be a hex address")
		return "", 0, common.Address{}, false
	}
	return wallet, chainID, common.HexToAddress(loanAsset), true
}
