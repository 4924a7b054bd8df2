package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/alanyoungcy/lendbot/internal/pipeline"
	"github.com/alanyoungcy/lendbot/internal/rebalance"
	"github.com/alanyoungcy/lendbot/internal/service"
)

const testWallet = "0x00000000000000000000000000000000000000aa"

var usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRebalance struct {
	alloc      *rebalance.Allocation
	err        error
	gotChain   int64
	gotAsset   common.Address
	gotExclude []string
	staged     service.StageRequest
	removed    string
}

func (f *fakeRebalance) Groups(context.Context, string) ([]domain.GroupedPosition, error) {
	return nil, f.err
}

func (f *fakeRebalance) ComputeAllocation(_ context.Context, _ string, chainID int64, asset common.Address, excluded []string) (*rebalance.Allocation, error) {
	f.gotChain, f.gotAsset, f.gotExclude = chainID, asset, excluded
	return f.alloc, f.err
}

func (f *fakeRebalance) Pending(_ context.Context, wallet string) (service.PendingQueue, error) {
	return service.PendingQueue{Wallet: wallet, Actions: []domain.RebalanceAction{}, Deltas: map[string]*big.Int{}}, f.err
}

func (f *fakeRebalance) Stage(_ context.Context, wallet string, req service.StageRequest) (domain.RebalanceAction, error) {
	f.staged = req
	if f.err != nil {
		return domain.RebalanceAction{}, f.err
	}
	return domain.RebalanceAction{ID: "a1", Wallet: wallet, Amount: req.Amount, IsMax: req.UseMax}, nil
}

func (f *fakeRebalance) StageAllocation(_ context.Context, _ string, chainID int64, asset common.Address, _ []string) ([]domain.RebalanceAction, error) {
	f.gotChain, f.gotAsset = chainID, asset
	return nil, f.err
}

func (f *fakeRebalance) Remove(_ context.Context, _ string, id string) error {
	f.removed = id
	return f.err
}

func do(t *testing.T, h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGetAllocation(t *testing.T) {
	svc := &fakeRebalance{alloc: &rebalance.Allocation{LoanSymbol: "USDC"}}
	h := NewRebalanceHandler(svc, 8453, quietLogger())

	rec := do(t, h.GetAllocation, http.MethodGet,
		"/api/rebalance/allocation?wallet="+testWallet+"&loan_asset="+usdc.Hex()+"&exclude=0xa,%200xb", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(8453), svc.gotChain)
	assert.Equal(t, usdc, svc.gotAsset)
	assert.Equal(t, []string{"0xa", "0xb"}, svc.gotExclude)
	assert.Equal(t, "USDC", decode(t, rec)["allocation"].(map[string]any)["loan_symbol"])
}

func TestGetAllocationNothingToDo(t *testing.T) {
	h := NewRebalanceHandler(&fakeRebalance{}, 1, quietLogger())
	rec := do(t, h.GetAllocation, http.MethodGet,
		"/api/rebalance/allocation?chain_id=1&wallet="+testWallet+"&loan_asset="+usdc.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"allocation":null}`, rec.Body.String())
}

func TestGetAllocationBadParams(t *testing.T) {
	h := NewRebalanceHandler(&fakeRebalance{}, 1, quietLogger())
	for _, q := range []string{
		"loan_asset=" + usdc.Hex(),
		"wallet=nope&loan_asset=" + usdc.Hex(),
		"wallet=" + testWallet,
		"wallet=" + testWallet + "&loan_asset=" + usdc.Hex() + "&chain_id=x",
	} {
		rec := do(t, h.GetAllocation, http.MethodGet, "/api/rebalance/allocation?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestStage(t *testing.T) {
	svc := &fakeRebalance{}
	h := NewRebalanceHandler(svc, 1, quietLogger())

	body := `{"wallet":"0x00000000000000000000000000000000000000AA","from_market":"0x1","to_market":"0x2","amount":"123456789012345678901234567890"}`
	rec := do(t, h.Stage, http.MethodPost, "/api/rebalance/queue", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "123456789012345678901234567890", svc.staged.Amount.String())
	assert.Equal(t, testWallet, decode(t, rec)["wallet"])

	rec = do(t, h.Stage, http.MethodPost, "/api/rebalance/queue",
		`{"wallet":"`+testWallet+`","from_market":"0x1","to_market":"0x2","amount":"5","use_max":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, svc.staged.UseMax)
	assert.Nil(t, svc.staged.Amount)
}

func TestStageBadInput(t *testing.T) {
	h := NewRebalanceHandler(&fakeRebalance{}, 1, quietLogger())
	for _, body := range []string{
		`not json`,
		`{"wallet":"x"}`,
		`{"wallet":"` + testWallet + `","amount":"1.5"}`,
	} {
		rec := do(t, h.Stage, http.MethodPost, "/api/rebalance/queue", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{fmt.Errorf("x: %w", fmt.Errorf("%w: %w", domain.ErrInvalidInstruction, domain.ErrExceedsAvailable)), http.StatusUnprocessableEntity, domain.ErrExceedsAvailable.Error()},
		{fmt.Errorf("%w: %w", domain.ErrInvalidInstruction, domain.ErrSameMarket), http.StatusUnprocessableEntity, domain.ErrSameMarket.Error()},
		{domain.ErrInvalidInstruction, http.StatusUnprocessableEntity, domain.ErrInvalidInstruction.Error()},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound, "not found"},
		{fmt.Errorf("x: %w", domain.ErrLockHeld), http.StatusConflict, "queue is being modified, retry"},
		{errors.New("db down"), http.StatusInternalServerError, "failed to stage action"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			h := NewRebalanceHandler(&fakeRebalance{err: tt.err}, 1, quietLogger())
			rec := do(t, h.Stage, http.MethodPost, "/api/rebalance/queue",
				`{"wallet":"`+testWallet+`","from_market":"0x1","to_market":"0x2","amount":"1"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.reason, decode(t, rec)["error"])
		})
	}
}

func TestStageAllocationDefaultsChain(t *testing.T) {
	svc := &fakeRebalance{}
	h := NewRebalanceHandler(svc, 10, quietLogger())

	rec := do(t, h.StageAllocation, http.MethodPost, "/api/rebalance/queue/allocation",
		`{"wallet":"`+testWallet+`","loan_asset":"`+usdc.Hex()+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"actions":[]}`, rec.Body.String())
	assert.Equal(t, int64(10), svc.gotChain)

	rec = do(t, h.StageAllocation, http.MethodPost, "/api/rebalance/queue/allocation", `{"wallet":"`+testWallet+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveUsesPathID(t *testing.T) {
	svc := &fakeRebalance{}
	h := NewRebalanceHandler(svc, 1, quietLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/rebalance/queue/{id}", h.Remove)

	req := httptest.NewRequest(http.MethodDelete, "/api/rebalance/queue/abc-123?wallet="+testWallet, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", svc.removed)
}

func TestGetQueue(t *testing.T) {
	h := NewRebalanceHandler(&fakeRebalance{}, 1, quietLogger())
	rec := do(t, h.GetQueue, http.MethodGet, "/api/rebalance/queue?wallet="+testWallet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"wallet":"`+testWallet+`","actions":[],"deltas":{}}`, rec.Body.String())
}

type fakeEarnings struct {
	start, end time.Time
	err        error
}

func (f *fakeEarnings) Earnings(_ context.Context, _, _ string, start, end time.Time) (domain.EarningsCalculation, error) {
	f.start, f.end = start, end
	return domain.EarningsCalculation{Earned: big.NewInt(5), APY: 0.05}, f.err
}

func (f *fakeEarnings) Summary(_ context.Context, wallet string) (service.EarningsSummary, error) {
	return service.EarningsSummary{Wallet: wallet, Groups: []service.GroupEarnings{}}, f.err
}

func TestGetEarnings(t *testing.T) {
	svc := &fakeEarnings{}
	h := NewEarningsHandler(svc, quietLogger())
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	rec := do(t, h.GetEarnings, http.MethodGet, "/api/earnings?wallet="+testWallet+"&market_id=0xAB&start=1700000000&end=1700086400", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), svc.start)
	assert.Equal(t, time.Unix(1700086400, 0).UTC(), svc.end)
	body := decode(t, rec)
	assert.Equal(t, "0xab", body["market_id"])
	assert.Equal(t, 0.05, body["earnings"].(map[string]any)["apy"])

	rec = do(t, h.GetEarnings, http.MethodGet, "/api/earnings?wallet="+testWallet+"&market_id=0xab&period=7d", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, now.Add(-7*24*time.Hour), svc.start)
	assert.Equal(t, now, svc.end)
}

func TestGetEarningsBadInput(t *testing.T) {
	h := NewEarningsHandler(&fakeEarnings{}, quietLogger())
	for _, q := range []string{
		"wallet=" + testWallet,
		"wallet=" + testWallet + "&market_id=0x1",
		"wallet=" + testWallet + "&market_id=0x1&start=abc",
		"wallet=" + testWallet + "&market_id=0x1&period=all",
		"wallet=" + testWallet + "&market_id=0x1&period=2w",
	} {
		rec := do(t, h.GetEarnings, http.MethodGet, "/api/earnings?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	h = NewEarningsHandler(&fakeEarnings{err: domain.ErrInvalidRange}, quietLogger())
	rec := do(t, h.GetEarnings, http.MethodGet, "/api/earnings?wallet="+testWallet+"&market_id=0x1&start=10&end=5", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSummary(t *testing.T) {
	h := NewEarningsHandler(&fakeEarnings{}, quietLogger())
	rec := do(t, h.GetSummary, http.MethodGet, "/api/earnings/summary?wallet="+testWallet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testWallet, decode(t, rec)["wallet"])
}

func TestListPositions(t *testing.T) {
	h := NewPositionHandler(&fakeRebalance{}, quietLogger())
	rec := do(t, h.ListPositions, http.MethodGet, "/api/positions?wallet="+testWallet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"wallet":"`+testWallet+`","groups":[]}`, rec.Body.String())

	rec = do(t, h.ListPositions, http.MethodGet, "/api/positions", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	}, quietLogger())
	rec := do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	h = NewHealthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, quietLogger())
	rec = do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["dependencies"].(map[string]any)["redis"])
}

type fakeSyncer struct{ err error }

func (f fakeSyncer) SyncWallet(_ context.Context, wallet string) (pipeline.SyncResult, error) {
	return pipeline.SyncResult{Wallet: wallet, Positions: 2}, f.err
}

func TestTriggerSync(t *testing.T) {
	h := NewSyncHandler(fakeSyncer{}, time.Second, quietLogger())
	rec := do(t, h.TriggerSync, http.MethodPost, "/api/sync?wallet="+testWallet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["positions"])

	h = NewSyncHandler(fakeSyncer{err: fmt.Errorf("subgraph: %w", domain.ErrRateLimited)}, time.Second, quietLogger())
	rec = do(t, h.TriggerSync, http.MethodPost, "/api/sync?wallet="+testWallet, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
