package subgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

const (
	testWallet = "0x00000000000000000000000000000000000000AA"
	marketA    = "0xAAAA000000000000000000000000000000000000000000000000000000000001"
)

// graphqlServer answers each request with respond(operation, variables).
func graphqlServer(t *testing.T, respond func(query string, vars map[string]any) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respond(req.Query, req.Variables)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const marketItem = `{
	"uniqueKey": "` + marketA + `",
	"lltv": "860000000000000000",
	"oracleAddress": "0x0000000000000000000000000000000000000001",
	"irmAddress": "0x0000000000000000000000000000000000000002",
	"loanAsset": {"address": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "symbol": "USDC", "decimals": 6},
	"collateralAsset": {"address": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "symbol": "WETH"},
	"state": {
		"supplyAssets": "1000000000000000000000000",
		"borrowAssets": 900000000000,
		"liquidityAssets": "100000000000",
		"supplyApy": 0.041,
		"borrowApy": 0.052,
		"utilization": 0.9,
		"fee": 0.1,
		"timestamp": 1700000000
	}
}`

func TestFetchPositions(t *testing.T) {
	srv := graphqlServer(t, func(q string, vars map[string]any) string {
		assert.Contains(t, q, "marketPositions")
		assert.Equal(t, []any{testWallet}, vars["wallet"])
		return `{"data": {"marketPositions": {"items": [{
			"user": {"address": "` + testWallet + `"},
			"state": {"supplyAssets": "5000000", "supplyShares": "4900000000000", "borrowAssets": "0", "borrowShares": null},
			"market": ` + marketItem + `
		}]}}}`
	})

	c := NewClient(Config{URL: srv.URL})
	positions, err := c.FetchPositions(context.Background(), 1, testWallet)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	p := positions[0]
	assert.Equal(t, strings.ToLower(marketA), p.MarketID)
	assert.Equal(t, strings.ToLower(testWallet), p.Wallet)
	assert.Equal(t, int64(5000000), p.SupplyAssets.Int64())
	assert.Zero(t, p.BorrowShares.Sign())

	m := p.Market
	assert.Equal(t, int64(1), m.ChainID)
	assert.Equal(t, "USDC", m.LoanSymbol)
	assert.Equal(t, "WETH", m.CollateralSymbol)
	assert.Equal(t, 6, m.LoanDecimals)
	want, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(m.TotalSupplyAssets))
	assert.Equal(t, int64(900000000000), m.TotalBorrowAssets.Int64())
	assert.InDelta(t, 0.1, m.Fee, 1e-12)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), m.UpdatedAt)
}

func TestFetchTransactionsFiltersTypes(t *testing.T) {
	srv := graphqlServer(t, func(q string, vars map[string]any) string {
		assert.Equal(t, float64(1690000000), vars["since"])
		return `{"data": {"transactions": {"items": [
			{"hash": "0xAB", "logIndex": 3, "timestamp": 1700000000, "type": "MarketSupply",
			 "user": {"address": "` + testWallet + `"},
			 "data": {"assets": "100", "shares": "99", "market": {"uniqueKey": "` + marketA + `"}}},
			{"hash": "0xCD", "logIndex": 1, "timestamp": 1700000100, "type": "MarketBorrow",
			 "user": {"address": "` + testWallet + `"}, "data": {}},
			{"hash": "0xEF", "logIndex": 0, "timestamp": 1700000200, "type": "MarketWithdraw",
			 "user": {"address": "` + testWallet + `"},
			 "data": {"assets": "40", "shares": "39", "market": {"uniqueKey": "` + marketA + `"}}}
		]}}}`
	})

	c := NewClient(Config{URL: srv.URL})
	txs, err := c.FetchTransactions(context.Background(), 1, testWallet, time.Unix(1690000000, 0))
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, domain.TxTypeSupply, txs[0].Type)
	assert.Equal(t, "0xab", txs[0].Hash)
	assert.Equal(t, 3, txs[0].LogIndex)
	assert.Equal(t, int64(100), txs[0].Assets.Int64())
	assert.Equal(t, domain.TxTypeWithdraw, txs[1].Type)
	assert.Equal(t, strings.ToLower(marketA), txs[1].MarketID)
}

func TestPaginationFollowsFullPages(t *testing.T) {
	var calls atomic.Int32
	srv := graphqlServer(t, func(q string, vars map[string]any) string {
		calls.Add(1)
		skip := int(vars["skip"].(float64))
		if skip >= 4 {
			return `{"data": {"markets": {"items": [` + marketItem + `]}}}`
		}
		return `{"data": {"markets": {"items": [` + marketItem + `,` + marketItem + `]}}}`
	})

	c := NewClient(Config{URL: srv.URL, PageSize: 2})
	markets, err := c.FetchMarkets(context.Background(), 1, []string{marketA})
	require.NoError(t, err)
	assert.Len(t, markets, 5)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchMarketsWithoutIDs(t *testing.T) {
	c := NewClient(Config{URL: "http://unused.invalid"})
	markets, err := c.FetchMarkets(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Empty(t, markets)
}

func TestFetchSupplyHistory(t *testing.T) {
	srv := graphqlServer(t, func(q string, vars map[string]any) string {
		return `{"data": {"marketPosition": {"historicalState": {"supplyAssetsHistory": [
			{"x": 1700000000, "y": "100"}, {"x": 1700003600, "y": 150}
		]}}}}`
	})

	c := NewClient(Config{URL: srv.URL})
	snaps, err := c.FetchSupplyHistory(context.Background(), 1, testWallet, marketA,
		time.Unix(1700000000, 0), time.Unix(1700003600, 0))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(150), snaps[1].SupplyAssets.Int64())
	assert.Equal(t, time.Unix(1700003600, 0).UTC(), snaps[1].Timestamp)
}

func TestFetchSupplyHistoryNotFound(t *testing.T) {
	srv := graphqlServer(t, func(string, map[string]any) string {
		return `{"data": {"marketPosition": null}, "errors": [{"message": "No results matching given parameters"}]}`
	})

	c := NewClient(Config{URL: srv.URL})
	_, err := c.FetchSupplyHistory(context.Background(), 1, testWallet, marketA, time.Now(), time.Now())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDoQueryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(Config{URL: srv.URL}).FetchPositions(context.Background(), 1, testWallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")

	for status, want := range map[int]error{
		http.StatusTooManyRequests: domain.ErrRateLimited,
		http.StatusUnauthorized:    domain.ErrUnauthorized,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err = NewClient(Config{URL: srv.URL}).FetchPositions(context.Background(), 1, testWallet)
		srv.Close()
		assert.ErrorIs(t, err, want)
	}

	gqlErr := graphqlServer(t, func(string, map[string]any) string {
		return `{"errors": [{"message": "bad field"}]}`
	})
	_, err = NewClient(Config{URL: gqlErr.URL}).FetchPositions(context.Background(), 1, testWallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad field")
}

func TestAuthorizationHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"data": {"marketPositions": {"items": []}}}`)
	}))
	defer srv.Close()

	_, err := NewClient(Config{URL: srv.URL, APIKey: " secret "}).FetchPositions(context.Background(), 1, testWallet)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", got)
}

func TestRateLimitHonoursContext(t *testing.T) {
	srv := graphqlServer(t, func(string, map[string]any) string {
		return `{"data": {"marketPositions": {"items": []}}}`
	})
	c := NewClient(Config{URL: srv.URL, RequestsPerMinute: 1})

	_, err := c.FetchPositions(context.Background(), 1, testWallet)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.FetchPositions(ctx, 1, testWallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestBigNumDecoding(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"123"`, "123"},
		{`456`, "456"},
		{`"1e3"`, "1000"},
		{`12.9`, "12"},
		{`null`, "0"},
	}
	for _, tt := range tests {
		var b bigNum
		require.NoError(t, json.Unmarshal([]byte(tt.in), &b), tt.in)
		assert.Equal(t, tt.want, b.value().String(), tt.in)
	}

	var b bigNum
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &b))
}
