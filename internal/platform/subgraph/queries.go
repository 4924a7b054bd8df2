package subgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

const marketFields = `
	uniqueKey
	lltv
	oracleAddress
	irmAddress
	loanAsset { address symbol decimals }
	collateralAsset { address symbol }
	state {
		supplyAssets
		borrowAssets
		liquidityAssets
		supplyApy
		borrowApy
		utilization
		fee
		timestamp
	}
`

var marketsQuery = `
	query Markets($chain: [Int!], $ids: [String!], $first: Int!, $skip: Int!) {
		markets(first: $first, skip: $skip, where: { chainId_in: $chain, uniqueKey_in: $ids }) {
			items {` + marketFields + `}
		}
	}
`

var positionsQuery = `
	query Positions($chain: [Int!], $wallet: [String!], $first: Int!, $skip: Int!) {
		marketPositions(first: $first, skip: $skip, where: { chainId_in: $chain, userAddress_in: $wallet }) {
			items {
				user { address }
				state { supplyAssets supplyShares borrowAssets borrowShares }
				market {` + marketFields + `}
			}
		}
	}
`

const transactionsQuery = `
	query Transactions($chain: [Int!], $wallet: [String!], $since: Int!, $first: Int!, $skip: Int!) {
		transactions(
			first: $first
			skip: $skip
			orderBy: Timestamp
			orderDirection: Asc
			where: {
				chainId_in: $chain
				userAddress_in: $wallet
				type_in: [MarketSupply, MarketWithdraw]
				timestamp_gte: $since
			}
		) {
			items {
				hash
				logIndex
				timestamp
				type
				user { address }
				data {
					... on MarketTransferTransactionData {
						assets
						shares
						market { uniqueKey }
					}
				}
			}
		}
	}
`

const historyQuery = `
	query SupplyHistory($wallet: String!, $market: String!, $chain: Int!, $start: Int!, $end: Int!) {
		marketPosition(userAddress: $wallet, marketUniqueKey: $market, chainId: $chain) {
			historicalState {
				supplyAssetsHistory(options: { startTimestamp: $start, endTimestamp: $end, interval: HOUR }) {
					x
					y
				}
			}
		}
	}
`

type itemsPage[T any] struct {
	Items []T `json:"items"`
}

// FetchMarkets returns the current state of the given markets.
func (c *Client) FetchMarkets(ctx context.Context, chainID int64, ids []string) ([]domain.Market, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := paginate(c.pageSize, func(skip int) ([]marketJSON, error) {
		data, err := c.doQuery(ctx, marketsQuery, map[string]any{
			"chain": []int64{chainID},
			"ids":   ids,
			"first": c.pageSize,
			"skip":  skip,
		})
		if err != nil {
			return nil, err
		}
		var res struct {
			Markets itemsPage[marketJSON] `json:"markets"`
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("decode markets: %w", err)
		}
		return res.Markets.Items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("subgraph: fetch markets: %w", err)
	}

	out := make([]domain.Market, 0, len(raw))
	for _, m := range raw {
		out = append(out, m.toDomain(chainID))
	}
	return out, nil
}

// FetchPositions returns every position of wallet on chainID, each carrying
// its market.
func (c *Client) FetchPositions(ctx context.Context, chainID int64, wallet string) ([]domain.Position, error) {
	raw, err := paginate(c.pageSize, func(skip int) ([]positionJSON, error) {
		data, err := c.doQuery(ctx, positionsQuery, map[string]any{
			"chain":  []int64{chainID},
			"wallet": []string{wallet},
			"first":  c.pageSize,
			"skip":   skip,
		})
		if err != nil {
			return nil, err
		}
		var res struct {
			MarketPositions itemsPage[positionJSON] `json:"marketPositions"`
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
		return res.MarketPositions.Items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("subgraph: fetch positions for %s: %w", wallet, err)
	}

	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.toDomain(chainID))
	}
	return out, nil
}

// FetchTransactions returns wallet's supplies and withdrawals at or after
// since, oldest first.
func (c *Client) FetchTransactions(ctx context.Context, chainID int64, wallet string, since time.Time) ([]domain.Transaction, error) {
	raw, err := paginate(c.pageSize, func(skip int) ([]transactionJSON, error) {
		data, err := c.doQuery(ctx, transactionsQuery, map[string]any{
			"chain":  []int64{chainID},
			"wallet": []string{wallet},
			"since":  since.Unix(),
			"first":  c.pageSize,
			"skip":   skip,
		})
		if err != nil {
			return nil, err
		}
		var res struct {
			Transactions itemsPage[transactionJSON] `json:"transactions"`
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("decode transactions: %w", err)
		}
		return res.Transactions.Items, nil
	})
	if err != nil {
		return nil, fmt.Errorf("subgraph: fetch transactions for %s: %w", wallet, err)
	}

	out := make([]domain.Transaction, 0, len(raw))
	for _, t := range raw {
		if tx, ok := t.toDomain(); ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

// FetchSupplyHistory returns hourly supply balances of wallet in marketID
// between start and end. A position unknown to the indexer yields
// domain.ErrNotFound.
func (c *Client) FetchSupplyHistory(ctx context.Context, chainID int64, wallet, marketID string, start, end time.Time) ([]domain.BalanceSnapshot, error) {
	data, err := c.doQuery(ctx, historyQuery, map[string]any{
		"wallet": wallet,
		"market": marketID,
		"chain":  chainID,
		"start":  start.Unix(),
		"end":    end.Unix(),
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no results") {
			return nil, fmt.Errorf("subgraph: supply history %s/%s: %w", wallet, marketID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("subgraph: supply history %s/%s: %w", wallet, marketID, err)
	}

	var res struct {
		MarketPosition *struct {
			HistoricalState struct {
				SupplyAssetsHistory []historyPointJSON `json:"supplyAssetsHistory"`
			} `json:"historicalState"`
		} `json:"marketPosition"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("subgraph: decode supply history: %w", err)
	}
	if res.MarketPosition == nil {
		return nil, fmt.Errorf("subgraph: supply history %s/%s: %w", wallet, marketID, domain.ErrNotFound)
	}

	points := res.MarketPosition.HistoricalState.SupplyAssetsHistory
	out := make([]domain.BalanceSnapshot, 0, len(points))
	for _, p := range points {
		out = append(out, domain.BalanceSnapshot{
			MarketID:     strings.ToLower(marketID),
			Wallet:       domain.NormalizeWallet(wallet),
			SupplyAssets: p.Y.value(),
			Timestamp:    time.Unix(p.X, 0).UTC(),
		})
	}
	return out, nil
}
