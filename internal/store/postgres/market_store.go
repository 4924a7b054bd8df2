package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const upsertMarketSQL = `
	INSERT INTO markets (
		id, chain_id, loan_token, collateral_token, oracle, irm, lltv,
		loan_symbol, collateral_symbol, loan_decimals,
		total_supply_assets, total_borrow_assets, liquidity_assets,
		supply_apy, borrow_apy, utilization, fee, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7::numeric,
		$8, $9, $10,
		$11::numeric, $12::numeric, $13::numeric,
		$14, $15, $16, $17, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		loan_symbol         = EXCLUDED.loan_symbol,
		collateral_symbol   = EXCLUDED.collateral_symbol,
		loan_decimals       = EXCLUDED.loan_decimals,
		total_supply_assets = EXCLUDED.total_supply_assets,
		total_borrow_assets = EXCLUDED.total_borrow_assets,
		liquidity_assets    = EXCLUDED.liquidity_assets,
		supply_apy          = EXCLUDED.supply_apy,
		borrow_apy          = EXCLUDED.borrow_apy,
		utilization         = EXCLUDED.utilization,
		fee                 = EXCLUDED.fee,
		updated_at          = NOW()`

func marketArgs(m domain.Market) []any {
	return []any{
		m.ID, m.ChainID,
		m.Params.LoanToken.Hex(), m.Params.CollateralToken.Hex(),
		m.Params.Oracle.Hex(), m.Params.IRM.Hex(), numText(m.Params.LLTV),
		m.LoanSymbol, m.CollateralSymbol, m.LoanDecimals,
		numText(m.TotalSupplyAssets), numText(m.TotalBorrowAssets), numText(m.LiquidityAssets),
		m.SupplyAPY, m.BorrowAPY, m.Utilization, m.Fee,
	}
}

// Upsert inserts or refreshes a single market.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	if _, err := s.pool.Exec(ctx, upsertMarketSQL, marketArgs(m)...); err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// UpsertBatch inserts or refreshes markets in a single batch round trip.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(upsertMarketSQL, marketArgs(m)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d: %w", i, err)
		}
	}
	return nil
}

const marketCols = `m.id, m.chain_id, m.loan_token, m.collateral_token, m.oracle, m.irm,
	m.lltv::text, m.loan_symbol, m.collateral_symbol, m.loan_decimals,
	m.total_supply_assets::text, m.total_borrow_assets::text, m.liquidity_assets::text,
	m.supply_apy, m.borrow_apy, m.utilization, m.fee, m.updated_at`

// marketDest returns scan destinations for marketCols.
func marketDest(m *domain.Market, addrs *[4]string) []any {
	return []any{
		&m.ID, &m.ChainID, &addrs[0], &addrs[1], &addrs[2], &addrs[3],
		num{&m.Params.LLTV}, &m.LoanSymbol, &m.CollateralSymbol, &m.LoanDecimals,
		num{&m.TotalSupplyAssets}, num{&m.TotalBorrowAssets}, num{&m.LiquidityAssets},
		&m.SupplyAPY, &m.BorrowAPY, &m.Utilization, &m.Fee, &m.UpdatedAt,
	}
}

func setParams(m *domain.Market, addrs [4]string) {
	m.Params.LoanToken = common.HexToAddress(addrs[0])
	m.Params.CollateralToken = common.HexToAddress(addrs[1])
	m.Params.Oracle = common.HexToAddress(addrs[2])
	m.Params.IRM = common.HexToAddress(addrs[3])
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var addrs [4]string
	if err := row.Scan(marketDest(&m, &addrs)...); err != nil {
		return domain.Market{}, err
	}
	setParams(&m, addrs)
	return m, nil
}

// GetByID retrieves a market by its unique key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets m WHERE m.id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListByLoanAsset returns every market on chainID lending loanAsset, largest
// supply first.
func (s *MarketStore) ListByLoanAsset(ctx context.Context, chainID int64, loanAsset string) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets m
		 WHERE m.chain_id = $1 AND lower(m.loan_token) = lower($2)
		 ORDER BY m.total_supply_assets DESC`,
		chainID, loanAsset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets for %s: %w", loanAsset, err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return out, nil
}

// Count returns the number of known markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}
