package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// UpsertBatch writes the latest state of each position. The referenced
// markets must already exist.
func (s *PositionStore) UpsertBatch(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}

	const query = `
		INSERT INTO positions (
			wallet, market_id, chain_id,
			supply_assets, supply_shares, borrow_assets, borrow_shares, updated_at
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, NOW())
		ON CONFLICT (wallet, market_id) DO UPDATE SET
			supply_assets = EXCLUDED.supply_assets,
			supply_shares = EXCLUDED.supply_shares,
			borrow_assets = EXCLUDED.borrow_assets,
			borrow_shares = EXCLUDED.borrow_shares,
			updated_at    = NOW()`

	batch := &pgx.Batch{}
	for _, p := range positions {
		batch.Queue(query,
			domain.NormalizeWallet(p.Wallet), p.MarketID, p.ChainID,
			numText(p.SupplyAssets), numText(p.SupplyShares),
			numText(p.BorrowAssets), numText(p.BorrowShares),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range positions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert position batch item %d: %w", i, err)
		}
	}
	return nil
}

const positionCols = `p.wallet, p.market_id, p.chain_id,
	p.supply_assets::text, p.supply_shares::text, p.borrow_assets::text, p.borrow_shares::text, ` + marketCols

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var addrs [4]string
	dest := []any{
		&p.Wallet, &p.MarketID, &p.ChainID,
		num{&p.SupplyAssets}, num{&p.SupplyShares}, num{&p.BorrowAssets}, num{&p.BorrowShares},
	}
	dest = append(dest, marketDest(&p.Market, &addrs)...)
	if err := row.Scan(dest...); err != nil {
		return domain.Position{}, err
	}
	setParams(&p.Market, addrs)
	return p, nil
}

// ListByWallet returns every position of wallet with its market attached.
func (s *PositionStore) ListByWallet(ctx context.Context, wallet string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+`
		 FROM positions p JOIN markets m ON m.id = p.market_id
		 WHERE p.wallet = $1
		 ORDER BY p.supply_assets DESC`,
		domain.NormalizeWallet(wallet))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", wallet, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

// Get returns a single position with its market attached.
func (s *PositionStore) Get(ctx context.Context, wallet, marketID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+`
		 FROM positions p JOIN markets m ON m.id = p.market_id
		 WHERE p.wallet = $1 AND p.market_id = $2`,
		domain.NormalizeWallet(wallet), marketID)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", wallet, marketID, err)
	}
	return p, nil
}
