package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// InsertBatch records balance snapshots, keeping the first value written for
// a given (wallet, market, time).
func (s *SnapshotStore) InsertBatch(ctx context.Context, snaps []domain.BalanceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	const query = `
		INSERT INTO balance_snapshots (wallet, market_id, supply_assets, taken_at)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (wallet, market_id, taken_at) DO NOTHING`

	batch := &pgx.Batch{}
	for _, sn := range snaps {
		batch.Queue(query,
			domain.NormalizeWallet(sn.Wallet), sn.MarketID, numText(sn.SupplyAssets), sn.Timestamp.UTC(),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert snapshot batch item %d: %w", i, err)
		}
	}
	return nil
}

// GetAt returns the latest snapshot taken at or before t.
func (s *SnapshotStore) GetAt(ctx context.Context, wallet, marketID string, t time.Time) (domain.BalanceSnapshot, error) {
	var sn domain.BalanceSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT wallet, market_id, supply_assets::text, taken_at
		 FROM balance_snapshots
		 WHERE wallet = $1 AND market_id = $2 AND taken_at <= $3
		 ORDER BY taken_at DESC
		 LIMIT 1`,
		domain.NormalizeWallet(wallet), marketID, t.UTC(),
	).Scan(&sn.Wallet, &sn.MarketID, num{&sn.SupplyAssets}, &sn.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BalanceSnapshot{}, domain.ErrNotFound
		}
		return domain.BalanceSnapshot{}, fmt.Errorf("postgres: get snapshot %s/%s: %w", wallet, marketID, err)
	}
	return sn, nil
}
