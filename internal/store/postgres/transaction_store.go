package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given connection pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// InsertBatch inserts transactions using pgx Batch. Rows already present
// (same hash and log index) are skipped.
func (s *TransactionStore) InsertBatch(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	const query = `
		INSERT INTO transactions (
			hash, log_index, market_id, wallet, type, assets, shares, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)
		ON CONFLICT (hash, log_index) DO NOTHING`

	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(query,
			t.Hash, t.LogIndex, t.MarketID, domain.NormalizeWallet(t.Wallet),
			string(t.Type), numText(t.Assets), numText(t.Shares), t.Timestamp.UTC(),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range txs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert transaction batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByPosition returns a position's transactions in ascending time order,
// with optional time filtering and pagination.
func (s *TransactionStore) ListByPosition(ctx context.Context, wallet, marketID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	q := &listQuery{sql: `SELECT hash, log_index, market_id, wallet, type, assets::text, shares::text, timestamp
		FROM transactions WHERE true`}
	q.sql += " AND wallet = " + q.arg(domain.NormalizeWallet(wallet))
	q.sql += " AND market_id = " + q.arg(marketID)
	q.timeRange("timestamp", opts)
	q.page("timestamp ASC, log_index ASC", opts)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var kind string
		if err := rows.Scan(
			&t.Hash, &t.LogIndex, &t.MarketID, &t.Wallet, &kind,
			num{&t.Assets}, num{&t.Shares}, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		t.Type = domain.TxType(kind)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list transactions rows: %w", err)
	}
	return out, nil
}

// GetLastTimestamp returns the wallet's most recent transaction time, or the
// zero time when it has none.
func (s *TransactionStore) GetLastTimestamp(ctx context.Context, wallet string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT MAX(timestamp) FROM transactions WHERE wallet = $1",
		domain.NormalizeWallet(wallet)).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: get last transaction timestamp: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}
