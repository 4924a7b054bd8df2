package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market metadata and pool state.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	UpsertBatch(ctx context.Context, markets []Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	ListByLoanAsset(ctx context.Context, chainID int64, loanAsset string) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// PositionStore persists wallet positions. Returned positions carry their
// market populated.
type PositionStore interface {
	UpsertBatch(ctx context.Context, positions []Position) error
	ListByWallet(ctx context.Context, wallet string) ([]Position, error)
	Get(ctx context.Context, wallet, marketID string) (Position, error)
}

// TransactionStore persists supply/withdraw history.
type TransactionStore interface {
	InsertBatch(ctx context.Context, txs []Transaction) error
	ListByPosition(ctx context.Context, wallet, marketID string, opts ListOpts) ([]Transaction, error)
	GetLastTimestamp(ctx context.Context, wallet string) (time.Time, error)
}

// SnapshotStore persists balance snapshots.
type SnapshotStore interface {
	InsertBatch(ctx context.Context, snaps []BalanceSnapshot) error
	// GetAt returns the latest snapshot taken at or before t.
	GetAt(ctx context.Context, wallet, marketID string, t time.Time) (BalanceSnapshot, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
