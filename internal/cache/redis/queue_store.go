package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/lendbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// QueueStore implements domain.QueueStore. Each wallet's staged actions are
// stored as a single JSON array so a load always sees a consistent queue.
//
// Key schema:
//
//	lendbot:queue:{wallet} - JSON []RebalanceAction, no expiry
type QueueStore struct {
	rdb *redis.Client
}

// NewQueueStore creates a QueueStore backed by the given Client.
func NewQueueStore(c *Client) *QueueStore {
	return &QueueStore{rdb: c.Underlying()}
}

func queueKey(wallet string) string { return key("queue", domain.NormalizeWallet(wallet)) }

// Load returns the wallet's staged actions; an unknown wallet has none.
func (qs *QueueStore) Load(ctx context.Context, wallet string) ([]domain.RebalanceAction, error) {
	data, err := qs.rdb.Get(ctx, queueKey(wallet)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: load queue %s: %w", wallet, err)
	}
	return decodeQueue(data)
}

// Save replaces the wallet's staged actions. An empty queue deletes the key.
func (qs *QueueStore) Save(ctx context.Context, wallet string, actions []domain.RebalanceAction) error {
	if len(actions) == 0 {
		if err := qs.rdb.Del(ctx, queueKey(wallet)).Err(); err != nil {
			return fmt.Errorf("redis: clear queue %s: %w", wallet, err)
		}
		return nil
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("redis: marshal queue %s: %w", wallet, err)
	}
	if err := qs.rdb.Set(ctx, queueKey(wallet), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: save queue %s: %w", wallet, err)
	}
	return nil
}

func decodeQueue(data []byte) ([]domain.RebalanceAction, error) {
	var actions []domain.RebalanceAction
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("redis: unmarshal queue: %w", err)
	}
	return actions, nil
}

// Compile-time interface check.
var _ domain.QueueStore = (*QueueStore)(nil)
