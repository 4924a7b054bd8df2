package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// QueueStore holds each wallet's pending rebalance actions.
type QueueStore interface {
	Load(ctx context.Context, wallet string) ([]RebalanceAction, error)
	Save(ctx context.Context, wallet string, actions []RebalanceAction) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of service events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Signal bus channels.
const (
	ChannelQueue      = "lendbot:events:queue"
	ChannelAllocation = "lendbot:events:allocation"
	ChannelSync       = "lendbot:events:sync"
	// ChannelAll matches every lendbot channel.
	ChannelAll = "lendbot:events:*"
)
