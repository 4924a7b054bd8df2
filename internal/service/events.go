package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// Event types published on the signal bus.
const (
	EventQueueAdded    = "queue.added"
	EventQueueRemoved  = "queue.removed"
	EventAllocation    = "allocation.computed"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// Event is the JSON envelope published on the signal bus and relayed to
// websocket clients.
type Event struct {
	Type   string    `json:"type"`
	Wallet string    `json:"wallet,omitempty"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"at"`
}

// publish sends ev on channel. Bus failures are logged, never returned: the
// bus is a best-effort live feed.
func publish(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, channel string, ev Event) {
	if bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.WarnContext(ctx, "service: marshal event failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := bus.Publish(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "service: publish event failed",
			slog.String("channel", channel),
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// audit writes an audit entry, logging instead of failing the caller.
func audit(ctx context.Context, store domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if store == nil {
		return
	}
	if err := store.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
