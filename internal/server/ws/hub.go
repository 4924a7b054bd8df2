// Package ws relays signal bus events (queue changes, allocation runs and
// sync results) to WebSocket clients, filtered per client by channel and
// wallet.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// relayedChannels are the signal bus channels forwarded to clients.
var relayedChannels = []string{
	domain.ChannelQueue,
	domain.ChannelAllocation,
	domain.ChannelSync,
}

// Config captures runtime metadata sent to clients on connect and the
// origins allowed to open a socket.
type Config struct {
	Mode           string
	StartedAt      time.Time
	AllowedOrigins []string
}

// Hub tracks connected clients and fans bus events out to them.
type Hub struct {
	bus       domain.SignalBus
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	mode      string
	startedAt time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		logger:    logger.With(slog.String("component", "ws_hub")),
		mode:      mode,
		startedAt: startedAt,
		clients:   make(map[*client]struct{}),
	}
}

// checkOrigin allows every origin when none are configured, mirroring the
// CORS middleware.
func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run relays every bus channel until ctx is cancelled, then disconnects all
// clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, channel := range relayedChannels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.relay(ctx, channel)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	h.closeAll()
	return ctx.Err()
}

func (h *Hub) relay(ctx context.Context, channel string) {
	payloads, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.ErrorContext(ctx, "ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.InfoContext(ctx, "ws: relaying channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-payloads:
			if !ok {
				h.logger.WarnContext(ctx, "ws: subscription closed", slog.String("channel", channel))
				return
			}
			h.fanOut(channel, walletOf(data), data)
		}
	}
}

// fanOut queues data on every client whose filter matches. Slow clients lose
// the message rather than stall the relay.
func (h *Hub) fanOut(channel, wallet string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.filter.match(channel, wallet) {
			continue
		}
		if !c.enqueue(data) {
			h.logger.Warn("ws: client buffer full, dropping event", slog.String("channel", channel))
		}
	}
}

// walletOf extracts the wallet of an event envelope, if any.
func walletOf(data []byte) string {
	var env struct {
		Wallet string `json:"wallet"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return domain.NormalizeWallet(env.Wallet)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("ws: client connected", slog.Int("total_clients", len(h.clients)))
	return true
}

// remove drops c and closes its send queue. It is a no-op for a client that
// is already gone.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("ws: client disconnected", slog.Int("total_clients", len(h.clients)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleWS upgrades the request and attaches the connection to the hub. A
// wallet query parameter pre-filters the feed.
// GET /ws?wallet=0x...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, newFilter(relayedChannels, r.URL.Query().Get("wallet")))
	c.enqueue(h.statusFrame())
	if !h.add(c) {
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// statusFrame is the first message of every connection, so clients can mark
// the socket healthy before any event flows.
func (h *Hub) statusFrame() []byte {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	type status struct {
		Mode          string   `json:"mode"`
		UptimeSeconds int64    `json:"uptime_seconds"`
		Channels      []string `json:"channels"`
	}
	frame, _ := json.Marshal(struct {
		Type string    `json:"type"`
		Data status    `json:"data"`
		At   time.Time `json:"at"`
	}{
		Type: "status",
		Data: status{Mode: h.mode, UptimeSeconds: uptime, Channels: relayedChannels},
		At:   time.Now().UTC(),
	})
	return frame
}
