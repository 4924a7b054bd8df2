package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// subscribeMsg changes what a client receives, e.g.
//
//	{"action":"subscribe","channels":["lendbot:events:*"],"wallets":["0xabc..."]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Wallets  []string `json:"wallets"`
}

// filter selects the events a client receives. An empty wallet set matches
// every wallet; channel entries ending in * match by prefix.
type filter struct {
	mu       sync.RWMutex
	channels map[string]bool
	wallets  map[string]bool
}

func newFilter(channels []string, wallet string) *filter {
	f := &filter{
		channels: make(map[string]bool, len(channels)),
		wallets:  make(map[string]bool),
	}
	for _, ch := range channels {
		f.channels[ch] = true
	}
	if wallet != "" {
		f.wallets[domain.NormalizeWallet(wallet)] = true
	}
	return f
}

func (f *filter) apply(msg subscribeMsg) {
	f.mu.Lock()
	defer f.mu.Unlock()

	on := msg.Action == "subscribe"
	if !on && msg.Action != "unsubscribe" {
		return
	}
	for _, ch := range msg.Channels {
		if on {
			f.channels[ch] = true
		} else {
			delete(f.channels, ch)
		}
	}
	for _, w := range msg.Wallets {
		w = domain.NormalizeWallet(w)
		if on {
			f.wallets[w] = true
		} else {
			delete(f.wallets, w)
		}
	}
}

// match reports whether an event on channel about wallet passes. Events
// without a wallet pass any wallet filter.
func (f *filter) match(channel, wallet string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.hasChannel(channel) {
		return false
	}
	return len(f.wallets) == 0 || wallet == "" || f.wallets[wallet]
}

func (f *filter) hasChannel(channel string) bool {
	if f.channels[channel] {
		return true
	}
	for ch := range f.channels {
		if prefix, ok := strings.CutSuffix(ch, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// client is one WebSocket connection. The hub owns send and closes it on
// removal; writeLoop exits when it does.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter *filter
}

func newClient(h *Hub, conn *websocket.Conn, f *filter) *client {
	return &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		filter: f,
	}
}

// enqueue queues data without blocking. Callers other than HandleWS hold the
// hub lock, so send is never closed underneath them.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readLoop applies subscription messages until the connection fails, then
// detaches the client.
func (c *client) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(raw, &msg) == nil {
			c.filter.apply(msg)
		}
	}
}

// writeLoop drains send to the connection and keeps it alive with pings.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
