package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

type chanBus struct {
	mu    sync.Mutex
	chans map[string]chan []byte
}

func newChanBus() *chanBus { return &chanBus{chans: make(map[string]chan []byte)} }

func (b *chanBus) ch(channel string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chans[channel]
	if !ok {
		c = make(chan []byte, 8)
		b.chans[channel] = c
	}
	return c
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.ch(channel) <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.ch(channel), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFilter(t *testing.T) {
	f := newFilter([]string{domain.ChannelQueue}, "")

	assert.True(t, f.match(domain.ChannelQueue, "0xaa"))
	assert.False(t, f.match(domain.ChannelSync, "0xaa"))

	f.apply(subscribeMsg{Action: "subscribe", Wallets: []string{"0xAA"}})
	assert.True(t, f.match(domain.ChannelQueue, "0xaa"))
	assert.False(t, f.match(domain.ChannelQueue, "0xbb"))
	assert.True(t, f.match(domain.ChannelQueue, ""), "wallet-less events pass the filter")

	f.apply(subscribeMsg{Action: "subscribe", Channels: []string{"lendbot:events:*"}})
	assert.True(t, f.match(domain.ChannelSync, "0xaa"))

	f.apply(subscribeMsg{Action: "ping", Channels: []string{"lendbot:events:*"}})
	assert.True(t, f.match(domain.ChannelSync, "0xaa"), "unknown actions are ignored")

	f.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"lendbot:events:*", domain.ChannelQueue}})
	assert.False(t, f.match(domain.ChannelQueue, "0xaa"))
}

func TestNewFilterWallet(t *testing.T) {
	f := newFilter(relayedChannels, "0xAB")
	assert.True(t, f.match(domain.ChannelAllocation, "0xab"))
	assert.False(t, f.match(domain.ChannelAllocation, "0xcd"))
}

func TestWalletOf(t *testing.T) {
	assert.Equal(t, "0xab", walletOf([]byte(`{"type":"queue.added","wallet":"0xAB"}`)))
	assert.Empty(t, walletOf([]byte(`not json`)))
}

func TestCheckOrigin(t *testing.T) {
	allow := checkOrigin([]string{"https://app.example"})
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, allow(req))
	req.Header.Set("Origin", "https://app.example")
	assert.True(t, allow(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, allow(req))
}

func TestHubRelaysFilteredEvents(t *testing.T) {
	bus := newChanBus()
	hub := NewHub(bus, quietLogger(), Config{Mode: "server"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?wallet=0xAA"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}

	status := read()
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, "server", status["data"].(map[string]any)["mode"])

	// The other wallet's event is filtered; the watched wallet's arrives.
	require.NoError(t, bus.Publish(ctx, domain.ChannelQueue, []byte(`{"type":"queue.added","wallet":"0xbb"}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelQueue, []byte(`{"type":"queue.removed","wallet":"0xaa"}`)))

	ev := read()
	assert.Equal(t, "queue.removed", ev["type"])
}
