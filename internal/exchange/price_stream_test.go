package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "wss://fstream.binance.com/ws/btcusdt@aggTrade", StreamURL("wss://fstream.binance.com/", "BTCUSDT"))
}

func TestStreamConfigDefaults(t *testing.T) {
	cfg := StreamConfig{}.withDefaults()
	assert.Equal(t, 60*time.Second, cfg.PongWait)
	assert.Equal(t, 54*time.Second, cfg.PingInterval)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)

	cfg = StreamConfig{PingInterval: 80 * time.Second, PongWait: 75 * time.Second}.withDefaults()
	assert.Less(t, cfg.PingInterval, cfg.PongWait)
}

func TestPriceStreamCachesPriceAndReconnects(t *testing.T) {
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if atomic.AddInt32(&conns, 1) == 1 {
			// 第一条连接发一个价格后立即断开
			conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade","s":"BTCUSDT","p":"100000.10","q":"0.002"}`))
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade","s":"BTCUSDT","p":"100123.40","q":"0.010"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewPriceStream(StreamURL(url, "BTCUSDT"), StreamConfig{
		PingInterval:   50 * time.Millisecond,
		PongWait:       time.Second,
		ReconnectDelay: 20 * time.Millisecond,
	}, zap.NewNop())

	_, ok := stream.Price(0)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		p, ok := stream.Price(time.Minute)
		return ok && p == 100123.40
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&conns), int32(2))
	assert.True(t, stream.Connected())

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, stream.Connected())
}

func TestPriceStreamStaleness(t *testing.T) {
	stream := NewPriceStream("ws://unused", StreamConfig{}, nil)
	stream.mu.Lock()
	stream.price = 100
	stream.updatedAt = time.Now().Add(-time.Minute)
	stream.mu.Unlock()

	_, ok := stream.Price(10 * time.Second)
	assert.False(t, ok)
	p, ok := stream.Price(0)
	assert.True(t, ok)
	assert.Equal(t, 100.0, p)
}
