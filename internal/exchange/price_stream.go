package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamConfig 心跳与重连参数.
type StreamConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	ReconnectDelay time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10 // 必须小于 pongWait
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	return c
}

// StreamURL is the aggTrade stream of a symbol.
func StreamURL(base, symbol string) string {
	return fmt.Sprintf("%s/ws/%s@aggTrade", strings.TrimRight(base, "/"), strings.ToLower(symbol))
}

// PriceStream 维持一条 aggTrade 连接并缓存最新成交价.
type PriceStream struct {
	url    string
	cfg    StreamConfig
	dialer *websocket.Dialer

	mu        sync.RWMutex
	price     float64
	updatedAt time.Time
	connected bool

	logger *zap.Logger
}

func NewPriceStream(url string, cfg StreamConfig, logger *zap.Logger) *PriceStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceStream{
		url:    url,
		cfg:    cfg.withDefaults(),
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Price returns the cached price when it is younger than maxAge.
func (s *PriceStream) Price(maxAge time.Duration) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price <= 0 {
		return 0, false
	}
	if maxAge > 0 && time.Since(s.updatedAt) > maxAge {
		return 0, false
	}
	return s.price, true
}

// Connected reports whether a connection is currently up.
func (s *PriceStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Run 是一个守护循环, 负责维持连接和重连, 直到 ctx 结束.
func (s *PriceStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("price stream stopped")
			return
		}
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("WebSocket连接失败, 稍后重试", zap.Error(err), zap.Duration("delay", s.cfg.ReconnectDelay))
		} else {
			s.logger.Info("WebSocket连接成功", zap.String("url", s.url))
			if err := s.handle(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
			}
			conn.Close()
			s.setConnected(false)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("price stream stopped")
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *PriceStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// handle reads one connection until it breaks or ctx ends, keeping it alive with pings.
func (s *PriceStream) handle(ctx context.Context, conn *websocket.Conn) error {
	s.setConnected(true)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					s.logger.Debug("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 同时让阻塞中的 ReadMessage 返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		// 任意数据帧都说明连接仍然存活
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var trade struct {
			Price json.Number `json:"p"`
		}
		if err := json.Unmarshal(message, &trade); err != nil || trade.Price == "" {
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}
		s.mu.Lock()
		s.price = price
		s.updatedAt = time.Now()
		s.mu.Unlock()
	}
}
