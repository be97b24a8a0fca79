package models

import "time"

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet                bool    `json:"is_testnet" yaml:"is_testnet"`                           // 是否使用测试网
	LiveWSURL                string  `json:"live_ws_url" yaml:"live_ws_url"`                         // 生产网 WebSocket 地址
	TestnetWSURL             string  `json:"testnet_ws_url" yaml:"testnet_ws_url"`                   // 测试网 WebSocket 地址
	Symbol                   string  `json:"symbol" yaml:"symbol"`                                   // 交易对，如 "BTCUSDT"
	Leverage                 int     `json:"leverage" yaml:"leverage"`                               // 杠杆倍数
	GridValue                float64 `json:"grid_value,omitempty" yaml:"grid_value,omitempty"`       // 每个网格的交易价值 (USDT)
	GridQuantity             float64 `json:"grid_quantity,omitempty" yaml:"grid_quantity,omitempty"` // 每个网格的交易数量（基础货币）
	TickIntervalSec          int     `json:"tick_interval_sec" yaml:"tick_interval_sec"`             // 策略循环间隔(秒)
	StatusIntervalSec        int     `json:"status_interval_sec" yaml:"status_interval_sec"`         // 状态打印间隔(秒)
	KlineLimit               int     `json:"kline_limit" yaml:"kline_limit"`                         // 每次拉取的K线数量
	APIListenAddr            string  `json:"api_listen_addr" yaml:"api_listen_addr"`                 // 控制接口监听地址, 为空则不启动
	StateDBPath              string  `json:"state_db_path" yaml:"state_db_path"`                     // badger 状态库目录
	TradeDBPath              string  `json:"trade_db_path" yaml:"trade_db_path"`                     // sqlite 成交日志文件
	RestoreMaxAgeHours       float64 `json:"restore_max_age_hours" yaml:"restore_max_age_hours"`     // 状态恢复的最大时效, 0 表示不限制
	WebSocketPingIntervalSec int     `json:"websocket_ping_interval_sec,omitempty" yaml:"websocket_ping_interval_sec,omitempty"`
	WebSocketPongTimeoutSec  int     `json:"websocket_pong_timeout_sec,omitempty" yaml:"websocket_pong_timeout_sec,omitempty"`

	Grid      GridConfig      `json:"grid" yaml:"grid"`
	MACD      MACDConfig      `json:"macd" yaml:"macd"`
	EMAFilter EMAFilterConfig `json:"ema_filter" yaml:"ema_filter"`
	LogConfig LogConfig       `json:"log" yaml:"log"`
}

// SpacingType 网格间距类型
type SpacingType string

const (
	SpacingFixed   SpacingType = "FIXED"
	SpacingPercent SpacingType = "PERCENT"
)

// AnchorMode 锚定模式: 网格价格对齐到整百/整千
type AnchorMode string

const (
	AnchorNone     AnchorMode = "NONE"
	AnchorHundred  AnchorMode = "HUNDRED"
	AnchorThousand AnchorMode = "THOUSAND"
)

// GridConfig 定义了网格的形状
type GridConfig struct {
	SpacingType       SpacingType `json:"spacing_type" yaml:"spacing_type"`
	SpacingValue      float64     `json:"spacing_value" yaml:"spacing_value"`             // FIXED 为价格差, PERCENT 为百分比
	RangePercent      float64     `json:"range_percent" yaml:"range_percent"`             // 网格下沿距当前价的百分比
	TakeProfitPercent float64     `json:"take_profit_percent" yaml:"take_profit_percent"` // 止盈百分比
	MaxTotalOrders    int         `json:"max_total_orders" yaml:"max_total_orders"`       // 挂单 + 持仓的总上限
	AnchorMode        AnchorMode  `json:"anchor_mode" yaml:"anchor_mode"`
	AnchorValue       float64     `json:"anchor_value" yaml:"anchor_value"`       // 0 时按 anchor_mode 取默认值
	PricePrecision    int         `json:"price_precision" yaml:"price_precision"` // 反推入场价时保留的小数位
}

// EffectiveAnchor returns the anchor step in use, or 0 when anchoring is off.
func (g GridConfig) EffectiveAnchor() float64 {
	switch g.AnchorMode {
	case AnchorHundred:
		if g.AnchorValue > 0 {
			return g.AnchorValue
		}
		return 100
	case AnchorThousand:
		if g.AnchorValue > 0 {
			return g.AnchorValue
		}
		return 1000
	default:
		return 0
	}
}

// MACDConfig MACD 指标参数
type MACDConfig struct {
	Fast      int    `json:"fast" yaml:"fast"`
	Slow      int    `json:"slow" yaml:"slow"`
	Signal    int    `json:"signal" yaml:"signal"`
	Timeframe string `json:"timeframe" yaml:"timeframe"`
}

// EMAFilterConfig EMA 趋势过滤器参数
type EMAFilterConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Period         int    `json:"period" yaml:"period"`
	Timeframe      string `json:"timeframe" yaml:"timeframe"`
	AllowOnRising  bool   `json:"allow_on_rising" yaml:"allow_on_rising"`
	AllowOnFalling bool   `json:"allow_on_falling" yaml:"allow_on_falling"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// Order types as reported by Binance USDT-M futures.
const (
	OrderTypeLimit            = "LIMIT"
	OrderTypeTakeProfit       = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Order 定义了交易所返回的订单快照 (核心只读)
type Order struct {
	OrderID       int64   `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Price         float64 `json:"price"`
	StopPrice     float64 `json:"stop_price"`
	Quantity      float64 `json:"quantity"`
}

// IsLimit reports whether the order is a plain resting limit order.
func (o Order) IsLimit() bool {
	return o.Type == OrderTypeLimit
}

// Position 定义了持仓信息
type Position struct {
	Symbol       string  `json:"symbol"`
	PositionSide string  `json:"position_side"`
	EntryPrice   float64 `json:"entry_price"`
	Quantity     float64 `json:"quantity"`
}

// Candle 一根K线
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SymbolRules holds the exchange precision rules the grid needs.
type SymbolRules struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
}

// GridLevel 代表网格中的一个价格档位
type GridLevel struct {
	EntryPrice float64 `json:"entry_price"`
	TPPrice    float64 `json:"tp_price"`
	LevelIndex int     `json:"level_index"`
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Price         float64
	StopPrice     float64
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
}
