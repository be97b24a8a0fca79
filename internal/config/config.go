package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"trend-grid-bot-go/internal/models"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

const (
	defaultLiveWSURL    = "wss://fstream.binance.com"
	defaultTestnetWSURL = "wss://stream.binancefuture.com"
)

// Credentials 从环境变量读取的 API 密钥
type Credentials struct {
	APIKey    string
	SecretKey string
}

// LoadConfig 从指定路径加载配置文件 (.json 或 .yaml/.yml), 填充默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults fills every zero field that has a sensible default.
func ApplyDefaults(c *models.Config) {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.LiveWSURL == "" {
		c.LiveWSURL = defaultLiveWSURL
	}
	if c.TestnetWSURL == "" {
		c.TestnetWSURL = defaultTestnetWSURL
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}
	if c.TickIntervalSec == 0 {
		c.TickIntervalSec = 5
	}
	if c.StatusIntervalSec == 0 {
		c.StatusIntervalSec = 30
	}
	if c.StateDBPath == "" {
		c.StateDBPath = "data/state"
	}
	if c.TradeDBPath == "" {
		c.TradeDBPath = "data/trades.db"
	}
	if c.WebSocketPingIntervalSec == 0 {
		c.WebSocketPingIntervalSec = 30
	}
	if c.WebSocketPongTimeoutSec == 0 {
		c.WebSocketPongTimeoutSec = 75
	}

	g := &c.Grid
	if g.SpacingType == "" {
		g.SpacingType = models.SpacingFixed
	}
	if g.AnchorMode == "" {
		g.AnchorMode = models.AnchorNone
	}
	if g.PricePrecision == 0 {
		g.PricePrecision = 2
	}

	m := &c.MACD
	if m.Fast == 0 {
		m.Fast = 12
	}
	if m.Slow == 0 {
		m.Slow = 26
	}
	if m.Signal == 0 {
		m.Signal = 9
	}
	if m.Timeframe == "" {
		m.Timeframe = "15m"
	}

	e := &c.EMAFilter
	if e.Period == 0 {
		e.Period = 200
	}
	if e.Timeframe == "" {
		e.Timeframe = m.Timeframe
	}

	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}

	// KlineLimit 需要覆盖 MACD 和 EMA 的预热长度
	need := m.Slow + m.Signal + 2
	if e.Enabled && e.Period+1 > need {
		need = e.Period + 1
	}
	if c.KlineLimit < need {
		c.KlineLimit = need + 50
	}
	if c.KlineLimit > 1500 {
		c.KlineLimit = 1500
	}
}

// Validate checks the fields the engine and exchange depend on.
func Validate(c *models.Config) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Symbol == "" {
		add("symbol is required")
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		add("leverage must be in [1, 125], got %d", c.Leverage)
	}
	if (c.GridValue > 0) == (c.GridQuantity > 0) {
		add("exactly one of grid_value and grid_quantity must be > 0")
	}
	if c.RestoreMaxAgeHours < 0 {
		add("restore_max_age_hours must be >= 0")
	}

	g := c.Grid
	switch g.SpacingType {
	case models.SpacingFixed, models.SpacingPercent:
	default:
		add("grid.spacing_type must be FIXED or PERCENT, got %q", g.SpacingType)
	}
	switch g.AnchorMode {
	case models.AnchorNone, models.AnchorHundred, models.AnchorThousand:
	default:
		add("grid.anchor_mode must be NONE, HUNDRED or THOUSAND, got %q", g.AnchorMode)
	}
	if g.SpacingValue <= 0 {
		add("grid.spacing_value must be > 0")
	}
	if g.RangePercent <= 0 || g.RangePercent >= 100 {
		add("grid.range_percent must be in (0, 100)")
	}
	if g.TakeProfitPercent <= 0 {
		add("grid.take_profit_percent must be > 0")
	}
	if g.MaxTotalOrders <= 0 {
		add("grid.max_total_orders must be > 0")
	}
	if g.AnchorValue < 0 {
		add("grid.anchor_value must be >= 0")
	}

	m := c.MACD
	if m.Fast <= 0 || m.Slow <= 0 || m.Signal <= 0 || m.Fast >= m.Slow {
		add("macd periods must be positive with fast < slow, got %d/%d/%d", m.Fast, m.Slow, m.Signal)
	}
	if c.EMAFilter.Period <= 0 {
		add("ema_filter.period must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// LoadCredentials reads BINANCE_API_KEY and BINANCE_SECRET_KEY from the environment.
func LoadCredentials() (Credentials, error) {
	creds := Credentials{
		APIKey:    os.Getenv("BINANCE_API_KEY"),
		SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return creds, errors.New("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}
	return creds, nil
}

// WSBaseURL picks the stream endpoint for the configured network.
func WSBaseURL(c *models.Config) string {
	if c.IsTestnet {
		return c.TestnetWSURL
	}
	return c.LiveWSURL
}
