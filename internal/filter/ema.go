package filter

import (
	"math"
	"sync"

	"trend-grid-bot-go/internal/indicator"
	"trend-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// EMAFilterName is the registry name of the EMA trend filter.
const EMAFilterName = "ema_trend"

// flatThreshold is the relative EMA move (0.001%) below which the trend counts as flat.
const flatThreshold = 0.00001

// Direction of the EMA between the last two closes.
type Direction string

const (
	DirectionUnknown Direction = ""
	DirectionRising  Direction = "RISING"
	DirectionFalling Direction = "FALLING"
	DirectionFlat    Direction = "FLAT"
)

// EMAFilter gates entries on the slope of a long EMA.
type EMAFilter struct {
	mu sync.RWMutex

	enabled        bool
	period         int
	timeframe      string
	allowOnRising  bool
	allowOnFalling bool

	current   float64
	previous  float64
	hasValue  bool
	direction Direction

	logger *zap.Logger
}

// NewEMAFilter builds the filter from config. A non-positive period falls back to 200.
func NewEMAFilter(cfg models.EMAFilterConfig, logger *zap.Logger) *EMAFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	period := cfg.Period
	if period <= 0 {
		period = 200
	}
	return &EMAFilter{
		enabled:        cfg.Enabled,
		period:         period,
		timeframe:      cfg.Timeframe,
		allowOnRising:  cfg.AllowOnRising,
		allowOnFalling: cfg.AllowOnFalling,
		logger:         logger,
	}
}

func (f *EMAFilter) Name() string { return EMAFilterName }

func (f *EMAFilter) Enabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

func (f *EMAFilter) Enable() {
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
}

func (f *EMAFilter) Disable() {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
}

// Period returns the EMA length.
func (f *EMAFilter) Period() int { return f.period }

// Timeframe returns the kline interval the filter wants.
func (f *EMAFilter) Timeframe() string { return f.timeframe }

// Update recomputes the EMA and its direction. Short or unusable series leave
// the previous reading untouched.
func (f *EMAFilter) Update(candles []models.Candle) {
	if len(candles) < f.period+1 {
		f.logger.Debug("not enough candles for ema filter", zap.Int("have", len(candles)), zap.Int("need", f.period+1))
		return
	}
	closes, ok := indicator.Closes(candles)
	if !ok {
		f.logger.Warn("ema filter skipped: unusable close in series")
		return
	}
	series := indicator.EMASeries(closes, f.period)
	if len(series) < 2 {
		return
	}
	cur, prev := series[len(series)-1], series[len(series)-2]
	if !indicator.Finite(cur) || !indicator.Finite(prev) {
		return
	}

	dir := DirectionFlat
	if delta := cur - prev; math.Abs(delta) > math.Abs(prev)*flatThreshold {
		if delta > 0 {
			dir = DirectionRising
		} else {
			dir = DirectionFalling
		}
	}

	f.mu.Lock()
	changed := f.direction != dir
	f.current, f.previous, f.hasValue, f.direction = cur, prev, true, dir
	f.mu.Unlock()

	if changed {
		f.logger.Info("ema trend direction changed", zap.String("direction", string(dir)), zap.Float64("ema", cur))
	}
}

// Direction returns the last computed direction.
func (f *EMAFilter) Direction() Direction {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.direction
}

func (f *EMAFilter) ShouldAllowTrade() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.enabled || !f.hasValue {
		return true
	}
	switch f.direction {
	case DirectionRising:
		return f.allowOnRising
	case DirectionFalling:
		return f.allowOnFalling
	default:
		return f.allowOnRising || f.allowOnFalling
	}
}

// ShouldProtectOrders keeps resting entries alive during a rising trend.
func (f *EMAFilter) ShouldProtectOrders() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled && f.hasValue && f.direction == DirectionRising
}

func (f *EMAFilter) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	details := map[string]any{
		"period":           f.period,
		"timeframe":        f.timeframe,
		"direction":        string(f.direction),
		"allow_on_rising":  f.allowOnRising,
		"allow_on_falling": f.allowOnFalling,
	}
	if f.hasValue {
		details["ema"] = f.current
		details["previous_ema"] = f.previous
	}
	return State{
		Name:        EMAFilterName,
		Enabled:     f.enabled,
		Description: "blocks entries against the long EMA slope",
		Details:     details,
	}
}
