package grid

import (
	"math"
	"testing"

	"trend-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedConfig() models.GridConfig {
	return models.GridConfig{
		SpacingType:       models.SpacingFixed,
		SpacingValue:      100,
		RangePercent:      5,
		TakeProfitPercent: 0.2,
		MaxTotalOrders:    10,
		AnchorMode:        models.AnchorNone,
	}
}

var btcRules = models.SymbolRules{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001}

func newCalc(t *testing.T, cfg models.GridConfig) *Calculator {
	t.Helper()
	c, err := NewCalculator(cfg, btcRules)
	require.NoError(t, err)
	return c
}

func entryPrices(levels []models.GridLevel) []float64 {
	out := make([]float64, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.EntryPrice)
	}
	return out
}

// TestPlanUsesSlotsLeftByOpenPositions checks that filled positions consume capacity like pending orders.
func TestPlanUsesSlotsLeftByOpenPositions(t *testing.T) {
	c := newCalc(t, fixedConfig())

	plan := c.Plan(100000, nil, 3, nil)

	require.Len(t, plan.Levels, 7)
	assert.Equal(t, 7, plan.AvailableSlots)
	assert.Equal(t, []float64{99900, 99800, 99700, 99600, 99500, 99400, 99300}, entryPrices(plan.Levels))
	assert.Equal(t, 1, plan.Levels[0].LevelIndex)
	assert.InDelta(t, 100099.8, plan.Levels[0].TPPrice, 1e-9)
	assert.Empty(t, plan.Cancel)
}

// TestPlanStaysInsideRange verifies levels never leave [min_price, price - spacing].
func TestPlanStaysInsideRange(t *testing.T) {
	configs := []models.GridConfig{
		fixedConfig(),
		{SpacingType: models.SpacingPercent, SpacingValue: 0.5, RangePercent: 3, TakeProfitPercent: 0.3, MaxTotalOrders: 50},
		{SpacingType: models.SpacingFixed, SpacingValue: 37.3, RangePercent: 1, TakeProfitPercent: 0.1, MaxTotalOrders: 40},
		{SpacingType: models.SpacingFixed, SpacingValue: 150, RangePercent: 4, TakeProfitPercent: 0.2, MaxTotalOrders: 20, AnchorMode: models.AnchorHundred},
	}
	prices := []float64{63123.7, 100000, 2501.3, 118877.2}

	for _, cfg := range configs {
		c := newCalc(t, cfg)
		for _, price := range prices {
			plan := c.Plan(price, nil, 0, nil)
			minPrice := c.MinPrice(price)
			ceiling := price - c.Spacing(price)
			for _, lvl := range plan.Levels {
				assert.GreaterOrEqual(t, lvl.EntryPrice, minPrice, "cfg=%+v price=%v", cfg, price)
				assert.LessOrEqual(t, lvl.EntryPrice, ceiling+1e-9, "cfg=%+v price=%v", cfg, price)
			}
			assert.LessOrEqual(t, len(plan.Levels), cfg.MaxTotalOrders)
		}
	}
}

// TestPlanAnchorHundredProducesMultiples checks anchor snapping.
func TestPlanAnchorHundredProducesMultiples(t *testing.T) {
	cfg := fixedConfig()
	cfg.SpacingValue = 150
	cfg.AnchorMode = models.AnchorHundred
	c := newCalc(t, cfg)

	plan := c.Plan(100050, nil, 0, nil)

	require.NotEmpty(t, plan.Levels)
	seen := map[float64]bool{}
	for _, lvl := range plan.Levels {
		assert.Zero(t, math.Mod(lvl.EntryPrice, 100), "entry %v is not a multiple of 100", lvl.EntryPrice)
		assert.False(t, seen[lvl.EntryPrice], "duplicate level %v", lvl.EntryPrice)
		seen[lvl.EntryPrice] = true
	}
	assert.Equal(t, 99900.0, plan.Levels[0].EntryPrice)
	assert.Equal(t, 99700.0, plan.Levels[1].EntryPrice)
}

// TestPlanAnchorSmallerThanSpacingNeverDuplicates covers the floor collapse case.
func TestPlanAnchorSmallerThanSpacingNeverDuplicates(t *testing.T) {
	cfg := fixedConfig()
	cfg.SpacingValue = 40
	cfg.AnchorMode = models.AnchorHundred
	c := newCalc(t, cfg)

	plan := c.Plan(100010, nil, 0, nil)

	assert.Equal(t, []float64{99900, 99800, 99700, 99600, 99500, 99400, 99300, 99200, 99100, 99000}, entryPrices(plan.Levels))
}

// TestPlanSkipsExistingAndOccupiedLevels makes sure neither a resting LIMIT nor a recovered TP level is doubled.
func TestPlanSkipsExistingAndOccupiedLevels(t *testing.T) {
	c := newCalc(t, fixedConfig())
	orders := []models.Order{
		{OrderID: 1, Type: models.OrderTypeLimit, Side: "BUY", Price: 99900},
		{OrderID: 2, Type: models.OrderTypeTakeProfitMarket, Side: "SELL", StopPrice: 99999.6},
	}
	occupied := c.Reconciler().OccupiedPrices(orders)
	positions := CountOpenPositions([]models.Position{{Quantity: 0.01}}, occupied)

	plan := c.Plan(100000, orders, positions, occupied)

	assert.Equal(t, 8, plan.AvailableSlots)
	assert.Equal(t, []float64{99700, 99600, 99500, 99400, 99300, 99200, 99100, 99000}, entryPrices(plan.Levels))
	assert.Empty(t, plan.Cancel)
}

// TestPlanCancelsOrdersBelowRange checks range drift handling.
func TestPlanCancelsOrdersBelowRange(t *testing.T) {
	c := newCalc(t, fixedConfig())
	orders := []models.Order{
		{OrderID: 7, Type: models.OrderTypeLimit, Price: 90000},
		{OrderID: 8, Type: models.OrderTypeLimit, Price: 99900},
		{OrderID: 9, Type: models.OrderTypeTakeProfitMarket, StopPrice: 80000},
	}

	plan := c.Plan(100000, orders, 0, nil)

	require.Len(t, plan.Cancel, 1)
	assert.Equal(t, int64(7), plan.Cancel[0].Order.OrderID)
	assert.Equal(t, CancelOutOfRange, plan.Cancel[0].Reason)
	assert.Equal(t, 1, plan.InRangeLimits)
	assert.Equal(t, 9, plan.AvailableSlots)
}

// TestPlanCancelsFurthestOrdersWhenOverCapacity verifies the excess path.
func TestPlanCancelsFurthestOrdersWhenOverCapacity(t *testing.T) {
	cfg := fixedConfig()
	cfg.MaxTotalOrders = 3
	c := newCalc(t, cfg)
	orders := []models.Order{
		{OrderID: 1, Type: models.OrderTypeLimit, Price: 99800},
		{OrderID: 2, Type: models.OrderTypeLimit, Price: 99900},
		{OrderID: 3, Type: models.OrderTypeLimit, Price: 99600},
		{OrderID: 4, Type: models.OrderTypeLimit, Price: 99700},
		{OrderID: 5, Type: models.OrderTypeTakeProfit, StopPrice: 100200},
	}

	plan := c.Plan(100000, orders, 1, nil)

	require.Len(t, plan.Cancel, 2)
	assert.Equal(t, int64(3), plan.Cancel[0].Order.OrderID)
	assert.Equal(t, int64(4), plan.Cancel[1].Order.OrderID)
	for _, req := range plan.Cancel {
		assert.Equal(t, CancelExcess, req.Reason)
		assert.False(t, IsTakeProfit(req.Order))
	}
	assert.Zero(t, plan.AvailableSlots)
	assert.Empty(t, plan.Levels)
	// positions + remaining limits never exceed the cap
	assert.LessOrEqual(t, 1+plan.InRangeLimits-len(plan.Cancel), cfg.MaxTotalOrders)
}

func TestPlanIgnoresUnusablePrice(t *testing.T) {
	c := newCalc(t, fixedConfig())
	assert.Empty(t, c.Plan(0, nil, 0, nil).Levels)
	assert.Empty(t, c.Plan(math.NaN(), nil, 0, nil).Levels)
}

func TestSpacingModes(t *testing.T) {
	cfg := fixedConfig()
	c := newCalc(t, cfg)
	assert.Equal(t, 100.0, c.Spacing(50000))

	cfg.SpacingType = models.SpacingPercent
	cfg.SpacingValue = 0.5
	c = newCalc(t, cfg)
	assert.InDelta(t, 250.0, c.Spacing(50000), 1e-9)
	assert.InDelta(t, 47500.0, c.MinPrice(50000), 1e-9)
}

func TestNewCalculatorRejectsBadConfig(t *testing.T) {
	bad := []func(*models.GridConfig){
		func(c *models.GridConfig) { c.SpacingType = "LOG" },
		func(c *models.GridConfig) { c.SpacingValue = 0 },
		func(c *models.GridConfig) { c.RangePercent = 0 },
		func(c *models.GridConfig) { c.TakeProfitPercent = -1 },
		func(c *models.GridConfig) { c.MaxTotalOrders = 0 },
		func(c *models.GridConfig) { c.AnchorMode = "MILLION" },
	}
	for _, mutate := range bad {
		cfg := fixedConfig()
		mutate(&cfg)
		_, err := NewCalculator(cfg, btcRules)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
}

func TestCountOpenPositions(t *testing.T) {
	occupied := PriceSet{"100000": 100000, "99800": 99800}
	assert.Equal(t, 2, CountOpenPositions([]models.Position{{Quantity: 0.02}}, occupied))
	assert.Equal(t, 1, CountOpenPositions([]models.Position{{Quantity: 0.02}, {Quantity: 0}}, nil))
	assert.Zero(t, CountOpenPositions(nil, nil))
}
