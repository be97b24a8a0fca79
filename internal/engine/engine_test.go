package engine

import (
	"math"
	"testing"
	"time"

	"trend-grid-bot-go/internal/filter"
	"trend-grid-bot-go/internal/grid"
	"trend-grid-bot-go/internal/indicator"
	"trend-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	t0       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	btcRules = models.SymbolRules{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001}
)

func testConfig() models.Config {
	return models.Config{
		Symbol:             "BTCUSDT",
		RestoreMaxAgeHours: 24,
		Grid: models.GridConfig{
			SpacingType:       models.SpacingFixed,
			SpacingValue:      100,
			RangePercent:      5,
			TakeProfitPercent: 0.2,
			MaxTotalOrders:    10,
			AnchorMode:        models.AnchorNone,
		},
		MACD: models.MACDConfig{Fast: 12, Slow: 26, Signal: 9, Timeframe: "15m"},
		EMAFilter: models.EMAFilterConfig{
			Period:         20,
			Timeframe:      "1h",
			AllowOnRising:  true,
			AllowOnFalling: false,
		},
	}
}

func newEngine(t *testing.T, withFilter bool) (*Engine, *filter.EMAFilter) {
	t.Helper()
	cfg := testConfig()
	registry := filter.NewRegistry(zap.NewNop())
	var ema *filter.EMAFilter
	if withFilter {
		cfg.EMAFilter.Enabled = true
		ema = filter.NewEMAFilter(cfg.EMAFilter, zap.NewNop())
		registry.Register(ema)
	}
	e, err := New(cfg, btcRules, registry, zap.NewNop())
	require.NoError(t, err)
	return e, ema
}

func candles(closes []float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{OpenTime: t0.Add(time.Duration(i) * 15 * time.Minute), Close: c}
	}
	return out
}

// activateCandles: a sell-off that has stalled, histogram negative and rising.
func activateCandles() []models.Candle {
	closes := make([]float64, 0, 65)
	p := 100000.0
	for i := 0; i < 40; i++ {
		closes = append(closes, p)
	}
	for i := 0; i < 20; i++ {
		p -= 300
		closes = append(closes, p)
	}
	for i := 0; i < 5; i++ {
		closes = append(closes, p)
	}
	return candles(closes)
}

// activeCandles: a recovery with a positive, rising histogram.
func activeCandles() []models.Candle {
	closes := make([]float64, 0, 89)
	p := 100000.0
	for i := 0; i < 80; i++ {
		p -= 150
		closes = append(closes, p)
	}
	for i := 0; i < 9; i++ {
		p += 40
		closes = append(closes, p)
	}
	return candles(closes)
}

// inactiveCandles: an accelerating fall, histogram negative and falling.
func inactiveCandles() []models.Candle {
	closes := make([]float64, 81)
	p := 100000.0
	for i := range closes {
		p -= 10 * math.Pow(1.05, float64(i))
		closes[i] = p
	}
	return candles(closes)
}

func trendCandles(step float64) []models.Candle {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100000 + step*float64(i)
	}
	return candles(closes)
}

func limit(id int64, price float64) models.Order {
	return models.Order{OrderID: id, Type: models.OrderTypeLimit, Side: "BUY", Price: price, Quantity: 0.001}
}

func takeProfit(id int64, stop float64) models.Order {
	return models.Order{OrderID: id, Type: models.OrderTypeTakeProfitMarket, Side: "SELL", StopPrice: stop}
}

func entries(levels []models.GridLevel) []float64 {
	out := make([]float64, len(levels))
	for i, l := range levels {
		out[i] = l.EntryPrice
	}
	return out
}

func reasons(reqs []grid.CancelRequest) map[int64]grid.CancelReason {
	out := make(map[int64]grid.CancelReason, len(reqs))
	for _, r := range reqs {
		out[r.Order.OrderID] = r.Reason
	}
	return out
}

func TestEvaluateActivateCreatesLevels(t *testing.T) {
	e, _ := newEngine(t, false)

	d := e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Now: t0})

	assert.Equal(t, indicator.StateActivate, d.State)
	require.NotNil(t, d.Indicator)
	assert.True(t, d.AllowTrade)
	require.Len(t, d.LevelsToCreate, 10)
	assert.Equal(t, 99900.0, d.LevelsToCreate[0].EntryPrice)
	assert.InDelta(t, 100099.8, d.LevelsToCreate[0].TPPrice, 1e-9)
	require.Len(t, d.Events, 1)
	assert.Equal(t, EventStateChanged, d.Events[0].Type)
	assert.Equal(t, indicator.StateNone, d.Events[0].From)
	assert.Equal(t, indicator.StateActivate, d.Events[0].To)
}

// TestEvaluateIndicatorFailureHoldsOrders: no data means WAIT, no entries and no trend cancels.
func TestEvaluateIndicatorFailureHoldsOrders(t *testing.T) {
	e, _ := newEngine(t, false)
	e.Evaluate(Input{Candles: inactiveCandles(), Price: 100000, Now: t0})

	orders := []models.Order{limit(1, 99900), limit(2, 90000)}
	d := e.Evaluate(Input{Candles: activateCandles()[:10], Price: 100000, Orders: orders, Now: t0.Add(time.Minute)})

	assert.Equal(t, indicator.StateWait, d.State)
	assert.Nil(t, d.Indicator)
	assert.False(t, d.AllowTrade)
	assert.Empty(t, d.LevelsToCreate)
	assert.Empty(t, d.Events)
	// range drift is still reconciled
	assert.Equal(t, map[int64]grid.CancelReason{2: grid.CancelOutOfRange}, reasons(d.OrdersToCancel))
	// the dashboard shows the held WAIT, the INACTIVE guard survives the failed tick
	assert.Equal(t, indicator.StateWait, e.Status().State)
	assert.Equal(t, "INACTIVE", e.Snapshot(t0).LastState)
	assert.False(t, e.ManualActivate())
}

func TestEvaluateInactiveCancelsEntriesButNotTakeProfits(t *testing.T) {
	e, _ := newEngine(t, false)
	e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Now: t0})

	orders := []models.Order{limit(1, 99900), limit(2, 99800), limit(3, 90000), takeProfit(4, 100200)}
	d := e.Evaluate(Input{Candles: inactiveCandles(), Price: 100000, Orders: orders, Now: t0.Add(time.Minute)})

	assert.Equal(t, indicator.StateInactive, d.State)
	assert.False(t, d.AllowTrade)
	assert.Empty(t, d.LevelsToCreate)
	assert.Equal(t, map[int64]grid.CancelReason{
		1: grid.CancelTrend,
		2: grid.CancelTrend,
		3: grid.CancelOutOfRange,
	}, reasons(d.OrdersToCancel))

	st := e.Status()
	assert.False(t, st.CycleActivated)
	assert.False(t, st.TriggerActivated)
}

func TestEvaluateInactiveRespectsOrderProtection(t *testing.T) {
	e, ema := newEngine(t, true)

	orders := []models.Order{limit(1, 99900), limit(2, 99800)}
	d := e.Evaluate(Input{Candles: inactiveCandles(), TrendCandles: trendCandles(50), Price: 100000, Orders: orders, Now: t0})

	assert.Equal(t, filter.DirectionRising, ema.Direction())
	assert.Equal(t, indicator.StateInactive, d.State)
	assert.True(t, d.Protected)
	assert.Empty(t, d.OrdersToCancel)
}

func TestEvaluateBlockingFilterStopsEntriesAndCancels(t *testing.T) {
	e, ema := newEngine(t, true)

	orders := []models.Order{limit(1, 99900)}
	d := e.Evaluate(Input{Candles: activateCandles(), TrendCandles: trendCandles(-50), Price: 100000, Orders: orders, Now: t0})

	assert.Equal(t, filter.DirectionFalling, ema.Direction())
	assert.Equal(t, indicator.StateActivate, d.State)
	assert.False(t, d.AllowTrade)
	assert.Empty(t, d.LevelsToCreate)
	assert.False(t, d.Protected)
	assert.Equal(t, map[int64]grid.CancelReason{1: grid.CancelTrend}, reasons(d.OrdersToCancel))
}

func TestEvaluateFilterFallsBackToMACDCandles(t *testing.T) {
	e, ema := newEngine(t, true)

	e.Evaluate(Input{Candles: inactiveCandles(), Price: 100000, Now: t0})

	assert.Equal(t, filter.DirectionFalling, ema.Direction())
}

func TestEvaluateActiveWithoutCycleDoesNotTrade(t *testing.T) {
	e, _ := newEngine(t, false)

	d := e.Evaluate(Input{Candles: activeCandles(), Price: 100000, Now: t0})

	assert.Equal(t, indicator.StateActive, d.State)
	assert.False(t, d.AllowTrade)
	assert.Empty(t, d.LevelsToCreate)

	require.True(t, e.ManualActivate())
	d = e.Evaluate(Input{Candles: activeCandles(), Price: 100000, Now: t0.Add(time.Minute)})
	assert.True(t, d.AllowTrade)
	assert.NotEmpty(t, d.LevelsToCreate)
	assert.Empty(t, d.Events, "no transition on a repeated ACTIVE")
}

// TestEvaluateRecoversLevelsFromTakeProfits is the consolidated-position restart case.
func TestEvaluateRecoversLevelsFromTakeProfits(t *testing.T) {
	e, _ := newEngine(t, false)
	_, err := e.Restore(&models.StrategySnapshot{Symbol: "BTCUSDT", CycleActivated: true, TriggerActivated: true, LastState: "ACTIVE", SavedAt: t0}, t0)
	require.NoError(t, err)

	orders := []models.Order{takeProfit(11, 100200.0), takeProfit(12, 99999.6)}
	positions := []models.Position{{Symbol: "BTCUSDT", EntryPrice: 99900, Quantity: 0.002}}
	d := e.Evaluate(Input{Candles: activeCandles(), Price: 100000, Orders: orders, Positions: positions, Now: t0})

	assert.Equal(t, []float64{100000, 99800}, d.Occupied)
	assert.Equal(t, 2, d.OpenPositions)
	assert.Equal(t, []float64{99900, 99700, 99600, 99500, 99400, 99300, 99200, 99100}, entries(d.LevelsToCreate))
}

func TestEvaluateDetectsFilledEntry(t *testing.T) {
	e, _ := newEngine(t, false)
	e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Orders: []models.Order{limit(1, 99900), limit(2, 99800)}, Now: t0})

	d := e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Orders: []models.Order{limit(2, 99800)}, Now: t0.Add(5 * time.Second)})

	var fills []Event
	for _, ev := range d.Events {
		if ev.Type == EventOrderFilled {
			fills = append(fills, ev)
		}
	}
	require.Len(t, fills, 1)
	assert.Equal(t, int64(1), fills[0].OrderID)
	assert.Equal(t, 99900.0, fills[0].Price)
	assert.NotContains(t, entries(d.LevelsToCreate), 99900.0, "filled level stays occupied until its TP shows up")

	// TP placed: the level is now occupied through reconciliation
	d = e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Orders: []models.Order{limit(2, 99800), takeProfit(3, 100099.8)}, Now: t0.Add(10 * time.Second)})
	assert.NotContains(t, entries(d.LevelsToCreate), 99900.0)
	assert.Contains(t, d.Occupied, 99900.0)
}

// TestEvaluateDetectsFillOfOrderPlacedAfterDecision: an entry sent after tick N's snapshot and
// filled before tick N+1 reads the book is still a fill.
func TestEvaluateDetectsFillOfOrderPlacedAfterDecision(t *testing.T) {
	e, _ := newEngine(t, false)
	d := e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Now: t0})
	require.NotEmpty(t, d.LevelsToCreate)

	e.NotePlaced(limit(21, 99900), limit(22, 99800), takeProfit(23, 100200))

	d = e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Orders: []models.Order{limit(22, 99800)}, Now: t0.Add(5 * time.Second)})

	var fills []Event
	for _, ev := range d.Events {
		if ev.Type == EventOrderFilled {
			fills = append(fills, ev)
		}
	}
	require.Len(t, fills, 1)
	assert.Equal(t, int64(21), fills[0].OrderID)
	assert.Equal(t, 99900.0, fills[0].Price)
	assert.Contains(t, d.Occupied, 99900.0)
	assert.NotContains(t, entries(d.LevelsToCreate), 99900.0)
}

func TestEvaluateCancelledOrderIsNotAFill(t *testing.T) {
	e, _ := newEngine(t, false)
	d := e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Orders: []models.Order{limit(7, 90000), limit(8, 99900)}, Now: t0})
	require.Equal(t, map[int64]grid.CancelReason{7: grid.CancelOutOfRange}, reasons(d.OrdersToCancel))

	e.NoteCancelled(8)
	d = e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Now: t0.Add(5 * time.Second)})

	for _, ev := range d.Events {
		assert.NotEqual(t, EventOrderFilled, ev.Type)
	}
}

func TestRestoreRejectsExpiredSnapshot(t *testing.T) {
	e, _ := newEngine(t, false)

	_, err := e.Restore(&models.StrategySnapshot{CycleActivated: true, LastState: "ACTIVE", SavedAt: t0.Add(-25 * time.Hour)}, t0)

	assert.ErrorIs(t, err, ErrSnapshotExpired)
	assert.False(t, e.Status().CycleActivated)
}

func TestRestoreRejectsOtherSymbol(t *testing.T) {
	e, _ := newEngine(t, false)

	_, err := e.Restore(&models.StrategySnapshot{Symbol: "ETHUSDT", SavedAt: t0}, t0)

	assert.ErrorIs(t, err, ErrSnapshotMismatch)
}

func TestRestoreDropsPause(t *testing.T) {
	e, _ := newEngine(t, false)

	outcome, err := e.Restore(&models.StrategySnapshot{CycleActivated: true, TriggerActivated: true, LastState: "PAUSE", SavedAt: t0}, t0.Add(time.Hour))

	require.NoError(t, err)
	assert.Equal(t, indicator.RestorePauseDropped, outcome)
	st := e.Status()
	assert.Equal(t, indicator.StateNone, st.State)
	assert.True(t, st.CycleActivated)
	assert.True(t, st.TriggerActivated)
}

func TestRestoreNilIsFreshStart(t *testing.T) {
	e, _ := newEngine(t, false)

	outcome, err := e.Restore(nil, t0)

	require.NoError(t, err)
	assert.Equal(t, indicator.RestoreEmpty, outcome)
}

func TestSnapshotRoundTrip(t *testing.T) {
	e, _ := newEngine(t, false)
	e.Evaluate(Input{Candles: activateCandles(), Price: 100000, Now: t0})

	snap := e.Snapshot(t0.Add(time.Minute))

	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, models.SnapshotVersion, snap.Version)
	assert.True(t, snap.CycleActivated)
	assert.True(t, snap.TriggerActivated)
	assert.Equal(t, "ACTIVATE", snap.LastState)
	assert.Equal(t, t0, snap.LastTransitionAt)

	other, _ := newEngine(t, false)
	outcome, err := other.Restore(&snap, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, indicator.RestoreExact, outcome)
	assert.Equal(t, other.Snapshot(snap.SavedAt), snap)
}

func TestManualOverridesThroughEngine(t *testing.T) {
	e, _ := newEngine(t, false)
	e.Evaluate(Input{Candles: inactiveCandles(), Price: 100000, Now: t0})

	assert.False(t, e.ManualActivate())
	assert.False(t, e.SetTrigger(true))
	assert.True(t, e.ManualDeactivate())
	assert.True(t, e.SetTrigger(false))
}

func TestFilterManagementFiresCancelCallback(t *testing.T) {
	cfg := testConfig()
	registry := filter.NewRegistry(zap.NewNop())
	ema := filter.NewEMAFilter(cfg.EMAFilter, zap.NewNop())
	registry.Register(ema)
	e, err := New(cfg, btcRules, registry, zap.NewNop())
	require.NoError(t, err)

	var fired int
	registry.SetCancelCallback(func(string) { fired++ })

	// disabled filter still tracks the trend
	e.Evaluate(Input{Candles: inactiveCandles(), TrendCandles: trendCandles(-50), Price: 100000, Now: t0})

	cancelled, err := e.EnableFilter(filter.EMAFilterName)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, 1, fired)

	require.NoError(t, e.DisableFilter(filter.EMAFilterName))
	assert.True(t, e.EnableAllFilters())
	e.DisableAllFilters()
	assert.Equal(t, 2, fired)

	_, err = e.EnableFilter("missing")
	assert.ErrorIs(t, err, filter.ErrUnknownFilter)
}

func TestStatusReflectsLastDecision(t *testing.T) {
	e, _ := newEngine(t, true)
	e.Evaluate(Input{Candles: activateCandles(), TrendCandles: trendCandles(50), Price: 100000, Now: t0})

	st := e.Status()

	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.Equal(t, indicator.StateActivate, st.State)
	assert.True(t, st.AllowTrade)
	assert.Equal(t, 10, st.PendingLevels)
	require.NotNil(t, st.Indicator)
	require.Len(t, st.Filters, 1)
	assert.Equal(t, filter.EMAFilterName, st.Filters[0].Name)
	assert.Equal(t, t0, st.LastEvaluatedAt)
	assert.Equal(t, t0, st.LastTransitionAt)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MACD.Fast = 40
	_, err := New(cfg, btcRules, nil, nil)
	assert.ErrorIs(t, err, indicator.ErrInvalidParams)

	cfg = testConfig()
	cfg.Grid.MaxTotalOrders = 0
	_, err = New(cfg, btcRules, nil, nil)
	assert.ErrorIs(t, err, grid.ErrInvalidConfig)
}
