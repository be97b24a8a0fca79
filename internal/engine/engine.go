package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"trend-grid-bot-go/internal/filter"
	"trend-grid-bot-go/internal/grid"
	"trend-grid-bot-go/internal/indicator"
	"trend-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrSnapshotExpired is returned by Restore for snapshots older than restore_max_age_hours.
	ErrSnapshotExpired = errors.New("strategy snapshot expired")
	// ErrSnapshotMismatch is returned by Restore for a snapshot saved for another symbol.
	ErrSnapshotMismatch = errors.New("strategy snapshot belongs to another symbol")
)

// fillGraceTicks is how long a vanished LIMIT keeps its level occupied while
// its take-profit has not shown up yet.
const fillGraceTicks = 12

// CandleUpdater is implemented by filters that consume the trend timeframe.
type CandleUpdater interface {
	Update(candles []models.Candle)
}

// Input is the exchange snapshot for one tick.
type Input struct {
	Candles      []models.Candle
	TrendCandles []models.Candle
	Price        float64
	Orders       []models.Order
	Positions    []models.Position
	Now          time.Time
}

// Decision is everything the orchestrator needs to act on for one tick.
type Decision struct {
	LevelsToCreate []models.GridLevel   `json:"levels_to_create"`
	OrdersToCancel []grid.CancelRequest `json:"orders_to_cancel"`
	AllowTrade     bool                 `json:"allow_trade"`
	State          indicator.GridState  `json:"state"`
	Indicator      *indicator.Snapshot  `json:"indicator,omitempty"`
	Protected      bool                 `json:"protected"`
	OpenPositions  int                  `json:"open_positions"`
	Occupied       []float64            `json:"occupied"`
	MinPrice       float64              `json:"min_price"`
	Spacing        float64              `json:"spacing"`
	Events         []Event              `json:"events,omitempty"`
}

type pendingFill struct {
	price float64
	ticks int
}

// Engine is the decision core. It performs no I/O; every public method is
// synchronous and safe for concurrent use.
type Engine struct {
	symbol     string
	maxAge     time.Duration
	calc       *grid.Calculator
	reconciler *grid.Reconciler
	strategy   *indicator.TrendStrategy
	registry   *filter.Registry

	mu               sync.Mutex
	lastLimits       map[int64]models.Order
	lastCancels      map[int64]struct{}
	pendingFills     map[string]pendingFill
	lastTransitionAt time.Time
	lastEvaluatedAt  time.Time
	last             *Decision

	logger *zap.Logger
}

// New builds an engine. Filters are registered on registry by the caller.
func New(cfg models.Config, rules models.SymbolRules, registry *filter.Registry, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = filter.NewRegistry(logger)
	}
	calc, err := grid.NewCalculator(cfg.Grid, rules)
	if err != nil {
		return nil, err
	}
	strategy, err := indicator.NewTrendStrategy(cfg.MACD, logger.Named("macd"))
	if err != nil {
		return nil, fmt.Errorf("macd strategy: %w", err)
	}
	return &Engine{
		symbol:       cfg.Symbol,
		maxAge:       time.Duration(cfg.RestoreMaxAgeHours * float64(time.Hour)),
		calc:         calc,
		reconciler:   calc.Reconciler(),
		strategy:     strategy,
		registry:     registry,
		lastLimits:   make(map[int64]models.Order),
		lastCancels:  make(map[int64]struct{}),
		pendingFills: make(map[string]pendingFill),
		logger:       logger,
	}, nil
}

// Registry exposes the filter registry the engine consults.
func (e *Engine) Registry() *filter.Registry { return e.registry }

// MinCandles is the number of MACD-timeframe candles Evaluate needs.
func (e *Engine) MinCandles() int { return e.strategy.MinCandles() }

// TakeProfitPrice returns the TP the orchestrator should place for an entry.
func (e *Engine) TakeProfitPrice(entry float64) float64 {
	return e.calc.TakeProfitPrice(entry)
}

// Evaluate runs one decision tick.
func (e *Engine) Evaluate(in Input) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	d := Decision{}

	// 1. trend state
	snap, ok := e.strategy.Calculate(in.Candles)
	if ok {
		d.Indicator = &snap
		d.State = indicator.DetermineState(snap)
		prev, changed := e.strategy.Apply(d.State)
		if changed {
			e.lastTransitionAt = now
			d.Events = append(d.Events, Event{Type: EventStateChanged, From: prev, To: d.State, At: now})
			e.logger.Info("grid state changed",
				zap.Stringer("from", prev),
				zap.Stringer("to", d.State),
				zap.Float64("histogram", snap.Histogram),
				zap.Float64("prev_histogram", snap.PrevHistogram),
			)
		}
	} else {
		d.State = indicator.StateWait
		e.logger.Warn("indicator unavailable, holding entries", zap.Int("candles", len(in.Candles)))
	}

	// 2. filters
	trend := in.TrendCandles
	if len(trend) == 0 {
		trend = in.Candles
	}
	for _, name := range e.registry.Names() {
		if f, found := e.registry.Get(name); found {
			if u, isUpdater := f.(CandleUpdater); isUpdater {
				u.Update(trend)
			}
		}
	}

	// 3. entry gate
	registryAllows := e.registry.ShouldAllowTrade()
	d.AllowTrade = ok && e.strategy.ShouldCreateOrders(d.State) && registryAllows

	// 4. occupied levels
	occupied := e.reconciler.OccupiedPrices(in.Orders)
	currentLimits := make(map[int64]models.Order)
	for _, o := range in.Orders {
		if o.IsLimit() {
			currentLimits[o.OrderID] = o
		}
	}
	for id, o := range e.lastLimits {
		if _, still := currentLimits[id]; still {
			continue
		}
		if _, cancelled := e.lastCancels[id]; cancelled {
			continue
		}
		d.Events = append(d.Events, Event{Type: EventOrderFilled, OrderID: id, Price: o.Price, Quantity: o.Quantity, At: now})
		e.pendingFills[e.reconciler.Key(o.Price)] = pendingFill{price: o.Price}
		e.logger.Info("entry order left the book", zap.Int64("order_id", id), zap.Float64("price", o.Price))
	}
	for key, pf := range e.pendingFills {
		if occupied.Has(key) || pf.ticks >= fillGraceTicks {
			delete(e.pendingFills, key)
			continue
		}
		pf.ticks++
		e.pendingFills[key] = pf
		e.reconciler.Add(occupied, pf.price)
	}
	d.Occupied = occupied.Prices()
	d.OpenPositions = grid.CountOpenPositions(in.Positions, occupied)

	// 5. grid plan
	plan := e.calc.Plan(in.Price, in.Orders, d.OpenPositions, occupied)
	d.MinPrice = plan.MinPrice
	d.Spacing = plan.Spacing
	d.OrdersToCancel = plan.Cancel

	// 6. trend cancellation
	if ok && (d.State == indicator.StateInactive || !registryAllows) {
		d.Protected = e.registry.ShouldProtectOrders()
		if d.Protected {
			e.logger.Info("trend cancellation suppressed by order protection", zap.Stringer("state", d.State))
		} else {
			already := make(map[int64]struct{}, len(d.OrdersToCancel))
			for _, c := range d.OrdersToCancel {
				already[c.Order.OrderID] = struct{}{}
			}
			for _, o := range in.Orders {
				if !o.IsLimit() {
					continue
				}
				if _, dup := already[o.OrderID]; dup {
					continue
				}
				d.OrdersToCancel = append(d.OrdersToCancel, grid.CancelRequest{Order: o, Reason: grid.CancelTrend})
			}
		}
	}

	// 7. entries
	if d.AllowTrade {
		d.LevelsToCreate = plan.Levels
	}

	e.lastLimits = currentLimits
	e.lastCancels = make(map[int64]struct{}, len(d.OrdersToCancel))
	for _, c := range d.OrdersToCancel {
		e.lastCancels[c.Order.OrderID] = struct{}{}
	}
	e.lastEvaluatedAt = now
	last := d
	e.last = &last
	return d
}

// Restore reinstates a persisted snapshot. A nil snapshot is a fresh start.
func (e *Engine) Restore(snap *models.StrategySnapshot, now time.Time) (indicator.RestoreOutcome, error) {
	if snap == nil {
		return indicator.RestoreEmpty, nil
	}
	if snap.Symbol != "" && e.symbol != "" && snap.Symbol != e.symbol {
		return indicator.RestoreEmpty, fmt.Errorf("%w: %s != %s", ErrSnapshotMismatch, snap.Symbol, e.symbol)
	}
	if e.maxAge > 0 && !snap.SavedAt.IsZero() && now.Sub(snap.SavedAt) > e.maxAge {
		return indicator.RestoreEmpty, fmt.Errorf("%w: saved %s ago", ErrSnapshotExpired, now.Sub(snap.SavedAt).Round(time.Second))
	}
	outcome := e.strategy.Restore(snap.CycleActivated, snap.TriggerActivated, snap.LastState)

	e.mu.Lock()
	e.lastTransitionAt = snap.LastTransitionAt
	e.mu.Unlock()
	return outcome, nil
}

// Snapshot returns the persisted form of the activation state.
func (e *Engine) Snapshot(now time.Time) models.StrategySnapshot {
	act := e.strategy.Activation()
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.StrategySnapshot{
		Symbol:           e.symbol,
		Version:          models.SnapshotVersion,
		CycleActivated:   act.CycleActivated,
		TriggerActivated: act.TriggerActivated,
		LastState:        act.LastState.String(),
		LastTransitionAt: e.lastTransitionAt,
		SavedAt:          now,
	}
}

func (e *Engine) ManualActivate() bool {
	return e.strategy.ManualActivate()
}

func (e *Engine) ManualDeactivate() bool {
	return e.strategy.ManualDeactivate()
}

func (e *Engine) SetTrigger(on bool) bool {
	return e.strategy.SetTrigger(on)
}

// EnableFilter may fire the registry cancel callback, so it does not take the engine lock.
func (e *Engine) EnableFilter(name string) (bool, error) {
	return e.registry.Enable(name)
}

func (e *Engine) DisableFilter(name string) error {
	return e.registry.Disable(name)
}

func (e *Engine) EnableAllFilters() bool {
	return e.registry.EnableAll()
}

func (e *Engine) DisableAllFilters() {
	e.registry.DisableAll()
}
