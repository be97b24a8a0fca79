package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"trend-grid-bot-go/internal/models"
)

// ErrInvalidConfig is returned by NewCalculator for an unusable grid shape.
var ErrInvalidConfig = errors.New("invalid grid config")

// maxScanSteps bounds level generation when most candidates are skipped.
const maxScanSteps = 10000

// CancelReason explains why an order was picked for cancellation.
type CancelReason string

const (
	CancelOutOfRange CancelReason = "out_of_range"
	CancelExcess     CancelReason = "excess_capacity"
	CancelTrend      CancelReason = "trend"
)

// CancelRequest is a recommendation to cancel one existing order.
type CancelRequest struct {
	Order  models.Order `json:"order"`
	Reason CancelReason `json:"reason"`
}

// Plan is the calculator output for one tick.
type Plan struct {
	Levels         []models.GridLevel
	Cancel         []CancelRequest
	MinPrice       float64
	Spacing        float64
	AvailableSlots int
	InRangeLimits  int
}

// Calculator derives the desired grid from the current price and the
// exchange snapshot. It holds no state between calls.
type Calculator struct {
	cfg        models.GridConfig
	rules      models.SymbolRules
	anchor     float64
	reconciler *Reconciler
}

// NewCalculator validates cfg and returns a Calculator.
func NewCalculator(cfg models.GridConfig, rules models.SymbolRules) (*Calculator, error) {
	switch cfg.SpacingType {
	case models.SpacingFixed, models.SpacingPercent:
	default:
		return nil, fmt.Errorf("%w: spacing_type %q", ErrInvalidConfig, cfg.SpacingType)
	}
	if cfg.SpacingValue <= 0 {
		return nil, fmt.Errorf("%w: spacing_value must be > 0", ErrInvalidConfig)
	}
	if cfg.RangePercent <= 0 || cfg.RangePercent >= 100 {
		return nil, fmt.Errorf("%w: range_percent must be in (0, 100)", ErrInvalidConfig)
	}
	if cfg.TakeProfitPercent <= 0 {
		return nil, fmt.Errorf("%w: take_profit_percent must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxTotalOrders <= 0 {
		return nil, fmt.Errorf("%w: max_total_orders must be > 0", ErrInvalidConfig)
	}
	anchor := cfg.EffectiveAnchor()
	if cfg.AnchorMode != "" && cfg.AnchorMode != models.AnchorNone && anchor <= 0 {
		return nil, fmt.Errorf("%w: anchor_mode %q", ErrInvalidConfig, cfg.AnchorMode)
	}
	precision := cfg.PricePrecision
	if precision <= 0 {
		precision = DefaultPricePrecision
	}
	return &Calculator{
		cfg:        cfg,
		rules:      rules,
		anchor:     anchor,
		reconciler: NewReconciler(cfg.TakeProfitPercent, anchor, rules.TickSize, precision),
	}, nil
}

// Reconciler returns the reconciler sharing this calculator's price keys.
func (c *Calculator) Reconciler() *Reconciler {
	return c.reconciler
}

// Spacing returns the distance between two levels at price.
func (c *Calculator) Spacing(price float64) float64 {
	if c.cfg.SpacingType == models.SpacingPercent {
		return price * c.cfg.SpacingValue / 100
	}
	return c.cfg.SpacingValue
}

// MinPrice is the floor of the grid range.
func (c *Calculator) MinPrice(price float64) float64 {
	return price * (1 - c.cfg.RangePercent/100)
}

// TakeProfitPrice returns the TP for an entry, rounded to the tick size.
func (c *Calculator) TakeProfitPrice(entry float64) float64 {
	tp := entry * (1 + c.cfg.TakeProfitPercent/100)
	if c.rules.TickSize > 0 {
		return RoundToStep(tp, c.rules.TickSize)
	}
	return RoundPlaces(tp, c.reconciler.precision)
}

// CountOpenPositions returns the number of capacity slots held by filled
// entries. A one-way account folds every fill into one position, so the
// count of recovered TP levels is used when it is larger.
func CountOpenPositions(positions []models.Position, occupied PriceSet) int {
	n := 0
	for _, p := range positions {
		if p.Quantity != 0 {
			n++
		}
	}
	if len(occupied) > n {
		return len(occupied)
	}
	return n
}

// Plan computes the levels to create and the orders to cancel.
func (c *Calculator) Plan(price float64, orders []models.Order, openPositions int, occupied PriceSet) Plan {
	plan := Plan{}
	if !finitePositive(price) {
		return plan
	}
	minPrice := c.MinPrice(price)
	spacing := c.Spacing(price)
	plan.MinPrice = minPrice
	plan.Spacing = spacing

	existing := make(PriceSet)
	var inRange []models.Order
	for _, o := range orders {
		if !o.IsLimit() {
			continue
		}
		if o.Price < minPrice {
			plan.Cancel = append(plan.Cancel, CancelRequest{Order: o, Reason: CancelOutOfRange})
			continue
		}
		inRange = append(inRange, o)
		c.reconciler.Add(existing, o.Price)
	}
	plan.InRangeLimits = len(inRange)

	if openPositions < 0 {
		openPositions = 0
	}
	slots := c.cfg.MaxTotalOrders - openPositions - len(inRange)
	if slots < 0 {
		excess := -slots
		sort.SliceStable(inRange, func(i, j int) bool {
			return math.Abs(price-inRange[i].Price) > math.Abs(price-inRange[j].Price)
		})
		if excess > len(inRange) {
			excess = len(inRange)
		}
		for _, o := range inRange[:excess] {
			plan.Cancel = append(plan.Cancel, CancelRequest{Order: o, Reason: CancelExcess})
		}
		slots = 0
	}
	plan.AvailableSlots = slots
	if slots == 0 || spacing <= 0 {
		return plan
	}

	plan.Levels = c.generateLevels(price, spacing, minPrice, slots, existing, occupied)
	return plan
}

func (c *Calculator) generateLevels(price, spacing, minPrice float64, slots int, existing, occupied PriceSet) []models.GridLevel {
	levels := make([]models.GridLevel, 0, slots)
	candidate := subtractStep(price, spacing)
	prev := math.Inf(1)
	index := 0
	for step := 0; step < maxScanSteps && len(levels) < slots; step++ {
		entry := c.snap(candidate)
		if entry >= prev {
			// flooring collapsed two candidates onto the same price
			entry = subtractStep(prev, c.minStep())
		}
		if entry < minPrice || entry <= 0 {
			break
		}
		prev = entry
		candidate = subtractStep(entry, spacing)
		index++

		key := c.reconciler.Key(entry)
		if existing.Has(key) || occupied.Has(key) {
			continue
		}
		levels = append(levels, models.GridLevel{
			EntryPrice: entry,
			TPPrice:    c.TakeProfitPrice(entry),
			LevelIndex: index,
		})
	}
	return levels
}

// snap aligns a candidate entry to the anchor grid, or to the tick size.
func (c *Calculator) snap(candidate float64) float64 {
	if c.anchor > 0 {
		return FloorToStep(candidate, c.anchor)
	}
	if c.rules.TickSize > 0 {
		return FloorToStep(candidate, c.rules.TickSize)
	}
	return candidate
}

func (c *Calculator) minStep() float64 {
	if c.anchor > 0 {
		return c.anchor
	}
	if c.rules.TickSize > 0 {
		return c.rules.TickSize
	}
	return c.cfg.SpacingValue
}
