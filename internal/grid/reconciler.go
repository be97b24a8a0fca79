package grid

import (
	"sort"
	"strings"

	"trend-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultPricePrecision is used when no anchor is configured.
const DefaultPricePrecision = 2

// PriceSet is a set of grid prices normalised by a Reconciler key.
type PriceSet map[string]float64

// Has reports whether key is present.
func (s PriceSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Prices returns the members sorted from highest to lowest.
func (s PriceSet) Prices() []float64 {
	out := make([]float64, 0, len(s))
	for _, p := range s {
		out = append(out, p)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}

// Reconciler rebuilds the set of grid levels that already hold a position
// from the take-profit orders resting on the exchange.
//
// After a restart the position endpoint only reports the blended average of
// every fill, so the individual entry prices have to be recovered from the
// TP stop prices: entry = stop / (1 + tp%).
type Reconciler struct {
	tpPercent float64
	anchor    float64
	tick      float64
	precision int
}

// NewReconciler builds a Reconciler. Reversed entries are rounded to the
// anchor when anchor > 0, else to the tick size when tick > 0, else to
// precision decimals.
func NewReconciler(tpPercent, anchor, tick float64, precision int) *Reconciler {
	if precision < 0 {
		precision = DefaultPricePrecision
	}
	return &Reconciler{tpPercent: tpPercent, anchor: anchor, tick: tick, precision: precision}
}

// Normalize rounds a price the way occupied levels are compared. The TP was
// rounded to the tick by the exchange, so the reversed entry is too.
func (r *Reconciler) Normalize(price float64) float64 {
	switch {
	case r.anchor > 0:
		return RoundToStep(price, r.anchor)
	case r.tick > 0:
		return RoundToStep(price, r.tick)
	default:
		return RoundPlaces(price, r.precision)
	}
}

// Key returns the set key for price.
func (r *Reconciler) Key(price float64) string {
	return decimal.NewFromFloat(r.Normalize(price)).String()
}

// EntryForTakeProfit reverse-calculates the entry price behind a TP stop price.
// ok is false for a missing or malformed stop price.
func (r *Reconciler) EntryForTakeProfit(stopPrice float64) (float64, bool) {
	if !finitePositive(stopPrice) {
		return 0, false
	}
	entry := stopPrice / (1 + r.tpPercent/100)
	if !finitePositive(entry) {
		return 0, false
	}
	return r.Normalize(entry), true
}

// OccupiedPrices returns the entry prices implied by every take-profit order.
// Orders without a usable stop price are skipped.
func (r *Reconciler) OccupiedPrices(orders []models.Order) PriceSet {
	set := make(PriceSet)
	for _, o := range orders {
		if !IsTakeProfit(o) {
			continue
		}
		entry, ok := r.EntryForTakeProfit(o.StopPrice)
		if !ok {
			continue
		}
		set[r.Key(entry)] = entry
	}
	return set
}

// Add inserts price into set under its normalised key.
func (r *Reconciler) Add(set PriceSet, price float64) {
	if !finitePositive(price) {
		return
	}
	n := r.Normalize(price)
	set[r.Key(n)] = n
}

// IsTakeProfit reports whether the order type is any take-profit flavour.
func IsTakeProfit(o models.Order) bool {
	return strings.Contains(strings.ToUpper(o.Type), "TAKE_PROFIT")
}
