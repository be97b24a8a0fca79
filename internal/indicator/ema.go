package indicator

import (
	"math"

	"trend-grid-bot-go/internal/models"
)

const (
	// MaxSanePrice rejects closes that would blow up the recurrences.
	MaxSanePrice = 1e9
	// ValueLimit clamps every indicator output.
	ValueLimit = 1e12
)

// EMASeries returns the exponential moving average of values. The series is
// seeded with the simple average of the first period values, so the result
// has len(values)-period+1 points; nil when there are not enough values.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)

	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// Closes extracts close prices, failing on any value outside (0, MaxSanePrice].
func Closes(candles []models.Candle) ([]float64, bool) {
	out := make([]float64, len(candles))
	for i, c := range candles {
		if !SanePrice(c.Close) {
			return nil, false
		}
		out[i] = c.Close
	}
	return out, true
}

// SanePrice reports whether v is a usable price.
func SanePrice(v float64) bool {
	return Finite(v) && v > 0 && v <= MaxSanePrice
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clamp bounds v to ±ValueLimit.
func Clamp(v float64) float64 {
	return math.Max(-ValueLimit, math.Min(ValueLimit, v))
}
