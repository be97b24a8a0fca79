package exchange

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// stepPlaces returns the number of decimals a tick or lot step carries.
func stepPlaces(step float64) int32 {
	if step <= 0 {
		return 8
	}
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// FormatStep renders value truncated to a multiple of step, with exactly as
// many decimals as step has. Binance rejects anything finer (-1111).
func FormatStep(value, step float64) string {
	d := decimal.NewFromFloat(value)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		d = d.Div(s).Floor().Mul(s)
	}
	return d.StringFixed(stepPlaces(step))
}

// FormatPrice rounds to the nearest tick instead of truncating.
func FormatPrice(value, tick float64) string {
	d := decimal.NewFromFloat(value)
	if tick > 0 {
		t := decimal.NewFromFloat(tick)
		d = d.Div(t).Round(0).Mul(t)
	}
	return d.StringFixed(stepPlaces(tick))
}

func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
