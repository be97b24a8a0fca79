package grid

import (
	"math"

	"github.com/shopspring/decimal"
)

// FloorToStep rounds value down to a multiple of step. The arithmetic goes
// through decimal so that 0.1-style ticks don't leave float residue.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	d := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Floor().Mul(s).Float64()
	return f
}

// RoundToStep rounds value to the nearest multiple of step.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	d := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Round(0).Mul(s).Float64()
	return f
}

// RoundPlaces rounds value half away from zero to the given number of decimals.
func RoundPlaces(value float64, places int) float64 {
	f, _ := decimal.NewFromFloat(value).Round(int32(places)).Float64()
	return f
}

func subtractStep(value, step float64) float64 {
	f, _ := decimal.NewFromFloat(value).Sub(decimal.NewFromFloat(step)).Float64()
	return f
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
