package exchange

import (
	"github.com/shopspring/decimal"
)

// PrecisionFromStep derives the number of decimal places implied by a step
// or tick size, e.g. 0.001 -> 3, 1 -> 0, 1e-05 -> 5. Grounded on
// bybit_engine.py::_tick_precision, which has to special-case scientific
// notation because Bybit's instrument-info API returns step sizes like
// "1e-05" for some symbols; decimal.Decimal's Exponent does this natively
// without the original's string-parsing workaround.
func PrecisionFromStep(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 0
	}
	exp := -step.Exponent()
	if exp < 0 {
		exp = 0
	}
	return exp
}

// RoundQty floors a quantity down to the nearest step, matching
// bybit_engine.py::round_qty's floor-based (never round up past available
// margin) policy.
func RoundQty(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	steps := qty.Div(step).Floor()
	return steps.Mul(step).Truncate(PrecisionFromStep(step))
}

// RoundPrice floors a price down to the nearest tick, matching
// bybit_engine.py::round_price.
func RoundPrice(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	steps := price.Div(tick).Floor()
	return steps.Mul(tick).Truncate(PrecisionFromStep(tick))
}

// ClampQty enforces the venue's [MinQty, MaxQty] bounds after rounding.
func ClampQty(qty decimal.Decimal, f ExFilters) decimal.Decimal {
	if !f.MinQty.IsZero() && qty.LessThan(f.MinQty) {
		return f.MinQty
	}
	if !f.MaxQty.IsZero() && qty.GreaterThan(f.MaxQty) {
		return f.MaxQty
	}
	return qty
}
