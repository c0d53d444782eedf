// Package money handles currency amounts. All arithmetic is done on int64
// minor units (centavos); decimal strings are only used at the edges.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits of the currency.
const Scale = 2

var ErrInvalidAmount = errors.New("invalid amount")

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// Parse converts a decimal string such as "45.50" into minor units (4550).
// More than Scale fractional digits is rejected rather than rounded.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	minor := d.Shift(Scale)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, s, Scale)
	}
	if minor.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	return minor.IntPart(), nil
}

// Format renders minor units as a fixed two-digit decimal string.
func Format(minor int64) string {
	return decimal.New(minor, -Scale).StringFixed(Scale)
}

// Mul returns qty*unit, failing instead of wrapping around.
func Mul(unit int64, qty int) (int64, error) {
	if qty < 0 || unit < 0 {
		return 0, fmt.Errorf("%w: negative operand", ErrInvalidAmount)
	}
	if qty != 0 && unit > math.MaxInt64/int64(qty) {
		return 0, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	return unit * int64(qty), nil
}

// Add returns a+b for non-negative operands, failing on overflow.
func Add(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: negative operand", ErrInvalidAmount)
	}
	if a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	return a + b, nil
}
