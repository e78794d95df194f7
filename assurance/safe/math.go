package safe

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrDivisionByZero is returned when attempting to divide by zero.
var ErrDivisionByZero = errors.New("division by zero")

// Divide performs decimal division with zero check.
// Returns ErrDivisionByZero if denominator is zero.
//
// Example:
//
//	ratio, err := safe.Divide(weight, weightSum)
//	if err != nil {
//	    return fmt.Errorf("calculate share: %w", err)
//	}
func Divide(numerator, denominator decimal.Decimal) (decimal.Decimal, error) {
	if denominator.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}

	return numerator.Div(denominator), nil
}

// DivideRound performs decimal division with rounding and zero check.
// Returns ErrDivisionByZero if denominator is zero.
func DivideRound(numerator, denominator decimal.Decimal, places int32) (decimal.Decimal, error) {
	if denominator.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}

	return numerator.DivRound(denominator, places), nil
}

// DivideOrZero performs decimal division, returning zero if denominator is zero.
// Use when zero is an acceptable fallback (e.g., a threshold tally over an
// empty link set means zero progress).
func DivideOrZero(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}

	return numerator.Div(denominator)
}

// DivideOrDefault performs decimal division, returning defaultValue if denominator is zero.
func DivideOrDefault(numerator, denominator, defaultValue decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return defaultValue
	}

	return numerator.Div(denominator)
}
