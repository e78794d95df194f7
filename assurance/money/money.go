// Package money handles integer minor-unit amounts: boundary conversion from
// decimals, ISO-4217 currency shape checks, overflow-checked arithmetic, and
// weighted proportional distribution that always sums exactly.
package money

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-assurance/assurance"
)

// FromDecimal converts a decimal boundary value into int64 minor units.
// Fractional values are rejected, never rounded.
func FromDecimal(value decimal.Decimal) (int64, error) {
	if !value.IsInteger() {
		return 0, assurance.NewValidationError("amount", "value", fmt.Sprintf("amount %s has a fractional part; minor units must be integers", value))
	}

	if !value.BigInt().IsInt64() {
		return 0, assurance.NewOverflowError("amount", "value")
	}

	return value.IntPart(), nil
}

// ValidateCurrency checks the ISO-4217 shape: exactly three uppercase letters.
// It does not validate against the registered code list; callers own that.
func ValidateCurrency(code string) error {
	if len(code) != 3 {
		return assurance.NewValidationError("currency", "code", fmt.Sprintf("currency %q must be exactly three letters", code))
	}

	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return assurance.NewValidationError("currency", "code", fmt.Sprintf("currency %q must contain only uppercase letters A-Z", code))
		}
	}

	return nil
}

// Add returns a+b, failing instead of wrapping around on int64 overflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, assurance.NewOverflowError("amount", "sum")
	}

	return a + b, nil
}

// Sub returns a-b, failing instead of wrapping around on int64 overflow.
func Sub(a, b int64) (int64, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, assurance.NewOverflowError("amount", "difference")
	}

	return a - b, nil
}

// Distribute splits total across weights proportionally, assigning leftover
// units by largest remainder (ties broken by lowest index). The returned
// shares always sum exactly to total. Weights must all be positive.
func Distribute(total int64, weights []decimal.Decimal) ([]int64, error) {
	if total < 0 {
		return nil, assurance.NewValidationError("distribution", "total", "total must not be negative")
	}

	if len(weights) == 0 {
		return nil, assurance.NewValidationError("distribution", "weights", "at least one weight is required")
	}

	weightSum := decimal.Zero

	for i, weight := range weights {
		if !weight.IsPositive() {
			return nil, assurance.NewValidationError("distribution", fmt.Sprintf("weights[%d]", i), "weight must be greater than zero")
		}

		weightSum = weightSum.Add(weight)
	}

	shares := make([]int64, len(weights))
	remainders := make([]decimal.Decimal, len(weights))
	assigned := int64(0)
	totalDec := decimal.NewFromInt(total)

	// QuoRem keeps the split exact: quotient is the floor share, remainder
	// ranks who gets the leftover units.
	for i, weight := range weights {
		quotient, remainder := totalDec.Mul(weight).QuoRem(weightSum, 0)
		shares[i] = quotient.IntPart()
		remainders[i] = remainder
		assigned += shares[i]
	}

	leftover := total - assigned

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]].GreaterThan(remainders[order[b]])
	})

	for i := int64(0); i < leftover; i++ {
		shares[order[i]]++
	}

	return shares, nil
}
