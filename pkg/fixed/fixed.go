// Package fixed provides checked fixed-point arithmetic for monetary values.
//
// All engine math runs on shopspring decimals truncated to 18 fractional
// digits, with results bounded to the range of a 256-bit signed word scaled
// by 1e18. Operations return ErrOverflow instead of saturating.
package fixed

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by engine values.
const Precision = 18

var (
	ErrOverflow       = errors.New("fixed: value exceeds representable range")
	ErrDivisionByZero = errors.New("fixed: division by zero")
)

// maxValue is 2^255 / 1e18, the largest magnitude representable by a
// 256-bit signed word holding 18 fractional digits.
var maxValue = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 255), -Precision)

var (
	Zero = decimal.Zero
	One  = decimal.New(1, 0)
)

// Check returns ErrOverflow if d is outside the representable range.
func Check(d decimal.Decimal) error {
	if d.Abs().Cmp(maxValue) > 0 {
		return ErrOverflow
	}
	return nil
}

// Mul returns a*b truncated to Precision fractional digits.
func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	r := a.Mul(b).Truncate(Precision)
	if err := Check(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

// Div returns a/b rounded to Precision fractional digits.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	r := a.DivRound(b, Precision)
	if err := Check(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

// MulDiv returns a*b/c computed at full intermediate precision, so the
// product may exceed the representable range as long as the quotient
// does not.
func MulDiv(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if c.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	r := a.Mul(b).DivRound(c, Precision)
	if err := Check(r); err != nil {
		return decimal.Zero, err
	}
	return r, nil
}

// Clamp bounds x to [lo, hi]. lo must not exceed hi.
func Clamp(x, lo, hi decimal.Decimal) decimal.Decimal {
	if x.Cmp(lo) < 0 {
		return lo
	}
	if x.Cmp(hi) > 0 {
		return hi
	}
	return x
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
