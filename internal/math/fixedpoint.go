// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"math/big"
	"strings"

	"CustodyLedger/internal/errs"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	USDDecimals    = 8  // USD-scaled fixed-point: 1 USD = 10^8
	NativeDecimals = 18 // native value unit precision
	MaxDecimals    = 77 // 10^77 < 2^256 < 10^78
)

var pow10 [MaxDecimals + 1]uint256.Int

func init() {
	pow10[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i <= MaxDecimals; i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Pow10 returns 10^n as a fresh value.
func Pow10(n int) (*uint256.Int, error) {
	if n < 0 || n > MaxDecimals {
		return nil, fmt.Errorf("power of ten out of range: %d", n)
	}
	return new(uint256.Int).Set(&pow10[n]), nil
}

// MulDiv computes floor(x * y / d) with a 512-bit intermediate product.
// The multiplication always happens before the division.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errs.New(errs.CodeArithmeticOverflow, "division by zero")
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, errs.New(errs.CodeArithmeticOverflow, "%s * %s / %s exceeds 256 bits", x, y, d)
	}
	return z, nil
}

// CheckedAdd returns x + y or ArithmeticOverflow.
func CheckedAdd(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, errs.New(errs.CodeArithmeticOverflow, "%s + %s exceeds 256 bits", x, y)
	}
	return z, nil
}

// CheckedSub returns x - y or ArithmeticOverflow on underflow.
func CheckedSub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, errs.New(errs.CodeArithmeticOverflow, "%s - %s underflows", x, y)
	}
	return z, nil
}

// FormatUnits renders a fixed-point integer with the given number of fractional digits.
func FormatUnits(v *uint256.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), int32(-decimals)).StringFixed(int32(decimals))
}

// FormatUSD renders a USD-scaled integer, e.g. 300000000000 -> "3000.00000000".
func FormatUSD(v *uint256.Int) string {
	return FormatUnits(v, USDDecimals)
}

// ParseUSD accepts either a decimal string ("1000.5") or, when prefixed with
// "raw:", an integer already in USD-scaled units ("raw:100050000000").
func ParseUSD(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if raw, ok := strings.CutPrefix(s, "raw:"); ok {
		v, err := uint256.FromDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("parse raw usd %q: %w", raw, err)
		}
		return v, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse usd %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse usd %q: negative value", s)
	}
	scaled := d.Shift(USDDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("parse usd %q: more than %d fractional digits", s, USDDecimals)
	}
	return FromBig(scaled.BigInt())
}

// FromBig converts a non-negative big.Int, rejecting values wider than 256 bits.
func FromBig(b *big.Int) (*uint256.Int, error) {
	if b.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", b)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, errs.New(errs.CodeArithmeticOverflow, "%s exceeds 256 bits", b)
	}
	return v, nil
}

// ParseAmount parses a base-10 unsigned amount in native units.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// USDFloat converts a USD-scaled integer to a float for gauges. Precision is
// lost above 2^53 units; never use the result for accounting.
func USDFloat(v *uint256.Int) float64 {
	return decimal.NewFromBigInt(v.ToBig(), -USDDecimals).InexactFloat64()
}
