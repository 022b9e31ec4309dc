package math_test

import (
	"errors"
	"testing"

	"CustodyLedger/internal/errs"
	fpmath "CustodyLedger/internal/math"

	"github.com/holiman/uint256"
)

func TestMulDiv_NativeValuation(t *testing.T) {
	// 1.0 native unit at 3000 USD
	amount, _ := fpmath.Pow10(18)
	price := uint256.NewInt(3000_00000000)
	denom, _ := fpmath.Pow10(18)

	got, err := fpmath.MulDiv(amount, price, denom)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got.Uint64() != 3000_00000000 {
		t.Errorf("got %s, want 300000000000", got)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// x*y overflows 256 bits but the quotient does not
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	y := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	d := new(uint256.Int).Lsh(uint256.NewInt(1), 90)

	got, err := fpmath.MulDiv(x, y, d)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 210)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	got, err := fpmath.MulDiv(uint256.NewInt(7), uint256.NewInt(3), uint256.NewInt(10))
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got.Uint64() != 2 {
		t.Errorf("got %s, want 2", got)
	}
}

func TestMulDiv_OverflowFails(t *testing.T) {
	maxU := new(uint256.Int).SetAllOne()
	_, err := fpmath.MulDiv(maxU, uint256.NewInt(2), uint256.NewInt(1))
	if !errors.Is(err, errs.ErrArithmeticOverflow) {
		t.Errorf("expected ArithmeticOverflow, got %v", err)
	}
}

func TestMulDiv_DivideByZeroFails(t *testing.T) {
	_, err := fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int))
	if err == nil {
		t.Error("expected error for zero divisor")
	}
}

func TestPow10_Range(t *testing.T) {
	if _, err := fpmath.Pow10(fpmath.MaxDecimals); err != nil {
		t.Errorf("10^77 should fit: %v", err)
	}
	if _, err := fpmath.Pow10(fpmath.MaxDecimals + 1); err == nil {
		t.Error("10^78 should be rejected")
	}
	if _, err := fpmath.Pow10(-1); err == nil {
		t.Error("negative exponent should be rejected")
	}
}

func TestCheckedArithmetic(t *testing.T) {
	maxU := new(uint256.Int).SetAllOne()
	if _, err := fpmath.CheckedAdd(maxU, uint256.NewInt(1)); !errors.Is(err, errs.ErrArithmeticOverflow) {
		t.Errorf("add overflow: got %v", err)
	}
	if _, err := fpmath.CheckedSub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, errs.ErrArithmeticOverflow) {
		t.Errorf("sub underflow: got %v", err)
	}
	got, err := fpmath.CheckedSub(uint256.NewInt(5), uint256.NewInt(2))
	if err != nil || got.Uint64() != 3 {
		t.Errorf("5-2: got %v, %v", got, err)
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{3000_00000000, "3000.00000000"},
		{12_34567890, "12.34567890"},
	}
	for _, tt := range tests {
		if got := fpmath.FormatUSD(uint256.NewInt(tt.in)); got != tt.want {
			t.Errorf("FormatUSD(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseUSD(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"1000", 1000_00000000, false},
		{"0.5", 50000000, false},
		{"12.34567890", 12_34567890, false},
		{"raw:42", 42, false},
		{"0.000000001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := fpmath.ParseUSD(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseUSD(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseUSD(%q): %v", tt.in, err)
			continue
		}
		if got.Uint64() != tt.want {
			t.Errorf("ParseUSD(%q) = %s, want %d", tt.in, got, tt.want)
		}
	}
}
