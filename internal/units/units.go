package units

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// Precision is the number of fractional digits carried by every ledger quantity.
	Precision int32 = 18
	// BpsDenominator expresses 100% in basis points.
	BpsDenominator = 10_000
)

var (
	// ErrNegativeAmount is returned when converting a negative quantity to atoms.
	ErrNegativeAmount = errors.New("units: negative amount")
	// ErrAtomOverflow is returned when a quantity does not fit into 256 bits.
	ErrAtomOverflow = errors.New("units: amount overflows uint256")

	bpsDenominator = decimal.NewFromInt(BpsDenominator)
	atomScale      = decimal.New(1, Precision)
)

// Fix truncates a value to ledger precision.
func Fix(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// Div divides with ledger precision, truncating toward zero. A zero divisor yields zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	q, _ := a.QuoRem(b, Precision)
	return q
}

// MulDiv computes a*b/c at ledger precision with a single truncation.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	return Div(a.Mul(b), c)
}

// ApplyBps returns value*bps/10000 truncated to ledger precision.
func ApplyBps(value decimal.Decimal, bps uint32) decimal.Decimal {
	if bps == 0 || value.IsZero() {
		return decimal.Zero
	}
	return MulDiv(value, decimal.NewFromInt(int64(bps)), bpsDenominator)
}

// ShareBps expresses part/total in basis points (exact decimal, not rounded).
func ShareBps(part, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return part.Mul(bpsDenominator).DivRound(total, Precision)
}

// DeviationBps returns |value-reference|/reference in basis points.
func DeviationBps(value, reference decimal.Decimal) decimal.Decimal {
	if reference.Sign() <= 0 {
		return decimal.Zero
	}
	return ShareBps(value.Sub(reference).Abs(), reference)
}

// Bps converts an integer basis-point parameter into a decimal.
func Bps(bps uint32) decimal.Decimal {
	return decimal.NewFromInt(int64(bps))
}

// ToAtoms scales a ledger quantity to its integer 18-decimal representation.
func ToAtoms(d decimal.Decimal) (*uint256.Int, error) {
	if d.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	scaled := d.Mul(atomScale).Truncate(0).BigInt()
	atoms, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, ErrAtomOverflow
	}
	return atoms, nil
}

// FromAtoms converts an integer 18-decimal amount back into a ledger quantity.
func FromAtoms(atoms *uint256.Int) decimal.Decimal {
	if atoms == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(atoms.ToBig(), -Precision)
}

// ParseAtoms parses a base-10 atom string as returned by venues and RPC endpoints.
func ParseAtoms(raw string) (decimal.Decimal, error) {
	atoms, err := uint256.FromDecimal(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse atoms %q: %w", raw, err)
	}
	return FromAtoms(atoms), nil
}

// ParseAmount parses a human decimal string and rejects negative values.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if d.Sign() < 0 {
		return decimal.Decimal{}, ErrNegativeAmount
	}
	return Fix(d), nil
}
