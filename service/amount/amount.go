// Package amount converts user-entered quantities into exchange units and
// checks them against available balances.
package amount

import (
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned when a requested amount exceeds the
// available balance by more than BalanceTolerance.
var ErrInsufficientBalance = errors.New("insufficient balance")

var (
	// BalanceTolerance absorbs display rounding so that "sell entire balance"
	// is never rejected.
	BalanceTolerance = decimal.RequireFromString("0.0001")

	// NativeFeeReserve is held back from the native network asset for fees.
	NativeFeeReserve = decimal.RequireFromString("0.01")

	// FeeBearingReserve is the fraction held back from assets that charge a
	// transfer fee.
	FeeBearingReserve = decimal.RequireFromString("0.01")

	maxUnits = decimal.NewFromUint64(math.MaxUint64)
)

// AssetClass determines how much of a balance can actually be spent.
type AssetClass int

const (
	Standard AssetClass = iota
	Native
	FeeBearing
)

func (c AssetClass) String() string {
	switch c {
	case Native:
		return "native"
	case FeeBearing:
		return "fee_bearing"
	default:
		return "standard"
	}
}

// ParseDecimal normalizes a raw user string into a positive decimal.
// Both '.' and ',' are accepted as the decimal separator. When both appear,
// the right-most one is the decimal separator and the other is treated as
// digit grouping. The second return is false for empty, non-numeric,
// zero or negative input.
func ParseDecimal(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return decimal.Zero, false
	}

	dot := strings.LastIndex(s, ".")
	comma := strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0:
		if dot > comma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case comma >= 0:
		if strings.Count(s, ",") > 1 {
			return decimal.Zero, false
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	if strings.Count(s, ".") > 1 {
		return decimal.Zero, false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			// rejects signs, exponents, hex and anything else decimal.NewFromString would accept
			return decimal.Zero, false
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Parse converts a raw user string into smallest exchange units:
// floor(value * 10^decimals). It returns 0 for any input ParseDecimal
// rejects, for values that floor to zero and for values that overflow uint64.
func Parse(raw string, decimals int32) uint64 {
	d, ok := ParseDecimal(raw)
	if !ok {
		return 0
	}
	return ToUnits(d, decimals)
}

// ToUnits scales a human amount into smallest units, rounding down.
func ToUnits(d decimal.Decimal, decimals int32) uint64 {
	scaled := d.Shift(decimals).Floor()
	if !scaled.IsPositive() || scaled.GreaterThan(maxUnits) {
		return 0
	}
	return scaled.BigInt().Uint64()
}

// FromUnits converts smallest units back into a human amount.
func FromUnits(units uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromUint64(units).Shift(-decimals)
}

// Format renders smallest units as a trimmed human string ("0.5", not "0.50000000").
func Format(units uint64, decimals int32) string {
	return FromUnits(units, decimals).String()
}

// Sufficient reports whether requested fits within available once the
// tolerance is applied: requested > available*(1+BalanceTolerance) fails.
func Sufficient(requested, available decimal.Decimal) bool {
	limit := available.Mul(decimal.NewFromInt(1).Add(BalanceTolerance))
	return !requested.GreaterThan(limit)
}

// Validate checks requested against available and returns the amount to
// actually spend. Requests inside the tolerance band above the balance are
// clamped to the balance so the ledger never sees more than is held.
func Validate(requested, available decimal.Decimal) (decimal.Decimal, error) {
	if !requested.IsPositive() {
		return decimal.Zero, errors.New("amount must be positive")
	}
	if !Sufficient(requested, available) {
		return decimal.Zero, ErrInsufficientBalance
	}
	if requested.GreaterThan(available) {
		return available, nil
	}
	return requested, nil
}

// MaxSpendable derives the "max" amount a user may enter for an asset,
// floored to the asset's decimal places so it never rounds up past the
// real balance.
func MaxSpendable(balance decimal.Decimal, class AssetClass, decimals int32) decimal.Decimal {
	spendable := balance
	switch class {
	case Native:
		spendable = balance.Sub(NativeFeeReserve)
	case FeeBearing:
		spendable = balance.Mul(decimal.NewFromInt(1).Sub(FeeBearingReserve))
	}
	if !spendable.IsPositive() {
		return decimal.Zero
	}
	return spendable.RoundFloor(decimals)
}
