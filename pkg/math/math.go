// Package math provides the fixed-point primitives shared by the protocol:
// STAB amounts (8-decimal base units), raw collateral amounts in their
// ledger's native decimals, USD prices per whole token, and dimensionless
// ratios. Intermediate arithmetic runs on sdkmath.LegacyDec; conversion back
// to the uint64 boundary truncates toward zero.
package math

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// E8s is the STAB fixed-point base: 1 STAB = 1e8 base units.
const E8s = 100_000_000

// STAB is a stablecoin amount in e8s base units.
type STAB uint64

// Ratio is a dimensionless decimal: collateral ratios, fee rates, bonuses.
type Ratio = sdkmath.LegacyDec

// RatioInfinity stands in for the undefined ratio of a debt-free vault.
// Any comparison against a real threshold treats it as above.
var RatioInfinity = sdkmath.LegacyNewDec(1_000_000_000_000)

// MustRatio parses a decimal literal into a Ratio, panicking on malformed
// input. Reserved for compile-time constants.
func MustRatio(s string) Ratio {
	return sdkmath.LegacyMustNewDecFromStr(s)
}

// ZeroRatio returns the zero ratio.
func ZeroRatio() Ratio { return sdkmath.LegacyZeroDec() }

// OneRatio returns the unit ratio.
func OneRatio() Ratio { return sdkmath.LegacyOneDec() }

// Dec lifts a STAB amount into decimal space.
func (s STAB) Dec() sdkmath.LegacyDec {
	return sdkmath.LegacyNewDecFromInt(sdkmath.NewIntFromUint64(uint64(s)))
}

// Mul applies a ratio to a STAB amount, truncating toward zero.
func (s STAB) Mul(r Ratio) STAB {
	return STAB(truncUint64(s.Dec().Mul(r)))
}

// SaturatingSub subtracts o from s, clamping at zero.
func (s STAB) SaturatingSub(o STAB) STAB {
	if o >= s {
		return 0
	}
	return s - o
}

// Min returns the smaller of two STAB amounts.
func (s STAB) Min(o STAB) STAB {
	if o < s {
		return o
	}
	return s
}

func (s STAB) String() string {
	whole := uint64(s) / E8s
	frac := uint64(s) % E8s
	return fmt.Sprintf("%d.%08d", whole, frac)
}

// DecFromUint64 lifts a raw uint64 amount into decimal space.
func DecFromUint64(v uint64) sdkmath.LegacyDec {
	return sdkmath.LegacyNewDecFromInt(sdkmath.NewIntFromUint64(v))
}

// CollateralValue converts a raw collateral amount (native decimals) into
// its USD value in STAB e8s at the given price (USD per whole token).
// The scale factor between the token's decimals and the 8-decimal base is
// applied exactly; the result truncates toward zero.
func CollateralValue(amount uint64, price Ratio, decimals uint8) STAB {
	if amount == 0 || price.IsZero() {
		return 0
	}
	v := DecFromUint64(amount).Mul(price)
	return STAB(truncUint64(rescale(v, decimals, 8)))
}

// StabToCollateral converts a STAB amount into the equivalent raw collateral
// amount (native decimals) at the given price. Price must be positive;
// callers enforce price freshness before reaching this conversion.
func StabToCollateral(amount STAB, price Ratio, decimals uint8) uint64 {
	if amount == 0 {
		return 0
	}
	if !price.IsPositive() {
		panic("math: StabToCollateral with non-positive price")
	}
	v := amount.Dec().Quo(price)
	return truncUint64(rescale(v, 8, decimals))
}

// CollateralRatio computes value/debt. Debt-free positions report
// RatioInfinity; spec'd conservative behavior for missing prices (zero
// value) yields a zero ratio naturally.
func CollateralRatio(value STAB, debt STAB) Ratio {
	if debt == 0 {
		return RatioInfinity
	}
	return value.Dec().Quo(debt.Dec())
}

// RatioOf computes the proportion a/b, zero when b is zero.
func RatioOf(a, b STAB) Ratio {
	if b == 0 {
		return sdkmath.LegacyZeroDec()
	}
	return a.Dec().Quo(b.Dec())
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi Ratio) Ratio {
	if v.LT(lo) {
		return lo
	}
	if v.GT(hi) {
		return hi
	}
	return v
}

// Pow raises r to an integer power; Pow(r, 0) is 1.
func Pow(r Ratio, n uint64) Ratio {
	return r.Power(n)
}

// MulUint64 applies a ratio to a raw collateral amount, truncating.
func MulUint64(amount uint64, r Ratio) uint64 {
	return truncUint64(DecFromUint64(amount).Mul(r))
}

// SaturatingSubUint64 subtracts b from a, clamping at zero.
func SaturatingSubUint64(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// MinUint64 returns the smaller of two raw amounts.
func MinUint64(a, b uint64) uint64 {
	if b < a {
		return b
	}
	return a
}

// rescale moves a decimal value between fixed-point bases: a value carrying
// `from` fractional digits is re-expressed with `to` fractional digits.
func rescale(v sdkmath.LegacyDec, from, to uint8) sdkmath.LegacyDec {
	if from == to {
		return v
	}
	if to > from {
		return v.Mul(pow10(to - from))
	}
	return v.Quo(pow10(from - to))
}

func pow10(exp uint8) sdkmath.LegacyDec {
	result := sdkmath.LegacyOneDec()
	ten := sdkmath.LegacyNewDec(10)
	for i := uint8(0); i < exp; i++ {
		result = result.Mul(ten)
	}
	return result
}

// truncUint64 truncates a non-negative decimal toward zero into a uint64.
// Values beyond the uint64 range indicate corrupted state and panic.
func truncUint64(v sdkmath.LegacyDec) uint64 {
	i := v.TruncateInt()
	if i.IsNegative() || !i.IsUint64() {
		panic(fmt.Sprintf("math: value %s out of uint64 range", i))
	}
	return i.Uint64()
}
