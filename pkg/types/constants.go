package types

import (
	gomath "math"

	"github.com/rumi-protocol/rumi-core/pkg/math"
)

// SecNanos is one second in nanoseconds, the protocol time base.
const SecNanos uint64 = 1_000_000_000

const (
	// MinCollateralAmount is the smallest accepted collateral deposit,
	// in native units.
	MinCollateralAmount uint64 = 100_000
	// MinStabAmount is the floor for every stablecoin operation: 0.1 STAB.
	MinStabAmount math.STAB = 10_000_000
	// MinLiquidityAmount is the liquidity pool deposit floor: 10 STAB.
	MinLiquidityAmount math.STAB = 1_000_000_000
	// MinPartialLiquidationAmount is the partial liquidation payment floor.
	MinPartialLiquidationAmount math.STAB = MinStabAmount
	// DustThreshold is the largest residual debt that close forgives.
	DustThreshold math.STAB = 100
	// NoDebtCeiling marks an uncapped collateral.
	NoDebtCeiling uint64 = gomath.MaxUint64
)

// Default risk parameters applied to the native collateral at init and to
// registrations that omit a field.
var (
	DefaultLiquidationRatio     = math.MustRatio("1.33")
	DefaultBorrowThresholdRatio = math.MustRatio("1.5")
	DefaultLiquidationBonus     = math.MustRatio("1.15")
	DefaultRecoveryTargetCR     = math.MustRatio("1.55")
	DefaultBorrowingFee         = math.MustRatio("0.005")
	DefaultInterestRateAPR      = math.MustRatio("0.0")
	DefaultRedemptionFeeFloor   = math.MustRatio("0.005")
	DefaultRedemptionFeeCeiling = math.MustRatio("0.05")
	// DefaultMinVaultDebt is 0.01 STAB.
	DefaultMinVaultDebt math.STAB = 1_000_000
	// DefaultNativeLedgerFee is the native collateral transfer fee.
	DefaultNativeLedgerFee uint64 = 10_000
)

// Partial liquidations convert the liquidator's payment at a 10% discount:
// payment / (1 - 0.10) worth of collateral.
var PartialLiquidationBonus = math.OneRatio().Quo(math.MustRatio("0.9"))
