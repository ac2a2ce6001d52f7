package state

import (
	"fmt"

	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// The dynamic redemption fee combines an hourly-decayed base rate with a
// pressure term proportional to the share of total debt being redeemed.
var (
	redemptionDecayFactor    = math.MustRatio("0.94")
	redeemedProportionWeight = math.MustRatio("0.5")
)

// ComputeRedemptionFee evaluates the fee model:
//
//	rate     = base_rate · 0.94^elapsed_hours
//	total    = rate + (amount/total_debt) · 0.5
//	fee_rate = clamp(total, floor, ceiling)
//
// Zero when there is no debt.
func ComputeRedemptionFee(
	elapsedHours uint64,
	redeemed math.STAB,
	totalBorrowed math.STAB,
	baseRate math.Ratio,
	floor math.Ratio,
	ceiling math.Ratio,
) math.Ratio {
	if totalBorrowed == 0 {
		return math.ZeroRatio()
	}
	rate := baseRate.Mul(math.Pow(redemptionDecayFactor, elapsedHours))
	total := rate.Add(math.RatioOf(redeemed, totalBorrowed).Mul(redeemedProportionWeight))
	return math.Clamp(total, floor, ceiling)
}

// RedemptionFeeFor evaluates the fee model for one collateral at the given
// time, using the collateral's own base rate, bounds, and debt.
func (s *State) RedemptionFeeFor(ct types.CollateralType, redeemed math.STAB, now uint64) math.Ratio {
	cfg := s.Config(ct)
	if cfg == nil {
		return math.ZeroRatio()
	}
	elapsedHours := uint64(0)
	if now > cfg.LastRedemptionTime {
		elapsedHours = (now - cfg.LastRedemptionTime) / types.SecNanos / 3600
	}
	return ComputeRedemptionFee(
		elapsedHours,
		redeemed,
		s.TotalDebtFor(ct),
		cfg.CurrentBaseRate,
		cfg.RedemptionFeeFloor,
		cfg.RedemptionFeeCeiling,
	)
}

// ProvideLiquidity credits the caller's pool position. A zero amount is a
// no-op so fee-free paths can call unconditionally.
func (s *State) ProvideLiquidity(amount math.STAB, caller types.Principal) {
	if amount == 0 {
		return
	}
	s.LiquidityPool[caller] += amount
}

// WithdrawLiquidity debits the caller's pool position, dropping empty
// entries.
func (s *State) WithdrawLiquidity(amount math.STAB, caller types.Principal) error {
	current, ok := s.LiquidityPool[caller]
	if !ok || current < amount {
		return fmt.Errorf("principal %s cannot withdraw %d from liquidity position %d", caller, amount, current)
	}
	current -= amount
	if current == 0 {
		delete(s.LiquidityPool, caller)
	} else {
		s.LiquidityPool[caller] = current
	}
	return nil
}

// CreditLiquidityReturns accrues collateral rewards to a provider.
func (s *State) CreditLiquidityReturns(amount uint64, caller types.Principal) {
	if amount == 0 {
		return
	}
	s.LiquidityReturns[caller] += amount
}

// ClaimLiquidityReturns debits a provider's accrued collateral rewards.
func (s *State) ClaimLiquidityReturns(amount uint64, caller types.Principal) error {
	current, ok := s.LiquidityReturns[caller]
	if !ok || current < amount {
		return fmt.Errorf("principal %s cannot claim %d from returns %d", caller, amount, current)
	}
	current -= amount
	if current == 0 {
		delete(s.LiquidityReturns, caller)
	} else {
		s.LiquidityReturns[caller] = current
	}
	return nil
}

// TotalProvidedLiquidity sums all pool positions.
func (s *State) TotalProvidedLiquidity() math.STAB {
	var total math.STAB
	for _, amount := range s.LiquidityPool {
		total += amount
	}
	return total
}

// TotalAvailableReturns sums all accrued collateral rewards.
func (s *State) TotalAvailableReturns() uint64 {
	var total uint64
	for _, amount := range s.LiquidityReturns {
		total += amount
	}
	return total
}
