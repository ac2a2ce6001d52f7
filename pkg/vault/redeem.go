package vault

import (
	"context"

	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// RedeemStab burns the caller's STAB against the riskiest vaults of the
// target collateral and queues the redeemed collateral for settlement. The
// dynamic fee (decayed base rate plus redemption pressure) becomes the new
// base rate, disincentivising redemption spirals.
func (e *Engine) RedeemStab(ctx context.Context, caller types.Principal, amount math.STAB, ct types.CollateralType) (SuccessWithFee, error) {
	g, err := e.acquire(caller, "redeem_stab")
	if err != nil {
		return SuccessWithFee{}, err
	}
	defer g.Release()

	if err := e.requireAvailable(); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}
	if amount < types.MinStabAmount {
		g.Fail()
		return SuccessWithFee{}, protoerr.AmountTooLow(uint64(types.MinStabAmount))
	}

	var cfg *types.CollateralConfig
	e.mgr.Read(func(s *state.State) {
		if c := s.Config(ct); c != nil {
			copied := *c
			cfg = &copied
		}
	})
	if cfg == nil {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic("unknown collateral type %s", ct)
	}
	if !cfg.Status.AllowsRedemption() {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic("collateral %s does not accept redemptions (status: %s)", cfg.Ledger, cfg.Status)
	}
	if err := e.oracle.EnsureFreshPrice(ctx, ct); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}

	// Refuse oversize redemptions before any transfer or mutation.
	var totalDebt math.STAB
	price := math.ZeroRatio()
	e.mgr.Read(func(s *state.State) {
		totalDebt = s.TotalDebtFor(ct)
		if c := s.Config(ct); c != nil {
			price = c.LastPrice
		}
	})
	if amount > totalDebt {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic(
			"cannot redeem %d against %s: only %d STAB of debt outstanding", amount, ct, totalDebt)
	}

	blockIndex, err := e.ledgers.Stab().TransferFrom(ctx, caller, uint64(amount))
	if err != nil {
		g.Fail()
		return SuccessWithFee{}, protoerr.TransferFrom(ledger.AsTransferError(err), uint64(amount))
	}

	now := e.now()
	var feeRate math.Ratio
	e.mgr.Read(func(s *state.State) {
		feeRate = s.RedemptionFeeFor(ct, amount, now)
	})
	fee := amount.Mul(feeRate)
	redeemed := amount - fee
	rate := price

	if err := e.append(ctx, event.Event{
		Type:           event.TypeRedemptionOnVaults,
		Timestamp:      now,
		Owner:          caller,
		CollateralType: ct,
		StabAmount:     redeemed,
		FeeAmount:      fee,
		Rate:           &rate,
		BaseRate:       &feeRate,
		StabBlockIndex: blockIndex,
	}); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}

	if err := e.mgr.Mutate(func(s *state.State) error {
		if err := s.ApplyRedemption(caller, redeemed, price, ct, blockIndex, now); err != nil {
			return err
		}
		s.ProvideLiquidity(fee, s.DeveloperPrincipal)
		if c := s.Config(ct); c != nil {
			c.CurrentBaseRate = feeRate
			c.LastRedemptionTime = now
		}
		return nil
	}); err != nil {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic("redemption failed: %v", err)
	}

	e.logger.Info("redeemed against vaults",
		zap.String("owner", caller.String()),
		zap.Uint64("amount", uint64(redeemed)),
		zap.Uint64("fee", uint64(fee)),
		zap.String("fee_rate", feeRate.String()),
		zap.Uint64("stab_block_index", blockIndex),
	)

	e.settler.ScheduleDrain(0)
	g.Complete()
	return SuccessWithFee{BlockIndex: blockIndex, FeePaid: fee}, nil
}
