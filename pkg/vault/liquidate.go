package vault

import (
	"context"
	"time"

	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// safetyNetDrainDelay schedules a full drain pass shortly after every
// liquidation in case the immediate attempt and its retries all fail.
const safetyNetDrainDelay = 2 * time.Second

// LiquidateVault liquidates an undercollateralized vault using STAB pulled
// from the caller.
//
// Below the per-collateral liquidation ratio the vault is absorbed in full:
// the caller pays the whole debt and receives its collateral equivalent
// with bonus; surplus collateral is queued back to the owner. In recovery
// mode, a vault still above the liquidation ratio but below the borrow
// threshold is only trimmed back to its recovery target CR, and the caller
// pays exactly the targeted repayment.
func (e *Engine) LiquidateVault(ctx context.Context, caller types.Principal, id types.VaultID) (SuccessWithFee, error) {
	g, err := e.acquire(caller, "liquidate_vault")
	if err != nil {
		return SuccessWithFee{}, err
	}
	defer g.Release()

	vault, cfg, err := e.vaultSnapshot(id)
	if err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}
	if !cfg.Status.AllowsLiquidation() {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic("collateral %s does not accept liquidations (status: %s)", cfg.Ledger, cfg.Status)
	}
	if err := e.oracle.EnsureFreshPrice(ctx, vault.CollateralType); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}

	var mode types.Mode
	price := math.ZeroRatio()
	ratio := math.ZeroRatio()
	minRatio := types.DefaultLiquidationRatio
	var payment math.STAB
	e.mgr.Read(func(s *state.State) {
		mode = s.Mode
		if c := s.Config(vault.CollateralType); c != nil {
			price = c.LastPrice
		}
		if v, ok := s.Vaults[id]; ok {
			ratio = s.VaultCollateralRatio(v)
			minRatio = s.MinLiquidationRatioFor(v.CollateralType)
			if mode == types.Recovery && ratio.GT(liquidationRatioOf(s, v)) {
				payment = s.RecoveryRepayCap(v)
			} else {
				payment = v.Borrowed
			}
		}
	})
	if ratio.GTE(minRatio) {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic(
			"vault #%d is not liquidatable, current ratio: %s, minimum: %s", id, ratio, minRatio)
	}
	if payment == 0 {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic("vault #%d needs no liquidation at the current price", id)
	}

	blockIndex, err := e.ledgers.Stab().TransferFrom(ctx, caller, uint64(payment))
	if err != nil {
		g.Fail()
		return SuccessWithFee{}, protoerr.TransferFrom(ledger.AsTransferError(err), uint64(payment))
	}

	now := e.now()
	rate := price
	if err := e.append(ctx, event.Event{
		Type:       event.TypeLiquidateVault,
		Timestamp:  now,
		VaultID:    id,
		Mode:       &mode,
		Rate:       &rate,
		Liquidator: caller,
	}); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}

	var outcome state.LiquidationOutcome
	_ = e.mgr.Mutate(func(s *state.State) error {
		var applyErr error
		outcome, applyErr = s.ApplyLiquidation(id, mode, price, caller, now)
		return applyErr
	})

	e.logger.Info("liquidated vault",
		zap.Uint64("vault_id", id),
		zap.String("liquidator", caller.String()),
		zap.Uint64("repaid", uint64(outcome.Repaid)),
		zap.Uint64("seized", outcome.Seized),
		zap.Uint64("excess", outcome.Excess),
		zap.Bool("partial", outcome.Partial),
	)

	e.settle(ctx, id)
	g.Complete()

	received := math.CollateralValue(outcome.Seized, price, cfg.Decimals)
	return SuccessWithFee{
		BlockIndex: blockIndex,
		FeePaid:    received.SaturatingSub(payment),
	}, nil
}

// liquidationRatioOf reads the vault's per-collateral liquidation ratio.
func liquidationRatioOf(s *state.State, v *types.Vault) math.Ratio {
	if c := s.Config(v.CollateralType); c != nil {
		return c.LiquidationRatio
	}
	return types.DefaultLiquidationRatio
}

// PartialLiquidateVault reduces an undercollateralized vault by the caller's
// chosen payment, handing out collateral at a 10% discount.
func (e *Engine) PartialLiquidateVault(ctx context.Context, caller types.Principal, id types.VaultID, payment math.STAB) (SuccessWithFee, error) {
	g, err := e.acquire(caller, "partial_liquidate_vault")
	if err != nil {
		return SuccessWithFee{}, err
	}
	defer g.Release()

	vault, cfg, err := e.vaultSnapshot(id)
	if err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}
	if !cfg.Status.AllowsLiquidation() {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic("collateral %s does not accept liquidations (status: %s)", cfg.Ledger, cfg.Status)
	}
	if err := e.oracle.EnsureFreshPrice(ctx, vault.CollateralType); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}

	if payment < types.MinPartialLiquidationAmount {
		g.Fail()
		return SuccessWithFee{}, protoerr.AmountTooLow(uint64(types.MinPartialLiquidationAmount))
	}
	if payment > vault.Borrowed {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic(
			"cannot liquidate more than borrowed: %d, requested: %d", vault.Borrowed, payment)
	}

	price := math.ZeroRatio()
	ratio := math.ZeroRatio()
	minRatio := types.DefaultLiquidationRatio
	e.mgr.Read(func(s *state.State) {
		if c := s.Config(vault.CollateralType); c != nil {
			price = c.LastPrice
		}
		if v, ok := s.Vaults[id]; ok {
			ratio = s.VaultCollateralRatio(v)
			minRatio = s.MinLiquidationRatioFor(v.CollateralType)
		}
	})
	if ratio.GTE(minRatio) {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic(
			"vault #%d is not liquidatable, current ratio: %s, minimum: %s", id, ratio, minRatio)
	}

	// The liquidator's payment converts at a 10% discount.
	seized := math.MinUint64(
		vault.CollateralAmount,
		math.StabToCollateral(payment.Mul(types.PartialLiquidationBonus), price, cfg.Decimals),
	)

	blockIndex, err := e.ledgers.Stab().TransferFrom(ctx, caller, uint64(payment))
	if err != nil {
		g.Fail()
		return SuccessWithFee{}, protoerr.TransferFrom(ledger.AsTransferError(err), uint64(payment))
	}

	now := e.now()
	if err := e.append(ctx, event.Event{
		Type:       event.TypePartialLiquidateVault,
		Timestamp:  now,
		VaultID:    id,
		StabAmount: payment,
		Amount:     seized,
		Liquidator: caller,
	}); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		return s.ApplyPartialLiquidation(id, payment, seized, caller, now)
	})

	e.logger.Info("partially liquidated vault",
		zap.Uint64("vault_id", id),
		zap.String("liquidator", caller.String()),
		zap.Uint64("payment", uint64(payment)),
		zap.Uint64("seized", seized),
	)

	e.settle(ctx, id)
	g.Complete()

	received := math.CollateralValue(seized, price, cfg.Decimals)
	return SuccessWithFee{
		BlockIndex: blockIndex,
		FeePaid:    received.SaturatingSub(payment),
	}, nil
}

// settle attempts immediate settlement of the vault's queued transfers,
// falling back to backoff retries, and always arms the safety-net drain.
func (e *Engine) settle(ctx context.Context, id types.VaultID) {
	if err := e.settler.DrainVault(ctx, id); err != nil {
		e.logger.Info("immediate settlement failed, scheduling retries",
			zap.Uint64("vault_id", id),
			zap.Error(err),
		)
		e.settler.ScheduleVaultRetries(id)
	}
	e.settler.ScheduleDrain(safetyNetDrainDelay)
}

// RecoverPendingTransfer re-drives a specific vault's stuck transfers.
// Operator tooling calls this when the health monitor reports a stale entry.
func (e *Engine) RecoverPendingTransfer(ctx context.Context, id types.VaultID) error {
	var queued bool
	e.mgr.Read(func(s *state.State) {
		_, inMargin := s.PendingMarginTransfers[id]
		_, inExcess := s.PendingExcessTransfers[id]
		queued = inMargin || inExcess
	})
	if !queued {
		return protoerr.Generic("no pending transfers for vault #%d", id)
	}
	return e.settler.DrainVault(ctx, id)
}
