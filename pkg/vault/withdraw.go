package vault

import (
	"context"

	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// WithdrawCollateral returns the vault's full collateral to its owner. The
// collateral is zeroed in state before the transfer starts and restored
// atomically if the transfer fails.
func (e *Engine) WithdrawCollateral(ctx context.Context, caller types.Principal, id types.VaultID) (uint64, error) {
	g, err := e.acquire(caller, "withdraw_collateral")
	if err != nil {
		return 0, err
	}
	defer g.Release()

	blockIndex, _, err := e.withdraw(ctx, caller, id)
	if err != nil {
		g.Fail()
		return 0, err
	}
	g.Complete()
	return blockIndex, nil
}

// withdraw validates and executes the collateral return shared by
// WithdrawCollateral and WithdrawAndCloseVault. Returns the transfer's block
// index and the amount withdrawn.
func (e *Engine) withdraw(ctx context.Context, caller types.Principal, id types.VaultID) (uint64, uint64, error) {
	vault, cfg, err := e.vaultSnapshot(id)
	if err != nil {
		return 0, 0, err
	}
	if vault.Owner != caller {
		return 0, 0, protoerr.CallerNotOwner()
	}
	if !cfg.Status.AllowsWithdraw() {
		return 0, 0, protoerr.Generic("collateral %s does not accept withdrawals (status: %s)", cfg.Ledger, cfg.Status)
	}
	if vault.Borrowed > 0 {
		return 0, 0, protoerr.Generic(
			"vault #%d has %d STAB debt, repay all debt before withdrawing collateral", id, vault.Borrowed)
	}
	if vault.CollateralAmount == 0 {
		return 0, 0, protoerr.Generic("vault #%d has no collateral to withdraw", id)
	}

	amount := vault.CollateralAmount

	// Zero the collateral before the outbound transfer; a concurrent task
	// resuming mid-transfer must not observe withdrawable collateral.
	_ = e.mgr.Mutate(func(s *state.State) error {
		return s.SetVaultCollateral(id, 0)
	})

	transferAmount := amount - cfg.LedgerFee
	blockIndex, err := e.ledgers.ForLedger(cfg.Ledger).Transfer(ctx, caller, transferAmount)
	if err != nil {
		_ = e.mgr.Mutate(func(s *state.State) error {
			return s.SetVaultCollateral(id, amount)
		})
		e.healLedgerFee(vault.CollateralType, err)
		e.logger.Warn("collateral withdrawal transfer failed",
			zap.Uint64("vault_id", id),
			zap.Uint64("amount", transferAmount),
			zap.Error(err),
		)
		return 0, 0, protoerr.Transfer(ledger.AsTransferError(err))
	}

	if err := e.append(ctx, event.Event{
		Type:       event.TypeCollateralWithdrawn,
		Timestamp:  e.now(),
		VaultID:    id,
		Amount:     amount,
		BlockIndex: &blockIndex,
	}); err != nil {
		return 0, 0, err
	}

	e.logger.Info("withdrew collateral",
		zap.Uint64("vault_id", id),
		zap.Uint64("amount", amount),
		zap.Uint64("block_index", blockIndex),
	)
	return blockIndex, amount, nil
}

// WithdrawAndCloseVault returns any remaining collateral and removes the
// vault in one call.
func (e *Engine) WithdrawAndCloseVault(ctx context.Context, caller types.Principal, id types.VaultID) (*uint64, error) {
	g, err := e.acquire(caller, "withdraw_and_close_vault")
	if err != nil {
		return nil, err
	}
	defer g.Release()

	vault, cfg, err := e.vaultSnapshot(id)
	if err != nil {
		g.Fail()
		return nil, err
	}
	if vault.Owner != caller {
		g.Fail()
		return nil, protoerr.CallerNotOwner()
	}
	if !cfg.Status.AllowsClose() {
		g.Fail()
		return nil, protoerr.Generic("collateral %s does not accept closes (status: %s)", cfg.Ledger, cfg.Status)
	}
	if vault.Borrowed > 0 {
		g.Fail()
		return nil, protoerr.Generic(
			"vault #%d has %d STAB debt, repay all debt before withdrawing and closing", id, vault.Borrowed)
	}

	var blockIndex *uint64
	withdrawn := uint64(0)
	if vault.CollateralAmount > 0 {
		idx, amount, err := e.withdraw(ctx, caller, id)
		if err != nil {
			g.Fail()
			return nil, err
		}
		blockIndex = &idx
		withdrawn = amount
	}

	if err := e.append(ctx, event.Event{
		Type:       event.TypeWithdrawAndCloseVault,
		Timestamp:  e.now(),
		VaultID:    id,
		Amount:     withdrawn,
		BlockIndex: blockIndex,
	}); err != nil {
		g.Fail()
		return nil, err
	}
	now := e.now()
	_ = e.mgr.Mutate(func(s *state.State) error {
		return s.CloseVault(id, now)
	})

	e.logger.Info("withdrew and closed vault", zap.Uint64("vault_id", id))
	g.Complete()
	return blockIndex, nil
}

// CloseVault removes an empty vault. Residual debt at or below the dust
// threshold is forgiven and recorded; anything larger refuses the close.
// Close traffic is rate limited per principal and globally.
func (e *Engine) CloseVault(ctx context.Context, caller types.Principal, id types.VaultID) error {
	g, err := e.acquire(caller, "close_vault")
	if err != nil {
		return err
	}
	defer g.Release()

	now := e.now()
	var limitErr error
	_ = e.mgr.Mutate(func(s *state.State) error {
		if err := s.CheckCloseRateLimit(caller, now); err != nil {
			limitErr = err
			return nil
		}
		s.RecordCloseRequest(caller, now)
		return nil
	})
	if limitErr != nil {
		g.Fail()
		return protoerr.Generic("%v", limitErr)
	}
	defer func() {
		_ = e.mgr.Mutate(func(s *state.State) error {
			s.CompleteCloseRequest()
			return nil
		})
	}()

	vault, _, err := e.vaultSnapshot(id)
	if err != nil {
		g.Fail()
		return err
	}
	if vault.Owner != caller {
		g.Fail()
		return protoerr.CallerNotOwner()
	}

	if vault.Borrowed > 0 && vault.Borrowed <= types.DustThreshold {
		e.logger.Info("forgiving dust debt",
			zap.Uint64("vault_id", id),
			zap.Uint64("amount", uint64(vault.Borrowed)),
		)
		if err := e.append(ctx, event.Event{
			Type:       event.TypeDustForgiven,
			Timestamp:  now,
			VaultID:    id,
			StabAmount: vault.Borrowed,
		}); err != nil {
			g.Fail()
			return err
		}
		_ = e.mgr.Mutate(func(s *state.State) error {
			return s.ApplyDustForgiveness(id, vault.Borrowed)
		})
	} else if vault.Borrowed > 0 {
		g.Fail()
		return protoerr.Generic("cannot close vault #%d with outstanding debt, repay all debt first", id)
	}

	if vault.CollateralAmount > 0 {
		g.Fail()
		return protoerr.Generic("cannot close vault #%d with remaining collateral, withdraw collateral first", id)
	}

	if err := e.append(ctx, event.Event{
		Type:      event.TypeCloseVault,
		Timestamp: now,
		VaultID:   id,
	}); err != nil {
		g.Fail()
		return err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		return s.CloseVault(id, now)
	})

	e.logger.Info("closed vault", zap.Uint64("vault_id", id), zap.String("owner", caller.String()))
	g.Complete()
	return nil
}
