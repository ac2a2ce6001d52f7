package state

import (
	"fmt"
	"sort"

	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// LiquidationOutcome reports what a liquidation did, so callers can surface
// block-level results without recomputing.
type LiquidationOutcome struct {
	// Repaid is the STAB debt extinguished.
	Repaid math.STAB
	// Seized is the collateral owed to the liquidator.
	Seized uint64
	// Excess is the surplus collateral owed back to the original owner.
	Excess uint64
	// Partial is true when the vault survived (recovery-mode trim).
	Partial bool
}

// ApplyLiquidation applies a liquidation at the given price under the given
// mode, including its settlement-queue effects. The same path serves the
// live engine and replay, so a replayed log reproduces the pending queues an
// external observer saw.
//
// In recovery mode, a vault whose CR still sits above its per-collateral
// liquidation ratio is only trimmed: just enough debt is repaid and just
// enough collateral seized to restore the vault to its recovery target CR.
// Below the liquidation ratio the vault is removed in full, in any mode:
// the liquidator receives the debt's collateral equivalent with bonus, and
// any surplus is queued back to the owner on a separate queue.
func (s *State) ApplyLiquidation(
	id types.VaultID,
	mode types.Mode,
	price math.Ratio,
	liquidator types.Principal,
	now uint64,
) (LiquidationOutcome, error) {
	vault, ok := s.Vaults[id]
	if !ok {
		return LiquidationOutcome{}, fmt.Errorf("liquidating unknown vault %d", id)
	}
	cfg := s.Config(vault.CollateralType)
	if cfg == nil {
		return LiquidationOutcome{}, fmt.Errorf("liquidating vault %d with unknown collateral %s", id, vault.CollateralType)
	}
	if !price.IsPositive() {
		return LiquidationOutcome{}, fmt.Errorf("liquidating vault %d without a price", id)
	}
	ct := s.ResolveCollateral(vault.CollateralType)

	value := math.CollateralValue(vault.CollateralAmount, price, cfg.Decimals)
	ratio := math.CollateralRatio(value, vault.Borrowed)
	if mode == types.Recovery && ratio.GT(cfg.LiquidationRatio) {
		repay := recoveryRepayAt(vault, cfg, price)
		if repay == 0 {
			return LiquidationOutcome{Partial: true}, nil
		}
		seized := math.MinUint64(
			vault.CollateralAmount,
			math.StabToCollateral(repay.Mul(cfg.LiquidationBonus), price, cfg.Decimals),
		)
		vault.Borrowed -= repay
		vault.CollateralAmount -= seized
		if liquidator != "" {
			s.PendingMarginTransfers[id] = types.PendingTransfer{
				Owner:          liquidator,
				Amount:         seized,
				CollateralType: ct,
				QueuedAt:       now,
			}
		}
		s.RefreshRatiosAndMode()
		return LiquidationOutcome{Repaid: repay, Seized: seized, Partial: true}, nil
	}

	debt := vault.Borrowed
	equivalent := math.StabToCollateral(debt, price, cfg.Decimals)
	withBonus := math.MinUint64(vault.CollateralAmount, math.MulUint64(equivalent, cfg.LiquidationBonus))
	excess := vault.CollateralAmount - withBonus

	delete(s.Vaults, id)
	s.unindexVault(vault)
	if liquidator != "" && withBonus > 0 {
		s.PendingMarginTransfers[id] = types.PendingTransfer{
			Owner:          liquidator,
			Amount:         withBonus,
			CollateralType: ct,
			QueuedAt:       now,
		}
	}
	if excess > 0 {
		s.PendingExcessTransfers[id] = types.PendingTransfer{
			Owner:          vault.Owner,
			Amount:         excess,
			CollateralType: ct,
			QueuedAt:       now,
		}
	}
	s.RefreshRatiosAndMode()
	return LiquidationOutcome{Repaid: debt, Seized: withBonus, Excess: excess}, nil
}

// ApplyPartialLiquidation reduces the vault's debt by the liquidator's
// payment and its collateral by the pre-computed seizure, queueing the
// seizure to the liquidator. Shared by the live engine and replay.
func (s *State) ApplyPartialLiquidation(
	id types.VaultID,
	payment math.STAB,
	seized uint64,
	liquidator types.Principal,
	now uint64,
) error {
	vault, ok := s.Vaults[id]
	if !ok {
		return fmt.Errorf("partially liquidating unknown vault %d", id)
	}
	if payment > vault.Borrowed {
		return fmt.Errorf("partial liquidation payment %d exceeds debt %d on vault %d", payment, vault.Borrowed, id)
	}
	if seized > vault.CollateralAmount {
		seized = vault.CollateralAmount
	}
	vault.Borrowed -= payment
	vault.CollateralAmount -= seized
	if liquidator != "" {
		s.PendingMarginTransfers[id] = types.PendingTransfer{
			Owner:          liquidator,
			Amount:         seized,
			CollateralType: s.ResolveCollateral(vault.CollateralType),
			QueuedAt:       now,
		}
	}
	s.RefreshRatiosAndMode()
	return nil
}

// ApplyRedemption burns the redeemed amount against the riskiest vaults and
// queues the redeemed collateral to the owner, keyed by the STAB ledger
// block of the redeemer's payment. Shared by the live engine and replay.
func (s *State) ApplyRedemption(
	owner types.Principal,
	amount math.STAB,
	rate math.Ratio,
	ct types.CollateralType,
	stabBlockIndex uint64,
	now uint64,
) error {
	resolved := s.ResolveCollateral(ct)
	cfg := s.Config(resolved)
	if cfg == nil {
		return fmt.Errorf("redeeming against unknown collateral %s", ct)
	}
	if err := s.redeemOnVaults(amount, resolved, rate, cfg.Decimals); err != nil {
		return err
	}
	s.PendingRedemptionTransfers[stabBlockIndex] = types.PendingTransfer{
		Owner:          owner,
		Amount:         math.StabToCollateral(amount, rate, cfg.Decimals),
		CollateralType: resolved,
		QueuedAt:       now,
	}
	return nil
}

// ApplyDustForgiveness writes off residual debt below the dust threshold
// ahead of a close.
func (s *State) ApplyDustForgiveness(id types.VaultID, amount math.STAB) error {
	if err := s.RepayToVault(id, amount); err != nil {
		return err
	}
	s.DustForgivenTotal += amount
	return nil
}

// recoveryRepayAt computes the debt repayment that restores the vault to
// its recovery target CR at the given price:
//
//	repay = min(D, (D·T − V) / (T − B))
//
// with D the debt, V the collateral USD value, T the target CR and B the
// liquidation bonus. Zero when the vault already sits at or above target.
func recoveryRepayAt(v *types.Vault, cfg *types.CollateralConfig, price math.Ratio) math.STAB {
	value := math.CollateralValue(v.CollateralAmount, price, cfg.Decimals)
	target := v.Borrowed.Mul(cfg.RecoveryTargetCR)
	if target <= value {
		return 0
	}
	deficit := target - value
	denominator := cfg.RecoveryTargetCR.Sub(cfg.LiquidationBonus)
	if !denominator.IsPositive() {
		return v.Borrowed
	}
	repay := math.STAB(deficit.Dec().Quo(denominator).TruncateInt().Uint64())
	return repay.Min(v.Borrowed)
}

// RecoveryRepayCap returns the repayment that would restore the vault to its
// recovery target, or zero when not applicable: outside recovery mode, or
// when the vault's CR lies outside (liquidation_ratio, borrow_threshold).
func (s *State) RecoveryRepayCap(v *types.Vault) math.STAB {
	if s.Mode != types.Recovery {
		return 0
	}
	cfg := s.Config(v.CollateralType)
	if cfg == nil || !cfg.HasPrice() {
		return 0
	}
	ratio := s.VaultCollateralRatio(v)
	if ratio.LTE(cfg.LiquidationRatio) || ratio.GTE(cfg.BorrowThresholdRatio) {
		return 0
	}
	return recoveryRepayAt(v, cfg, cfg.LastPrice)
}

// PartialLiquidationCap returns the maximum useful partial-liquidation
// payment: enough to restore the vault to its recovery target CR, or the
// full debt when the price is unknown or the vault is too deep under water.
func (s *State) PartialLiquidationCap(v *types.Vault) math.STAB {
	cfg := s.Config(v.CollateralType)
	if cfg == nil || !cfg.HasPrice() {
		return v.Borrowed
	}
	return recoveryRepayAt(v, cfg, cfg.LastPrice)
}

// redeemOnVaults burns the redeemed STAB against the riskiest vaults of the
// target collateral type: candidates sort ascending by CR at the redemption
// rate (ties by vault id) and are drained in order, each giving up debt and
// the proportional collateral at that rate.
//
// The caller must have verified that the redeemed amount does not exceed the
// collateral's total debt; running out of candidates mid-walk indicates a
// corrupted log and is returned as an error.
func (s *State) redeemOnVaults(amount math.STAB, resolved types.CollateralType, rate math.Ratio, decimals uint8) error {
	if !rate.IsPositive() {
		return fmt.Errorf("redeeming against %s without a price", resolved)
	}

	type candidate struct {
		ratio math.Ratio
		id    types.VaultID
	}
	candidates := make([]candidate, 0, len(s.ByCollateral[resolved]))
	for id := range s.ByCollateral[resolved] {
		vault, ok := s.Vaults[id]
		if !ok {
			continue
		}
		value := math.CollateralValue(vault.CollateralAmount, rate, decimals)
		candidates = append(candidates, candidate{ratio: math.CollateralRatio(value, vault.Borrowed), id: id})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ratio.Equal(candidates[j].ratio) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].ratio.LT(candidates[j].ratio)
	})

	remaining := amount
	for _, c := range candidates {
		if remaining == 0 {
			break
		}
		vault := s.Vaults[c.id]
		take := vault.Borrowed.Min(remaining)
		collateral := math.StabToCollateral(take, rate, decimals)
		if err := s.deductFromVault(c.id, collateral, take); err != nil {
			return err
		}
		remaining -= take
	}
	if remaining != 0 {
		return fmt.Errorf("redemption of %d exceeds total debt for %s by %d", amount, resolved, remaining)
	}
	s.RefreshRatiosAndMode()
	return nil
}

func (s *State) deductFromVault(id types.VaultID, collateral uint64, debt math.STAB) error {
	vault, ok := s.Vaults[id]
	if !ok {
		return fmt.Errorf("deducting from unknown vault %d", id)
	}
	if debt > vault.Borrowed {
		return fmt.Errorf("deducting %d exceeds debt %d on vault %d", debt, vault.Borrowed, id)
	}
	if collateral > vault.CollateralAmount {
		collateral = vault.CollateralAmount
	}
	vault.Borrowed -= debt
	vault.CollateralAmount -= collateral
	return nil
}

// RedistributeVault splits a doomed vault's debt and collateral across the
// remaining vaults of the same collateral type, proportional to their
// collateral amounts, then removes it. Rounding residue lands on the first
// recipient.
func (s *State) RedistributeVault(id types.VaultID) error {
	vault, ok := s.Vaults[id]
	if !ok {
		return fmt.Errorf("redistributing unknown vault %d", id)
	}
	entries, err := distributeAcrossVaults(s, vault)
	if err != nil {
		return err
	}
	for _, e := range entries {
		recipient := s.Vaults[e.vaultID]
		recipient.CollateralAmount += e.collateralShare
		recipient.Borrowed += e.debtShare
	}
	delete(s.Vaults, id)
	s.unindexVault(vault)
	s.RefreshRatiosAndMode()
	return nil
}

type distributeEntry struct {
	vaultID         types.VaultID
	collateralShare uint64
	debtShare       math.STAB
}

// distributeAcrossVaults computes each surviving vault's proportional share
// of the target vault's collateral and debt. Shares are proportional to the
// recipients' collateral amounts; iteration is in ascending vault id order
// so the residue recipient is deterministic.
func distributeAcrossVaults(s *State, target *types.Vault) ([]distributeEntry, error) {
	resolved := s.ResolveCollateral(target.CollateralType)

	ids := make([]types.VaultID, 0)
	var totalCollateral uint64
	for id := range s.ByCollateral[resolved] {
		if id == target.ID {
			continue
		}
		v, ok := s.Vaults[id]
		if !ok {
			continue
		}
		ids = append(ids, id)
		totalCollateral += v.CollateralAmount
	}
	if len(ids) == 0 || totalCollateral == 0 {
		return nil, fmt.Errorf("no vaults to absorb redistribution of vault %d", target.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries := make([]distributeEntry, 0, len(ids))
	var distributedCollateral uint64
	var distributedDebt math.STAB
	for _, id := range ids {
		v := s.Vaults[id]
		share := math.DecFromUint64(v.CollateralAmount).Quo(math.DecFromUint64(totalCollateral))
		collateralShare := math.MulUint64(target.CollateralAmount, share)
		debtShare := target.Borrowed.Mul(share)
		distributedCollateral += collateralShare
		distributedDebt += debtShare
		entries = append(entries, distributeEntry{
			vaultID:         id,
			collateralShare: collateralShare,
			debtShare:       debtShare,
		})
	}
	entries[0].collateralShare += target.CollateralAmount - distributedCollateral
	entries[0].debtShare += target.Borrowed - distributedDebt
	return entries, nil
}
