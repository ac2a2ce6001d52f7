package state

import (
	"fmt"
	"reflect"
)

// CheckInvariants verifies internal consistency: every vault id in the owner
// and collateral indexes resolves to a live vault and vice versa, and the
// liquidity pool holds no zero entries. Violations found here (outside user
// input paths) indicate a corrupted log and abort restart.
func (s *State) CheckInvariants() error {
	indexed := 0
	for owner, ids := range s.ByOwner {
		for id := range ids {
			indexed++
			if _, ok := s.Vaults[id]; !ok {
				return fmt.Errorf("owner index for %s references unknown vault %d", owner, id)
			}
		}
	}
	if indexed != len(s.Vaults) {
		return fmt.Errorf("owner index holds %d vault ids, state holds %d vaults", indexed, len(s.Vaults))
	}

	indexed = 0
	for ct, ids := range s.ByCollateral {
		for id := range ids {
			indexed++
			vault, ok := s.Vaults[id]
			if !ok {
				return fmt.Errorf("collateral index for %s references unknown vault %d", ct, id)
			}
			if s.ResolveCollateral(vault.CollateralType) != ct {
				return fmt.Errorf("vault %d indexed under %s but holds %s", id, ct, vault.CollateralType)
			}
		}
	}
	if indexed != len(s.Vaults) {
		return fmt.Errorf("collateral index holds %d vault ids, state holds %d vaults", indexed, len(s.Vaults))
	}

	for id, vault := range s.Vaults {
		if _, ok := s.ByOwner[vault.Owner][id]; !ok {
			return fmt.Errorf("vault %d missing from owner index of %s", id, vault.Owner)
		}
		if _, ok := s.ByCollateral[s.ResolveCollateral(vault.CollateralType)][id]; !ok {
			return fmt.Errorf("vault %d missing from collateral index", id)
		}
	}

	for principal, amount := range s.LiquidityPool {
		if amount == 0 {
			return fmt.Errorf("zero liquidity entry for principal %s", principal)
		}
	}
	return nil
}

// CheckSemanticallyEq compares two states for replay equivalence, ignoring
// the live-only singleton flags and transient scratch (guards, rate-limit
// timestamps).
func (s *State) CheckSemanticallyEq(other *State) error {
	if !reflect.DeepEqual(s.Vaults, other.Vaults) {
		return fmt.Errorf("vaults do not match")
	}
	if !reflect.DeepEqual(s.ByOwner, other.ByOwner) {
		return fmt.Errorf("owner indexes do not match")
	}
	if !reflect.DeepEqual(s.ByCollateral, other.ByCollateral) {
		return fmt.Errorf("collateral indexes do not match")
	}
	if !reflect.DeepEqual(s.PendingMarginTransfers, other.PendingMarginTransfers) {
		return fmt.Errorf("pending margin transfers do not match")
	}
	if !reflect.DeepEqual(s.PendingExcessTransfers, other.PendingExcessTransfers) {
		return fmt.Errorf("pending excess transfers do not match")
	}
	if !reflect.DeepEqual(s.PendingRedemptionTransfers, other.PendingRedemptionTransfers) {
		return fmt.Errorf("pending redemption transfers do not match")
	}
	if !reflect.DeepEqual(s.LiquidityPool, other.LiquidityPool) {
		return fmt.Errorf("liquidity pools do not match")
	}
	if !reflect.DeepEqual(s.LiquidityReturns, other.LiquidityReturns) {
		return fmt.Errorf("liquidity returns do not match")
	}
	if s.NextVaultID != other.NextVaultID {
		return fmt.Errorf("next vault id %d != %d", s.NextVaultID, other.NextVaultID)
	}
	if s.DustForgivenTotal != other.DustForgivenTotal {
		return fmt.Errorf("dust forgiven totals do not match")
	}
	if s.OraclePrincipal != other.OraclePrincipal ||
		s.StabLedgerPrincipal != other.StabLedgerPrincipal ||
		s.NativeLedgerPrincipal != other.NativeLedgerPrincipal ||
		s.DeveloperPrincipal != other.DeveloperPrincipal {
		return fmt.Errorf("external references do not match")
	}
	return nil
}
