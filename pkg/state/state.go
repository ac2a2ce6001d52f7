// Package state holds the authoritative in-memory protocol state: vaults and
// their indexes, per-collateral configurations, the liquidity pool, pending
// settlement queues, guards, and the protocol mode. All mutators are pure
// with respect to the outside world (no ledger calls, no timers) so the
// replay engine can drive them deterministically.
package state

import (
	"fmt"
	"sort"

	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// State is the process-wide protocol state. Access goes through a Manager;
// helpers that only read take *State directly for testability.
type State struct {
	Vaults       map[types.VaultID]*types.Vault
	ByOwner      map[types.Principal]map[types.VaultID]struct{}
	ByCollateral map[types.CollateralType]map[types.VaultID]struct{}

	// PendingMarginTransfers holds collateral owed back after close and the
	// liquidator's share after liquidation, keyed by vault id.
	PendingMarginTransfers map[types.VaultID]types.PendingTransfer
	// PendingExcessTransfers holds surplus collateral owed to the original
	// owner after full liquidation. A separate queue: excess entries must
	// never collide with the liquidator's entry for the same vault.
	PendingExcessTransfers map[types.VaultID]types.PendingTransfer
	// PendingRedemptionTransfers holds collateral owed to redeemers, keyed
	// by the STAB ledger block index of their payment.
	PendingRedemptionTransfers map[uint64]types.PendingTransfer

	LiquidityPool    map[types.Principal]math.STAB
	LiquidityReturns map[types.Principal]uint64

	Mode                  types.Mode
	TotalCollateralRatio  math.Ratio
	RecoveryModeThreshold math.Ratio

	Configs map[types.CollateralType]*types.CollateralConfig

	NextVaultID       types.VaultID
	DustForgivenTotal math.STAB

	// Guards holds the per-principal re-entry guards.
	Guards map[types.Principal]GuardRecord
	// IsTimerRunning and IsFetchingRate are the singleton flags; they are
	// live-only and excluded from semantic equality.
	IsTimerRunning bool
	IsFetchingRate bool

	// Close-vault rate limiting scratch.
	CloseRequests       map[types.Principal][]uint64
	GlobalCloseRequests []uint64
	ConcurrentCloseOps  uint32

	OraclePrincipal       types.Principal
	StabLedgerPrincipal   types.Principal
	NativeLedgerPrincipal types.Principal
	DeveloperPrincipal    types.Principal
}

// New builds the initial state from an init config, seeding the native
// collateral's configuration with protocol defaults.
func New(cfg types.InitConfig) *State {
	fee := math.DecFromUint64(cfg.BorrowingFeeE8s).Quo(math.DecFromUint64(math.E8s))
	s := &State{
		Vaults:                     make(map[types.VaultID]*types.Vault),
		ByOwner:                    make(map[types.Principal]map[types.VaultID]struct{}),
		ByCollateral:               make(map[types.CollateralType]map[types.VaultID]struct{}),
		PendingMarginTransfers:     make(map[types.VaultID]types.PendingTransfer),
		PendingExcessTransfers:     make(map[types.VaultID]types.PendingTransfer),
		PendingRedemptionTransfers: make(map[uint64]types.PendingTransfer),
		LiquidityPool:              make(map[types.Principal]math.STAB),
		LiquidityReturns:           make(map[types.Principal]uint64),
		Mode:                       types.GeneralAvailability,
		TotalCollateralRatio:       math.RatioInfinity,
		RecoveryModeThreshold:      types.DefaultBorrowThresholdRatio,
		Configs:                    make(map[types.CollateralType]*types.CollateralConfig),
		NextVaultID:                1,
		Guards:                     make(map[types.Principal]GuardRecord),
		CloseRequests:              make(map[types.Principal][]uint64),
		OraclePrincipal:            cfg.OraclePrincipal,
		StabLedgerPrincipal:        cfg.StabLedgerPrincipal,
		NativeLedgerPrincipal:      cfg.NativeLedgerPrincipal,
		DeveloperPrincipal:         cfg.DeveloperPrincipal,
	}
	s.Configs[cfg.NativeLedgerPrincipal] = &types.CollateralConfig{
		Ledger:               cfg.NativeLedgerPrincipal,
		Decimals:             8,
		LedgerFee:            types.DefaultNativeLedgerFee,
		LiquidationRatio:     types.DefaultLiquidationRatio,
		BorrowThresholdRatio: types.DefaultBorrowThresholdRatio,
		LiquidationBonus:     types.DefaultLiquidationBonus,
		BorrowingFee:         fee,
		InterestRateAPR:      types.DefaultInterestRateAPR,
		RecoveryTargetCR:     types.DefaultRecoveryTargetCR,
		DebtCeiling:          types.NoDebtCeiling,
		MinVaultDebt:         types.DefaultMinVaultDebt,
		RedemptionFeeFloor:   types.DefaultRedemptionFeeFloor,
		RedemptionFeeCeiling: types.DefaultRedemptionFeeCeiling,
		CurrentBaseRate:      math.ZeroRatio(),
		PriceSource:          types.PriceSource{BaseAsset: "ICP", QuoteAsset: "USD"},
		LastPrice:            math.ZeroRatio(),
		Status:               types.StatusActive,
	}
	return s
}

// ResolveCollateral maps the historical anonymous identifier to the native
// collateral ledger.
func (s *State) ResolveCollateral(ct types.CollateralType) types.CollateralType {
	if ct.IsAnonymous() {
		return s.NativeLedgerPrincipal
	}
	return ct
}

// Config returns the collateral configuration, resolving the anonymous
// identifier; nil when unknown.
func (s *State) Config(ct types.CollateralType) *types.CollateralConfig {
	return s.Configs[s.ResolveCollateral(ct)]
}

// IncrementVaultID hands out the next vault id.
func (s *State) IncrementVaultID() types.VaultID {
	id := s.NextVaultID
	s.NextVaultID++
	return id
}

// OpenVault stores the vault and indexes it by owner and collateral type.
func (s *State) OpenVault(v types.Vault) {
	vault := v
	s.Vaults[vault.ID] = &vault
	owned, ok := s.ByOwner[vault.Owner]
	if !ok {
		owned = make(map[types.VaultID]struct{})
		s.ByOwner[vault.Owner] = owned
	}
	owned[vault.ID] = struct{}{}
	s.indexByCollateral(vault.CollateralType, vault.ID)
	s.RefreshRatiosAndMode()
}

// CloseVault removes the vault from all indexes and queues any remaining
// collateral back to the owner.
func (s *State) CloseVault(id types.VaultID, now uint64) error {
	vault, ok := s.Vaults[id]
	if !ok {
		return fmt.Errorf("closing unknown vault %d", id)
	}
	delete(s.Vaults, id)
	if vault.CollateralAmount > 0 {
		s.PendingMarginTransfers[id] = types.PendingTransfer{
			Owner:          vault.Owner,
			Amount:         vault.CollateralAmount,
			CollateralType: vault.CollateralType,
			QueuedAt:       now,
		}
	}
	s.unindexVault(vault)
	s.RefreshRatiosAndMode()
	return nil
}

// BorrowFromVault increases the vault's debt.
func (s *State) BorrowFromVault(id types.VaultID, amount math.STAB) error {
	vault, ok := s.Vaults[id]
	if !ok {
		return fmt.Errorf("borrowing from unknown vault %d", id)
	}
	vault.Borrowed += amount
	s.RefreshRatiosAndMode()
	return nil
}

// RepayToVault reduces the vault's debt.
func (s *State) RepayToVault(id types.VaultID, amount math.STAB) error {
	vault, ok := s.Vaults[id]
	if !ok {
		return fmt.Errorf("repaying to unknown vault %d", id)
	}
	if amount > vault.Borrowed {
		return fmt.Errorf("repaying %d exceeds debt %d on vault %d", amount, vault.Borrowed, id)
	}
	vault.Borrowed -= amount
	s.RefreshRatiosAndMode()
	return nil
}

// AddMarginToVault increases the vault's collateral.
func (s *State) AddMarginToVault(id types.VaultID, amount uint64) error {
	vault, ok := s.Vaults[id]
	if !ok {
		return fmt.Errorf("adding margin to unknown vault %d", id)
	}
	vault.CollateralAmount += amount
	s.RefreshRatiosAndMode()
	return nil
}

// SetVaultCollateral overwrites the vault's collateral amount. Used by the
// withdraw path, which zeroes collateral before the outbound transfer and
// restores it if the transfer fails.
func (s *State) SetVaultCollateral(id types.VaultID, amount uint64) error {
	vault, ok := s.Vaults[id]
	if !ok {
		return fmt.Errorf("setting collateral on unknown vault %d", id)
	}
	vault.CollateralAmount = amount
	s.RefreshRatiosAndMode()
	return nil
}

func (s *State) indexByCollateral(ct types.CollateralType, id types.VaultID) {
	resolved := s.ResolveCollateral(ct)
	set, ok := s.ByCollateral[resolved]
	if !ok {
		set = make(map[types.VaultID]struct{})
		s.ByCollateral[resolved] = set
	}
	set[id] = struct{}{}
}

func (s *State) unindexVault(v *types.Vault) {
	if owned, ok := s.ByOwner[v.Owner]; ok {
		delete(owned, v.ID)
		if len(owned) == 0 {
			delete(s.ByOwner, v.Owner)
		}
	}
	resolved := s.ResolveCollateral(v.CollateralType)
	if set, ok := s.ByCollateral[resolved]; ok {
		delete(set, v.ID)
		if len(set) == 0 {
			delete(s.ByCollateral, resolved)
		}
	}
}

// TotalBorrowed sums the outstanding debt across all vaults.
func (s *State) TotalBorrowed() math.STAB {
	var total math.STAB
	for _, v := range s.Vaults {
		total += v.Borrowed
	}
	return total
}

// TotalDebtFor sums the outstanding debt for one collateral type.
func (s *State) TotalDebtFor(ct types.CollateralType) math.STAB {
	var total math.STAB
	for id := range s.ByCollateral[s.ResolveCollateral(ct)] {
		if v, ok := s.Vaults[id]; ok {
			total += v.Borrowed
		}
	}
	return total
}

// TotalCollateralFor sums the raw locked amount for one collateral type.
func (s *State) TotalCollateralFor(ct types.CollateralType) uint64 {
	var total uint64
	for id := range s.ByCollateral[s.ResolveCollateral(ct)] {
		if v, ok := s.Vaults[id]; ok {
			total += v.CollateralAmount
		}
	}
	return total
}

// VaultCollateralRatio computes the vault's CR from the cached per-collateral
// price. Debt-free vaults report infinity; a missing price or config reports
// zero, the conservative direction; operations independently require a
// fresh price before acting.
func (s *State) VaultCollateralRatio(v *types.Vault) math.Ratio {
	if v.Borrowed == 0 {
		return math.RatioInfinity
	}
	cfg := s.Config(v.CollateralType)
	if cfg == nil || !cfg.HasPrice() {
		return math.ZeroRatio()
	}
	value := math.CollateralValue(v.CollateralAmount, cfg.LastPrice, cfg.Decimals)
	return math.CollateralRatio(value, v.Borrowed)
}

// ComputeTotalCollateralRatio sums USD value across every vault and divides
// by total debt. Vaults with no price or unknown config contribute zero
// value. Debt-free systems report infinity.
func (s *State) ComputeTotalCollateralRatio() math.Ratio {
	totalDebt := s.TotalBorrowed()
	if totalDebt == 0 {
		return math.RatioInfinity
	}
	var totalValue math.STAB
	for _, v := range s.Vaults {
		cfg := s.Config(v.CollateralType)
		if cfg == nil || !cfg.HasPrice() {
			continue
		}
		totalValue += math.CollateralValue(v.CollateralAmount, cfg.LastPrice, cfg.Decimals)
	}
	return math.CollateralRatio(totalValue, totalDebt)
}

// ComputeDynamicRecoveryThreshold computes the debt-weighted average of the
// per-collateral borrow threshold ratios. The convex combination guarantees
// the result never drops below the lowest individual threshold. Falls back
// to the default threshold when there is no debt.
func (s *State) ComputeDynamicRecoveryThreshold() math.Ratio {
	totalDebt := s.TotalBorrowed()
	if totalDebt == 0 {
		return types.DefaultBorrowThresholdRatio
	}
	totalDec := totalDebt.Dec()
	weighted := math.ZeroRatio()
	for ct, cfg := range s.Configs {
		debt := s.TotalDebtFor(ct)
		if debt == 0 {
			continue
		}
		weighted = weighted.Add(debt.Dec().Quo(totalDec).Mul(cfg.BorrowThresholdRatio))
	}
	if weighted.IsZero() {
		return types.DefaultBorrowThresholdRatio
	}
	return weighted
}

// RefreshRatiosAndMode recomputes the total collateral ratio, the dynamic
// recovery threshold, and the protocol mode. Called after every price update
// and after every debt- or collateral-changing mutation: mode correctness
// depends on the current books, not on the last price tick.
func (s *State) RefreshRatiosAndMode() {
	ratio := s.ComputeTotalCollateralRatio()
	threshold := s.ComputeDynamicRecoveryThreshold()
	s.TotalCollateralRatio = ratio
	s.RecoveryModeThreshold = threshold

	switch {
	case ratio.LT(math.OneRatio()):
		s.Mode = types.ReadOnly
	case ratio.LT(threshold):
		s.Mode = types.Recovery
	default:
		s.Mode = types.GeneralAvailability
	}
}

// SetPrice caches a fresh quote for the collateral and refreshes ratios and
// mode. Quotes not newer than the cached timestamp are ignored.
func (s *State) SetPrice(ct types.CollateralType, price math.Ratio, timestamp uint64) {
	cfg := s.Config(ct)
	if cfg == nil {
		return
	}
	if cfg.LastPriceTimestamp != 0 && timestamp != 0 && timestamp <= cfg.LastPriceTimestamp {
		return
	}
	cfg.LastPrice = price
	if timestamp != 0 {
		cfg.LastPriceTimestamp = timestamp
	}
	s.RefreshRatiosAndMode()
}

// MinLiquidationRatioFor returns the CR floor below which a vault of this
// collateral is liquidatable under the current mode. Recovery mode
// liquidates up to the borrow threshold.
func (s *State) MinLiquidationRatioFor(ct types.CollateralType) math.Ratio {
	cfg := s.Config(ct)
	if cfg == nil {
		return types.DefaultLiquidationRatio
	}
	if s.Mode == types.Recovery {
		return cfg.BorrowThresholdRatio
	}
	return cfg.LiquidationRatio
}

// BorrowingFeeFor returns the mint fee ratio. Recovery-mode borrows are
// free: new debt against fresh collateral raises the system ratio.
func (s *State) BorrowingFeeFor(ct types.CollateralType) math.Ratio {
	if s.Mode == types.Recovery {
		return math.ZeroRatio()
	}
	if cfg := s.Config(ct); cfg != nil {
		return cfg.BorrowingFee
	}
	return types.DefaultBorrowingFee
}

// Upgrade applies an upgrade payload: an optional mode override plus
// collateral registrations and config updates.
func (s *State) Upgrade(cfg types.UpgradeConfig) {
	if cfg.Mode != nil {
		s.Mode = *cfg.Mode
	}
	for i := range cfg.Configs {
		s.applyConfigUpdate(&cfg.Configs[i])
	}
}

func (s *State) applyConfigUpdate(u *types.ConfigUpdate) {
	if u.Register != nil {
		reg := *u.Register
		if reg.Ledger == "" {
			reg.Ledger = u.Ledger
		}
		if reg.CurrentBaseRate.IsNil() {
			reg.CurrentBaseRate = math.ZeroRatio()
		}
		if reg.LastPrice.IsNil() {
			reg.LastPrice = math.ZeroRatio()
		}
		s.Configs[reg.Ledger] = &reg
		return
	}
	cfg := s.Config(u.Ledger)
	if cfg == nil {
		return
	}
	if u.Status != nil {
		cfg.Status = *u.Status
	}
	if u.LiquidationRatio != nil {
		cfg.LiquidationRatio = *u.LiquidationRatio
	}
	if u.BorrowThresholdRatio != nil {
		cfg.BorrowThresholdRatio = *u.BorrowThresholdRatio
	}
	if u.LiquidationBonus != nil {
		cfg.LiquidationBonus = *u.LiquidationBonus
	}
	if u.BorrowingFee != nil {
		cfg.BorrowingFee = *u.BorrowingFee
	}
	if u.RecoveryTargetCR != nil {
		cfg.RecoveryTargetCR = *u.RecoveryTargetCR
	}
	if u.DebtCeiling != nil {
		cfg.DebtCeiling = *u.DebtCeiling
	}
	if u.MinVaultDebt != nil {
		cfg.MinVaultDebt = *u.MinVaultDebt
	}
	if u.LedgerFee != nil {
		cfg.LedgerFee = *u.LedgerFee
	}
	if u.RedemptionFeeFloor != nil {
		cfg.RedemptionFeeFloor = *u.RedemptionFeeFloor
	}
	if u.RedemptionFeeCeiling != nil {
		cfg.RedemptionFeeCeiling = *u.RedemptionFeeCeiling
	}
}

// SortedVaultIDs returns all vault ids in ascending order. Deterministic
// iteration for queries and tests.
func (s *State) SortedVaultIDs() []types.VaultID {
	ids := make([]types.VaultID, 0, len(s.Vaults))
	for id := range s.Vaults {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
