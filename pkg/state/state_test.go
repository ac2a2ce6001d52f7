package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

const (
	testOracle    = types.Principal("oracle")
	testStab      = types.Principal("stab-ledger")
	testNative    = types.Principal("native-ledger")
	testDeveloper = types.Principal("developer")
	testOwner     = types.Principal("alice")
)

func newTestState(t *testing.T) *State {
	t.Helper()
	return New(types.InitConfig{
		OraclePrincipal:       testOracle,
		StabLedgerPrincipal:   testStab,
		NativeLedgerPrincipal: testNative,
		DeveloperPrincipal:    testDeveloper,
		BorrowingFeeE8s:       500_000, // 0.005
	})
}

func TestDistributeAcrossVaults(t *testing.T) {
	s := newTestState(t)
	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 500_000, Borrowed: 300_000})
	s.OpenVault(types.Vault{ID: 2, Owner: testOwner, CollateralType: testNative, CollateralAmount: 300_000, Borrowed: 200_000})
	s.OpenVault(types.Vault{ID: 3, Owner: testOwner, CollateralType: testNative, CollateralAmount: 700_000, Borrowed: 400_000})

	require.NoError(t, s.RedistributeVault(3))

	_, exists := s.Vaults[3]
	require.False(t, exists, "redistributed vault must be removed")

	assert.Equal(t, uint64(500_000+437_500), s.Vaults[1].CollateralAmount)
	assert.Equal(t, math.STAB(300_000+250_000), s.Vaults[1].Borrowed)
	assert.Equal(t, uint64(300_000+262_500), s.Vaults[2].CollateralAmount)
	assert.Equal(t, math.STAB(200_000+150_000), s.Vaults[2].Borrowed)

	require.NoError(t, s.CheckInvariants())
}

func TestPartialRepayReducesDebt(t *testing.T) {
	s := newTestState(t)
	s.OpenVault(types.Vault{
		ID:               1,
		Owner:            testOwner,
		CollateralType:   testNative,
		CollateralAmount: 1_000_000,
		Borrowed:         200_000_000,
	})

	require.NoError(t, s.RepayToVault(1, 1_000_000))
	assert.Equal(t, math.STAB(199_000_000), s.Vaults[1].Borrowed)

	require.Error(t, s.RepayToVault(1, 1_000_000_000), "over-repay must fail")
}

func TestRecoveryModeTargetedLiquidation(t *testing.T) {
	s := newTestState(t)
	s.SetPrice(testNative, math.MustRatio("5"), 1)

	// 2.8 native at $5 against 10 STAB: CR = 1.4, between the 1.33
	// liquidation floor and the 1.5 recovery threshold.
	s.OpenVault(types.Vault{
		ID:               42,
		Owner:            testOwner,
		CollateralType:   testNative,
		CollateralAmount: 280_000_000,
		Borrowed:         1_000_000_000,
	})
	require.Equal(t, types.Recovery, s.Mode, "total CR 1.4 must put the protocol in recovery")

	before := s.VaultCollateralRatio(s.Vaults[42])
	require.True(t, before.GT(math.MustRatio("1.33")) && before.LT(math.MustRatio("1.5")),
		"CR before should be between 1.33 and 1.5, got %s", before)

	outcome, err := s.ApplyLiquidation(42, types.Recovery, math.MustRatio("5"), "liquidator", 2)
	require.NoError(t, err)
	require.True(t, outcome.Partial)

	vault, exists := s.Vaults[42]
	require.True(t, exists, "vault must survive a targeted liquidation")
	require.NotZero(t, vault.Borrowed, "debt must not be zero after a targeted liquidation")

	after := s.VaultCollateralRatio(vault)
	assert.True(t, after.GT(math.MustRatio("1.54")) && after.LT(math.MustRatio("1.56")),
		"CR after should be approximately 1.55, got %s", after)

	transfer, queued := s.PendingMarginTransfers[42]
	require.True(t, queued, "seized collateral must be queued to the liquidator")
	assert.Equal(t, types.Principal("liquidator"), transfer.Owner)
	assert.Equal(t, outcome.Seized, transfer.Amount)
}

func TestFullLiquidationRemovesVaultAndQueuesExcess(t *testing.T) {
	s := newTestState(t)
	s.SetPrice(testNative, math.MustRatio("5"), 1)

	// 2.5 native at $5 against 10 STAB: CR 1.25, below the 1.33 floor.
	s.OpenVault(types.Vault{
		ID:               7,
		Owner:            testOwner,
		CollateralType:   testNative,
		CollateralAmount: 250_000_000,
		Borrowed:         1_000_000_000,
	})
	totalBefore := s.TotalBorrowed()

	outcome, err := s.ApplyLiquidation(7, types.GeneralAvailability, math.MustRatio("5"), "liquidator", 2)
	require.NoError(t, err)
	require.False(t, outcome.Partial)

	_, exists := s.Vaults[7]
	require.False(t, exists)
	assert.Equal(t, totalBefore-1_000_000_000, s.TotalBorrowed(),
		"total debt must decrease by exactly the vault's debt")

	// debt equivalent = 10/5 = 2 native; with 1.15 bonus = 2.3; excess 0.2.
	liquidatorShare := s.PendingMarginTransfers[7]
	assert.Equal(t, uint64(230_000_000), liquidatorShare.Amount)
	assert.Equal(t, types.Principal("liquidator"), liquidatorShare.Owner)

	excess := s.PendingExcessTransfers[7]
	assert.Equal(t, uint64(20_000_000), excess.Amount)
	assert.Equal(t, testOwner, excess.Owner)

	require.NoError(t, s.CheckInvariants())
}

func TestModeTransitions(t *testing.T) {
	s := newTestState(t)
	s.SetPrice(testNative, math.MustRatio("5"), 1)

	// CR 2.0: general availability.
	s.OpenVault(types.Vault{
		ID:               1,
		Owner:            testOwner,
		CollateralType:   testNative,
		CollateralAmount: 400_000_000,
		Borrowed:         1_000_000_000,
	})
	assert.Equal(t, types.GeneralAvailability, s.Mode)

	// Price drop to $3.5: CR 1.4, recovery.
	s.SetPrice(testNative, math.MustRatio("3.5"), 2)
	assert.Equal(t, types.Recovery, s.Mode)

	// Price crash to $2: CR 0.8, read-only.
	s.SetPrice(testNative, math.MustRatio("2"), 3)
	assert.Equal(t, types.ReadOnly, s.Mode)

	// Recovery of the price restores general availability.
	s.SetPrice(testNative, math.MustRatio("6"), 4)
	assert.Equal(t, types.GeneralAvailability, s.Mode)
}

func TestModeRefreshesOnDebtChange(t *testing.T) {
	s := newTestState(t)
	s.SetPrice(testNative, math.MustRatio("5"), 1)

	s.OpenVault(types.Vault{
		ID:               1,
		Owner:            testOwner,
		CollateralType:   testNative,
		CollateralAmount: 400_000_000,
		Borrowed:         1_000_000_000,
	})
	require.Equal(t, types.GeneralAvailability, s.Mode)

	// Borrowing more without a price tick must still flip the mode.
	require.NoError(t, s.BorrowFromVault(1, 400_000_000))
	assert.Equal(t, types.Recovery, s.Mode)

	require.NoError(t, s.RepayToVault(1, 400_000_000))
	assert.Equal(t, types.GeneralAvailability, s.Mode)
}

func TestRecoveryThresholdLowerBound(t *testing.T) {
	s := newTestState(t)
	s.SetPrice(testNative, math.MustRatio("5"), 1)

	second := types.Principal("second-ledger")
	threshold := math.MustRatio("1.8")
	s.Upgrade(types.UpgradeConfig{Configs: []types.ConfigUpdate{{
		Ledger: second,
		Register: &types.CollateralConfig{
			Ledger:               second,
			Decimals:             8,
			LedgerFee:            10_000,
			LiquidationRatio:     math.MustRatio("1.6"),
			BorrowThresholdRatio: threshold,
			LiquidationBonus:     types.DefaultLiquidationBonus,
			BorrowingFee:         types.DefaultBorrowingFee,
			InterestRateAPR:      types.DefaultInterestRateAPR,
			RecoveryTargetCR:     math.MustRatio("1.85"),
			DebtCeiling:          types.NoDebtCeiling,
			MinVaultDebt:         types.DefaultMinVaultDebt,
			RedemptionFeeFloor:   types.DefaultRedemptionFeeFloor,
			RedemptionFeeCeiling: types.DefaultRedemptionFeeCeiling,
			CurrentBaseRate:      math.ZeroRatio(),
			LastPrice:            math.ZeroRatio(),
			Status:               types.StatusActive,
		},
	}}})
	s.SetPrice(second, math.MustRatio("10"), 1)

	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 400_000_000, Borrowed: 600_000_000})
	s.OpenVault(types.Vault{ID: 2, Owner: testOwner, CollateralType: second, CollateralAmount: 400_000_000, Borrowed: 400_000_000})

	got := s.ComputeDynamicRecoveryThreshold()
	minThreshold := types.DefaultBorrowThresholdRatio
	assert.True(t, got.GTE(minThreshold), "threshold %s below minimum %s", got, minThreshold)
	assert.True(t, got.LTE(threshold), "threshold %s above maximum %s", got, threshold)

	// Debt-weighted: 0.6·1.5 + 0.4·1.8 = 1.62.
	assert.Equal(t, math.MustRatio("1.62"), got)
}

func TestRedeemOnVaultsDrainsRiskiestFirst(t *testing.T) {
	s := newTestState(t)
	s.SetPrice(testNative, math.MustRatio("5"), 1)

	// Vault 1 CR 2.0, vault 2 CR 1.5: vault 2 is redeemed first.
	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 400_000_000, Borrowed: 1_000_000_000})
	s.OpenVault(types.Vault{ID: 2, Owner: testOwner, CollateralType: testNative, CollateralAmount: 300_000_000, Borrowed: 1_000_000_000})

	debtBefore := s.TotalBorrowed()
	redeemed := math.STAB(1_200_000_000)
	require.NoError(t, s.ApplyRedemption(testOwner, redeemed, math.MustRatio("5"), testNative, 99, 2))

	// Debt conservation: total debt drops by exactly the redeemed amount.
	assert.Equal(t, debtBefore-redeemed, s.TotalBorrowed())

	// Vault 2 fully drained, vault 1 pays the remainder.
	assert.Equal(t, math.STAB(0), s.Vaults[2].Borrowed)
	assert.Equal(t, math.STAB(800_000_000), s.Vaults[1].Borrowed)

	// Redeemed collateral is queued to the redeemer under the block index.
	transfer, queued := s.PendingRedemptionTransfers[99]
	require.True(t, queued)
	assert.Equal(t, testOwner, transfer.Owner)
	// 12 STAB at $5 = 2.4 native.
	assert.Equal(t, uint64(240_000_000), transfer.Amount)
}

func TestRedeemOnVaultsRefusesOversize(t *testing.T) {
	s := newTestState(t)
	s.SetPrice(testNative, math.MustRatio("5"), 1)
	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 400_000_000, Borrowed: 1_000_000_000})

	err := s.ApplyRedemption(testOwner, 2_000_000_000, math.MustRatio("5"), testNative, 100, 2)
	require.Error(t, err)
}

func TestDustForgiveness(t *testing.T) {
	s := newTestState(t)
	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 0, Borrowed: 90})

	require.NoError(t, s.ApplyDustForgiveness(1, 90))
	assert.Equal(t, math.STAB(90), s.DustForgivenTotal)
	assert.Equal(t, math.STAB(0), s.Vaults[1].Borrowed)

	// Monotonically non-decreasing.
	s.OpenVault(types.Vault{ID: 2, Owner: testOwner, CollateralType: testNative, CollateralAmount: 0, Borrowed: 10})
	require.NoError(t, s.ApplyDustForgiveness(2, 10))
	assert.Equal(t, math.STAB(100), s.DustForgivenTotal)
}

func TestCloseVaultQueuesRemainingCollateral(t *testing.T) {
	s := newTestState(t)
	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 500_000, Borrowed: 0})

	require.NoError(t, s.CloseVault(1, 10))
	transfer, queued := s.PendingMarginTransfers[1]
	require.True(t, queued)
	assert.Equal(t, uint64(500_000), transfer.Amount)
	assert.Equal(t, testOwner, transfer.Owner)
	require.NoError(t, s.CheckInvariants())
}

func TestAnonymousCollateralResolvesToNative(t *testing.T) {
	s := newTestState(t)
	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: types.Anonymous, CollateralAmount: 500_000, Borrowed: 0})

	require.NotNil(t, s.Config(types.Anonymous))
	assert.Equal(t, testNative, s.Config(types.Anonymous).Ledger)

	_, indexed := s.ByCollateral[testNative][1]
	assert.True(t, indexed, "anonymous collateral must index under the native ledger")
	require.NoError(t, s.CheckInvariants())
}

func TestInvariantsDetectBrokenIndex(t *testing.T) {
	s := newTestState(t)
	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 500_000, Borrowed: 0})

	delete(s.Vaults, 1)
	require.Error(t, s.CheckInvariants())
}
