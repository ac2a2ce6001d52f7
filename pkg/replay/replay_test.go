package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

const (
	testNative    = types.Principal("native-ledger")
	testOwner     = types.Principal("alice")
	testDeveloper = types.Principal("developer")
)

func initConfig() types.InitConfig {
	return types.InitConfig{
		OraclePrincipal:       "oracle",
		StabLedgerPrincipal:   "stab-ledger",
		NativeLedgerPrincipal: testNative,
		DeveloperPrincipal:    testDeveloper,
		BorrowingFeeE8s:       500_000,
	}
}

func initEvent() event.Event {
	cfg := initConfig()
	return event.Event{Type: event.TypeInit, Timestamp: 1, Init: &cfg}
}

func block(i uint64) *uint64 { return &i }

func TestReplayEmptyLog(t *testing.T) {
	_, err := Replay(nil)
	require.ErrorIs(t, err, ErrEmptyLog)
}

func TestReplayFirstEventMustBeInit(t *testing.T) {
	_, err := Replay([]event.Event{{Type: event.TypeOpenVault}})
	require.ErrorIs(t, err, ErrInconsistentLog)
}

func TestReplayRejectsSecondInit(t *testing.T) {
	_, err := Replay([]event.Event{initEvent(), initEvent()})
	require.ErrorIs(t, err, ErrInconsistentLog)
}

func TestReplayBasicLifecycle(t *testing.T) {
	vault := types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 500_000_000}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeOpenVault, Timestamp: 2, Vault: &vault, BlockIndex: block(1)},
		{Type: event.TypeBorrowFromVault, Timestamp: 3, VaultID: 1, StabAmount: 100_000_000, FeeAmount: 500_000, BlockIndex: block(2)},
		{Type: event.TypeRepayToVault, Timestamp: 4, VaultID: 1, StabAmount: 40_000_000, BlockIndex: block(3)},
		{Type: event.TypeAddMarginToVault, Timestamp: 5, VaultID: 1, Amount: 100_000_000, BlockIndex: block(4)},
	}

	s, err := Replay(events)
	require.NoError(t, err)

	v := s.Vaults[1]
	require.NotNil(t, v)
	assert.Equal(t, math.STAB(60_000_000), v.Borrowed)
	assert.Equal(t, uint64(600_000_000), v.CollateralAmount)
	assert.Equal(t, types.VaultID(2), s.NextVaultID)

	// The borrow fee lands in the developer's pool position.
	assert.Equal(t, math.STAB(500_000), s.LiquidityPool[testDeveloper])
	require.NoError(t, s.CheckInvariants())
}

func TestReplayWithdrawAndCloseZeroesThenCloses(t *testing.T) {
	vault := types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 500_000_000}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeOpenVault, Timestamp: 2, Vault: &vault, BlockIndex: block(1)},
		{Type: event.TypeCollateralWithdrawn, Timestamp: 3, VaultID: 1, Amount: 500_000_000, BlockIndex: block(2)},
		{Type: event.TypeWithdrawAndCloseVault, Timestamp: 4, VaultID: 1, Amount: 500_000_000, BlockIndex: block(2)},
	}

	s, err := Replay(events)
	require.NoError(t, err)
	assert.Empty(t, s.Vaults)
	// The collateral was withdrawn before the close: nothing is queued.
	assert.Empty(t, s.PendingMarginTransfers)
}

func TestReplayLegacyCloseEvent(t *testing.T) {
	vault := types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 0}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeOpenVault, Timestamp: 2, Vault: &vault, BlockIndex: block(1)},
		{Type: event.TypeVaultWithdrawnAndClosed, Timestamp: 3, VaultID: 1, Caller: testOwner},
	}

	s, err := Replay(events)
	require.NoError(t, err)
	assert.Empty(t, s.Vaults)
}

func TestReplayDustForgiveness(t *testing.T) {
	vault := types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 500_000_000}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeOpenVault, Timestamp: 2, Vault: &vault, BlockIndex: block(1)},
		{Type: event.TypeBorrowFromVault, Timestamp: 3, VaultID: 1, StabAmount: 90, BlockIndex: block(2)},
		{Type: event.TypeDustForgiven, Timestamp: 4, VaultID: 1, StabAmount: 90},
		{Type: event.TypeCollateralWithdrawn, Timestamp: 5, VaultID: 1, Amount: 500_000_000, BlockIndex: block(3)},
		{Type: event.TypeCloseVault, Timestamp: 6, VaultID: 1},
	}

	s, err := Replay(events)
	require.NoError(t, err)
	assert.Equal(t, math.STAB(90), s.DustForgivenTotal)
	assert.Empty(t, s.Vaults)
}

func TestReplayLiquidationReconstructsPendingQueues(t *testing.T) {
	rate := math.MustRatio("5")
	mode := types.GeneralAvailability
	vault := types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 250_000_000}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeOpenVault, Timestamp: 2, Vault: &vault, BlockIndex: block(1)},
		{Type: event.TypeBorrowFromVault, Timestamp: 3, VaultID: 1, StabAmount: 1_000_000_000, BlockIndex: block(2)},
		{Type: event.TypeLiquidateVault, Timestamp: 4, VaultID: 1, Mode: &mode, Rate: &rate, Liquidator: "liquidator"},
	}

	s, err := Replay(events)
	require.NoError(t, err)
	assert.Empty(t, s.Vaults)
	assert.Equal(t, uint64(230_000_000), s.PendingMarginTransfers[1].Amount)
	assert.Equal(t, uint64(20_000_000), s.PendingExcessTransfers[1].Amount)

	// Settlement markers drain the queues, excess separately from margin.
	events = append(events,
		event.Event{Type: event.TypeMarginTransfer, Timestamp: 5, VaultID: 1, BlockIndex: block(3)},
	)
	s, err = Replay(events)
	require.NoError(t, err)
	assert.Empty(t, s.PendingMarginTransfers)
	assert.Len(t, s.PendingExcessTransfers, 1)

	events = append(events,
		event.Event{Type: event.TypeMarginTransfer, Timestamp: 6, VaultID: 1, BlockIndex: block(4), Excess: true},
	)
	s, err = Replay(events)
	require.NoError(t, err)
	assert.Empty(t, s.PendingExcessTransfers)
}

func TestReplayRedemptionConservesDebt(t *testing.T) {
	rate := math.MustRatio("5")
	feeRate := math.MustRatio("0.005")
	vault1 := types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 400_000_000}
	vault2 := types.Vault{ID: 2, Owner: testOwner, CollateralType: testNative, CollateralAmount: 300_000_000}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeOpenVault, Timestamp: 2, Vault: &vault1, BlockIndex: block(1)},
		{Type: event.TypeOpenVault, Timestamp: 3, Vault: &vault2, BlockIndex: block(2)},
		{Type: event.TypeBorrowFromVault, Timestamp: 4, VaultID: 1, StabAmount: 1_000_000_000, BlockIndex: block(3)},
		{Type: event.TypeBorrowFromVault, Timestamp: 5, VaultID: 2, StabAmount: 1_000_000_000, BlockIndex: block(4)},
		{
			Type:           event.TypeRedemptionOnVaults,
			Timestamp:      6,
			Owner:          testOwner,
			CollateralType: testNative,
			StabAmount:     1_200_000_000,
			FeeAmount:      6_000_000,
			Rate:           &rate,
			BaseRate:       &feeRate,
			StabBlockIndex: 42,
		},
	}

	s, err := Replay(events)
	require.NoError(t, err)

	// Debt conservation: Σ Δdebt = redeemed amount.
	assert.Equal(t, math.STAB(800_000_000), s.TotalBorrowed())
	assert.Equal(t, feeRate, s.Config(testNative).CurrentBaseRate)
	assert.Equal(t, uint64(6), s.Config(testNative).LastRedemptionTime)
	assert.Equal(t, math.STAB(6_000_000), s.LiquidityPool[testDeveloper])

	transfer := s.PendingRedemptionTransfers[42]
	assert.Equal(t, uint64(240_000_000), transfer.Amount)
}

// TestReplayIdempotence drives a live-shaped sequence through the state
// mutators, then checks replaying the same events reproduces the state.
func TestReplayIdempotence(t *testing.T) {
	rate := math.MustRatio("5")
	feeRate := math.MustRatio("0.005")
	mode := types.GeneralAvailability
	vault1 := types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 400_000_000}
	vault2 := types.Vault{ID: 2, Owner: "bob", CollateralType: testNative, CollateralAmount: 250_000_000}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeOpenVault, Timestamp: 2, Vault: &vault1, BlockIndex: block(1)},
		{Type: event.TypeOpenVault, Timestamp: 3, Vault: &vault2, BlockIndex: block(2)},
		{Type: event.TypeBorrowFromVault, Timestamp: 4, VaultID: 1, StabAmount: 500_000_000, FeeAmount: 2_500_000, BlockIndex: block(3)},
		{Type: event.TypeBorrowFromVault, Timestamp: 5, VaultID: 2, StabAmount: 1_000_000_000, BlockIndex: block(4)},
		{Type: event.TypeProvideLiquidity, Timestamp: 6, Caller: "lp", StabAmount: 2_000_000_000, BlockIndex: block(5)},
		{Type: event.TypeLiquidateVault, Timestamp: 7, VaultID: 2, Mode: &mode, Rate: &rate, Liquidator: "liquidator"},
		{Type: event.TypeMarginTransfer, Timestamp: 8, VaultID: 2, BlockIndex: block(6)},
		{
			Type:           event.TypeRedemptionOnVaults,
			Timestamp:      9,
			Owner:          "redeemer",
			CollateralType: testNative,
			StabAmount:     100_000_000,
			FeeAmount:      500_000,
			Rate:           &rate,
			BaseRate:       &feeRate,
			StabBlockIndex: 7,
		},
		{Type: event.TypeRedemptionTransferred, Timestamp: 10, StabBlockIndex: 7, CollateralBlockIndex: 8},
		{Type: event.TypeWithdrawLiquidity, Timestamp: 11, Caller: "lp", StabAmount: 1_000_000_000, BlockIndex: block(9)},
	}

	first, err := Replay(events)
	require.NoError(t, err)
	second, err := Replay(events)
	require.NoError(t, err)

	require.NoError(t, first.CheckSemanticallyEq(second))
	require.NoError(t, first.CheckInvariants())
}

func TestReplayUpgradeAppliesConfigChanges(t *testing.T) {
	newMode := types.ReadOnly
	paused := types.StatusPaused
	upgrade := types.UpgradeConfig{
		Mode: &newMode,
		Configs: []types.ConfigUpdate{{
			Ledger: testNative,
			Status: &paused,
		}},
	}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeUpgrade, Timestamp: 2, Upgrade: &upgrade},
	}

	s, err := Replay(events)
	require.NoError(t, err)
	assert.Equal(t, types.ReadOnly, s.Mode)
	assert.Equal(t, types.StatusPaused, s.Config(testNative).Status)
}

func TestReplayNextVaultIDSurvivesCloses(t *testing.T) {
	vault1 := types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 0}
	vault2 := types.Vault{ID: 2, Owner: testOwner, CollateralType: testNative, CollateralAmount: 0}
	events := []event.Event{
		initEvent(),
		{Type: event.TypeOpenVault, Timestamp: 2, Vault: &vault1, BlockIndex: block(1)},
		{Type: event.TypeCloseVault, Timestamp: 3, VaultID: 1},
		{Type: event.TypeOpenVault, Timestamp: 4, Vault: &vault2, BlockIndex: block(2)},
	}

	s, err := Replay(events)
	require.NoError(t, err)
	assert.Equal(t, types.VaultID(3), s.NextVaultID, "closed vault ids must never be reissued")
}
