package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

func TestComputeRedemptionFee(t *testing.T) {
	floor := math.MustRatio("0.005")
	ceiling := math.MustRatio("0.05")

	testCases := []struct {
		name         string
		elapsedHours uint64
		redeemed     math.STAB
		totalDebt    math.STAB
		baseRate     string
		expected     string
	}{
		{
			name:         "pressure term pushes past the ceiling",
			elapsedHours: 0,
			redeemed:     1_000_000_000,
			totalDebt:    10_000_000_000,
			baseRate:     "0.005",
			// 0.005 + 0.1 * 0.5 = 0.055, clamped to 0.05.
			expected: "0.05",
		},
		{
			name:         "small redemption sits at the floor",
			elapsedHours: 0,
			redeemed:     10_000_000,
			totalDebt:    100_000_000_000,
			baseRate:     "0",
			expected:     "0.005",
		},
		{
			name:         "decayed base rate plus pressure",
			elapsedHours: 1,
			redeemed:     200_000_000,
			totalDebt:    10_000_000_000,
			baseRate:     "0.02",
			// 0.02 * 0.94 + 0.02 * 0.5 = 0.0188 + 0.01 = 0.0288.
			expected: "0.0288",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeRedemptionFee(
				tc.elapsedHours,
				tc.redeemed,
				tc.totalDebt,
				math.MustRatio(tc.baseRate),
				floor,
				ceiling,
			)
			assert.Equal(t, math.MustRatio(tc.expected), got)
		})
	}
}

func TestRedemptionFeeZeroDebt(t *testing.T) {
	got := ComputeRedemptionFee(0, 1_000_000, 0, math.MustRatio("0.02"),
		math.MustRatio("0.005"), math.MustRatio("0.05"))
	assert.True(t, got.IsZero())
}

// TestRedemptionFeeClampProperty checks the fee stays inside
// [floor, ceiling] for non-zero debt across a grid of inputs.
func TestRedemptionFeeClampProperty(t *testing.T) {
	floor := math.MustRatio("0.005")
	ceiling := math.MustRatio("0.05")
	for _, hours := range []uint64{0, 1, 7, 24, 24 * 30} {
		for _, redeemed := range []math.STAB{10_000_000, 1_000_000_000, 9_999_999_999} {
			for _, base := range []string{"0", "0.005", "0.05"} {
				got := ComputeRedemptionFee(hours, redeemed, 10_000_000_000, math.MustRatio(base), floor, ceiling)
				require.True(t, got.GTE(floor), "fee %s below floor (hours=%d redeemed=%d base=%s)", got, hours, redeemed, base)
				require.True(t, got.LTE(ceiling), "fee %s above ceiling (hours=%d redeemed=%d base=%s)", got, hours, redeemed, base)
			}
		}
	}
}

func TestRedemptionFeeDecaysOverTime(t *testing.T) {
	s := newTestState(t)
	s.SetPrice(testNative, math.MustRatio("5"), 1)
	s.OpenVault(types.Vault{ID: 1, Owner: testOwner, CollateralType: testNative, CollateralAmount: 10_000_000_000, Borrowed: 10_000_000_000})

	cfg := s.Config(testNative)
	cfg.CurrentBaseRate = math.MustRatio("0.04")
	cfg.LastRedemptionTime = 0

	small := math.STAB(10_000_000)
	immediately := s.RedemptionFeeFor(testNative, small, 0)
	later := s.RedemptionFeeFor(testNative, small, 10*3600*types.SecNanos)
	assert.True(t, later.LT(immediately), "fee must decay: %s !< %s", later, immediately)
}

func TestLiquidityPoolAccounting(t *testing.T) {
	s := newTestState(t)

	s.ProvideLiquidity(1_000_000_000, testOwner)
	s.ProvideLiquidity(500_000_000, testDeveloper)
	assert.Equal(t, math.STAB(1_500_000_000), s.TotalProvidedLiquidity())

	require.NoError(t, s.WithdrawLiquidity(1_000_000_000, testOwner))
	_, exists := s.LiquidityPool[testOwner]
	assert.False(t, exists, "empty positions are dropped")

	require.Error(t, s.WithdrawLiquidity(1, testOwner))

	s.CreditLiquidityReturns(250_000, testOwner)
	require.NoError(t, s.ClaimLiquidityReturns(250_000, testOwner))
	require.Error(t, s.ClaimLiquidityReturns(1, testOwner))
}

func TestCloseVaultRateLimit(t *testing.T) {
	s := newTestState(t)
	now := uint64(100) * types.SecNanos

	// Five close requests inside one minute hit the per-user cap.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CheckCloseRateLimit(testOwner, now))
		s.RecordCloseRequest(testOwner, now)
		s.CompleteCloseRequest()
	}
	require.Error(t, s.CheckCloseRateLimit(testOwner, now))

	// Another principal is unaffected.
	require.NoError(t, s.CheckCloseRateLimit(types.Principal("bob"), now))

	// A minute later the per-minute window has rolled over.
	require.NoError(t, s.CheckCloseRateLimit(testOwner, now+61*types.SecNanos))
}

func TestCloseVaultConcurrentLimit(t *testing.T) {
	s := newTestState(t)
	s.ConcurrentCloseOps = 200
	require.Error(t, s.CheckCloseRateLimit(testOwner, types.SecNanos))
	s.CompleteCloseRequest()
	require.NoError(t, s.CheckCloseRateLimit(testOwner, types.SecNanos))
}
