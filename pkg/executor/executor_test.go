package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/store"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

const (
	testStab   = types.Principal("stab-ledger")
	testNative = types.Principal("native-ledger")
	testOwner  = types.Principal("alice")
)

type harness struct {
	exec   *Executor
	mgr    *state.Manager
	native *ledger.MemoryLedger
	log    *store.MemoryLog
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := state.New(types.InitConfig{
		OraclePrincipal:       "oracle",
		StabLedgerPrincipal:   testStab,
		NativeLedgerPrincipal: testNative,
		DeveloperPrincipal:    "developer",
	})
	mgr := state.NewManager(st)

	stab := ledger.NewMemoryLedger(10_000)
	native := ledger.NewMemoryLedger(10_000)
	registry := ledger.NewRegistry(testStab, stab, testNative, native)

	log := store.NewMemoryLog()
	now := time.Unix(2_000_000, 0)
	exec := New(context.Background(), zap.NewNop(), mgr, log, registry, func() time.Time { return now })
	return &harness{exec: exec, mgr: mgr, native: native, log: log, now: now}
}

func (h *harness) queueMargin(id types.VaultID, amount uint64, queuedAt uint64) {
	_ = h.mgr.Mutate(func(s *state.State) error {
		s.PendingMarginTransfers[id] = types.PendingTransfer{
			Owner:          testOwner,
			Amount:         amount,
			CollateralType: testNative,
			QueuedAt:       queuedAt,
		}
		return nil
	})
}

func TestDrainSettlesMarginTransfer(t *testing.T) {
	h := newHarness(t)
	h.queueMargin(1, 500_000, 1)

	h.exec.Drain(context.Background())

	h.mgr.Read(func(s *state.State) {
		assert.Empty(t, s.PendingMarginTransfers)
	})

	// The owner received the amount minus the ledger fee.
	balance, err := h.native.BalanceOf(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Equal(t, uint64(490_000), balance)

	events, err := h.log.Events(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeMarginTransfer, events[0].Type)
	assert.False(t, events[0].Excess)
}

func TestDrainDropsDustSilently(t *testing.T) {
	h := newHarness(t)
	h.queueMargin(1, 9_000, 1) // below the 10_000 ledger fee

	h.exec.Drain(context.Background())

	h.mgr.Read(func(s *state.State) {
		assert.Empty(t, s.PendingMarginTransfers)
	})
	events, err := h.log.Events(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events, "dust drops settle without an event")
}

// TestBadFeeSelfHeal drives spec scenario: a pending transfer fails with
// BadFee{expected=20_000} while the cached fee is 10_000. The cached fee
// becomes 20_000, the entry stays queued, and the next drain settles it.
func TestBadFeeSelfHeal(t *testing.T) {
	h := newHarness(t)
	h.queueMargin(1, 500_000, 1)

	h.native.FailNext(protoerr.BadFee(20_000))
	h.exec.Drain(context.Background())

	h.mgr.Read(func(s *state.State) {
		assert.Equal(t, uint64(20_000), s.Config(testNative).LedgerFee)
		_, queued := s.PendingMarginTransfers[1]
		assert.True(t, queued, "entry must stay queued after BadFee")
	})

	h.exec.Drain(context.Background())
	h.mgr.Read(func(s *state.State) {
		assert.Empty(t, s.PendingMarginTransfers)
	})
	balance, err := h.native.BalanceOf(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Equal(t, uint64(480_000), balance, "second pass settles with the repaired fee")
}

func TestDrainKeepsEntryOnTransientError(t *testing.T) {
	h := newHarness(t)
	h.queueMargin(1, 500_000, 1)

	h.native.FailNext(&protoerr.TransferError{Code: protoerr.TransferTemporarilyUnavailable})
	h.exec.Drain(context.Background())

	h.mgr.Read(func(s *state.State) {
		_, queued := s.PendingMarginTransfers[1]
		assert.True(t, queued)
	})
}

func TestDrainSettlesExcessWithMarker(t *testing.T) {
	h := newHarness(t)
	_ = h.mgr.Mutate(func(s *state.State) error {
		s.PendingExcessTransfers[7] = types.PendingTransfer{
			Owner:          testOwner,
			Amount:         300_000,
			CollateralType: testNative,
			QueuedAt:       1,
		}
		return nil
	})

	h.exec.Drain(context.Background())

	h.mgr.Read(func(s *state.State) {
		assert.Empty(t, s.PendingExcessTransfers)
	})
	events, err := h.log.Events(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeMarginTransfer, events[0].Type)
	assert.True(t, events[0].Excess, "excess settlement must carry the excess marker")
}

func TestDrainSettlesRedemption(t *testing.T) {
	h := newHarness(t)
	_ = h.mgr.Mutate(func(s *state.State) error {
		s.PendingRedemptionTransfers[42] = types.PendingTransfer{
			Owner:          testOwner,
			Amount:         240_000_000,
			CollateralType: testNative,
			QueuedAt:       1,
		}
		return nil
	})

	h.exec.Drain(context.Background())

	h.mgr.Read(func(s *state.State) {
		assert.Empty(t, s.PendingRedemptionTransfers)
	})
	events, err := h.log.Events(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeRedemptionTransferred, events[0].Type)
	assert.Equal(t, uint64(42), events[0].StabBlockIndex)
	assert.NotZero(t, events[0].CollateralBlockIndex)
}

func TestDrainVaultTargetsOneVault(t *testing.T) {
	h := newHarness(t)
	h.queueMargin(1, 500_000, 1)
	h.queueMargin(2, 600_000, 1)

	require.NoError(t, h.exec.DrainVault(context.Background(), 1))

	h.mgr.Read(func(s *state.State) {
		_, first := s.PendingMarginTransfers[1]
		_, second := s.PendingMarginTransfers[2]
		assert.False(t, first)
		assert.True(t, second, "other vaults' entries stay queued")
	})
}

func TestMonitorRetriesOnlyStuckTransfers(t *testing.T) {
	h := newHarness(t)
	nowNanos := uint64(h.now.UnixNano())

	h.queueMargin(1, 500_000, nowNanos-StuckThresholdNanos-types.SecNanos) // stuck
	h.queueMargin(2, 600_000, nowNanos)                                   // fresh

	h.exec.MonitorStuckTransfers(context.Background())

	h.mgr.Read(func(s *state.State) {
		_, stuck := s.PendingMarginTransfers[1]
		_, fresh := s.PendingMarginTransfers[2]
		assert.False(t, stuck, "stuck entry must be re-attempted")
		assert.True(t, fresh, "fresh entry is left to the primary loop")
	})
}

func TestDrainSkipsWhenTimerHeld(t *testing.T) {
	h := newHarness(t)
	h.queueMargin(1, 500_000, 1)

	_ = h.mgr.Mutate(func(s *state.State) error {
		s.IsTimerRunning = true
		return nil
	})
	h.exec.Drain(context.Background())

	h.mgr.Read(func(s *state.State) {
		_, queued := s.PendingMarginTransfers[1]
		assert.True(t, queued, "a concurrent drain must be skipped")
	})
}
