// Package executor drains the pending transfer queues after state commits:
// margin refunds from closes and liquidations, excess collateral from full
// liquidations, and collateral owed to redeemers. Entries survive until a
// transfer settles or shrinks below the ledger fee; failures stay queued and
// retry on the next pass.
package executor

import (
	"context"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rumi-protocol/rumi-core/pkg/backoff"
	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/guard"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// RescheduleDelay is the pause between drain passes while queues are
// non-empty.
const RescheduleDelay = 5 * time.Second

// StuckThresholdNanos is the age past which the health monitor re-attempts
// an entry regardless of the primary loop.
const StuckThresholdNanos uint64 = 15 * 60 * types.SecNanos

// queueKind selects which pending queue an entry belongs to.
type queueKind int

const (
	queueMargin queueKind = iota
	queueExcess
	queueRedemption
)

// Executor settles queued transfers. It implements the vault engine's
// Settler contract.
type Executor struct {
	logger  *zap.Logger
	mgr     *state.Manager
	events  event.Sink
	ledgers *ledger.Registry
	clock   func() time.Time

	// ctx bounds the background retries and scheduled drains.
	ctx context.Context
}

// New wires an executor. clock defaults to time.Now.
func New(ctx context.Context, logger *zap.Logger, mgr *state.Manager, events event.Sink, ledgers *ledger.Registry, clock func() time.Time) *Executor {
	if clock == nil {
		clock = time.Now
	}
	return &Executor{
		logger:  logger,
		mgr:     mgr,
		events:  events,
		ledgers: ledgers,
		clock:   clock,
		ctx:     ctx,
	}
}

func (e *Executor) now() uint64 { return uint64(e.clock().UnixNano()) }

type pendingEntry struct {
	kind     queueKind
	key      uint64
	transfer types.PendingTransfer
}

func (e *Executor) snapshotQueues() []pendingEntry {
	var entries []pendingEntry
	e.mgr.Read(func(s *state.State) {
		for id, t := range s.PendingMarginTransfers {
			entries = append(entries, pendingEntry{kind: queueMargin, key: id, transfer: t})
		}
		for id, t := range s.PendingExcessTransfers {
			entries = append(entries, pendingEntry{kind: queueExcess, key: id, transfer: t})
		}
		for idx, t := range s.PendingRedemptionTransfers {
			entries = append(entries, pendingEntry{kind: queueRedemption, key: idx, transfer: t})
		}
	})
	return entries
}

// Drain runs one settlement pass over all three queues behind the timer
// singleton, rescheduling itself while any queue stays non-empty. A
// concurrent pass is skipped.
func (e *Executor) Drain(ctx context.Context) {
	g := guard.AcquireTimer(e.mgr)
	if g == nil {
		e.logger.Debug("drain already running")
		return
	}
	defer g.Release()

	entries := e.snapshotQueues()
	if len(entries) > 0 {
		e.logger.Info("draining pending transfers", zap.Int("count", len(entries)))
	}
	for _, entry := range entries {
		if err := e.settleEntry(ctx, entry); err != nil {
			e.logger.Debug("pending transfer not settled",
				zap.Uint64("key", entry.key),
				zap.Error(err),
			)
		}
	}

	var remaining bool
	e.mgr.Read(func(s *state.State) {
		remaining = len(s.PendingMarginTransfers) > 0 ||
			len(s.PendingExcessTransfers) > 0 ||
			len(s.PendingRedemptionTransfers) > 0
	})
	if remaining {
		e.logger.Info("pending transfers remain, rescheduling", zap.Duration("delay", RescheduleDelay))
		e.ScheduleDrain(RescheduleDelay)
	}
}

// settleEntry resolves the entry's ledger and fee from the collateral
// config, drops dust, transfers, and on success records the settlement
// event and removes the entry. BadFee repairs the cached fee and keeps the
// entry queued; other failures keep it queued for the next pass.
func (e *Executor) settleEntry(ctx context.Context, entry pendingEntry) error {
	var ledgerID types.Principal
	var fee uint64
	e.mgr.Read(func(s *state.State) {
		if cfg := s.Config(entry.transfer.CollateralType); cfg != nil {
			ledgerID = cfg.Ledger
			fee = cfg.LedgerFee
		} else {
			ledgerID = s.NativeLedgerPrincipal
			if cfg := s.Config(ledgerID); cfg != nil {
				fee = cfg.LedgerFee
			}
		}
	})

	if entry.transfer.Amount <= fee {
		e.logger.Info("dropping dust transfer",
			zap.Uint64("key", entry.key),
			zap.Uint64("amount", entry.transfer.Amount),
			zap.Uint64("fee", fee),
		)
		_ = e.mgr.Mutate(func(s *state.State) error {
			e.removeEntry(s, entry)
			return nil
		})
		return nil
	}

	blockIndex, err := e.ledgers.ForLedger(ledgerID).Transfer(ctx, entry.transfer.Owner, entry.transfer.Amount-fee)
	if err != nil {
		te := ledger.AsTransferError(err)
		if expected, ok := protoerr.AsBadFee(te); ok {
			e.logger.Info("repairing cached ledger fee",
				zap.String("collateral", entry.transfer.CollateralType.String()),
				zap.Uint64("expected_fee", expected),
			)
			_ = e.mgr.Mutate(func(s *state.State) error {
				if cfg := s.Config(entry.transfer.CollateralType); cfg != nil {
					cfg.LedgerFee = expected
				}
				return nil
			})
		}
		return err
	}

	return e.recordSettled(ctx, entry, blockIndex)
}

func (e *Executor) recordSettled(ctx context.Context, entry pendingEntry, blockIndex uint64) error {
	var ev event.Event
	switch entry.kind {
	case queueMargin:
		ev = event.Event{
			Type:       event.TypeMarginTransfer,
			Timestamp:  e.now(),
			VaultID:    entry.key,
			BlockIndex: &blockIndex,
		}
	case queueExcess:
		ev = event.Event{
			Type:       event.TypeMarginTransfer,
			Timestamp:  e.now(),
			VaultID:    entry.key,
			BlockIndex: &blockIndex,
			Excess:     true,
		}
	case queueRedemption:
		ev = event.Event{
			Type:                 event.TypeRedemptionTransferred,
			Timestamp:            e.now(),
			StabBlockIndex:       entry.key,
			CollateralBlockIndex: blockIndex,
		}
	}
	if err := e.events.Append(ctx, ev); err != nil {
		// The transfer settled but the settlement marker failed to persist;
		// leave the entry queued and let the next pass retry. The drain is
		// idempotent only through the recorded event, so this ordering
		// cannot be relaxed.
		return err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		e.removeEntry(s, entry)
		return nil
	})
	e.logger.Info("settled pending transfer",
		zap.Uint64("key", entry.key),
		zap.Uint64("amount", entry.transfer.Amount),
		zap.String("owner", entry.transfer.Owner.String()),
		zap.Uint64("block_index", blockIndex),
	)
	return nil
}

func (e *Executor) removeEntry(s *state.State, entry pendingEntry) {
	switch entry.kind {
	case queueMargin:
		delete(s.PendingMarginTransfers, entry.key)
	case queueExcess:
		delete(s.PendingExcessTransfers, entry.key)
	case queueRedemption:
		delete(s.PendingRedemptionTransfers, entry.key)
	}
}

// DrainVault settles the margin and excess entries of one vault, as the
// immediate post-liquidation attempt. Returns the first failure.
func (e *Executor) DrainVault(ctx context.Context, id types.VaultID) error {
	var entries []pendingEntry
	e.mgr.Read(func(s *state.State) {
		if t, ok := s.PendingMarginTransfers[id]; ok {
			entries = append(entries, pendingEntry{kind: queueMargin, key: id, transfer: t})
		}
		if t, ok := s.PendingExcessTransfers[id]; ok {
			entries = append(entries, pendingEntry{kind: queueExcess, key: id, transfer: t})
		}
	})
	for _, entry := range entries {
		if err := e.settleEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleVaultRetries re-attempts the vault's queued transfers on the
// settlement backoff schedule (1, 2, 4, 8, 16 seconds).
func (e *Executor) ScheduleVaultRetries(id types.VaultID) {
	go func() {
		err := cenkalti.Retry(func() error {
			return e.DrainVault(e.ctx, id)
		}, backoff.NewSettlement(e.ctx))
		if err != nil {
			e.logger.Warn("settlement retries exhausted, entry stays queued",
				zap.Uint64("vault_id", id),
				zap.Error(err),
			)
		}
	}()
}

// ScheduleDrain runs a full drain pass after the delay.
func (e *Executor) ScheduleDrain(delay time.Duration) {
	go func() {
		if delay > 0 {
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		e.Drain(e.ctx)
	}()
}

// MonitorStuckTransfers re-attempts entries older than the stuck threshold
// regardless of the primary loop. The protocol runner calls this on its
// health cadence.
func (e *Executor) MonitorStuckTransfers(ctx context.Context) {
	g := guard.AcquireTimer(e.mgr)
	if g == nil {
		return
	}
	defer g.Release()

	now := e.now()
	var stuck []pendingEntry
	for _, entry := range e.snapshotQueues() {
		if now > entry.transfer.QueuedAt+StuckThresholdNanos {
			stuck = append(stuck, entry)
		}
	}
	if len(stuck) == 0 {
		return
	}
	e.logger.Info("retrying stuck transfers", zap.Int("count", len(stuck)))
	for _, entry := range stuck {
		if err := e.settleEntry(ctx, entry); err != nil {
			e.logger.Debug("stuck transfer still failing",
				zap.Uint64("key", entry.key),
				zap.Error(err),
			)
		}
	}
}
