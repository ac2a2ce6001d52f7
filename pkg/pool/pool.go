// Package pool implements the STAB liquidity pool operations: deposits,
// withdrawals, and claiming of accrued collateral rewards. Borrowing and
// redemption fees are credited to the developer principal's position through
// the same accounting.
package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/guard"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// Engine executes liquidity pool operations.
type Engine struct {
	logger  *zap.Logger
	mgr     *state.Manager
	events  event.Sink
	ledgers *ledger.Registry
	clock   func() time.Time
}

// NewEngine wires a pool engine. clock defaults to time.Now.
func NewEngine(logger *zap.Logger, mgr *state.Manager, events event.Sink, ledgers *ledger.Registry, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{logger: logger, mgr: mgr, events: events, ledgers: ledgers, clock: clock}
}

func (e *Engine) now() uint64 { return uint64(e.clock().UnixNano()) }

func (e *Engine) acquire(caller types.Principal, operation string) (*guard.Principal, error) {
	if caller.IsAnonymous() {
		return nil, protoerr.AnonymousCaller()
	}
	return guard.Acquire(e.mgr, e.logger, caller, operation, e.now())
}

func (e *Engine) append(ctx context.Context, ev event.Event) error {
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Error("event append failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return protoerr.TemporarilyUnavailable("event log unavailable")
	}
	return nil
}

// ProvideLiquidity pulls STAB from the caller into the pool.
func (e *Engine) ProvideLiquidity(ctx context.Context, caller types.Principal, amount math.STAB) (uint64, error) {
	g, err := e.acquire(caller, "provide_liquidity")
	if err != nil {
		return 0, err
	}
	defer g.Release()

	if amount < types.MinLiquidityAmount {
		g.Fail()
		return 0, protoerr.AmountTooLow(uint64(types.MinLiquidityAmount))
	}

	blockIndex, err := e.ledgers.Stab().TransferFrom(ctx, caller, uint64(amount))
	if err != nil {
		g.Fail()
		return 0, protoerr.TransferFrom(ledger.AsTransferError(err), uint64(amount))
	}

	if err := e.append(ctx, event.Event{
		Type:       event.TypeProvideLiquidity,
		Timestamp:  e.now(),
		Caller:     caller,
		StabAmount: amount,
		BlockIndex: &blockIndex,
	}); err != nil {
		g.Fail()
		return 0, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		s.ProvideLiquidity(amount, caller)
		return nil
	})

	e.logger.Info("provided liquidity",
		zap.String("caller", caller.String()),
		zap.Uint64("amount", uint64(amount)),
	)
	g.Complete()
	return blockIndex, nil
}

// WithdrawLiquidity mints STAB back to the caller against their pool
// position. The mint is symmetric to redemption: the pool holds live STAB
// for liquidations while surfacing accounting balances to providers.
func (e *Engine) WithdrawLiquidity(ctx context.Context, caller types.Principal, amount math.STAB) (uint64, error) {
	g, err := e.acquire(caller, "withdraw_liquidity")
	if err != nil {
		return 0, err
	}
	defer g.Release()

	if amount < types.MinLiquidityAmount {
		g.Fail()
		return 0, protoerr.AmountTooLow(uint64(types.MinLiquidityAmount))
	}

	var provided math.STAB
	var hasPosition bool
	e.mgr.Read(func(s *state.State) {
		provided, hasPosition = s.LiquidityPool[caller]
	})
	if !hasPosition {
		g.Fail()
		return 0, protoerr.Generic("no provided liquidity to withdraw")
	}
	if amount > provided {
		g.Fail()
		return 0, protoerr.Generic("cannot withdraw %d, provided: %d", amount, provided)
	}

	blockIndex, err := e.ledgers.Stab().Mint(ctx, caller, uint64(amount))
	if err != nil {
		g.Fail()
		return 0, protoerr.Transfer(ledger.AsTransferError(err))
	}

	if err := e.append(ctx, event.Event{
		Type:       event.TypeWithdrawLiquidity,
		Timestamp:  e.now(),
		Caller:     caller,
		StabAmount: amount,
		BlockIndex: &blockIndex,
	}); err != nil {
		g.Fail()
		return 0, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		return s.WithdrawLiquidity(amount, caller)
	})

	e.logger.Info("withdrew liquidity",
		zap.String("caller", caller.String()),
		zap.Uint64("amount", uint64(amount)),
	)
	g.Complete()
	return blockIndex, nil
}

// ClaimLiquidityReturns transfers the caller's accrued collateral rewards.
// A BadFee ledger error repairs the cached fee and is surfaced.
func (e *Engine) ClaimLiquidityReturns(ctx context.Context, caller types.Principal) (uint64, error) {
	g, err := e.acquire(caller, "claim_liquidity_returns")
	if err != nil {
		return 0, err
	}
	defer g.Release()

	var amount uint64
	var native types.CollateralType
	e.mgr.Read(func(s *state.State) {
		amount = s.LiquidityReturns[caller]
		native = s.NativeLedgerPrincipal
	})
	if amount == 0 {
		g.Fail()
		return 0, protoerr.Generic("no liquidity rewards to claim")
	}

	blockIndex, err := e.ledgers.ForLedger(native).Transfer(ctx, caller, amount)
	if err != nil {
		g.Fail()
		if expected, ok := protoerr.AsBadFee(ledger.AsTransferError(err)); ok {
			_ = e.mgr.Mutate(func(s *state.State) error {
				if cfg := s.Config(native); cfg != nil {
					cfg.LedgerFee = expected
				}
				return nil
			})
		}
		return 0, protoerr.Transfer(ledger.AsTransferError(err))
	}

	if err := e.append(ctx, event.Event{
		Type:       event.TypeClaimLiquidityReturns,
		Timestamp:  e.now(),
		Caller:     caller,
		Amount:     amount,
		BlockIndex: &blockIndex,
	}); err != nil {
		g.Fail()
		return 0, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		return s.ClaimLiquidityReturns(amount, caller)
	})

	e.logger.Info("claimed liquidity returns",
		zap.String("caller", caller.String()),
		zap.Uint64("amount", amount),
	)
	g.Complete()
	return blockIndex, nil
}
