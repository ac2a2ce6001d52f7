// Package vault implements the caller-facing vault operations: open, borrow,
// repay, add margin, withdraw, close, redeem, and the liquidation paths.
// Operations share a common shape: refuse anonymous callers, acquire a
// per-caller guard, validate against state, perform the external ledger
// transfer, append the event, and mutate state. Open, borrow, the
// liquidation paths and redemption also ensure a fresh collateral price
// before the transfer; withdrawals zero the collateral before the transfer
// and restore it if the transfer fails. Liquidations and redemptions then
// trigger settlement of the transfers they queue.
package vault

import (
	"context"
	"time"

	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/guard"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/oracle"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// Settler triggers settlement of queued transfers after a state commit.
// Implemented by the pending-transfer executor.
type Settler interface {
	// DrainVault attempts immediate settlement of the vault's queued
	// transfers.
	DrainVault(ctx context.Context, id types.VaultID) error
	// ScheduleVaultRetries re-attempts the vault's queued transfers with
	// exponential backoff.
	ScheduleVaultRetries(id types.VaultID)
	// ScheduleDrain runs a full drain pass after the delay.
	ScheduleDrain(delay time.Duration)
}

// Engine executes vault operations against the shared state.
type Engine struct {
	logger  *zap.Logger
	mgr     *state.Manager
	events  event.Sink
	ledgers *ledger.Registry
	oracle  *oracle.Service
	settler Settler
	clock   func() time.Time
}

// NewEngine wires a vault engine. clock defaults to time.Now.
func NewEngine(
	logger *zap.Logger,
	mgr *state.Manager,
	events event.Sink,
	ledgers *ledger.Registry,
	oracleSvc *oracle.Service,
	settler Settler,
	clock func() time.Time,
) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		logger:  logger,
		mgr:     mgr,
		events:  events,
		ledgers: ledgers,
		oracle:  oracleSvc,
		settler: settler,
		clock:   clock,
	}
}

func (e *Engine) now() uint64 { return uint64(e.clock().UnixNano()) }

// OpenVaultResult reports a successful open.
type OpenVaultResult struct {
	VaultID    types.VaultID
	BlockIndex uint64
}

// SuccessWithFee reports a transfer-backed success and the fee charged.
type SuccessWithFee struct {
	BlockIndex uint64
	FeePaid    math.STAB
}

// acquire refuses anonymous callers and installs the re-entry guard.
func (e *Engine) acquire(caller types.Principal, operation string) (*guard.Principal, error) {
	if caller.IsAnonymous() {
		return nil, protoerr.AnonymousCaller()
	}
	return guard.Acquire(e.mgr, e.logger, caller, operation, e.now())
}

// requireAvailable refuses operations while the protocol is read-only.
func (e *Engine) requireAvailable() error {
	var mode types.Mode
	e.mgr.Read(func(s *state.State) { mode = s.Mode })
	if !mode.IsAvailable() {
		return protoerr.TemporarilyUnavailable(
			"protocol is read-only, wait for an upgrade or for the total collateral ratio to go above 100%%")
	}
	return nil
}

// append writes the event to the log before any state mutation.
func (e *Engine) append(ctx context.Context, ev event.Event) error {
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Error("event append failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return protoerr.TemporarilyUnavailable("event log unavailable")
	}
	return nil
}

// vaultSnapshot reads a consistent copy of the vault and its config.
func (e *Engine) vaultSnapshot(id types.VaultID) (types.Vault, types.CollateralConfig, error) {
	var vault types.Vault
	var cfg types.CollateralConfig
	var found bool
	var haveConfig bool
	e.mgr.Read(func(s *state.State) {
		v, ok := s.Vaults[id]
		if !ok {
			return
		}
		found = true
		vault = *v
		if c := s.Config(v.CollateralType); c != nil {
			haveConfig = true
			cfg = *c
		}
	})
	if !found {
		return types.Vault{}, types.CollateralConfig{}, protoerr.Generic("vault #%d not found", id)
	}
	if !haveConfig {
		return types.Vault{}, types.CollateralConfig{}, protoerr.Generic("unknown collateral type %s", vault.CollateralType)
	}
	return vault, cfg, nil
}

// healLedgerFee repairs the cached transfer fee after a BadFee error.
func (e *Engine) healLedgerFee(ct types.CollateralType, err error) {
	te := ledger.AsTransferError(err)
	expected, ok := protoerr.AsBadFee(te)
	if !ok {
		return
	}
	e.logger.Info("updating cached ledger fee",
		zap.String("collateral", ct.String()),
		zap.Uint64("expected_fee", expected),
	)
	_ = e.mgr.Mutate(func(s *state.State) error {
		if cfg := s.Config(ct); cfg != nil {
			cfg.LedgerFee = expected
		}
		return nil
	})
}

// OpenVault pulls collateral in and creates an empty vault.
func (e *Engine) OpenVault(ctx context.Context, caller types.Principal, amount uint64, ct types.CollateralType) (OpenVaultResult, error) {
	g, err := e.acquire(caller, "open_vault")
	if err != nil {
		return OpenVaultResult{}, err
	}
	defer g.Release()

	if err := e.requireAvailable(); err != nil {
		g.Fail()
		return OpenVaultResult{}, err
	}

	var cfg *types.CollateralConfig
	e.mgr.Read(func(s *state.State) {
		if c := s.Config(ct); c != nil {
			copied := *c
			cfg = &copied
		}
	})
	if cfg == nil {
		g.Fail()
		return OpenVaultResult{}, protoerr.Generic("unknown collateral type %s", ct)
	}
	if !cfg.Status.AllowsOpen() {
		g.Fail()
		return OpenVaultResult{}, protoerr.Generic("collateral %s does not accept new vaults (status: %s)", ct, cfg.Status)
	}
	if amount < types.MinCollateralAmount {
		g.Fail()
		return OpenVaultResult{}, protoerr.AmountTooLow(types.MinCollateralAmount)
	}
	if err := e.oracle.EnsureFreshPrice(ctx, ct); err != nil {
		g.Fail()
		return OpenVaultResult{}, err
	}

	blockIndex, err := e.ledgers.ForLedger(cfg.Ledger).TransferFrom(ctx, caller, amount)
	if err != nil {
		g.Fail()
		e.healLedgerFee(ct, err)
		return OpenVaultResult{}, protoerr.TransferFrom(ledger.AsTransferError(err), amount)
	}

	var id types.VaultID
	_ = e.mgr.Mutate(func(s *state.State) error {
		id = s.IncrementVaultID()
		return nil
	})
	vault := types.Vault{
		ID:               id,
		Owner:            caller,
		CollateralType:   cfg.Ledger,
		CollateralAmount: amount,
	}
	if err := e.append(ctx, event.Event{
		Type:       event.TypeOpenVault,
		Timestamp:  e.now(),
		Vault:      &vault,
		BlockIndex: &blockIndex,
	}); err != nil {
		g.Fail()
		return OpenVaultResult{}, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		s.OpenVault(vault)
		return nil
	})

	e.logger.Info("opened vault",
		zap.Uint64("vault_id", id),
		zap.String("owner", caller.String()),
		zap.Uint64("collateral", amount),
		zap.String("trace_id", g.TraceID),
	)
	g.Complete()
	return OpenVaultResult{VaultID: id, BlockIndex: blockIndex}, nil
}

// BorrowFromVault mints STAB against the vault's collateral, charging the
// per-collateral borrowing fee. The fee is credited to the developer's
// liquidity position after the borrow, in both the live and replay paths.
func (e *Engine) BorrowFromVault(ctx context.Context, caller types.Principal, id types.VaultID, amount math.STAB) (SuccessWithFee, error) {
	g, err := e.acquire(caller, "borrow_from_vault")
	if err != nil {
		return SuccessWithFee{}, err
	}
	defer g.Release()

	if err := e.requireAvailable(); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}
	if amount < types.MinStabAmount {
		g.Fail()
		return SuccessWithFee{}, protoerr.AmountTooLow(uint64(types.MinStabAmount))
	}
	vault, cfg, err := e.vaultSnapshot(id)
	if err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}
	if vault.Owner != caller {
		g.Fail()
		return SuccessWithFee{}, protoerr.CallerNotOwner()
	}
	if !cfg.Status.AllowsBorrow() {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic("collateral %s does not accept borrows (status: %s)", cfg.Ledger, cfg.Status)
	}
	if err := e.oracle.EnsureFreshPrice(ctx, vault.CollateralType); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}

	var minRatio math.Ratio
	var price math.Ratio
	var fee math.STAB
	var collateralDebt math.STAB
	e.mgr.Read(func(s *state.State) {
		minRatio = s.MinLiquidationRatioFor(vault.CollateralType)
		if c := s.Config(vault.CollateralType); c != nil {
			price = c.LastPrice
		}
		fee = amount.Mul(s.BorrowingFeeFor(vault.CollateralType))
		collateralDebt = s.TotalDebtFor(vault.CollateralType)
	})

	value := math.CollateralValue(vault.CollateralAmount, price, cfg.Decimals)
	maxBorrowable := math.STAB(value.Dec().Quo(minRatio).TruncateInt().Uint64())
	if vault.Borrowed+amount > maxBorrowable {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic(
			"failed to borrow from vault #%d, max borrowable: %d, borrowed: %d, requested: %d",
			id, maxBorrowable, vault.Borrowed, amount)
	}
	if cfg.DebtCeiling != types.NoDebtCeiling && uint64(collateralDebt+amount) > cfg.DebtCeiling {
		g.Fail()
		return SuccessWithFee{}, protoerr.Generic(
			"debt ceiling for %s reached: ceiling %d, outstanding %d, requested %d",
			cfg.Ledger, cfg.DebtCeiling, collateralDebt, amount)
	}

	blockIndex, err := e.ledgers.Stab().Mint(ctx, caller, uint64(amount-fee))
	if err != nil {
		g.Fail()
		return SuccessWithFee{}, protoerr.Transfer(ledger.AsTransferError(err))
	}

	if err := e.append(ctx, event.Event{
		Type:       event.TypeBorrowFromVault,
		Timestamp:  e.now(),
		VaultID:    id,
		StabAmount: amount,
		FeeAmount:  fee,
		BlockIndex: &blockIndex,
	}); err != nil {
		g.Fail()
		return SuccessWithFee{}, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		if err := s.BorrowFromVault(id, amount); err != nil {
			return err
		}
		s.ProvideLiquidity(fee, s.DeveloperPrincipal)
		return nil
	})

	g.Complete()
	return SuccessWithFee{BlockIndex: blockIndex, FeePaid: fee}, nil
}

// RepayToVault pulls STAB back from the caller and reduces the vault's debt.
func (e *Engine) RepayToVault(ctx context.Context, caller types.Principal, id types.VaultID, amount math.STAB) (uint64, error) {
	g, err := e.acquire(caller, "repay_to_vault")
	if err != nil {
		return 0, err
	}
	defer g.Release()

	if amount < types.MinStabAmount {
		g.Fail()
		return 0, protoerr.AmountTooLow(uint64(types.MinStabAmount))
	}
	vault, cfg, err := e.vaultSnapshot(id)
	if err != nil {
		g.Fail()
		return 0, err
	}
	if vault.Owner != caller {
		g.Fail()
		return 0, protoerr.CallerNotOwner()
	}
	if !cfg.Status.AllowsRepay() {
		g.Fail()
		return 0, protoerr.Generic("collateral %s does not accept repayments (status: %s)", cfg.Ledger, cfg.Status)
	}
	if amount > vault.Borrowed {
		g.Fail()
		return 0, protoerr.Generic("cannot repay more than borrowed: %d, repay: %d", vault.Borrowed, amount)
	}

	blockIndex, err := e.ledgers.Stab().TransferFrom(ctx, caller, uint64(amount))
	if err != nil {
		g.Fail()
		return 0, protoerr.TransferFrom(ledger.AsTransferError(err), uint64(amount))
	}

	if err := e.append(ctx, event.Event{
		Type:       event.TypeRepayToVault,
		Timestamp:  e.now(),
		VaultID:    id,
		StabAmount: amount,
		BlockIndex: &blockIndex,
	}); err != nil {
		g.Fail()
		return 0, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		return s.RepayToVault(id, amount)
	})

	g.Complete()
	return blockIndex, nil
}

// AddMarginToVault pulls additional collateral into the vault. A BadFee
// ledger error repairs the cached fee and is surfaced to the caller.
func (e *Engine) AddMarginToVault(ctx context.Context, caller types.Principal, id types.VaultID, amount uint64) (uint64, error) {
	g, err := e.acquire(caller, "add_margin_to_vault")
	if err != nil {
		return 0, err
	}
	defer g.Release()

	if amount < types.MinCollateralAmount {
		g.Fail()
		return 0, protoerr.AmountTooLow(types.MinCollateralAmount)
	}
	vault, cfg, err := e.vaultSnapshot(id)
	if err != nil {
		g.Fail()
		return 0, err
	}
	if vault.Owner != caller {
		g.Fail()
		return 0, protoerr.CallerNotOwner()
	}
	if !cfg.Status.AllowsAddCollateral() {
		g.Fail()
		return 0, protoerr.Generic("collateral %s does not accept deposits (status: %s)", cfg.Ledger, cfg.Status)
	}

	blockIndex, err := e.ledgers.ForLedger(cfg.Ledger).TransferFrom(ctx, caller, amount)
	if err != nil {
		g.Fail()
		e.healLedgerFee(vault.CollateralType, err)
		return 0, protoerr.TransferFrom(ledger.AsTransferError(err), amount)
	}

	if err := e.append(ctx, event.Event{
		Type:       event.TypeAddMarginToVault,
		Timestamp:  e.now(),
		VaultID:    id,
		Amount:     amount,
		BlockIndex: &blockIndex,
	}); err != nil {
		g.Fail()
		return 0, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		return s.AddMarginToVault(id, amount)
	})

	g.Complete()
	return blockIndex, nil
}
