package vault

import (
	"context"

	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// StableToken identifies a stable repayment token accepted 1:1 against
// STAB debt, subject to the depeg guard.
type StableToken struct {
	// Symbol is the oracle quote symbol, e.g. "USDT".
	Symbol string
	// Ledger is the token's ledger principal; it must be registered with
	// the ledger registry.
	Ledger types.Principal
	// Decimals is the token's native precision.
	Decimals uint8
}

// DefaultStableRepayFee is charged on stable-token repayments.
var DefaultStableRepayFee = math.MustRatio("0.0005")

// RepayWithStable reduces the vault's debt using a stable token at a 1:1
// USD valuation. The token must be trading inside the depeg band; the
// repayment fee is credited to the developer's pool position.
func (e *Engine) RepayWithStable(ctx context.Context, caller types.Principal, id types.VaultID, amount math.STAB, token StableToken) (uint64, error) {
	g, err := e.acquire(caller, "repay_with_stable")
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

	fee := amount.Mul(DefaultStableRepayFee)
	repaid := amount - fee
	if repaid > vault.Borrowed {
		g.Fail()
		return 0, protoerr.Generic("cannot repay more than borrowed: %d, repay: %d", vault.Borrowed, repaid)
	}

	if err := e.oracle.EnsureStableNotDepegged(ctx, token.Symbol); err != nil {
		g.Fail()
		return 0, err
	}

	// The pulled amount is the token's native-unit equivalent of the STAB
	// e8s amount at the 1:1 peg.
	pulled := math.StabToCollateral(amount, math.OneRatio(), token.Decimals)
	blockIndex, err := e.ledgers.ForLedger(token.Ledger).TransferFrom(ctx, caller, pulled)
	if err != nil {
		g.Fail()
		return 0, protoerr.TransferFrom(ledger.AsTransferError(err), pulled)
	}

	now := e.now()
	if err := e.append(ctx, event.Event{
		Type:       event.TypeRepayToVault,
		Timestamp:  now,
		VaultID:    id,
		StabAmount: repaid,
		BlockIndex: &blockIndex,
	}); err != nil {
		g.Fail()
		return 0, err
	}
	var developer types.Principal
	e.mgr.Read(func(s *state.State) { developer = s.DeveloperPrincipal })
	if err := e.append(ctx, event.Event{
		Type:       event.TypeProvideLiquidity,
		Timestamp:  now,
		Caller:     developer,
		StabAmount: fee,
	}); err != nil {
		g.Fail()
		return 0, err
	}
	_ = e.mgr.Mutate(func(s *state.State) error {
		if err := s.RepayToVault(id, repaid); err != nil {
			return err
		}
		s.ProvideLiquidity(fee, s.DeveloperPrincipal)
		return nil
	})

	e.logger.Info("repaid vault with stable token",
		zap.Uint64("vault_id", id),
		zap.String("token", token.Symbol),
		zap.Uint64("repaid", uint64(repaid)),
		zap.Uint64("fee", uint64(fee)),
	)
	g.Complete()
	return blockIndex, nil
}
