// Package event defines the closed set of state-mutating protocol events.
// The event log is append-only: every mutation records its event before the
// in-memory state changes, and a replay of the log reconstructs the state.
package event

import (
	"context"

	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// Type tags an event variant.
type Type string

const (
	TypeInit                   Type = "init"
	TypeUpgrade                Type = "upgrade"
	TypeOpenVault              Type = "open_vault"
	TypeCloseVault             Type = "close_vault"
	TypeBorrowFromVault        Type = "borrow_from_vault"
	TypeRepayToVault           Type = "repay_to_vault"
	TypeAddMarginToVault       Type = "add_margin_to_vault"
	TypeWithdrawAndCloseVault  Type = "withdraw_and_close_vault"
	TypeCollateralWithdrawn    Type = "collateral_withdrawn"
	TypeMarginTransfer         Type = "margin_transfer"
	TypeLiquidateVault         Type = "liquidate_vault"
	TypePartialLiquidateVault  Type = "partial_liquidate_vault"
	TypeRedistributeVault      Type = "redistribute_vault"
	TypeRedemptionOnVaults     Type = "redemption_on_vaults"
	TypeRedemptionTransferred  Type = "redemption_transfered"
	TypeProvideLiquidity       Type = "provide_liquidity"
	TypeWithdrawLiquidity      Type = "withdraw_liquidity"
	TypeClaimLiquidityReturns  Type = "claim_liquidity_returns"
	TypeDustForgiven           Type = "dust_forgiven"
	// TypeVaultWithdrawnAndClosed is a legacy tag still present in old logs;
	// replay reduces it to a plain close.
	TypeVaultWithdrawnAndClosed Type = "vault_withdrawn_and_closed"
)

// Event is one entry of the append-only log. A single flat record carries
// every variant; Type selects which fields are meaningful.
type Event struct {
	Type      Type   `json:"type"`
	Timestamp uint64 `json:"timestamp,omitempty"`

	Init    *types.InitConfig    `json:"init,omitempty"`
	Upgrade *types.UpgradeConfig `json:"upgrade,omitempty"`

	Vault   *types.Vault  `json:"vault,omitempty"`
	VaultID types.VaultID `json:"vault_id,omitempty"`

	Owner          types.Principal      `json:"owner,omitempty"`
	Caller         types.Principal      `json:"caller,omitempty"`
	Liquidator     types.Principal      `json:"liquidator,omitempty"`
	CollateralType types.CollateralType `json:"collateral_type,omitempty"`

	// Amount is a raw collateral amount in native decimals.
	Amount uint64 `json:"amount,omitempty"`
	// StabAmount carries STAB quantities: borrows, repayments, redemptions,
	// liquidity movements, forgiven dust.
	StabAmount math.STAB `json:"stab_amount,omitempty"`
	// FeeAmount is the STAB fee charged alongside StabAmount.
	FeeAmount math.STAB `json:"fee_amount,omitempty"`
	// Rate is the USD price per whole collateral token at event time.
	Rate *math.Ratio `json:"rate,omitempty"`
	// BaseRate is the redemption base rate set by a redemption event, so a
	// replayed log restores the fee model's decay anchor exactly.
	BaseRate *math.Ratio `json:"base_rate,omitempty"`

	Mode *types.Mode `json:"mode,omitempty"`

	// BlockIndex is the ledger block of the transfer that produced this
	// event; nil when no transfer happened (e.g. a plain close).
	BlockIndex *uint64 `json:"block_index,omitempty"`
	// StabBlockIndex keys redemption events to the STAB ledger block of the
	// redeemer's payment.
	StabBlockIndex uint64 `json:"stab_block_index,omitempty"`
	// CollateralBlockIndex is the settlement block of a redemption payout.
	CollateralBlockIndex uint64 `json:"collateral_block_index,omitempty"`
	// Excess marks a margin-transfer settlement as coming from the excess
	// queue (surplus returned to the owner after full liquidation) rather
	// than the margin queue.
	Excess bool `json:"excess,omitempty"`
}

// IsVaultRelated reports whether the event touches the given vault.
// Redemptions touch an unknown subset of vaults and are always included.
func (e *Event) IsVaultRelated(id types.VaultID) bool {
	switch e.Type {
	case TypeRedemptionOnVaults:
		return true
	case TypeOpenVault:
		return e.Vault != nil && e.Vault.ID == id
	case TypeCloseVault, TypeBorrowFromVault, TypeRepayToVault,
		TypeAddMarginToVault, TypeWithdrawAndCloseVault,
		TypeCollateralWithdrawn, TypeMarginTransfer, TypeLiquidateVault,
		TypePartialLiquidateVault, TypeRedistributeVault, TypeDustForgiven,
		TypeVaultWithdrawnAndClosed:
		return e.VaultID == id
	}
	return false
}

// Sink receives events for append-only persistence. Append must complete
// before the corresponding state mutation is applied.
type Sink interface {
	Append(ctx context.Context, e Event) error
}
