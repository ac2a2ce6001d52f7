// Package types holds the shared domain model: principals, vaults,
// per-collateral configuration, protocol mode, and the pending transfer
// records that couple state commitment to async settlement.
package types

import (
	"fmt"

	"github.com/rumi-protocol/rumi-core/pkg/math"
)

// Principal identifies a caller or a ledger.
type Principal string

// Anonymous is the distinguished unauthenticated principal. It is refused
// as a caller; as a collateral type in historical data it resolves to the
// protocol's native collateral.
const Anonymous Principal = "anonymous"

// IsAnonymous reports whether p is the anonymous principal.
func (p Principal) IsAnonymous() bool { return p == Anonymous || p == "" }

func (p Principal) String() string { return string(p) }

// CollateralType identifies a collateral by its ledger principal.
type CollateralType = Principal

// VaultID is a unique monotonically increasing vault identifier, starting at 1.
type VaultID = uint64

// Vault is a user-owned position holding collateral and owing STAB.
type Vault struct {
	ID VaultID `json:"vault_id"`
	// Owner is the principal that opened the vault.
	Owner Principal `json:"owner"`
	// CollateralType is the ledger principal of the locked token.
	CollateralType CollateralType `json:"collateral_type"`
	// CollateralAmount is the raw locked amount in the token's native decimals.
	CollateralAmount uint64 `json:"collateral_amount"`
	// Borrowed is the outstanding STAB debt in e8s.
	Borrowed math.STAB `json:"borrowed_stab_amount"`
}

// Mode controls which operations the protocol accepts.
type Mode int

const (
	// GeneralAvailability places no restriction on protocol interactions.
	GeneralAvailability Mode = iota
	// Recovery tightens liquidation: the protocol works back toward a total
	// collateral ratio above the recovery threshold.
	Recovery
	// ReadOnly refuses opening vaults, borrowing and redeeming; repayments,
	// deposits, withdrawals, closes and liquidations still run.
	ReadOnly
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case GeneralAvailability:
		return "general-availability"
	case Recovery:
		return "recovery"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// IsAvailable reports whether vault opens, borrows and redemptions are
// accepted.
func (m Mode) IsAvailable() bool { return m != ReadOnly }

// CollateralStatus grades a collateral's operational posture.
type CollateralStatus int

const (
	// StatusActive permits all operations.
	StatusActive CollateralStatus = iota
	// StatusPaused stops new exposure; repay, add-collateral, close and
	// liquidations stay open.
	StatusPaused
	// StatusFrozen is a hard stop: nothing works except admin actions.
	StatusFrozen
	// StatusSunset winds the collateral down: repay, withdraw, close only.
	StatusSunset
	// StatusDeprecated is fully wound down, read-only.
	StatusDeprecated
)

func (s CollateralStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusFrozen:
		return "frozen"
	case StatusSunset:
		return "sunset"
	case StatusDeprecated:
		return "deprecated"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s CollateralStatus) AllowsOpen() bool   { return s == StatusActive }
func (s CollateralStatus) AllowsBorrow() bool { return s == StatusActive }

func (s CollateralStatus) AllowsRepay() bool {
	return s == StatusActive || s == StatusPaused || s == StatusSunset
}

func (s CollateralStatus) AllowsAddCollateral() bool {
	return s == StatusActive || s == StatusPaused
}

func (s CollateralStatus) AllowsWithdraw() bool {
	return s == StatusActive || s == StatusSunset
}

func (s CollateralStatus) AllowsClose() bool {
	return s == StatusActive || s == StatusPaused || s == StatusSunset
}

func (s CollateralStatus) AllowsLiquidation() bool {
	return s == StatusActive || s == StatusPaused
}

func (s CollateralStatus) AllowsRedemption() bool { return s == StatusActive }

// PriceSource names the oracle asset pair quoted for a collateral.
type PriceSource struct {
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
}

// CollateralConfig is the per-collateral risk and operational configuration.
// Configs are never removed; status transitions retire them instead.
type CollateralConfig struct {
	Ledger   Principal `json:"ledger"`
	Decimals uint8     `json:"decimals"`
	// LedgerFee is the token transfer fee in native units, self-repaired
	// from BadFee ledger errors.
	LedgerFee uint64 `json:"ledger_fee"`

	// LiquidationRatio: below this CR a vault is liquidatable.
	LiquidationRatio math.Ratio `json:"liquidation_ratio"`
	// BorrowThresholdRatio: below this CR this collateral pushes the
	// protocol toward recovery mode.
	BorrowThresholdRatio math.Ratio `json:"borrow_threshold_ratio"`
	// LiquidationBonus multiplies seized collateral (>= 1).
	LiquidationBonus math.Ratio `json:"liquidation_bonus"`
	// BorrowingFee is the one-time mint fee in (0..1).
	BorrowingFee math.Ratio `json:"borrowing_fee"`
	// InterestRateAPR is reserved for future accrual; defaults to zero.
	InterestRateAPR math.Ratio `json:"interest_rate_apr"`
	// RecoveryTargetCR is the CR restored by recovery-mode partial liquidation.
	RecoveryTargetCR math.Ratio `json:"recovery_target_cr"`

	// DebtCeiling caps total debt for this collateral; MaxUint64 = uncapped.
	DebtCeiling uint64 `json:"debt_ceiling"`
	// MinVaultDebt is the STAB dust floor for vault debt.
	MinVaultDebt math.STAB `json:"min_vault_debt"`

	RedemptionFeeFloor   math.Ratio `json:"redemption_fee_floor"`
	RedemptionFeeCeiling math.Ratio `json:"redemption_fee_ceiling"`
	// CurrentBaseRate is the dynamic redemption base rate; spikes on
	// redemption and decays hourly.
	CurrentBaseRate math.Ratio `json:"current_base_rate"`
	// LastRedemptionTime is the decay anchor, nanoseconds.
	LastRedemptionTime uint64 `json:"last_redemption_time"`

	PriceSource PriceSource `json:"price_source"`
	// LastPrice is USD per 1 whole token; zero means no quote yet.
	LastPrice math.Ratio `json:"last_price"`
	// LastPriceTimestamp is nanoseconds; zero means no quote yet.
	LastPriceTimestamp uint64 `json:"last_price_timestamp"`

	Status CollateralStatus `json:"status"`
}

// HasPrice reports whether a usable quote is cached.
func (c *CollateralConfig) HasPrice() bool {
	return !c.LastPrice.IsNil() && c.LastPrice.IsPositive()
}

// PendingTransfer is a settlement-deferred outbound collateral movement,
// queued after the in-memory state has been committed.
type PendingTransfer struct {
	Owner          Principal      `json:"owner"`
	Amount         uint64         `json:"amount"`
	CollateralType CollateralType `json:"collateral_type"`
	// QueuedAt is nanoseconds; the health monitor re-attempts old entries.
	QueuedAt uint64 `json:"queued_at"`
}

// InitConfig seeds a fresh state: external references plus the native
// collateral's initial configuration.
type InitConfig struct {
	OraclePrincipal      Principal `json:"oracle_principal"`
	StabLedgerPrincipal  Principal `json:"stab_ledger_principal"`
	NativeLedgerPrincipal Principal `json:"native_ledger_principal"`
	DeveloperPrincipal   Principal `json:"developer_principal"`
	// BorrowingFeeE8s is the initial native-collateral borrowing fee in e8s
	// of a ratio (5_00_000 = 0.005).
	BorrowingFeeE8s uint64 `json:"borrowing_fee_e8s"`
}

// ConfigUpdate carries the mutable subset of a collateral config for
// upgrade-driven registration and updates. Nil fields are left unchanged.
type ConfigUpdate struct {
	Ledger   Principal `json:"ledger"`
	Register *CollateralConfig `json:"register,omitempty"`

	Status               *CollateralStatus `json:"status,omitempty"`
	LiquidationRatio     *math.Ratio       `json:"liquidation_ratio,omitempty"`
	BorrowThresholdRatio *math.Ratio       `json:"borrow_threshold_ratio,omitempty"`
	LiquidationBonus     *math.Ratio       `json:"liquidation_bonus,omitempty"`
	BorrowingFee         *math.Ratio       `json:"borrowing_fee,omitempty"`
	RecoveryTargetCR     *math.Ratio       `json:"recovery_target_cr,omitempty"`
	DebtCeiling          *uint64           `json:"debt_ceiling,omitempty"`
	MinVaultDebt         *math.STAB        `json:"min_vault_debt,omitempty"`
	LedgerFee            *uint64           `json:"ledger_fee,omitempty"`
	RedemptionFeeFloor   *math.Ratio       `json:"redemption_fee_floor,omitempty"`
	RedemptionFeeCeiling *math.Ratio       `json:"redemption_fee_ceiling,omitempty"`
}

// UpgradeConfig is the payload of an Upgrade event: an optional mode
// override plus collateral registrations and config updates.
type UpgradeConfig struct {
	Mode    *Mode          `json:"mode,omitempty"`
	Configs []ConfigUpdate `json:"configs,omitempty"`
}
