// Package config loads the protocol's TOML configuration: external
// principals, gRPC endpoints for the ledgers and the oracle, the event log
// database, and per-collateral risk parameters.
package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"

	sdkmath "cosmossdk.io/math"

	"github.com/rumi-protocol/rumi-core/pkg/connection"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/store"
)

// Collateral configures one collateral type. Ratio fields are decimal
// strings ("1.33"); omitted fields fall back to protocol defaults.
type Collateral struct {
	Ledger               string `toml:"ledger" mapstructure:"ledger"`
	Decimals             uint8  `toml:"decimals" mapstructure:"decimals"`
	LedgerFee            uint64 `toml:"ledger_fee" mapstructure:"ledger_fee"`
	BaseAsset            string `toml:"base_asset" mapstructure:"base_asset"`
	QuoteAsset           string `toml:"quote_asset" mapstructure:"quote_asset"`
	LiquidationRatio     Ratio  `toml:"liquidation_ratio" mapstructure:"liquidation_ratio"`
	BorrowThresholdRatio Ratio  `toml:"borrow_threshold_ratio" mapstructure:"borrow_threshold_ratio"`
	LiquidationBonus     Ratio  `toml:"liquidation_bonus" mapstructure:"liquidation_bonus"`
	BorrowingFee         Ratio  `toml:"borrowing_fee" mapstructure:"borrowing_fee"`
	RecoveryTargetCR     Ratio  `toml:"recovery_target_cr" mapstructure:"recovery_target_cr"`
	DebtCeiling          uint64 `toml:"debt_ceiling" mapstructure:"debt_ceiling"`
	MinVaultDebt         uint64 `toml:"min_vault_debt" mapstructure:"min_vault_debt"`
	RedemptionFeeFloor   Ratio  `toml:"redemption_fee_floor" mapstructure:"redemption_fee_floor"`
	RedemptionFeeCeiling Ratio  `toml:"redemption_fee_ceiling" mapstructure:"redemption_fee_ceiling"`
}

// Config is the top-level protocol configuration.
type Config struct {
	OraclePrincipal       string `toml:"oracle_principal" mapstructure:"oracle_principal"`
	StabLedgerPrincipal   string `toml:"stab_ledger_principal" mapstructure:"stab_ledger_principal"`
	NativeLedgerPrincipal string `toml:"native_ledger_principal" mapstructure:"native_ledger_principal"`
	DeveloperPrincipal    string `toml:"developer_principal" mapstructure:"developer_principal"`
	// BorrowingFeeE8s is the initial native borrowing fee as a ratio in e8s.
	BorrowingFeeE8s uint64 `toml:"borrowing_fee_e8s" mapstructure:"borrowing_fee_e8s"`

	LedgerEndpoints []connection.Endpoint `toml:"ledger_endpoints" mapstructure:"ledger_endpoints"`
	OracleEndpoints []connection.Endpoint `toml:"oracle_endpoints" mapstructure:"oracle_endpoints"`

	Database store.Config `toml:"database" mapstructure:"database"`

	Collaterals []Collateral `toml:"collateral" mapstructure:"collateral"`
}

// LoadConfig reads and parses the TOML file at configPath.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found at path: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// DecodeConfig maps loosely-typed input (e.g. re-marshalled TOML tables)
// onto a typed config structure, converting ratio strings on the way.
func DecodeConfig(input interface{}, output interface{}) error {
	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook:       RatioDecodeHook,
		Result:           output,
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// Ratio wraps a decimal ratio for TOML unmarshalling.
type Ratio struct {
	Value math.Ratio
}

// IsSet reports whether the ratio was present in the config.
func (r Ratio) IsSet() bool { return !r.Value.IsNil() }

// UnmarshalText implements TOML unmarshalling for Ratio.
func (r *Ratio) UnmarshalText(text []byte) error {
	dec, err := sdkmath.LegacyNewDecFromStr(string(text))
	if err != nil {
		return fmt.Errorf("invalid ratio value %q: %w", string(text), err)
	}
	r.Value = dec
	return nil
}

// MarshalText implements TOML marshalling for Ratio.
func (r Ratio) MarshalText() ([]byte, error) {
	if r.Value.IsNil() {
		return []byte("0"), nil
	}
	return []byte(r.Value.String()), nil
}

// RatioDecodeHook converts ratio strings for mapstructure decoding.
func RatioDecodeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(Ratio{}) {
		return data, nil
	}

	switch from.Kind() {
	case reflect.String:
		str, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for ratio, got %T", data)
		}
		dec, err := sdkmath.LegacyNewDecFromStr(str)
		if err != nil {
			return nil, fmt.Errorf("invalid ratio value %q: %w", str, err)
		}
		return Ratio{Value: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported type for ratio: %s", from.Kind())
	}
}
