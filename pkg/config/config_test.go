package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumi-protocol/rumi-core/pkg/math"
)

const sampleConfig = `
oracle_principal = "oracle"
stab_ledger_principal = "stab-ledger"
native_ledger_principal = "native-ledger"
developer_principal = "developer"
borrowing_fee_e8s = 500000

[[ledger_endpoints]]
grpc_server_address = "ledger-gateway:9090"
grpc_tls = true
grpc_api_token = "token-1"

[[oracle_endpoints]]
grpc_server_address = "oracle-gateway:9090"

[database]
host = "db"
port = 5432
user = "rumi"
password = "secret"
dbname = "protocol"

[[collateral]]
ledger = "ckbtc-ledger"
decimals = 8
ledger_fee = 10
base_asset = "BTC"
quote_asset = "USD"
liquidation_ratio = "1.33"
borrow_threshold_ratio = "1.5"
liquidation_bonus = "1.15"
borrowing_fee = "0.005"
recovery_target_cr = "1.55"
min_vault_debt = 1000000
redemption_fee_floor = "0.005"
redemption_fee_ceiling = "0.05"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "oracle", cfg.OraclePrincipal)
	assert.Equal(t, uint64(500_000), cfg.BorrowingFeeE8s)

	require.Len(t, cfg.LedgerEndpoints, 1)
	assert.Equal(t, "ledger-gateway:9090", cfg.LedgerEndpoints[0].Address)
	assert.True(t, cfg.LedgerEndpoints[0].UseTLS)

	assert.Equal(t, "protocol", cfg.Database.DBName)

	require.Len(t, cfg.Collaterals, 1)
	c := cfg.Collaterals[0]
	assert.Equal(t, "ckbtc-ledger", c.Ledger)
	assert.Equal(t, uint8(8), c.Decimals)
	require.True(t, c.LiquidationRatio.IsSet())
	assert.Equal(t, math.MustRatio("1.33"), c.LiquidationRatio.Value)
	assert.Equal(t, math.MustRatio("0.005"), c.BorrowingFee.Value)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoadConfigRejectsBadRatio(t *testing.T) {
	bad := sampleConfig + "\n[[collateral]]\nledger = \"x\"\nliquidation_ratio = \"not-a-number\"\n"
	_, err := LoadConfig(writeConfig(t, bad))
	require.Error(t, err)
}

func TestDecodeConfigRatioHook(t *testing.T) {
	input := map[string]interface{}{
		"ledger":            "ledger-x",
		"liquidation_ratio": "1.4",
	}
	var out Collateral
	require.NoError(t, DecodeConfig(input, &out))
	assert.Equal(t, "ledger-x", out.Ledger)
	assert.Equal(t, math.MustRatio("1.4"), out.LiquidationRatio.Value)
}
