package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

const testNative = types.Principal("native-ledger")

func newTestService(t *testing.T, now time.Time) (*Service, *state.Manager, *MemoryClient) {
	t.Helper()
	st := state.New(types.InitConfig{
		OraclePrincipal:       "oracle",
		StabLedgerPrincipal:   "stab-ledger",
		NativeLedgerPrincipal: testNative,
		DeveloperPrincipal:    "developer",
	})
	mgr := state.NewManager(st)
	client := NewMemoryClient()
	svc := NewService(zap.NewNop(), mgr, client, func() time.Time { return now })
	return svc, mgr, client
}

func TestQuotePrice(t *testing.T) {
	testCases := []struct {
		name     string
		quote    Quote
		expected string
	}{
		{name: "whole dollars", quote: Quote{Rate: 5, Decimals: 0}, expected: "5"},
		{name: "scaled rate", quote: Quote{Rate: 512_345_678, Decimals: 8}, expected: "5.12345678"},
		{name: "sub-dollar", quote: Quote{Rate: 95, Decimals: 2}, expected: "0.95"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, math.MustRatio(tc.expected), tc.quote.Price())
		})
	}
}

func TestEnsureFreshPriceFetchesOnDemand(t *testing.T) {
	now := time.Unix(5_000_000, 0)
	svc, mgr, client := newTestService(t, now)
	client.SetQuote("ICP", "USD", Quote{Rate: 5, Decimals: 0, Timestamp: uint64(now.Unix())})

	require.NoError(t, svc.EnsureFreshPrice(context.Background(), testNative))

	mgr.Read(func(s *state.State) {
		cfg := s.Config(testNative)
		assert.Equal(t, math.MustRatio("5"), cfg.LastPrice)
		assert.Equal(t, uint64(now.UnixNano()), cfg.LastPriceTimestamp)
	})
}

func TestEnsureFreshPriceKeepsCachedQuote(t *testing.T) {
	now := time.Unix(5_000_000, 0)
	svc, mgr, client := newTestService(t, now)
	_ = mgr.Mutate(func(s *state.State) error {
		s.SetPrice(testNative, math.MustRatio("5"), uint64(now.UnixNano()))
		return nil
	})
	client.SetError(errors.New("oracle down"))

	require.NoError(t, svc.EnsureFreshPrice(context.Background(), testNative),
		"a fresh cached quote must not require the oracle")
}

func TestEnsureFreshPriceFailsWithoutAnyQuote(t *testing.T) {
	now := time.Unix(5_000_000, 0)
	svc, _, client := newTestService(t, now)
	client.SetError(errors.New("oracle down"))

	err := svc.EnsureFreshPrice(context.Background(), testNative)
	require.True(t, protoerr.IsKind(err, protoerr.KindTemporarilyUnavailable))
}

func TestFetchPriceFloorSwitchesToReadOnly(t *testing.T) {
	now := time.Unix(5_000_000, 0)
	svc, mgr, client := newTestService(t, now)
	client.SetQuote("ICP", "USD", Quote{Rate: 5, Decimals: 3, Timestamp: uint64(now.Unix())}) // $0.005

	require.NoError(t, svc.FetchPrice(context.Background(), testNative))
	mgr.Read(func(s *state.State) {
		assert.Equal(t, types.ReadOnly, s.Mode)
	})
}

func TestEnsureStableNotDepegged(t *testing.T) {
	now := time.Unix(5_000_000, 0)
	svc, _, client := newTestService(t, now)

	client.SetQuote("USDT", "USD", Quote{Rate: 100, Decimals: 2, Timestamp: uint64(now.Unix())})
	require.NoError(t, svc.EnsureStableNotDepegged(context.Background(), "USDT"))

	client.SetQuote("USDC", "USD", Quote{Rate: 90, Decimals: 2, Timestamp: uint64(now.Unix())})
	err := svc.EnsureStableNotDepegged(context.Background(), "USDC")
	require.True(t, protoerr.IsKind(err, protoerr.KindGeneric), "a $0.90 stable is depegged")
}

func TestDepegBand(t *testing.T) {
	assert.NoError(t, CheckDepegBand("USDT", math.MustRatio("1.0")))
	assert.NoError(t, CheckDepegBand("USDT", math.MustRatio("0.95")))
	assert.NoError(t, CheckDepegBand("USDT", math.MustRatio("1.05")))
	assert.Error(t, CheckDepegBand("USDT", math.MustRatio("0.949")))
	assert.Error(t, CheckDepegBand("USDT", math.MustRatio("1.051")))
}
