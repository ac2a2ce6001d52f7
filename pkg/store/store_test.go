package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

func TestMemoryLogAppendsInOrder(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, event.Event{Type: event.TypeInit, Timestamp: 1}))
	require.NoError(t, log.Append(ctx, event.Event{Type: event.TypeOpenVault, Timestamp: 2}))

	count, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	events, err := log.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeInit, events[0].Type)
	assert.Equal(t, event.TypeOpenVault, events[1].Type)
}

// TestEventRoundTrip pins the serialized form the Postgres log relies on:
// the full event survives a JSON round trip.
func TestEventRoundTrip(t *testing.T) {
	rate := math.MustRatio("5.25")
	baseRate := math.MustRatio("0.0075")
	mode := types.Recovery
	block := uint64(17)
	original := event.Event{
		Type:           event.TypeRedemptionOnVaults,
		Timestamp:      42,
		Owner:          "alice",
		CollateralType: "native-ledger",
		StabAmount:     1_000_000_000,
		FeeAmount:      5_000_000,
		Rate:           &rate,
		BaseRate:       &baseRate,
		StabBlockIndex: 7,
		Mode:           &mode,
		BlockIndex:     &block,
	}

	payload, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded event.Event
	require.NoError(t, json.Unmarshal(payload, &decoded))

	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.Owner, decoded.Owner)
	assert.Equal(t, original.StabAmount, decoded.StabAmount)
	require.NotNil(t, decoded.Rate)
	assert.True(t, rate.Equal(*decoded.Rate))
	require.NotNil(t, decoded.BaseRate)
	assert.True(t, baseRate.Equal(*decoded.BaseRate))
	require.NotNil(t, decoded.Mode)
	assert.Equal(t, types.Recovery, *decoded.Mode)
	require.NotNil(t, decoded.BlockIndex)
	assert.Equal(t, block, *decoded.BlockIndex)
}
