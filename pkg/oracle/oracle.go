// Package oracle enforces the price-freshness contract over the external
// quote service: price-sensitive operations refetch on demand when the
// cached quote is stale, the native collateral is polled lazily in the
// background, and stable repayment tokens are checked against a depeg band.
package oracle

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/rumi-protocol/rumi-core/pkg/math"
)

// Quote is one exchange-rate observation. The effective price is
// rate / 10^decimals USD per whole base token.
type Quote struct {
	Rate      uint64 `json:"rate"`
	Decimals  uint32 `json:"decimals"`
	Timestamp uint64 `json:"timestamp"`
}

// Price converts the raw quote into a decimal USD price.
func (q Quote) Price() math.Ratio {
	if q.Decimals == 0 {
		return math.DecFromUint64(q.Rate)
	}
	scale := sdkmath.LegacyNewDec(10).Power(uint64(q.Decimals))
	return math.DecFromUint64(q.Rate).Quo(scale)
}

// Client fetches exchange rates from the quote service.
type Client interface {
	GetExchangeRate(ctx context.Context, base, quote string) (Quote, error)
}

// Freshness thresholds, spec'd in seconds of quote age.
const (
	// FreshnessThresholdNanos bounds the cached price age accepted by
	// price-sensitive operations.
	FreshnessThresholdNanos uint64 = 30 * 1_000_000_000
	// StableFreshnessThresholdNanos is the laxer bound for stable-token
	// quotes, which move slowly.
	StableFreshnessThresholdNanos uint64 = 60 * 1_000_000_000
	// PollIntervalSeconds is the lazy background refresh cadence for the
	// native collateral.
	PollIntervalSeconds = 300
)

// Depeg band for stable repayment tokens.
var (
	DepegLowerBound = math.MustRatio("0.95")
	DepegUpperBound = math.MustRatio("1.05")
)

// PriceFloor switches the protocol to read-only when the native collateral
// quote collapses below it; a sub-cent quote is treated as an oracle fault.
var PriceFloor = math.MustRatio("0.01")

// CheckDepegBand verifies a stable-token price sits inside the safe band.
func CheckDepegBand(symbol string, price math.Ratio) error {
	if price.LT(DepegLowerBound) || price.GT(DepegUpperBound) {
		return fmt.Errorf("%s appears to be depegged (current price: $%s); operations with this token are suspended until the price returns to the $%s-$%s range",
			symbol, price.String(), DepegLowerBound.String(), DepegUpperBound.String())
	}
	return nil
}
