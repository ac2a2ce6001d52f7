// Package backoff centralises the retry schedules used for pending-transfer
// settlement.
package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// settlementOptions produce the 1, 2, 4, 8, 16 second schedule applied to a
// liquidation's queued transfers.
var settlementOptions = []backoff.ExponentialBackOffOpts{
	func(b *backoff.ExponentialBackOff) {
		b.InitialInterval = 1 * time.Second
	},
	func(b *backoff.ExponentialBackOff) {
		b.MaxInterval = 16 * time.Second
	},
	func(b *backoff.ExponentialBackOff) {
		b.Multiplier = 2
	},
	func(b *backoff.ExponentialBackOff) {
		b.RandomizationFactor = 0
	},
	func(b *backoff.ExponentialBackOff) {
		b.MaxElapsedTime = 60 * time.Second
	},
}

// SettlementRetries is the retry budget after the immediate attempt.
const SettlementRetries = 5

// NewSettlement returns the settlement retry schedule bound to ctx.
func NewSettlement(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(settlementOptions...)
	return backoff.WithContext(backoff.WithMaxRetries(b, SettlementRetries), ctx)
}
