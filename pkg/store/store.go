// Package store persists the append-only event log. The surrounding runtime
// replays the full log through pkg/replay on restart; the log is therefore
// the protocol's only durable state.
package store

import (
	"context"
	"errors"

	"github.com/rumi-protocol/rumi-core/pkg/event"
)

// Log is an append-only event store. Append must be durable before it
// returns: the state machine mutates memory only after the event is written.
type Log interface {
	event.Sink

	// Events returns the full log in append order.
	Events(ctx context.Context) ([]event.Event, error)
	// Count returns the number of stored events.
	Count(ctx context.Context) (uint64, error)
}

var (
	// Validation errors.
	ErrMissingDBName = errors.New("database name is required")

	// Connection errors.
	ErrInvalidConfig = errors.New("invalid database configuration")
	ErrFailedConnect = errors.New("failed to connect to database")
	ErrFailedPing    = errors.New("failed to ping database")
)
