// Package guard implements the concurrency discipline over in-flight
// operations: a per-principal re-entry guard with stale-entry expiry, and
// the set-if-unset singleton flags serialising the transfer drain loop and
// the oracle fetch.
package guard

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// Principal is a live per-principal guard. Release must run on every exit
// path; Complete and Fail record the outcome first.
type Principal struct {
	mgr       *state.Manager
	principal types.Principal
	released  bool

	// TraceID correlates the operation's log lines.
	TraceID string
}

// Acquire installs a guard for the principal:
//
//   - entries past the guard timeout and entries marked failed are swept;
//   - a caller whose own guard has aged past half the timeout displaces it;
//   - a live guard otherwise refuses with AlreadyProcessing;
//   - the global cap refuses with TooManyConcurrentRequests.
func Acquire(mgr *state.Manager, logger *zap.Logger, principal types.Principal, operation string, now uint64) (*Principal, error) {
	traceID := uuid.NewString()
	var acquireErr error
	_ = mgr.Mutate(func(s *state.State) error {
		s.SweepStaleGuards(now)

		if record, ok := s.Guards[principal]; ok {
			age := now - record.AcquiredAt
			if age > state.GuardTimeoutNanos/2 {
				logger.Info("displacing stale guard",
					zap.String("principal", principal.String()),
					zap.String("operation", record.Operation),
					zap.Uint64("age_seconds", age/types.SecNanos),
				)
				s.ReleaseGuard(principal)
			} else {
				logger.Info("operation already in progress",
					zap.String("principal", principal.String()),
					zap.String("operation", record.Operation),
					zap.Uint64("age_seconds", age/types.SecNanos),
				)
				acquireErr = protoerr.AlreadyProcessing()
				return nil
			}
		}

		if len(s.Guards) >= state.MaxConcurrentGuards {
			acquireErr = protoerr.TooManyConcurrentRequests()
			return nil
		}
		s.InstallGuard(principal, operation, traceID, now)
		return nil
	})
	if acquireErr != nil {
		return nil, acquireErr
	}
	return &Principal{mgr: mgr, principal: principal, TraceID: traceID}, nil
}

// Complete marks the guarded operation as finished successfully.
func (g *Principal) Complete() {
	_ = g.mgr.Mutate(func(s *state.State) error {
		s.MarkOperation(g.principal, state.OperationCompleted)
		return nil
	})
}

// Fail marks the guarded operation as failed.
func (g *Principal) Fail() {
	_ = g.mgr.Mutate(func(s *state.State) error {
		s.MarkOperation(g.principal, state.OperationFailed)
		return nil
	})
}

// Release frees the guard. Safe to defer; idempotent.
func (g *Principal) Release() {
	if g.released {
		return
	}
	g.released = true
	_ = g.mgr.Mutate(func(s *state.State) error {
		s.ReleaseGuard(g.principal)
		return nil
	})
}

// Timer is the singleton flag serialising the pending-transfer drain loop.
type Timer struct {
	mgr      *state.Manager
	released bool
}

// AcquireTimer sets the timer flag; nil when already running.
func AcquireTimer(mgr *state.Manager) *Timer {
	acquired := false
	_ = mgr.Mutate(func(s *state.State) error {
		if s.IsTimerRunning {
			return nil
		}
		s.IsTimerRunning = true
		acquired = true
		return nil
	})
	if !acquired {
		return nil
	}
	return &Timer{mgr: mgr}
}

// Release clears the timer flag.
func (g *Timer) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	_ = g.mgr.Mutate(func(s *state.State) error {
		s.IsTimerRunning = false
		return nil
	})
}

// Fetch is the singleton flag suppressing redundant oracle fetches.
type Fetch struct {
	mgr      *state.Manager
	released bool
}

// AcquireFetch sets the fetch flag; nil when a fetch is already in flight.
func AcquireFetch(mgr *state.Manager) *Fetch {
	acquired := false
	_ = mgr.Mutate(func(s *state.State) error {
		if s.IsFetchingRate {
			return nil
		}
		s.IsFetchingRate = true
		acquired = true
		return nil
	})
	if !acquired {
		return nil
	}
	return &Fetch{mgr: mgr}
}

// Release clears the fetch flag.
func (g *Fetch) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	_ = g.mgr.Mutate(func(s *state.State) error {
		s.IsFetchingRate = false
		return nil
	})
}
