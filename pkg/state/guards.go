package state

import (
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// OperationState tracks the lifecycle of a guarded operation.
type OperationState int

const (
	OperationInProgress OperationState = iota
	OperationCompleted
	OperationFailed
)

// GuardRecord is one principal's live re-entry guard.
type GuardRecord struct {
	// AcquiredAt is nanoseconds.
	AcquiredAt uint64
	State      OperationState
	// Operation names the guarded call for diagnostics.
	Operation string
	// TraceID correlates log lines across the operation's lifetime.
	TraceID string
}

// GuardTimeoutNanos is the age past which a guard is swept unconditionally.
const GuardTimeoutNanos uint64 = 5 * 60 * types.SecNanos

// MaxConcurrentGuards caps the number of simultaneously guarded operations.
const MaxConcurrentGuards = 100

// SweepStaleGuards drops guards older than the timeout and guards whose
// operation already failed.
func (s *State) SweepStaleGuards(now uint64) {
	for principal, record := range s.Guards {
		if now-record.AcquiredAt > GuardTimeoutNanos || record.State == OperationFailed {
			delete(s.Guards, principal)
		}
	}
}

// InstallGuard records a fresh guard for the principal.
func (s *State) InstallGuard(principal types.Principal, operation, traceID string, now uint64) {
	s.Guards[principal] = GuardRecord{
		AcquiredAt: now,
		State:      OperationInProgress,
		Operation:  operation,
		TraceID:    traceID,
	}
}

// ReleaseGuard removes the principal's guard.
func (s *State) ReleaseGuard(principal types.Principal) {
	delete(s.Guards, principal)
}

// MarkOperation updates the state of the principal's guarded operation.
func (s *State) MarkOperation(principal types.Principal, os OperationState) {
	record, ok := s.Guards[principal]
	if !ok {
		return
	}
	record.State = os
	s.Guards[principal] = record
}
