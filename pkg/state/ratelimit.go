package state

import (
	"fmt"

	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// Close-vault rate limits.
const (
	closePerUserPerMinute   = 5
	closePerUserPerDay      = 60
	closeGlobalPerMinute    = 300
	closeGlobalPerDay       = 30_000
	closeMaxConcurrent      = 200
	minuteNanos      uint64 = 60 * types.SecNanos
	dayNanos         uint64 = 24 * 60 * minuteNanos
)

// CheckCloseRateLimit enforces the per-principal and global close-vault rate
// limits. Timestamps older than 24 hours are pruned lazily on each check.
func (s *State) CheckCloseRateLimit(principal types.Principal, now uint64) error {
	cutoff := saturatingSub(now, dayNanos)

	if user, ok := s.CloseRequests[principal]; ok {
		s.CloseRequests[principal] = pruneBefore(user, cutoff)
	}
	s.GlobalCloseRequests = pruneBefore(s.GlobalCloseRequests, cutoff)

	minuteCutoff := saturatingSub(now, minuteNanos)
	user := s.CloseRequests[principal]
	if countAfter(user, minuteCutoff) >= closePerUserPerMinute {
		return fmt.Errorf("rate limit exceeded: maximum %d close_vault calls per minute per user", closePerUserPerMinute)
	}
	if len(user) >= closePerUserPerDay {
		return fmt.Errorf("rate limit exceeded: maximum %d close_vault calls per day per user", closePerUserPerDay)
	}
	if countAfter(s.GlobalCloseRequests, minuteCutoff) >= closeGlobalPerMinute {
		return fmt.Errorf("rate limit exceeded: maximum %d close_vault calls per minute globally", closeGlobalPerMinute)
	}
	if len(s.GlobalCloseRequests) >= closeGlobalPerDay {
		return fmt.Errorf("rate limit exceeded: maximum %d close_vault calls per day globally", closeGlobalPerDay)
	}
	if s.ConcurrentCloseOps >= closeMaxConcurrent {
		return fmt.Errorf("rate limit exceeded: maximum %d concurrent close_vault operations", closeMaxConcurrent)
	}
	return nil
}

// RecordCloseRequest registers a close attempt for rate accounting.
func (s *State) RecordCloseRequest(principal types.Principal, now uint64) {
	s.CloseRequests[principal] = append(s.CloseRequests[principal], now)
	s.GlobalCloseRequests = append(s.GlobalCloseRequests, now)
	s.ConcurrentCloseOps++
}

// CompleteCloseRequest releases one concurrent close slot.
func (s *State) CompleteCloseRequest() {
	if s.ConcurrentCloseOps > 0 {
		s.ConcurrentCloseOps--
	}
}

func pruneBefore(timestamps []uint64, cutoff uint64) []uint64 {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return kept
}

func countAfter(timestamps []uint64, cutoff uint64) int {
	n := 0
	for _, ts := range timestamps {
		if ts > cutoff {
			n++
		}
	}
	return n
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
