package store

import (
	"context"
	"sync"

	"github.com/rumi-protocol/rumi-core/pkg/event"
)

// MemoryLog keeps the event log in memory. Used by tests and local runs.
type MemoryLog struct {
	mu     sync.Mutex
	events []event.Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, e event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *MemoryLog) Events(_ context.Context) ([]event.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

func (l *MemoryLog) Count(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.events)), nil
}
