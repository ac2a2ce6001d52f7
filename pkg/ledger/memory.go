package ledger

import (
	"context"
	"sync"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// MemoryLedger is an in-process ledger double for tests and local runs. It
// tracks balances and can be primed to fail the next call with a specific
// typed error. The configured fee is stored but not charged: transfers move
// the full amount, and a BadFee error arises only through FailNext.
type MemoryLedger struct {
	mu sync.Mutex

	balances map[types.Principal]uint64
	fee      uint64
	next     uint64

	failNext *protoerr.TransferError
}

// NewMemoryLedger builds an empty ledger with the given transfer fee.
func NewMemoryLedger(fee uint64) *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[types.Principal]uint64),
		fee:      fee,
		next:     1,
	}
}

// SetBalance seeds an account.
func (l *MemoryLedger) SetBalance(owner types.Principal, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = amount
}

// FailNext makes the next transfer-shaped call fail with err.
func (l *MemoryLedger) FailNext(err *protoerr.TransferError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// SetFee changes the stored fee; transfers neither charge nor check it.
func (l *MemoryLedger) SetFee(fee uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fee = fee
}

func (l *MemoryLedger) takeFailure() *protoerr.TransferError {
	err := l.failNext
	l.failNext = nil
	return err
}

func (l *MemoryLedger) Transfer(_ context.Context, to types.Principal, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return 0, err
	}
	l.balances[to] += amount
	idx := l.next
	l.next++
	return idx, nil
}

func (l *MemoryLedger) TransferFrom(_ context.Context, from types.Principal, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return 0, err
	}
	balance := l.balances[from]
	if balance < amount {
		return 0, &protoerr.TransferError{Code: protoerr.TransferInsufficientFunds, Balance: balance}
	}
	l.balances[from] = balance - amount
	idx := l.next
	l.next++
	return idx, nil
}

func (l *MemoryLedger) Mint(_ context.Context, to types.Principal, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return 0, err
	}
	l.balances[to] += amount
	idx := l.next
	l.next++
	return idx, nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, owner types.Principal) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner], nil
}
