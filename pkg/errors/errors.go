// Package errors defines the typed error taxonomy surfaced by protocol
// operations. Errors are values returned to callers, never panics; ledger
// failures are wrapped so that fee-related variants keep enough structure
// for the fee self-repair path.
package errors

import "fmt"

// Kind discriminates the closed set of caller-visible protocol errors.
type Kind int

const (
	// KindAnonymousCaller rejects the anonymous principal.
	KindAnonymousCaller Kind = iota
	// KindCallerNotOwner rejects operations on vaults the caller does not own.
	KindCallerNotOwner
	// KindAmountTooLow carries the minimum accepted amount.
	KindAmountTooLow
	// KindAlreadyProcessing signals a live re-entry guard for the caller.
	KindAlreadyProcessing
	// KindTooManyConcurrentRequests signals the global guard cap.
	KindTooManyConcurrentRequests
	// KindTemporarilyUnavailable covers liveness failures: read-only mode,
	// missing prices, guard cleanup windows.
	KindTemporarilyUnavailable
	// KindTransfer wraps an outbound ledger transfer failure.
	KindTransfer
	// KindTransferFrom wraps an inbound transfer-from failure.
	KindTransferFrom
	// KindGeneric covers domain invariant violations: CR breaches, status
	// refusals, dust rules, unknown vaults or collateral, depegs.
	KindGeneric
)

// Error is the single caller-visible error type of the protocol.
type Error struct {
	Kind Kind

	// Minimum is set for KindAmountTooLow.
	Minimum uint64
	// Msg is set for KindTemporarilyUnavailable and KindGeneric.
	Msg string
	// Transfer is set for KindTransfer and KindTransferFrom.
	Transfer *TransferError
	// Amount is the attempted amount for KindTransferFrom.
	Amount uint64
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAnonymousCaller:
		return "anonymous caller not allowed"
	case KindCallerNotOwner:
		return "caller is not the vault owner"
	case KindAmountTooLow:
		return fmt.Sprintf("amount too low, minimum: %d", e.Minimum)
	case KindAlreadyProcessing:
		return "already processing a request for this principal"
	case KindTooManyConcurrentRequests:
		return "too many concurrent requests"
	case KindTemporarilyUnavailable:
		return fmt.Sprintf("temporarily unavailable: %s", e.Msg)
	case KindTransfer:
		return fmt.Sprintf("transfer failed: %v", e.Transfer)
	case KindTransferFrom:
		return fmt.Sprintf("transfer-from of %d failed: %v", e.Amount, e.Transfer)
	case KindGeneric:
		return e.Msg
	}
	return "unknown protocol error"
}

func AnonymousCaller() *Error { return &Error{Kind: KindAnonymousCaller} }

func CallerNotOwner() *Error { return &Error{Kind: KindCallerNotOwner} }

func AmountTooLow(minimum uint64) *Error {
	return &Error{Kind: KindAmountTooLow, Minimum: minimum}
}

func AlreadyProcessing() *Error { return &Error{Kind: KindAlreadyProcessing} }

func TooManyConcurrentRequests() *Error {
	return &Error{Kind: KindTooManyConcurrentRequests}
}

func TemporarilyUnavailable(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTemporarilyUnavailable, Msg: fmt.Sprintf(format, args...)}
}

func Transfer(inner *TransferError) *Error {
	return &Error{Kind: KindTransfer, Transfer: inner}
}

func TransferFrom(inner *TransferError, amount uint64) *Error {
	return &Error{Kind: KindTransferFrom, Transfer: inner, Amount: amount}
}

func Generic(format string, args ...interface{}) *Error {
	return &Error{Kind: KindGeneric, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a protocol *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	pe, ok := err.(*Error)
	return ok && pe.Kind == kind
}
