// Package ledger abstracts the ICRC-1/2-shaped token contracts the protocol
// settles against: the STAB ledger and one ledger per collateral type.
// Transfers return the ledger block index on success and a typed error on
// failure; BadFee errors carry the expected fee and drive self-healing of
// the cached per-collateral transfer fees.
package ledger

import (
	"context"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// Client is one token ledger.
type Client interface {
	// Transfer moves tokens from the protocol account to the recipient.
	Transfer(ctx context.Context, to types.Principal, amount uint64) (uint64, error)
	// TransferFrom pulls tokens from the caller into the protocol account
	// using a pre-approved allowance.
	TransferFrom(ctx context.Context, from types.Principal, amount uint64) (uint64, error)
	// Mint issues fresh tokens to the recipient. Only the STAB ledger
	// grants the protocol minting rights.
	Mint(ctx context.Context, to types.Principal, amount uint64) (uint64, error)
	// BalanceOf reads an account balance.
	BalanceOf(ctx context.Context, owner types.Principal) (uint64, error)
}

// Registry resolves ledger clients by ledger principal.
type Registry struct {
	stab    Client
	native  Client
	clients map[types.Principal]Client
}

// NewRegistry builds a registry with the STAB ledger and the native
// collateral ledger pre-wired.
func NewRegistry(stabLedger types.Principal, stab Client, nativeLedger types.Principal, native Client) *Registry {
	r := &Registry{
		stab:    stab,
		native:  native,
		clients: make(map[types.Principal]Client),
	}
	r.clients[stabLedger] = stab
	r.clients[nativeLedger] = native
	return r
}

// Register wires a client for an additional collateral ledger.
func (r *Registry) Register(ledger types.Principal, c Client) {
	r.clients[ledger] = c
}

// Stab returns the STAB ledger client.
func (r *Registry) Stab() Client { return r.stab }

// ForLedger resolves the client for a ledger principal, falling back to the
// native collateral ledger for unknown or anonymous identifiers.
func (r *Registry) ForLedger(p types.Principal) Client {
	if c, ok := r.clients[p]; ok && !p.IsAnonymous() {
		return c
	}
	return r.native
}

// AsTransferError unwraps a client error into its typed ledger form,
// wrapping untyped failures as generic transfer errors.
func AsTransferError(err error) *protoerr.TransferError {
	if te, ok := err.(*protoerr.TransferError); ok {
		return te
	}
	return &protoerr.TransferError{Code: protoerr.TransferGeneric, Msg: err.Error()}
}
