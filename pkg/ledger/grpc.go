package ledger

import (
	"context"

	"google.golang.org/grpc"

	"github.com/rumi-protocol/rumi-core/pkg/connection"
	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

const (
	methodTransfer     = "/rumi.ledger.v1.Ledger/Transfer"
	methodTransferFrom = "/rumi.ledger.v1.Ledger/TransferFrom"
	methodMint         = "/rumi.ledger.v1.Ledger/Mint"
	methodBalanceOf    = "/rumi.ledger.v1.Ledger/BalanceOf"
)

type transferRequest struct {
	Ledger string `json:"ledger"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount uint64 `json:"amount"`
}

type balanceRequest struct {
	Ledger string `json:"ledger"`
	Owner  string `json:"owner"`
}

// transferReply carries either a block index or the ledger's typed error.
type transferReply struct {
	BlockIndex uint64       `json:"block_index"`
	Error      *ledgerError `json:"error,omitempty"`
}

type balanceReply struct {
	Balance uint64 `json:"balance"`
}

type ledgerError struct {
	Code        string `json:"code"`
	ExpectedFee uint64 `json:"expected_fee,omitempty"`
	Balance     uint64 `json:"balance,omitempty"`
	Allowance   uint64 `json:"allowance,omitempty"`
	Duplicate   uint64 `json:"duplicate_of,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (e *ledgerError) typed() *protoerr.TransferError {
	switch e.Code {
	case "bad_fee":
		return &protoerr.TransferError{Code: protoerr.TransferBadFee, ExpectedFee: e.ExpectedFee}
	case "insufficient_funds":
		return &protoerr.TransferError{Code: protoerr.TransferInsufficientFunds, Balance: e.Balance}
	case "insufficient_allowance":
		return &protoerr.TransferError{Code: protoerr.TransferInsufficientAllowance, Allowance: e.Allowance}
	case "too_old":
		return &protoerr.TransferError{Code: protoerr.TransferTooOld}
	case "created_in_future":
		return &protoerr.TransferError{Code: protoerr.TransferCreatedInFuture}
	case "duplicate":
		return &protoerr.TransferError{Code: protoerr.TransferDuplicate, Duplicate: e.Duplicate}
	case "temporarily_unavailable":
		return &protoerr.TransferError{Code: protoerr.TransferTemporarilyUnavailable}
	}
	return &protoerr.TransferError{Code: protoerr.TransferGeneric, Msg: e.Message}
}

// GRPCClient talks to one token ledger through the gateway's gRPC surface.
type GRPCClient struct {
	ledger  types.Principal
	account types.Principal
	conns   *connection.Manager
}

// NewGRPCClient builds a client for the given ledger. account is the
// protocol's own account, the destination of transfer-from pulls.
func NewGRPCClient(ledger, account types.Principal, conns *connection.Manager) *GRPCClient {
	return &GRPCClient{ledger: ledger, account: account, conns: conns}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, reply interface{}) error {
	conn, err := c.conns.Get()
	if err != nil {
		return &protoerr.TransferError{Code: protoerr.TransferTemporarilyUnavailable}
	}
	if err := conn.Invoke(ctx, method, req, reply, grpc.CallContentSubtype(connection.CodecName)); err != nil {
		c.conns.Rotate()
		return &protoerr.TransferError{Code: protoerr.TransferTemporarilyUnavailable}
	}
	return nil
}

func (c *GRPCClient) transfer(ctx context.Context, method string, req *transferRequest) (uint64, error) {
	var reply transferReply
	if err := c.invoke(ctx, method, req, &reply); err != nil {
		return 0, err
	}
	if reply.Error != nil {
		return 0, reply.Error.typed()
	}
	return reply.BlockIndex, nil
}

func (c *GRPCClient) Transfer(ctx context.Context, to types.Principal, amount uint64) (uint64, error) {
	return c.transfer(ctx, methodTransfer, &transferRequest{
		Ledger: c.ledger.String(),
		To:     to.String(),
		Amount: amount,
	})
}

func (c *GRPCClient) TransferFrom(ctx context.Context, from types.Principal, amount uint64) (uint64, error) {
	return c.transfer(ctx, methodTransferFrom, &transferRequest{
		Ledger: c.ledger.String(),
		From:   from.String(),
		To:     c.account.String(),
		Amount: amount,
	})
}

func (c *GRPCClient) Mint(ctx context.Context, to types.Principal, amount uint64) (uint64, error) {
	return c.transfer(ctx, methodMint, &transferRequest{
		Ledger: c.ledger.String(),
		To:     to.String(),
		Amount: amount,
	})
}

func (c *GRPCClient) BalanceOf(ctx context.Context, owner types.Principal) (uint64, error) {
	var reply balanceReply
	if err := c.invoke(ctx, methodBalanceOf, &balanceRequest{
		Ledger: c.ledger.String(),
		Owner:  owner.String(),
	}, &reply); err != nil {
		return 0, err
	}
	return reply.Balance, nil
}
