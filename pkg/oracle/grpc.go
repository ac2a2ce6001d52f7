package oracle

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/rumi-protocol/rumi-core/pkg/connection"
)

const methodGetExchangeRate = "/rumi.oracle.v1.Oracle/GetExchangeRate"

type rateRequest struct {
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
}

type rateReply struct {
	Rate      uint64 `json:"rate"`
	Decimals  uint32 `json:"decimals"`
	Timestamp uint64 `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// GRPCClient fetches quotes from the exchange-rate service.
type GRPCClient struct {
	conns *connection.Manager
}

func NewGRPCClient(conns *connection.Manager) *GRPCClient {
	return &GRPCClient{conns: conns}
}

func (c *GRPCClient) GetExchangeRate(ctx context.Context, base, quote string) (Quote, error) {
	conn, err := c.conns.Get()
	if err != nil {
		return Quote{}, err
	}
	var reply rateReply
	req := &rateRequest{BaseAsset: base, QuoteAsset: quote}
	if err := conn.Invoke(ctx, methodGetExchangeRate, req, &reply, grpc.CallContentSubtype(connection.CodecName)); err != nil {
		c.conns.Rotate()
		return Quote{}, fmt.Errorf("exchange rate call failed: %w", err)
	}
	if reply.Error != "" {
		return Quote{}, fmt.Errorf("exchange rate service: %s", reply.Error)
	}
	return Quote{Rate: reply.Rate, Decimals: reply.Decimals, Timestamp: reply.Timestamp}, nil
}
