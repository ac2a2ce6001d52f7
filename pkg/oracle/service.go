package oracle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	protoerr "github.com/rumi-protocol/rumi-core/pkg/errors"
	"github.com/rumi-protocol/rumi-core/pkg/guard"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// Service is the freshness layer between the state's cached prices and the
// quote client.
type Service struct {
	logger *zap.Logger
	mgr    *state.Manager
	client Client
	clock  func() time.Time

	mu     sync.Mutex
	stable map[string]Quote
}

// NewService wires the freshness layer. clock defaults to time.Now.
func NewService(logger *zap.Logger, mgr *state.Manager, client Client, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		logger: logger,
		mgr:    mgr,
		client: client,
		clock:  clock,
		stable: make(map[string]Quote),
	}
}

func (s *Service) now() uint64 { return uint64(s.clock().UnixNano()) }

// EnsureFreshPrice guarantees the collateral's cached price is younger than
// the freshness threshold, refetching on demand. Returns
// TemporarilyUnavailable when no quote can be obtained and none is cached.
func (s *Service) EnsureFreshPrice(ctx context.Context, ct types.CollateralType) error {
	now := s.now()

	var stale bool
	var known bool
	s.mgr.Read(func(st *state.State) {
		cfg := st.Config(ct)
		if cfg == nil {
			return
		}
		known = true
		stale = !cfg.HasPrice() || now-cfg.LastPriceTimestamp > FreshnessThresholdNanos
	})
	if !known {
		return protoerr.Generic("unknown collateral type %s", ct)
	}
	if stale {
		if err := s.FetchPrice(ctx, ct); err != nil {
			s.logger.Warn("on-demand price fetch failed",
				zap.String("collateral", ct.String()),
				zap.Error(err),
			)
		}
	}

	var hasPrice bool
	s.mgr.Read(func(st *state.State) {
		cfg := st.Config(ct)
		hasPrice = cfg != nil && cfg.HasPrice()
	})
	if !hasPrice {
		return protoerr.TemporarilyUnavailable("no price available for collateral %s", ct)
	}
	return nil
}

// FetchPrice pulls a fresh quote for the collateral and caches it. Updating
// the cache refreshes the total collateral ratio and the protocol mode. A
// native-collateral quote below the price floor flips the protocol to
// read-only.
func (s *Service) FetchPrice(ctx context.Context, ct types.CollateralType) error {
	var source types.PriceSource
	var isNative bool
	var known bool
	s.mgr.Read(func(st *state.State) {
		cfg := st.Config(ct)
		if cfg == nil {
			return
		}
		known = true
		source = cfg.PriceSource
		isNative = st.ResolveCollateral(ct) == st.NativeLedgerPrincipal
	})
	if !known {
		return protoerr.Generic("unknown collateral type %s", ct)
	}

	quote, err := s.client.GetExchangeRate(ctx, source.BaseAsset, source.QuoteAsset)
	if err != nil {
		return protoerr.TemporarilyUnavailable("quote service failed for %s/%s: %v", source.BaseAsset, source.QuoteAsset, err)
	}
	price := quote.Price()
	s.logger.Debug("fetched price",
		zap.String("collateral", ct.String()),
		zap.String("pair", source.BaseAsset+"/"+source.QuoteAsset),
		zap.String("price", price.String()),
	)

	return s.mgr.Mutate(func(st *state.State) error {
		st.SetPrice(ct, price, quote.Timestamp*types.SecNanos)
		if isNative && price.LT(PriceFloor) {
			s.logger.Warn("native collateral price below floor, switching to read-only",
				zap.String("price", price.String()),
			)
			st.Mode = types.ReadOnly
		}
		return nil
	})
}

// FetchNative refreshes the native collateral price behind the fetch
// singleton, then logs any vaults that became liquidatable. The background
// poller and on-demand refreshes share this path; a redundant concurrent
// fetch is skipped.
func (s *Service) FetchNative(ctx context.Context) {
	g := guard.AcquireFetch(s.mgr)
	if g == nil {
		return
	}
	defer g.Release()

	var native types.CollateralType
	s.mgr.Read(func(st *state.State) { native = st.NativeLedgerPrincipal })
	if err := s.FetchPrice(ctx, native); err != nil {
		s.logger.Warn("background price fetch failed", zap.Error(err))
		return
	}
	s.logLiquidatable()
}

// logLiquidatable reports vaults below their per-collateral liquidation
// floor. The protocol never auto-liquidates; external liquidators act on
// these.
func (s *Service) logLiquidatable() {
	s.mgr.Read(func(st *state.State) {
		if st.Mode == types.ReadOnly {
			return
		}
		for _, id := range st.SortedVaultIDs() {
			vault := st.Vaults[id]
			ratio := st.VaultCollateralRatio(vault)
			floor := st.MinLiquidationRatioFor(vault.CollateralType)
			if ratio.LT(floor) {
				s.logger.Info("liquidatable vault",
					zap.Uint64("vault_id", id),
					zap.String("owner", vault.Owner.String()),
					zap.Uint64("borrowed", uint64(vault.Borrowed)),
					zap.Uint64("collateral", vault.CollateralAmount),
					zap.String("ratio", ratio.String()),
					zap.String("min_ratio", floor.String()),
				)
			}
		}
	})
}

// EnsureStableNotDepegged verifies a stable repayment token trades inside
// the depeg band, refetching its quote when the cached one is older than the
// stable freshness threshold.
func (s *Service) EnsureStableNotDepegged(ctx context.Context, symbol string) error {
	now := s.now()

	s.mu.Lock()
	cached, ok := s.stable[symbol]
	s.mu.Unlock()

	if !ok || now-cached.Timestamp*types.SecNanos > StableFreshnessThresholdNanos {
		quote, err := s.client.GetExchangeRate(ctx, symbol, "USD")
		if err != nil {
			return protoerr.TemporarilyUnavailable("cannot verify %s price: %v", symbol, err)
		}
		s.mu.Lock()
		s.stable[symbol] = quote
		cached = quote
		s.mu.Unlock()
	}

	if err := CheckDepegBand(symbol, cached.Price()); err != nil {
		return protoerr.Generic("%v", err)
	}
	return nil
}
