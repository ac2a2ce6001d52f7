// Package query exposes the read-only introspection surface: protocol
// status, vault listings, fee quotes, liquidation candidates, and paged
// event history. Everything here is a pure read of state or log.
package query

import (
	"context"

	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/store"
	"github.com/rumi-protocol/rumi-core/pkg/types"
)

// MaxEventPage caps one page of event history.
const MaxEventPage = 2000

// Service answers read-only queries.
type Service struct {
	mgr *state.Manager
	log store.Log
}

func NewService(mgr *state.Manager, log store.Log) *Service {
	return &Service{mgr: mgr, log: log}
}

// CollateralStatus summarises one collateral type.
type CollateralStatus struct {
	Ledger          types.Principal
	Status          types.CollateralStatus
	LastPrice       math.Ratio
	TotalCollateral uint64
	TotalDebt       math.STAB
}

// ProtocolStatus is the aggregate protocol view.
type ProtocolStatus struct {
	Mode                  types.Mode
	TotalCollateralRatio  math.Ratio
	RecoveryModeThreshold math.Ratio
	TotalDebt             math.STAB
	DustForgivenTotal     math.STAB
	VaultCount            int
	Collaterals           []CollateralStatus
}

// Status reports the aggregate protocol view.
func (q *Service) Status() ProtocolStatus {
	var status ProtocolStatus
	q.mgr.Read(func(s *state.State) {
		status = ProtocolStatus{
			Mode:                  s.Mode,
			TotalCollateralRatio:  s.TotalCollateralRatio,
			RecoveryModeThreshold: s.RecoveryModeThreshold,
			TotalDebt:             s.TotalBorrowed(),
			DustForgivenTotal:     s.DustForgivenTotal,
			VaultCount:            len(s.Vaults),
		}
		for ct, cfg := range s.Configs {
			status.Collaterals = append(status.Collaterals, CollateralStatus{
				Ledger:          ct,
				Status:          cfg.Status,
				LastPrice:       cfg.LastPrice,
				TotalCollateral: s.TotalCollateralFor(ct),
				TotalDebt:       s.TotalDebtFor(ct),
			})
		}
	})
	return status
}

// Vaults lists vaults, restricted to one owner when owner is non-empty,
// ascending by vault id.
func (q *Service) Vaults(owner types.Principal) []types.Vault {
	var vaults []types.Vault
	q.mgr.Read(func(s *state.State) {
		for _, id := range s.SortedVaultIDs() {
			v := s.Vaults[id]
			if owner != "" && v.Owner != owner {
				continue
			}
			vaults = append(vaults, *v)
		}
	})
	return vaults
}

// LiquidatableVaults lists vaults below their per-collateral liquidation
// floor under the current mode.
func (q *Service) LiquidatableVaults() []types.Vault {
	var vaults []types.Vault
	q.mgr.Read(func(s *state.State) {
		for _, id := range s.SortedVaultIDs() {
			v := s.Vaults[id]
			if s.VaultCollateralRatio(v).LT(s.MinLiquidationRatioFor(v.CollateralType)) {
				vaults = append(vaults, *v)
			}
		}
	})
	return vaults
}

// Fees quotes the current fee rates for a collateral and redemption size.
type Fees struct {
	BorrowingFee  math.Ratio
	RedemptionFee math.Ratio
}

// FeesFor quotes current fees at the given time.
func (q *Service) FeesFor(ct types.CollateralType, redeemAmount math.STAB, now uint64) Fees {
	var fees Fees
	q.mgr.Read(func(s *state.State) {
		fees = Fees{
			BorrowingFee:  s.BorrowingFeeFor(ct),
			RedemptionFee: s.RedemptionFeeFor(ct, redeemAmount, now),
		}
	})
	return fees
}

// LiquidityStatus reports one provider's pool position.
type LiquidityStatus struct {
	Provided       math.STAB
	TotalProvided  math.STAB
	PoolShare      math.Ratio
	Returns        uint64
	TotalReturns   uint64
}

// Liquidity reports the pool position of one provider.
func (q *Service) Liquidity(owner types.Principal) LiquidityStatus {
	var ls LiquidityStatus
	q.mgr.Read(func(s *state.State) {
		ls.Provided = s.LiquidityPool[owner]
		ls.TotalProvided = s.TotalProvidedLiquidity()
		ls.Returns = s.LiquidityReturns[owner]
		ls.TotalReturns = s.TotalAvailableReturns()
		ls.PoolShare = math.RatioOf(ls.Provided, ls.TotalProvided)
	})
	return ls
}

// Events returns a page of the event log, capped at MaxEventPage.
func (q *Service) Events(ctx context.Context, start, length uint64) ([]event.Event, error) {
	if length > MaxEventPage {
		length = MaxEventPage
	}
	all, err := q.log.Events(ctx)
	if err != nil {
		return nil, err
	}
	if start >= uint64(len(all)) {
		return nil, nil
	}
	end := start + length
	if end > uint64(len(all)) {
		end = uint64(len(all))
	}
	return all[start:end], nil
}

// VaultHistory returns the events touching one vault.
func (q *Service) VaultHistory(ctx context.Context, id types.VaultID) ([]event.Event, error) {
	all, err := q.log.Events(ctx)
	if err != nil {
		return nil, err
	}
	var related []event.Event
	for i := range all {
		if all[i].IsVaultRelated(id) {
			related = append(related, all[i])
		}
	}
	return related, nil
}
