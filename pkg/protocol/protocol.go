// Package protocol wires the engines together and runs the background
// loops: the lazy native-price poller, the pending-transfer drain, and the
// stuck-transfer health monitor. On start it either initialises a fresh
// state from configuration or replays the persisted event log.
package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rumi-protocol/rumi-core/pkg/config"
	"github.com/rumi-protocol/rumi-core/pkg/event"
	"github.com/rumi-protocol/rumi-core/pkg/executor"
	"github.com/rumi-protocol/rumi-core/pkg/ledger"
	"github.com/rumi-protocol/rumi-core/pkg/math"
	"github.com/rumi-protocol/rumi-core/pkg/oracle"
	"github.com/rumi-protocol/rumi-core/pkg/pool"
	"github.com/rumi-protocol/rumi-core/pkg/query"
	"github.com/rumi-protocol/rumi-core/pkg/replay"
	"github.com/rumi-protocol/rumi-core/pkg/state"
	"github.com/rumi-protocol/rumi-core/pkg/store"
	"github.com/rumi-protocol/rumi-core/pkg/types"
	"github.com/rumi-protocol/rumi-core/pkg/vault"
)

// Background cadences.
const (
	pricePollInterval     = oracle.PollIntervalSeconds * time.Second
	healthMonitorInterval = 5 * time.Minute
)

// Protocol is the assembled CDP core.
type Protocol struct {
	Logger *zap.Logger

	Manager  *state.Manager
	Log      store.Log
	Ledgers  *ledger.Registry
	Oracle   *oracle.Service
	Vaults   *vault.Engine
	Pool     *pool.Engine
	Executor *executor.Executor
	Query    *query.Service

	mainCtx    context.Context
	mainCancel context.CancelFunc
	running    atomic.Bool
	wg         sync.WaitGroup
}

// Options bundles the injected collaborators.
type Options struct {
	Logger  *zap.Logger
	Log     store.Log
	Ledgers *ledger.Registry
	Oracle  oracle.Client
	Clock   func() time.Time
}

// New restores the protocol from the event log, or initialises a fresh
// state when the log is empty, recording the Init event first.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Protocol, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	events, err := opts.Log.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	initCfg := types.InitConfig{
		OraclePrincipal:       types.Principal(cfg.OraclePrincipal),
		StabLedgerPrincipal:   types.Principal(cfg.StabLedgerPrincipal),
		NativeLedgerPrincipal: types.Principal(cfg.NativeLedgerPrincipal),
		DeveloperPrincipal:    types.Principal(cfg.DeveloperPrincipal),
		BorrowingFeeE8s:       cfg.BorrowingFeeE8s,
	}

	var st *state.State
	if len(events) == 0 {
		if err := opts.Log.Append(ctx, event.Event{
			Type:      event.TypeInit,
			Timestamp: uint64(opts.Clock().UnixNano()),
			Init:      &initCfg,
		}); err != nil {
			return nil, fmt.Errorf("failed to record init event: %w", err)
		}
		st = state.New(initCfg)
		opts.Logger.Info("initialised fresh protocol state")
	} else {
		st, err = replay.Replay(events)
		if err != nil {
			return nil, fmt.Errorf("failed to replay event log: %w", err)
		}
		opts.Logger.Info("replayed protocol state", zap.Int("events", len(events)))
	}

	if err := registerCollaterals(ctx, st, cfg, opts); err != nil {
		return nil, err
	}

	mgr := state.NewManager(st)
	mainCtx, mainCancel := context.WithCancel(context.Background())

	oracleSvc := oracle.NewService(opts.Logger, mgr, opts.Oracle, opts.Clock)
	exec := executor.New(mainCtx, opts.Logger, mgr, opts.Log, opts.Ledgers, opts.Clock)
	vaults := vault.NewEngine(opts.Logger, mgr, opts.Log, opts.Ledgers, oracleSvc, exec, opts.Clock)
	pools := pool.NewEngine(opts.Logger, mgr, opts.Log, opts.Ledgers, opts.Clock)

	return &Protocol{
		Logger:     opts.Logger,
		Manager:    mgr,
		Log:        opts.Log,
		Ledgers:    opts.Ledgers,
		Oracle:     oracleSvc,
		Vaults:     vaults,
		Pool:       pools,
		Executor:   exec,
		Query:      query.NewService(mgr, opts.Log),
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}, nil
}

// registerCollaterals applies configured collateral types that the replayed
// state does not know yet, recording each registration as an upgrade event.
func registerCollaterals(ctx context.Context, st *state.State, cfg *config.Config, opts Options) error {
	for _, c := range cfg.Collaterals {
		ledgerID := types.Principal(c.Ledger)
		if st.Config(ledgerID) != nil {
			continue
		}
		reg := collateralFromConfig(c)
		upgrade := types.UpgradeConfig{
			Configs: []types.ConfigUpdate{{Ledger: ledgerID, Register: &reg}},
		}
		if err := opts.Log.Append(ctx, event.Event{
			Type:      event.TypeUpgrade,
			Timestamp: uint64(opts.Clock().UnixNano()),
			Upgrade:   &upgrade,
		}); err != nil {
			return fmt.Errorf("failed to record collateral registration: %w", err)
		}
		st.Upgrade(upgrade)
		opts.Logger.Info("registered collateral", zap.String("ledger", c.Ledger))
	}
	return nil
}

func collateralFromConfig(c config.Collateral) types.CollateralConfig {
	ratioOr := func(r config.Ratio, fallback math.Ratio) math.Ratio {
		if r.IsSet() {
			return r.Value
		}
		return fallback
	}
	ceiling := c.DebtCeiling
	if ceiling == 0 {
		ceiling = types.NoDebtCeiling
	}
	minDebt := math.STAB(c.MinVaultDebt)
	if minDebt == 0 {
		minDebt = types.DefaultMinVaultDebt
	}
	return types.CollateralConfig{
		Ledger:               types.Principal(c.Ledger),
		Decimals:             c.Decimals,
		LedgerFee:            c.LedgerFee,
		LiquidationRatio:     ratioOr(c.LiquidationRatio, types.DefaultLiquidationRatio),
		BorrowThresholdRatio: ratioOr(c.BorrowThresholdRatio, types.DefaultBorrowThresholdRatio),
		LiquidationBonus:     ratioOr(c.LiquidationBonus, types.DefaultLiquidationBonus),
		BorrowingFee:         ratioOr(c.BorrowingFee, types.DefaultBorrowingFee),
		InterestRateAPR:      types.DefaultInterestRateAPR,
		RecoveryTargetCR:     ratioOr(c.RecoveryTargetCR, types.DefaultRecoveryTargetCR),
		DebtCeiling:          ceiling,
		MinVaultDebt:         minDebt,
		RedemptionFeeFloor:   ratioOr(c.RedemptionFeeFloor, types.DefaultRedemptionFeeFloor),
		RedemptionFeeCeiling: ratioOr(c.RedemptionFeeCeiling, types.DefaultRedemptionFeeCeiling),
		CurrentBaseRate:      math.ZeroRatio(),
		PriceSource:          types.PriceSource{BaseAsset: c.BaseAsset, QuoteAsset: c.QuoteAsset},
		LastPrice:            math.ZeroRatio(),
		Status:               types.StatusActive,
	}
}

// Start launches the background loops.
func (p *Protocol) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Oracle.FetchNative(p.mainCtx)
		ticker := time.NewTicker(pricePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.mainCtx.Done():
				return
			case <-ticker.C:
				p.Oracle.FetchNative(p.mainCtx)
			}
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(healthMonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.mainCtx.Done():
				return
			case <-ticker.C:
				p.Executor.MonitorStuckTransfers(p.mainCtx)
			}
		}
	}()

	p.Executor.ScheduleDrain(0)
	p.Logger.Info("protocol started")
}

// Stop cancels the background loops and waits for them to exit.
func (p *Protocol) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.mainCancel()
	p.wg.Wait()
	p.Logger.Info("protocol stopped")
}

// IsRunning reports whether the background loops are live.
func (p *Protocol) IsRunning() bool { return p.running.Load() }
