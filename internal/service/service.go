package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"navfund/internal/alerting"
	"navfund/internal/consensus"
	"navfund/internal/exchange"
	"navfund/internal/metrics"
	"navfund/internal/registry"
	"navfund/internal/reporter"
	"navfund/internal/scheduler"
	"navfund/internal/storage"
	"navfund/internal/submission"
	"navfund/internal/timelock"
	"navfund/internal/vault"
)

// ErrReentrant is returned when a Fund call is made from inside another Fund call.
var ErrReentrant = errors.New("service: reentrant call")

type opKey struct{}

// Options size and parameterise the fund.
type Options struct {
	BasketSize     int
	MinObservation time.Duration
	StartEpoch     uint64
	ParamDelay     time.Duration
	Consensus      consensus.Params
	Reporters      reporter.Params
	Vault          vault.Params
	BaseAsset      string
	VaultAddress   common.Address
	Owner          common.Address
	Guardian       common.Address
	FeeSink        common.Address
	LockKey        int64
}

// Deps are the optional collaborators. Only Exchange is required for routed mints.
type Deps struct {
	Exchange  exchange.Exchange
	Journal   storage.Journal
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
	Metrics   *metrics.FundMetrics
	Scheduler *scheduler.Scheduler
}

// Fund is the single entry point to the oracle and the vault. Every call is serialised. A call
// made while a Fund operation is in flight fails with ErrReentrant, whether or not it carries
// that operation's context; plain getters block until the operation ends.
type Fund struct {
	mu   sync.Mutex
	busy atomic.Bool

	registry *registry.Registry
	ledger   *reporter.Ledger
	store    *submission.Store
	engine   *consensus.Engine
	vault    *vault.Vault

	journal   storage.Journal
	locker    storage.AdvisoryLocker
	lockKey   int64
	notifier  alerting.Notifier
	metrics   *metrics.FundMetrics
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
}

// New wires the registry, reporter ledger, submission store, consensus engine and vault.
func New(opts Options, deps Deps, now time.Time, logger zerolog.Logger) (*Fund, error) {
	reg, err := registry.New(registry.Options{BasketSize: opts.BasketSize, MinObservation: opts.MinObservation})
	if err != nil {
		return nil, err
	}
	ledger, err := reporter.NewLedger(opts.Reporters, opts.ParamDelay)
	if err != nil {
		return nil, err
	}
	store := submission.NewStore()
	engine, err := consensus.New(opts.Consensus, opts.ParamDelay, reg, ledger, store, opts.StartEpoch, now)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(vault.Config{
		Address:    opts.VaultAddress,
		Owner:      opts.Owner,
		Guardian:   opts.Guardian,
		FeeSink:    opts.FeeSink,
		BaseAsset:  opts.BaseAsset,
		Params:     opts.Vault,
		ParamDelay: opts.ParamDelay,
		Prices:     engine,
		Weights:    engine,
		Exchange:   deps.Exchange,
	}, now)
	if err != nil {
		return nil, err
	}

	locker := deps.Locker
	if locker == nil {
		if l, ok := deps.Journal.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}

	f := &Fund{
		registry:  reg,
		ledger:    ledger,
		store:     store,
		engine:    engine,
		vault:     v,
		journal:   deps.Journal,
		locker:    locker,
		lockKey:   opts.LockKey,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		scheduler: deps.Scheduler,
		logger:    logger.With().Str("component", "fund").Logger(),
	}
	f.metrics.SetEpoch(engine.Epoch())
	return f, nil
}

// Run closes a round at every scheduler tick until ctx is cancelled.
func (f *Fund) Run(ctx context.Context) error {
	if f.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return f.scheduler.Run(ctx, func(ctx context.Context, at time.Time) error {
		_, err := f.ProcessRound(ctx, at)
		return err
	})
}

// begin serialises the call and marks ctx as being inside an operation. busy is set before
// any collaborator runs, so a callback from inside the operation is rejected even with a
// fresh context.
func (f *Fund) begin(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(opKey{}) != nil {
		return ctx, func() {}, ErrReentrant
	}
	if f.busy.Load() {
		return ctx, func() {}, fmt.Errorf("%w: operation in progress", ErrReentrant)
	}
	f.mu.Lock()
	f.busy.Store(true)
	return context.WithValue(ctx, opKey{}, true), func() {
		f.busy.Store(false)
		f.mu.Unlock()
	}, nil
}

// view guards the reads that can report an error.
func (f *Fund) view() (func(), error) {
	if f.busy.Load() {
		return nil, fmt.Errorf("%w: operation in progress", ErrReentrant)
	}
	f.mu.Lock()
	return f.mu.Unlock, nil
}

// Register admits a reporter with an initial stake.
func (f *Fund) Register(ctx context.Context, id common.Address, stake decimal.Decimal, now time.Time) (reporter.Reporter, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return reporter.Reporter{}, err
	}
	defer end()

	r, err := f.ledger.Register(id, stake, now)
	if err != nil {
		return reporter.Reporter{}, err
	}
	f.logger.Info().Str("reporter", id.Hex()).Str("stake", stake.String()).Msg("reporter registered")
	f.persistReporter(ctx, r, now)
	return r, nil
}

// Deposit adds stake to a reporter.
func (f *Fund) Deposit(ctx context.Context, id common.Address, amount decimal.Decimal, now time.Time) (reporter.Reporter, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return reporter.Reporter{}, err
	}
	defer end()

	r, err := f.ledger.Deposit(id, amount)
	if err != nil {
		return reporter.Reporter{}, err
	}
	f.persistReporter(ctx, r, now)
	return r, nil
}

// SeedAsset records when an asset was first observed and an optional eligibility override.
func (f *Fund) SeedAsset(ctx context.Context, asset string, firstSeen time.Time, override *bool) error {
	_, end, err := f.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	f.registry.Observe(asset, firstSeen)
	if override != nil {
		f.registry.SetOverride(asset, *override)
	}
	return nil
}

// PublishWeightset validates and stores a weightset for the open or a future epoch.
func (f *Fund) PublishWeightset(ctx context.Context, req registry.PublishRequest, now time.Time) (registry.Weightset, error) {
	_, end, err := f.begin(ctx)
	if err != nil {
		return registry.Weightset{}, err
	}
	defer end()

	ws, err := f.registry.Publish(req, f.engine.Epoch(), now)
	if err != nil {
		f.logger.Warn().Err(err).Uint64("epoch", req.Epoch).Msg("weightset rejected")
		return registry.Weightset{}, err
	}
	f.logger.Info().Uint64("epoch", ws.Epoch).
		Strs("assets", ws.Assets).
		Str("hash", ws.Hash.Hex()).
		Msg("weightset published")
	return ws, nil
}

// Submit accepts a signed reporter submission for the open epoch.
func (f *Fund) Submit(ctx context.Context, req submission.Request, now time.Time) (submission.Submission, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return submission.Submission{}, err
	}
	defer end()

	sub, err := f.engine.Submit(req, now)
	if err != nil {
		f.metrics.ObserveSubmission("rejected")
		f.logger.Debug().Err(err).Str("reporter", req.Reporter.Hex()).Uint64("epoch", req.Epoch).Msg("submission rejected")
		return submission.Submission{}, err
	}
	f.metrics.ObserveSubmission("accepted")
	if f.journal != nil {
		if err := f.journal.AppendSubmission(ctx, submissionRow(sub)); err != nil {
			f.logger.Error().Err(err).Uint64("seq", sub.Seq).Msg("failed to journal submission")
		}
	}
	if r, ok := f.ledger.Get(sub.Reporter); ok {
		f.persistReporter(ctx, r, now)
	}
	return sub, nil
}

// MintBasket mints shares against an in-kind basket deposit.
func (f *Fund) MintBasket(ctx context.Context, req vault.BasketRequest, now time.Time) (vault.Receipt, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return vault.Receipt{}, err
	}
	defer end()

	receipt, err := f.vault.MintBasket(ctx, req, now)
	f.afterOperation(ctx, vault.KindBasketMint, receipt, err)
	return receipt, err
}

// MintRouted swaps a base-asset amount into the basket and mints against the realised value.
func (f *Fund) MintRouted(ctx context.Context, req vault.RoutedRequest, now time.Time) (vault.Receipt, []vault.Leg, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return vault.Receipt{}, nil, err
	}
	defer end()

	receipt, legs, err := f.vault.MintRouted(ctx, req, now)
	f.afterOperation(ctx, vault.KindRoutedMint, receipt, err)
	return receipt, legs, err
}

// Redeem burns shares for a pro-rata slice of every holding.
func (f *Fund) Redeem(ctx context.Context, req vault.RedeemRequest, now time.Time) (vault.Receipt, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return vault.Receipt{}, err
	}
	defer end()

	receipt, err := f.vault.Redeem(ctx, req, now)
	f.afterOperation(ctx, vault.KindRedeem, receipt, err)
	return receipt, err
}

// AccrueFees mints the management fee accrued since the last accrual.
func (f *Fund) AccrueFees(ctx context.Context, now time.Time) (vault.Receipt, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return vault.Receipt{}, err
	}
	defer end()

	return f.accrue(ctx, now)
}

func (f *Fund) accrue(ctx context.Context, now time.Time) (vault.Receipt, error) {
	receipt, err := f.vault.AccrueFees(ctx, now)
	if err == nil && receipt.Shares.IsZero() {
		return receipt, nil
	}
	f.afterOperation(ctx, vault.KindFee, receipt, err)
	return receipt, err
}

func (f *Fund) afterOperation(ctx context.Context, kind string, receipt vault.Receipt, opErr error) {
	if opErr != nil {
		f.metrics.ObserveOperation(kind, "rejected")
		f.logger.Warn().Err(opErr).Str("kind", kind).Msg("vault operation rejected")
		return
	}
	f.metrics.ObserveOperation(kind, "ok")
	f.metrics.SetSupply(f.vault.Supply().InexactFloat64())
	f.logger.Info().Str("kind", kind).
		Str("id", receipt.ID.String()).
		Str("account", receipt.Account.Hex()).
		Str("shares", receipt.Shares.String()).
		Str("fee_shares", receipt.FeeShares.String()).
		Str("nav_per_share", receipt.NAVPerShare.String()).
		Msg("vault operation executed")

	if f.journal == nil {
		return
	}
	if err := f.journal.AppendOperation(ctx, operationRow(receipt)); err != nil {
		f.logger.Error().Err(err).Str("id", receipt.ID.String()).Msg("failed to journal operation")
	}
	for _, asset := range receipt.Assets {
		row := storage.HoldingRow{Asset: asset, Quantity: f.vault.Holding(asset), UpdatedAt: receipt.At}
		if err := f.journal.UpsertHolding(ctx, row); err != nil {
			f.logger.Error().Err(err).Str("asset", asset).Msg("failed to journal holding")
		}
	}
}

// Pause stops mints and redemptions. Owner only.
func (f *Fund) Pause(ctx context.Context, caller common.Address, now time.Time) error {
	return f.lifecycle(ctx, "pause", caller, func() error { return f.vault.Pause(caller, now) })
}

// EmergencyStop pauses with the mandatory emergency cooldown. Owner or guardian.
func (f *Fund) EmergencyStop(ctx context.Context, caller common.Address, now time.Time) error {
	return f.lifecycle(ctx, "emergency_stop", caller, func() error { return f.vault.EmergencyStop(caller, now) })
}

// Resume lifts the global pause once its cooldown has elapsed. Owner only.
func (f *Fund) Resume(ctx context.Context, caller common.Address, now time.Time) error {
	return f.lifecycle(ctx, "resume", caller, func() error { return f.vault.Resume(caller, now) })
}

// PauseAsset blocks mints involving asset.
func (f *Fund) PauseAsset(ctx context.Context, caller common.Address, asset string) error {
	return f.lifecycle(ctx, "pause_asset", caller, func() error { return f.vault.PauseAsset(caller, asset) })
}

// ResumeAsset unblocks asset.
func (f *Fund) ResumeAsset(ctx context.Context, caller common.Address, asset string) error {
	return f.lifecycle(ctx, "resume_asset", caller, func() error { return f.vault.ResumeAsset(caller, asset) })
}

func (f *Fund) lifecycle(ctx context.Context, action string, caller common.Address, fn func() error) error {
	_, end, err := f.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	if err := fn(); err != nil {
		f.logger.Warn().Err(err).Str("action", action).Str("caller", caller.Hex()).Msg("lifecycle change rejected")
		return err
	}
	st := f.vault.Status()
	f.logger.Info().Str("action", action).Str("caller", caller.Hex()).Str("state", string(st.State)).Msg("lifecycle changed")
	return nil
}

// ProposeConsensusParams queues consensus params behind the timelock. Owner only.
func (f *Fund) ProposeConsensusParams(ctx context.Context, caller common.Address, next consensus.Params, now time.Time) (timelock.Pending[consensus.Params], error) {
	_, end, err := f.begin(ctx)
	if err != nil {
		return timelock.Pending[consensus.Params]{}, err
	}
	defer end()
	if caller != f.vault.Owner() {
		return timelock.Pending[consensus.Params]{}, vault.ErrUnauthorized
	}
	return f.engine.ProposeParams(next, now)
}

// ApplyConsensusParams installs queued consensus params after the delay.
func (f *Fund) ApplyConsensusParams(ctx context.Context, now time.Time) (consensus.Params, error) {
	_, end, err := f.begin(ctx)
	if err != nil {
		return consensus.Params{}, err
	}
	defer end()
	return f.engine.ApplyParams(now)
}

// ProposeReporterParams queues slashing params behind the timelock. Owner only.
func (f *Fund) ProposeReporterParams(ctx context.Context, caller common.Address, next reporter.Params, now time.Time) (timelock.Pending[reporter.Params], error) {
	_, end, err := f.begin(ctx)
	if err != nil {
		return timelock.Pending[reporter.Params]{}, err
	}
	defer end()
	if caller != f.vault.Owner() {
		return timelock.Pending[reporter.Params]{}, vault.ErrUnauthorized
	}
	return f.ledger.ProposeParams(next, now)
}

// ApplyReporterParams installs queued slashing params after the delay.
func (f *Fund) ApplyReporterParams(ctx context.Context, now time.Time) (reporter.Params, error) {
	_, end, err := f.begin(ctx)
	if err != nil {
		return reporter.Params{}, err
	}
	defer end()
	return f.ledger.ApplyParams(now)
}

// ProposeVaultParams queues vault params behind the timelock. Owner only.
func (f *Fund) ProposeVaultParams(ctx context.Context, caller common.Address, next vault.Params, now time.Time) (timelock.Pending[vault.Params], error) {
	_, end, err := f.begin(ctx)
	if err != nil {
		return timelock.Pending[vault.Params]{}, err
	}
	defer end()
	return f.vault.ProposeParams(caller, next, now)
}

// ApplyVaultParams installs queued vault params after the delay.
func (f *Fund) ApplyVaultParams(ctx context.Context, now time.Time) (vault.Params, error) {
	_, end, err := f.begin(ctx)
	if err != nil {
		return vault.Params{}, err
	}
	defer end()
	return f.vault.ApplyParams(now)
}

// NAV reads the current NAV without mutating anything.
func (f *Fund) NAV(now time.Time) (vault.Snapshot, error) {
	done, err := f.view()
	if err != nil {
		return vault.Snapshot{}, err
	}
	defer done()
	return f.vault.NAV(now)
}

// Holdings lists the non-zero holdings.
func (f *Fund) Holdings() []vault.Holding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vault.Holdings()
}

// BalanceOf returns the share balance of account.
func (f *Fund) BalanceOf(account common.Address) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vault.BalanceOf(account)
}

// Supply returns the outstanding share supply.
func (f *Fund) Supply() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vault.Supply()
}

// Status returns the pause state.
func (f *Fund) Status() vault.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vault.Status()
}

// ReporterStats returns the read model of one reporter.
func (f *Fund) ReporterStats(id common.Address) (reporter.Stats, error) {
	done, err := f.view()
	if err != nil {
		return reporter.Stats{}, err
	}
	defer done()
	return f.ledger.Stats(id)
}

// Reporters lists every registered reporter.
func (f *Fund) Reporters() []reporter.Reporter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ledger.Reporters()
}

// Slashes returns the slash log.
func (f *Fund) Slashes() []reporter.SlashEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ledger.Slashes()
}

// Epoch returns the open epoch.
func (f *Fund) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engine.Epoch()
}

// Records returns the consensus records of epoch.
func (f *Fund) Records(epoch uint64) []consensus.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engine.Records(epoch)
}

// Quote returns the latest fresh consensus price of asset.
func (f *Fund) Quote(asset string, now time.Time) (consensus.Record, error) {
	done, err := f.view()
	if err != nil {
		return consensus.Record{}, err
	}
	defer done()
	return f.engine.Quote(asset, now)
}

// Weightset returns the weightset in force for the open epoch.
func (f *Fund) Weightset() (registry.Weightset, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engine.Weightset()
}

func (f *Fund) persistReporter(ctx context.Context, r reporter.Reporter, now time.Time) {
	if f.journal == nil {
		return
	}
	if err := f.journal.UpsertReporter(ctx, reporterRow(r, now)); err != nil {
		f.logger.Error().Err(err).Str("reporter", r.ID.Hex()).Msg("failed to journal reporter")
	}
}

func (f *Fund) acquireLock(ctx context.Context) (func(), bool, error) {
	if f.lockKey == 0 || f.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := f.locker.TryAdvisoryLock(ctx, f.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
