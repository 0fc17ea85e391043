package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"navfund/internal/alerting"
	"navfund/internal/consensus"
	"navfund/internal/storage"
	"navfund/internal/vault"
)

// RoundReport summarises one ProcessRound call.
type RoundReport struct {
	Epoch     uint64
	NextEpoch uint64
	At        time.Time
	Round     consensus.Round
	Fee       vault.Receipt
	NAV       vault.Snapshot
	NAVErr    error
	Skipped   bool
}

// ProcessRound closes the open epoch: resolve consensus, apply slashes, accrue fees, sample
// NAV and advance the epoch clock. When another instance holds the advisory lock the round
// is skipped without touching state.
func (f *Fund) ProcessRound(ctx context.Context, at time.Time) (RoundReport, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return RoundReport{}, err
	}
	defer end()

	started := time.Now()
	defer func() { f.metrics.ObserveRoundDuration(time.Since(started).Seconds()) }()

	unlock, proceed, err := f.acquireLock(ctx)
	if err != nil {
		return RoundReport{}, err
	}
	if !proceed {
		f.logger.Debug().Time("round_at", at).Msg("skip round because advisory lock held elsewhere")
		return RoundReport{At: at, Epoch: f.engine.Epoch(), NextEpoch: f.engine.Epoch(), Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	report := RoundReport{Epoch: f.engine.Epoch(), At: at}

	round, err := f.engine.Resolve(at, f.heldAssets()...)
	switch {
	case errors.Is(err, consensus.ErrNoWeightset):
		f.logger.Warn().Uint64("epoch", report.Epoch).Msg("no weightset in force; nothing to resolve")
	case err != nil:
		return report, fmt.Errorf("resolve epoch %d: %w", report.Epoch, err)
	default:
		report.Round = round
		f.recordRound(ctx, round)
	}

	fee, err := f.accrue(ctx, at)
	if err != nil {
		f.logger.Error().Err(err).Time("round_at", at).Msg("fee accrual failed")
	}
	report.Fee = fee

	report.NAV, report.NAVErr = f.sampleNAV(ctx, report.Epoch, at)

	next, err := f.engine.Advance(at)
	if err != nil {
		return report, fmt.Errorf("advance epoch: %w", err)
	}
	report.NextEpoch = next
	f.metrics.SetEpoch(next)
	f.store.Prune(pruneBefore(next))

	f.logger.Info().Uint64("epoch", report.Epoch).
		Uint64("next_epoch", next).
		Int("resolved", round.Resolved()).
		Int("flags", len(round.Flags)).
		Int("slashes", len(round.Slashes)).
		Str("fee_shares", fee.Shares.String()).
		Msg("round closed")
	return report, nil
}

// Resolve runs consensus for the open epoch without closing it, so assets that reach quorum
// between boundaries publish a price before the next round.
func (f *Fund) Resolve(ctx context.Context, now time.Time) (consensus.Round, error) {
	ctx, end, err := f.begin(ctx)
	if err != nil {
		return consensus.Round{}, err
	}
	defer end()

	round, err := f.engine.Resolve(now, f.heldAssets()...)
	if err != nil {
		return consensus.Round{}, fmt.Errorf("resolve epoch %d: %w", f.engine.Epoch(), err)
	}
	f.recordRound(ctx, round)
	f.logger.Debug().Uint64("epoch", round.Epoch).Int("resolved", round.Resolved()).Msg("on-demand resolution")
	return round, nil
}

// heldAssets lists held assets other than the base asset; they keep being priced after a
// weightset drops them.
func (f *Fund) heldAssets() []string {
	holdings := f.vault.Holdings()
	out := make([]string, 0, len(holdings))
	for _, h := range holdings {
		if h.Asset != f.vault.BaseAsset() {
			out = append(out, h.Asset)
		}
	}
	return out
}

// submissions of the last few epochs are kept in memory for inspection; the journal keeps all
const retainEpochs = 4

func pruneBefore(next uint64) uint64 {
	if next <= retainEpochs {
		return 0
	}
	return next - retainEpochs
}

func (f *Fund) recordRound(ctx context.Context, round consensus.Round) {
	params := f.engine.Params()
	for _, res := range round.Results {
		if res.Resolved {
			f.metrics.ObserveParticipation(res.Asset, res.Record.ParticipationBps.InexactFloat64())
			if f.journal != nil {
				if err := f.journal.AppendConsensus(ctx, consensusRow(res.Record)); err != nil {
					f.logger.Error().Err(err).Str("asset", res.Asset).Msg("failed to journal consensus record")
				}
			}
			continue
		}
		if res.Reason == consensus.ReasonAlreadyResolved {
			continue
		}
		f.metrics.ObserveQuorumMiss(res.Reason)
		f.logger.Warn().Uint64("epoch", round.Epoch).Str("asset", res.Asset).Str("reason", res.Reason).Msg("asset unresolved")
		f.notify(ctx, alerting.Notification{
			Kind:          alerting.KindQuorumMiss,
			At:            round.At,
			Epoch:         round.Epoch,
			Asset:         res.Asset,
			Reason:        res.Reason,
			Participation: res.ParticipationBps,
			QuorumBps:     params.QuorumBps,
		})
	}

	for _, flag := range round.Flags {
		f.logger.Info().Uint64("epoch", round.Epoch).
			Str("asset", flag.Asset).
			Str("reporter", flag.Reporter.Hex()).
			Str("deviation_bps", flag.DeviationBps.StringFixed(2)).
			Bool("severe", flag.Severe).
			Msg("submission outside deviation band")
	}

	for _, slash := range round.Slashes {
		f.metrics.ObserveSlash(slash.Reason, slash.Amount.InexactFloat64())
		f.logger.Warn().Uint64("epoch", slash.Epoch).
			Str("reporter", slash.Reporter.Hex()).
			Str("reason", slash.Reason).
			Str("asset", slash.Asset).
			Uint32("bps", slash.Bps).
			Str("amount", slash.Amount.String()).
			Bool("deactivated", slash.Deactivated).
			Msg("reporter slashed")
		if f.journal != nil {
			if err := f.journal.AppendSlash(ctx, slashRow(slash)); err != nil {
				f.logger.Error().Err(err).Str("reporter", slash.Reporter.Hex()).Msg("failed to journal slash")
			}
		}
		f.notify(ctx, alerting.Notification{
			Kind:        alerting.KindSlash,
			At:          slash.At,
			Epoch:       slash.Epoch,
			Asset:       slash.Asset,
			Reporter:    slash.Reporter.Hex(),
			Reason:      slash.Reason,
			Bps:         slash.Bps,
			Amount:      slash.Amount,
			StakeAfter:  slash.StakeAfter,
			Deactivated: slash.Deactivated,
		})
	}

	for _, outcome := range round.Outcomes {
		if r, ok := f.ledger.Get(outcome.Reporter); ok {
			f.persistReporter(ctx, r, round.At)
		}
	}
}

func (f *Fund) sampleNAV(ctx context.Context, epoch uint64, at time.Time) (vault.Snapshot, error) {
	snap, navErr := f.vault.NAV(at)
	sample := storage.NAVSample{At: at, Epoch: epoch, Status: storage.StatusComplete}
	if navErr != nil {
		msg := navErr.Error()
		sample.Status = storage.StatusStale
		sample.Error = &msg
		f.metrics.IncStaleNAV()
		f.logger.Warn().Err(navErr).Uint64("epoch", epoch).Msg("nav unavailable")
		f.notify(ctx, alerting.Notification{Kind: alerting.KindStaleNAV, At: at, Epoch: epoch, Detail: msg})
	} else {
		sample.NAVPerShare = snap.PerShare
		sample.HoldingsValue = snap.HoldingsValue
		sample.Supply = snap.Supply
		f.metrics.SetNAV(snap.PerShare.InexactFloat64(), snap.HoldingsValue.InexactFloat64(), snap.Supply.InexactFloat64())
	}
	if f.journal != nil {
		if err := f.journal.InsertNAVSample(ctx, sample); err != nil {
			f.logger.Error().Err(err).Time("round_at", at).Msg("failed to journal nav sample")
		}
	}
	return snap, navErr
}

func (f *Fund) notify(ctx context.Context, note alerting.Notification) {
	if f.notifier == nil {
		return
	}
	if err := f.notifier.Notify(ctx, note); err != nil {
		f.logger.Error().Err(err).Str("kind", note.Kind).Msg("failed to dispatch alert")
	}
}
