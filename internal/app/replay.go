package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"navfund/internal/consensus"
	"navfund/internal/service"
	"navfund/internal/storage"
)

// Replay 从 genesis 重建状态，按 epoch 顺序重放 journal 中的签名报价，并与已持久化的共识记录逐条比对。
// Weightsets published after genesis are not journaled, so the genesis weightset stays in force.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.ToEpoch > 0 && opts.FromEpoch > opts.ToEpoch {
		return errors.New("--from-epoch 不能大于 --to-epoch")
	}

	g, err := a.loadGenesis()
	if err != nil {
		return err
	}

	journal, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if journal == nil {
		return errors.New("journal 未配置，无法 replay")
	}
	defer closeJournal()

	epochs, err := journal.ListSubmissionEpochs(ctx)
	if err != nil {
		return err
	}
	if len(epochs) == 0 {
		a.Logger.Info().Msg("journal 中没有报价记录")
		return nil
	}

	fund, err := a.newFund(ctx, g, service.Deps{}, g.Start)
	if err != nil {
		return err
	}

	last := g.Start
	checked := 0
	mismatched := 0
	for _, epoch := range epochs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if opts.ToEpoch > 0 && epoch > opts.ToEpoch {
			break
		}
		if epoch < fund.Epoch() {
			a.Logger.Warn().Uint64("epoch", epoch).Uint64("genesis_epoch", fund.Epoch()).Msg("skip epoch before genesis")
			continue
		}
		for fund.Epoch() < epoch {
			if _, err := fund.ProcessRound(ctx, last); err != nil {
				return fmt.Errorf("close empty epoch %d: %w", fund.Epoch(), err)
			}
		}

		rows, err := journal.ListSubmissions(ctx, epoch)
		if err != nil {
			return err
		}
		persisted, err := journal.ListConsensus(ctx, epoch)
		if err != nil {
			return err
		}

		for _, row := range rows {
			at := row.Timestamp
			if at.Before(last) {
				at = last
			}
			if _, err := fund.Submit(ctx, service.SubmissionRequest(row), at); err != nil {
				a.Logger.Warn().Err(err).Uint64("epoch", epoch).Uint64("seq", row.Seq).Msg("journaled submission rejected on replay")
			}
			last = at
		}

		closeAt := last.Add(time.Second)
		if len(persisted) > 0 && !persisted[0].ResolvedAt.Before(last) {
			closeAt = persisted[0].ResolvedAt
		}
		report, err := fund.ProcessRound(ctx, closeAt)
		if err != nil {
			return fmt.Errorf("replay epoch %d: %w", epoch, err)
		}
		last = closeAt

		if epoch < opts.FromEpoch {
			continue
		}
		diffs := compareRecords(report.Round, persisted)
		checked++
		if len(diffs) > 0 {
			mismatched++
		}
		fmt.Fprintf(a.Out, "epoch %d: %d submissions, %d resolved, %d persisted, %d mismatches\n",
			epoch, len(rows), report.Round.Resolved(), len(persisted), len(diffs))
		for _, d := range diffs {
			fmt.Fprintf(a.Out, "  %s\n", d)
		}
	}

	a.Logger.Info().Int("checked", checked).Int("mismatched", mismatched).Msg("replay 完成")
	if mismatched > 0 {
		return fmt.Errorf("%d 个 epoch 的重放结果与 journal 不一致", mismatched)
	}
	return nil
}

// compareRecords lists every difference between a replayed round and the persisted records.
func compareRecords(round consensus.Round, persisted []storage.ConsensusRow) []string {
	byAsset := make(map[string]storage.ConsensusRow, len(persisted))
	for _, row := range persisted {
		byAsset[row.Asset] = row
	}

	var diffs []string
	for _, res := range round.Results {
		row, ok := byAsset[res.Asset]
		delete(byAsset, res.Asset)
		switch {
		case !res.Resolved && !ok:
			continue
		case !res.Resolved:
			diffs = append(diffs, fmt.Sprintf("%s: persisted %s but replay left it unresolved (%s)", res.Asset, row.Price, res.Reason))
			continue
		case !ok:
			diffs = append(diffs, fmt.Sprintf("%s: replay resolved %s but no record was persisted", res.Asset, res.Record.Price))
			continue
		}
		rec := res.Record
		if !rec.Price.Equal(row.Price) {
			diffs = append(diffs, fmt.Sprintf("%s: price %s, persisted %s", res.Asset, rec.Price, row.Price))
		}
		if !rec.ParticipationBps.Equal(row.ParticipationBps) {
			diffs = append(diffs, fmt.Sprintf("%s: participation %s bps, persisted %s", res.Asset, rec.ParticipationBps, row.ParticipationBps))
		}
		switch {
		case rec.HasYield != (row.Yield != nil):
			diffs = append(diffs, fmt.Sprintf("%s: yield presence differs", res.Asset))
		case rec.HasYield && !rec.Yield.Equal(*row.Yield):
			diffs = append(diffs, fmt.Sprintf("%s: yield %s, persisted %s", res.Asset, rec.Yield, row.Yield.String()))
		}
	}
	for asset, row := range byAsset {
		diffs = append(diffs, fmt.Sprintf("%s: persisted %s is outside the replayed weightset", asset, row.Price))
	}
	return diffs
}
