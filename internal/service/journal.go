package service

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"navfund/internal/consensus"
	"navfund/internal/reporter"
	"navfund/internal/storage"
	"navfund/internal/submission"
	"navfund/internal/vault"
)

func submissionRow(sub submission.Submission) storage.SubmissionRow {
	return storage.SubmissionRow{
		Seq:       sub.Seq,
		Epoch:     sub.Epoch,
		Reporter:  sub.Reporter.Hex(),
		Nonce:     sub.Nonce,
		Prices:    assetAmounts(sub.Prices),
		Yields:    assetAmounts(sub.Yields),
		Timestamp: sub.Timestamp,
		Expiry:    sub.Expiry,
		Signature: sub.Signature,
		Digest:    sub.Digest().Hex(),
	}
}

// SubmissionRequest rebuilds the signed request of a journaled submission.
func SubmissionRequest(row storage.SubmissionRow) submission.Request {
	req := submission.Request{
		Reporter:  common.HexToAddress(row.Reporter),
		Epoch:     row.Epoch,
		Nonce:     row.Nonce,
		Assets:    make([]string, len(row.Prices)),
		Prices:    make([]decimal.Decimal, len(row.Prices)),
		Timestamp: row.Timestamp,
		Expiry:    row.Expiry,
		Signature: row.Signature,
	}
	for i, p := range row.Prices {
		req.Assets[i] = p.Asset
		req.Prices[i] = p.Value
	}
	if len(row.Yields) > 0 {
		yields := make(map[string]decimal.Decimal, len(row.Yields))
		for _, y := range row.Yields {
			yields[y.Asset] = y.Value
		}
		req.Yields = make([]decimal.Decimal, len(req.Assets))
		for i, asset := range req.Assets {
			req.Yields[i] = yields[asset]
		}
	}
	return req
}

func assetAmounts(values []submission.AssetValue) []storage.AssetAmount {
	if len(values) == 0 {
		return nil
	}
	out := make([]storage.AssetAmount, len(values))
	for i, v := range values {
		out[i] = storage.AssetAmount{Asset: v.Asset, Value: v.Value}
	}
	return out
}

func consensusRow(r consensus.Record) storage.ConsensusRow {
	row := storage.ConsensusRow{
		Epoch:              r.Epoch,
		Asset:              r.Asset,
		Price:              r.Price,
		ResolvedAt:         r.ResolvedAt,
		ParticipatingStake: r.ParticipatingStake,
		TotalStake:         r.TotalStake,
		ParticipationBps:   r.ParticipationBps,
		Submissions:        append([]uint64(nil), r.Submissions...),
	}
	if r.HasYield {
		y := r.Yield
		row.Yield = &y
	}
	return row
}

func slashRow(e reporter.SlashEvent) storage.SlashRow {
	return storage.SlashRow{
		ID:          e.ID,
		Reporter:    e.Reporter.Hex(),
		Epoch:       e.Epoch,
		Reason:      e.Reason,
		Asset:       e.Asset,
		Bps:         e.Bps,
		Amount:      e.Amount,
		StakeBefore: e.StakeBefore,
		StakeAfter:  e.StakeAfter,
		Deactivated: e.Deactivated,
		At:          e.At,
	}
}

func reporterRow(r reporter.Reporter, now time.Time) storage.ReporterRow {
	row := storage.ReporterRow{
		Address:               r.ID.Hex(),
		Stake:                 r.Stake,
		Nonce:                 r.Nonce,
		ConsecutiveDeviations: r.ConsecutiveDeviations,
		Active:                r.Active,
		Slashed:               r.Slashed,
		Successes:             r.Successes,
		Failures:              r.Failures,
		SlashedTotal:          r.SlashedTotal,
		UpdatedAt:             now,
	}
	if !r.LastSlashAt.IsZero() {
		at := r.LastSlashAt
		row.LastSlashAt = &at
	}
	return row
}

func operationRow(r vault.Receipt) storage.OperationRow {
	legs := make([]storage.AssetAmount, 0, len(r.Assets))
	for i, asset := range r.Assets {
		qty := decimal.Zero
		if i < len(r.Quantities) {
			qty = r.Quantities[i]
		}
		legs = append(legs, storage.AssetAmount{Asset: asset, Value: qty})
	}
	return storage.OperationRow{
		ID:          r.ID,
		Kind:        r.Kind,
		Account:     r.Account.Hex(),
		Recipient:   r.Recipient.Hex(),
		Shares:      r.Shares,
		FeeShares:   r.FeeShares,
		Value:       r.Value,
		NAVPerShare: r.NAVPerShare,
		Legs:        legs,
		At:          r.At,
	}
}
