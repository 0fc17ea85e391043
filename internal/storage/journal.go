package storage

import (
	"context"
	"time"
)

// SubmissionLog persists the per-epoch submission log.
type SubmissionLog interface {
	AppendSubmission(ctx context.Context, row SubmissionRow) error
	ListSubmissions(ctx context.Context, epoch uint64) ([]SubmissionRow, error)
	ListSubmissionEpochs(ctx context.Context) ([]uint64, error)
}

// ConsensusLog persists consensus records and slash events.
type ConsensusLog interface {
	AppendConsensus(ctx context.Context, row ConsensusRow) error
	ListConsensus(ctx context.Context, epoch uint64) ([]ConsensusRow, error)
	AppendSlash(ctx context.Context, row SlashRow) error
	ListSlashes(ctx context.Context, limit int) ([]SlashRow, error)
}

// LedgerStore persists current holdings, reporter state and vault receipts.
type LedgerStore interface {
	UpsertHolding(ctx context.Context, row HoldingRow) error
	ListHoldings(ctx context.Context) ([]HoldingRow, error)
	UpsertReporter(ctx context.Context, row ReporterRow) error
	ListReporters(ctx context.Context) ([]ReporterRow, error)
	AppendOperation(ctx context.Context, row OperationRow) error
}

// NAVStore persists NAV samples.
type NAVStore interface {
	InsertNAVSample(ctx context.Context, sample NAVSample) error
	ListNAVSamplesBetween(ctx context.Context, from, to time.Time) ([]NAVSample, error)
	ListRecentNAVSamples(ctx context.Context, limit int) ([]NAVSample, error)
}

// Journal is the full append-friendly persistence surface. History is never rewritten:
// submissions, consensus records, slashes, receipts and NAV samples are insert-only; holdings
// and reporters are current-state tables.
type Journal interface {
	SubmissionLog
	ConsensusLog
	LedgerStore
	NAVStore
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ Journal        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ Journal        = (*PebbleJournal)(nil)
)
