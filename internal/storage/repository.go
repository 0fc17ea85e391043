package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSubmissionSQL = `INSERT INTO submissions (
        seq,
        epoch,
        reporter,
        nonce,
        prices,
        yields,
        submitted_at,
        expires_at,
        signature,
        digest
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (digest) DO NOTHING;`

	listSubmissionsSQL = `SELECT
        seq,
        epoch,
        reporter,
        nonce,
        prices,
        yields,
        submitted_at,
        expires_at,
        signature,
        digest
    FROM submissions
    WHERE epoch = $1
    ORDER BY seq;`

	listSubmissionEpochsSQL = `SELECT DISTINCT epoch FROM submissions ORDER BY epoch;`

	insertConsensusSQL = `INSERT INTO consensus_records (
        epoch,
        asset,
        price,
        yield,
        resolved_at,
        participating_stake,
        total_stake,
        participation_bps,
        submission_seqs
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (epoch, asset) DO NOTHING;`

	listConsensusSQL = `SELECT
        epoch,
        asset,
        price,
        yield,
        resolved_at,
        participating_stake,
        total_stake,
        participation_bps,
        submission_seqs
    FROM consensus_records
    WHERE epoch = $1
    ORDER BY asset;`

	insertSlashSQL = `INSERT INTO slash_events (
        id,
        reporter,
        epoch,
        reason,
        asset,
        bps,
        amount,
        stake_before,
        stake_after,
        deactivated,
        slashed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (id) DO NOTHING;`

	listSlashesSQL = `SELECT
        id,
        reporter,
        epoch,
        reason,
        asset,
        bps,
        amount,
        stake_before,
        stake_after,
        deactivated,
        slashed_at
    FROM slash_events
    ORDER BY slashed_at DESC
    LIMIT $1;`

	insertOperationSQL = `INSERT INTO vault_operations (
        id,
        kind,
        account,
        recipient,
        shares,
        fee_shares,
        value,
        nav_per_share,
        legs,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO NOTHING;`

	upsertHoldingSQL = `INSERT INTO holdings (asset, quantity, updated_at)
    VALUES ($1,$2,$3)
    ON CONFLICT (asset) DO UPDATE
    SET quantity   = EXCLUDED.quantity,
        updated_at = EXCLUDED.updated_at;`

	listHoldingsSQL = `SELECT asset, quantity, updated_at FROM holdings WHERE quantity > 0 ORDER BY asset;`

	upsertReporterSQL = `INSERT INTO reporters (
        address,
        stake,
        nonce,
        consecutive_deviations,
        active,
        slashed,
        last_slash_at,
        successes,
        failures,
        slashed_total,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (address) DO UPDATE
    SET
        stake                  = EXCLUDED.stake,
        nonce                  = EXCLUDED.nonce,
        consecutive_deviations = EXCLUDED.consecutive_deviations,
        active                 = EXCLUDED.active,
        slashed                = EXCLUDED.slashed,
        last_slash_at          = EXCLUDED.last_slash_at,
        successes              = EXCLUDED.successes,
        failures               = EXCLUDED.failures,
        slashed_total          = EXCLUDED.slashed_total,
        updated_at             = EXCLUDED.updated_at;`

	listReportersSQL = `SELECT
        address,
        stake,
        nonce,
        consecutive_deviations,
        active,
        slashed,
        last_slash_at,
        successes,
        failures,
        slashed_total,
        updated_at
    FROM reporters
    ORDER BY address;`

	insertNAVSampleSQL = `INSERT INTO nav_samples (
        sample_ts,
        epoch,
        nav_per_share,
        holdings_value,
        supply,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (sample_ts) DO UPDATE
    SET
        epoch          = EXCLUDED.epoch,
        nav_per_share  = EXCLUDED.nav_per_share,
        holdings_value = EXCLUDED.holdings_value,
        supply         = EXCLUDED.supply,
        status         = EXCLUDED.status,
        error          = EXCLUDED.error;`

	listNAVSamplesBetweenSQL = `SELECT
        sample_ts,
        epoch,
        nav_per_share,
        holdings_value,
        supply,
        status,
        error
    FROM nav_samples
    WHERE sample_ts >= $1
      AND sample_ts < $2
    ORDER BY sample_ts;`

	listRecentNAVSamplesSQL = `SELECT
        sample_ts,
        epoch,
        nav_per_share,
        holdings_value,
        supply,
        status,
        error
    FROM nav_samples
    ORDER BY sample_ts DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`

	advisoryUnlockSQL = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL journal.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock also dies with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendSubmission inserts a submission; a repeated digest is ignored.
func (s *Store) AppendSubmission(ctx context.Context, row SubmissionRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	prices, err := json.Marshal(row.Prices)
	if err != nil {
		return err
	}
	var yields []byte
	if len(row.Yields) > 0 {
		if yields, err = json.Marshal(row.Yields); err != nil {
			return err
		}
	}
	if _, err := pool.Exec(ctx, insertSubmissionSQL,
		int64(row.Seq),
		int64(row.Epoch),
		row.Reporter,
		int64(row.Nonce),
		prices,
		yields,
		row.Timestamp,
		row.Expiry,
		row.Signature,
		row.Digest,
	); err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// ListSubmissions returns the submission log of epoch in sequence order.
func (s *Store) ListSubmissions(ctx context.Context, epoch uint64) ([]SubmissionRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSubmissionsSQL, int64(epoch))
	if queryErr != nil {
		return nil, fmt.Errorf("list submissions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]SubmissionRow, 0)
	for rows.Next() {
		var (
			row                  SubmissionRow
			seq, ep, nonce       int64
			pricesRaw, yieldsRaw []byte
		)
		if err := rows.Scan(&seq, &ep, &row.Reporter, &nonce, &pricesRaw, &yieldsRaw, &row.Timestamp, &row.Expiry, &row.Signature, &row.Digest); err != nil {
			return nil, err
		}
		row.Seq, row.Epoch, row.Nonce = uint64(seq), uint64(ep), uint64(nonce)
		if err := json.Unmarshal(pricesRaw, &row.Prices); err != nil {
			return nil, fmt.Errorf("decode prices: %w", err)
		}
		if len(yieldsRaw) > 0 {
			if err := json.Unmarshal(yieldsRaw, &row.Yields); err != nil {
				return nil, fmt.Errorf("decode yields: %w", err)
			}
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ListSubmissionEpochs returns every epoch with at least one submission.
func (s *Store) ListSubmissionEpochs(ctx context.Context) ([]uint64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSubmissionEpochsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list submission epochs: %w", queryErr)
	}
	defer rows.Close()

	epochs := make([]uint64, 0)
	for rows.Next() {
		var epoch int64
		if err := rows.Scan(&epoch); err != nil {
			return nil, err
		}
		epochs = append(epochs, uint64(epoch))
	}
	return epochs, rows.Err()
}

// AppendConsensus inserts a consensus record; records are never updated.
func (s *Store) AppendConsensus(ctx context.Context, row ConsensusRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var yield interface{}
	if row.Yield != nil {
		yield = row.Yield.String()
	}
	seqs := make([]int64, len(row.Submissions))
	for i, seq := range row.Submissions {
		seqs[i] = int64(seq)
	}
	if _, err := pool.Exec(ctx, insertConsensusSQL,
		int64(row.Epoch),
		row.Asset,
		row.Price.String(),
		yield,
		row.ResolvedAt,
		row.ParticipatingStake.String(),
		row.TotalStake.String(),
		row.ParticipationBps.String(),
		seqs,
	); err != nil {
		return fmt.Errorf("insert consensus record: %w", err)
	}
	return nil
}

// ListConsensus returns the consensus records of epoch ordered by asset.
func (s *Store) ListConsensus(ctx context.Context, epoch uint64) ([]ConsensusRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listConsensusSQL, int64(epoch))
	if queryErr != nil {
		return nil, fmt.Errorf("list consensus: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ConsensusRow, 0)
	for rows.Next() {
		var (
			row                                          ConsensusRow
			ep                                           int64
			priceStr, participatingStr, totalStr, bpsStr string
			yieldStr                                     sql.NullString
			seqs                                         []int64
		)
		if err := rows.Scan(&ep, &row.Asset, &priceStr, &yieldStr, &row.ResolvedAt, &participatingStr, &totalStr, &bpsStr, &seqs); err != nil {
			return nil, err
		}
		row.Epoch = uint64(ep)
		if row.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if yieldStr.Valid {
			y, err := decimal.NewFromString(yieldStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse yield: %w", err)
			}
			row.Yield = &y
		}
		if row.ParticipatingStake, err = decimal.NewFromString(participatingStr); err != nil {
			return nil, fmt.Errorf("parse participating stake: %w", err)
		}
		if row.TotalStake, err = decimal.NewFromString(totalStr); err != nil {
			return nil, fmt.Errorf("parse total stake: %w", err)
		}
		if row.ParticipationBps, err = decimal.NewFromString(bpsStr); err != nil {
			return nil, fmt.Errorf("parse participation: %w", err)
		}
		row.Submissions = make([]uint64, len(seqs))
		for i, seq := range seqs {
			row.Submissions[i] = uint64(seq)
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// AppendSlash persists a slash event.
func (s *Store) AppendSlash(ctx context.Context, row SlashRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertSlashSQL,
		row.ID.String(),
		row.Reporter,
		int64(row.Epoch),
		row.Reason,
		row.Asset,
		int32(row.Bps),
		row.Amount.String(),
		row.StakeBefore.String(),
		row.StakeAfter.String(),
		row.Deactivated,
		row.At,
	); err != nil {
		return fmt.Errorf("insert slash event: %w", err)
	}
	return nil
}

// ListSlashes returns the most recent slash events.
func (s *Store) ListSlashes(ctx context.Context, limit int) ([]SlashRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSlashesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list slashes: %w", queryErr)
	}
	defer rows.Close()

	out := make([]SlashRow, 0, limit)
	for rows.Next() {
		var (
			row                            SlashRow
			idStr                          string
			ep                             int64
			bps                            int32
			amountStr, beforeStr, afterStr string
		)
		if err := rows.Scan(&idStr, &row.Reporter, &ep, &row.Reason, &row.Asset, &bps, &amountStr, &beforeStr, &afterStr, &row.Deactivated, &row.At); err != nil {
			return nil, err
		}
		if row.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse slash id: %w", err)
		}
		row.Epoch, row.Bps = uint64(ep), uint32(bps)
		if row.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if row.StakeBefore, err = decimal.NewFromString(beforeStr); err != nil {
			return nil, fmt.Errorf("parse stake before: %w", err)
		}
		if row.StakeAfter, err = decimal.NewFromString(afterStr); err != nil {
			return nil, fmt.Errorf("parse stake after: %w", err)
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// AppendOperation persists a vault receipt.
func (s *Store) AppendOperation(ctx context.Context, row OperationRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	legs, err := json.Marshal(row.Legs)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertOperationSQL,
		row.ID.String(),
		row.Kind,
		row.Account,
		row.Recipient,
		row.Shares.String(),
		row.FeeShares.String(),
		row.Value.String(),
		row.NAVPerShare.String(),
		legs,
		row.At,
	); err != nil {
		return fmt.Errorf("insert vault operation: %w", err)
	}
	return nil
}

// UpsertHolding stores the current quantity of an asset; zero rows drop out of ListHoldings.
func (s *Store) UpsertHolding(ctx context.Context, row HoldingRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertHoldingSQL, row.Asset, row.Quantity.String(), row.UpdatedAt); err != nil {
		return fmt.Errorf("upsert holding: %w", err)
	}
	return nil
}

// ListHoldings returns every non-zero holding ordered by asset.
func (s *Store) ListHoldings(ctx context.Context) ([]HoldingRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listHoldingsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list holdings: %w", queryErr)
	}
	defer rows.Close()

	out := make([]HoldingRow, 0)
	for rows.Next() {
		var row HoldingRow
		var qty string
		if err := rows.Scan(&row.Asset, &qty, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if row.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertReporter stores the current state of a reporter.
func (s *Store) UpsertReporter(ctx context.Context, row ReporterRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var lastSlash interface{}
	if row.LastSlashAt != nil {
		lastSlash = *row.LastSlashAt
	}
	if _, err := pool.Exec(ctx, upsertReporterSQL,
		row.Address,
		row.Stake.String(),
		int64(row.Nonce),
		int32(row.ConsecutiveDeviations),
		row.Active,
		row.Slashed,
		lastSlash,
		int64(row.Successes),
		int64(row.Failures),
		row.SlashedTotal.String(),
		row.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert reporter: %w", err)
	}
	return nil
}

// ListReporters returns every reporter ordered by address.
func (s *Store) ListReporters(ctx context.Context) ([]ReporterRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listReportersSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list reporters: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ReporterRow, 0)
	for rows.Next() {
		var (
			row                  ReporterRow
			stakeStr, slashedStr string
			nonce, succ, fail    int64
			consecutive          int32
			lastSlash            sql.NullTime
		)
		if err := rows.Scan(&row.Address, &stakeStr, &nonce, &consecutive, &row.Active, &row.Slashed, &lastSlash, &succ, &fail, &slashedStr, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if row.Stake, err = decimal.NewFromString(stakeStr); err != nil {
			return nil, fmt.Errorf("parse stake: %w", err)
		}
		if row.SlashedTotal, err = decimal.NewFromString(slashedStr); err != nil {
			return nil, fmt.Errorf("parse slashed total: %w", err)
		}
		row.Nonce, row.Successes, row.Failures = uint64(nonce), uint64(succ), uint64(fail)
		row.ConsecutiveDeviations = uint32(consecutive)
		if lastSlash.Valid {
			at := lastSlash.Time
			row.LastSlashAt = &at
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertNAVSample persists or replaces a NAV sample.
func (s *Store) InsertNAVSample(ctx context.Context, sample NAVSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}
	if _, err := pool.Exec(ctx, insertNAVSampleSQL,
		sample.At,
		int64(sample.Epoch),
		sample.NAVPerShare.String(),
		sample.HoldingsValue.String(),
		sample.Supply.String(),
		sample.Status,
		errMsg,
	); err != nil {
		return fmt.Errorf("insert nav sample: %w", err)
	}
	return nil
}

// ListNAVSamplesBetween lists samples within a time window.
func (s *Store) ListNAVSamplesBetween(ctx context.Context, from, to time.Time) ([]NAVSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listNAVSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list nav samples between: %w", queryErr)
	}
	defer rows.Close()
	return collectNAVSamples(rows, 0)
}

// ListRecentNAVSamples lists the most recent samples ordered by descending time.
func (s *Store) ListRecentNAVSamples(ctx context.Context, limit int) ([]NAVSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentNAVSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent nav samples: %w", queryErr)
	}
	defer rows.Close()
	return collectNAVSamples(rows, limit)
}

func collectNAVSamples(rows pgx.Rows, capacity int) ([]NAVSample, error) {
	samples := make([]NAVSample, 0, capacity)
	for rows.Next() {
		sample, err := scanNAVSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanNAVSample(rows pgx.Rows) (NAVSample, error) {
	var (
		at        time.Time
		epoch     int64
		navStr    string
		valueStr  string
		supplyStr string
		status    string
		errMsg    sql.NullString
	)
	if err := rows.Scan(&at, &epoch, &navStr, &valueStr, &supplyStr, &status, &errMsg); err != nil {
		return NAVSample{}, err
	}

	nav, err := decimal.NewFromString(navStr)
	if err != nil {
		return NAVSample{}, fmt.Errorf("parse nav: %w", err)
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return NAVSample{}, fmt.Errorf("parse holdings value: %w", err)
	}
	supply, err := decimal.NewFromString(supplyStr)
	if err != nil {
		return NAVSample{}, fmt.Errorf("parse supply: %w", err)
	}

	sample := NAVSample{
		At:            at,
		Epoch:         uint64(epoch),
		NAVPerShare:   nav,
		HoldingsValue: value,
		Supply:        supply,
		Status:        status,
	}
	if errMsg.Valid {
		msg := errMsg.String
		sample.Error = &msg
	}
	return sample, nil
}
