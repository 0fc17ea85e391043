package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssetAmount is one (asset, value) pair. Order is preserved because it is part of the signed message.
type AssetAmount struct {
	Asset string          `json:"asset"`
	Value decimal.Decimal `json:"value"`
}

// SubmissionRow is one accepted reporter submission.
type SubmissionRow struct {
	Seq       uint64        `json:"seq"`
	Epoch     uint64        `json:"epoch"`
	Reporter  string        `json:"reporter"`
	Nonce     uint64        `json:"nonce"`
	Prices    []AssetAmount `json:"prices"`
	Yields    []AssetAmount `json:"yields,omitempty"`
	Timestamp time.Time     `json:"ts"`
	Expiry    time.Time     `json:"expiry"`
	Signature []byte        `json:"sig"`
	Digest    string        `json:"digest"`
}

// ConsensusRow is an immutable per-(epoch, asset) consensus record.
type ConsensusRow struct {
	Epoch              uint64           `json:"epoch"`
	Asset              string           `json:"asset"`
	Price              decimal.Decimal  `json:"price"`
	Yield              *decimal.Decimal `json:"yield,omitempty"`
	ResolvedAt         time.Time        `json:"resolved_at"`
	ParticipatingStake decimal.Decimal  `json:"participating_stake"`
	TotalStake         decimal.Decimal  `json:"total_stake"`
	ParticipationBps   decimal.Decimal  `json:"participation_bps"`
	Submissions        []uint64         `json:"submissions"`
}

// SlashRow is the audit record of one slash event.
type SlashRow struct {
	ID          uuid.UUID       `json:"id"`
	Reporter    string          `json:"reporter"`
	Epoch       uint64          `json:"epoch"`
	Reason      string          `json:"reason"`
	Asset       string          `json:"asset"`
	Bps         uint32          `json:"bps"`
	Amount      decimal.Decimal `json:"amount"`
	StakeBefore decimal.Decimal `json:"stake_before"`
	StakeAfter  decimal.Decimal `json:"stake_after"`
	Deactivated bool            `json:"deactivated"`
	At          time.Time       `json:"at"`
}

// OperationRow is a vault receipt: mint, redemption or fee accrual.
type OperationRow struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Account     string          `json:"account"`
	Recipient   string          `json:"recipient"`
	Shares      decimal.Decimal `json:"shares"`
	FeeShares   decimal.Decimal `json:"fee_shares"`
	Value       decimal.Decimal `json:"value"`
	NAVPerShare decimal.Decimal `json:"nav_per_share"`
	Legs        []AssetAmount   `json:"legs"`
	At          time.Time       `json:"at"`
}

// HoldingRow is the current quantity of one asset.
type HoldingRow struct {
	Asset     string          `json:"asset"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReporterRow is the current state of one reporter.
type ReporterRow struct {
	Address               string          `json:"address"`
	Stake                 decimal.Decimal `json:"stake"`
	Nonce                 uint64          `json:"nonce"`
	ConsecutiveDeviations uint32          `json:"consecutive_deviations"`
	Active                bool            `json:"active"`
	Slashed               bool            `json:"slashed"`
	LastSlashAt           *time.Time      `json:"last_slash_at,omitempty"`
	Successes             uint64          `json:"successes"`
	Failures              uint64          `json:"failures"`
	SlashedTotal          decimal.Decimal `json:"slashed_total"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// NAVSample is one NAV observation taken at the end of a round.
type NAVSample struct {
	At            time.Time       `json:"at"`
	Epoch         uint64          `json:"epoch"`
	NAVPerShare   decimal.Decimal `json:"nav_per_share"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	Supply        decimal.Decimal `json:"supply"`
	Status        string          `json:"status"`
	Error         *string         `json:"error,omitempty"`
}

// NAV sample statuses.
const (
	StatusComplete = "complete"
	StatusStale    = "stale"
)
