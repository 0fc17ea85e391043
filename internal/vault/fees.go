package vault

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"navfund/internal/units"
)

// FeeYear is the period the management APR refers to.
const FeeYear = 365 * 24 * time.Hour

// AccrueFees mints management-fee shares to the fee sink for the time elapsed since the last
// accrual. The rate is capped per call at MaxAccrualBps. Shares minted earlier in the same fee
// year are excluded from the base, so splitting a year into several calls mints the same amount
// as a single call.
func (v *Vault) AccrueFees(ctx context.Context, now time.Time) (Receipt, error) {
	if err := v.enter(); err != nil {
		return Receipt{}, err
	}
	defer v.leave()

	receipt := Receipt{ID: uuid.New(), Kind: KindFee, Recipient: v.feeSink, Shares: decimal.Zero, At: now}
	if !now.After(v.lastAccrual) {
		return receipt, nil
	}
	params := v.params.Get()

	elapsed := now.Sub(v.lastAccrual)
	rate := units.MulDiv(units.Bps(params.MgmtAprBps), decimal.NewFromInt(elapsed.Nanoseconds()), decimal.NewFromInt(FeeYear.Nanoseconds()))
	if limit := units.Bps(params.MaxAccrualBps); rate.GreaterThan(limit) {
		rate = limit
	}
	base := v.supply.Sub(v.periodMinted)
	if base.Sign() < 0 {
		base = decimal.Zero
	}
	shares := units.MulDiv(base, rate, decimal.NewFromInt(units.BpsDenominator))

	v.lastAccrual = now
	if shares.Sign() > 0 {
		v.mintShares(v.feeSink, shares)
		v.periodMinted = v.periodMinted.Add(shares)
	}
	for !now.Before(v.periodStart.Add(FeeYear)) {
		v.periodStart = v.periodStart.Add(FeeYear)
		v.periodMinted = decimal.Zero
	}
	receipt.Shares = shares
	receipt.RateBps = rate
	return receipt, nil
}

// LastAccrual returns when fees were last accrued.
func (v *Vault) LastAccrual() time.Time { return v.lastAccrual }
