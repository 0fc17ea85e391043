package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"navfund/internal/units"
)

// RedeemRequest burns Shares owned by Owner and releases the pro-rata holdings to Recipient.
type RedeemRequest struct {
	Owner     common.Address
	Shares    decimal.Decimal
	Recipient common.Address
}

// Redeem is a pure proportional unwind: it never reads prices. Each held asset releases
// holding * shares / supplyBefore, truncated. Per-asset pauses do not block it; a global
// pause does.
func (v *Vault) Redeem(ctx context.Context, req RedeemRequest, now time.Time) (Receipt, error) {
	if err := v.enter(); err != nil {
		return Receipt{}, err
	}
	defer v.leave()

	if v.Paused() {
		return Receipt{}, ErrPaused
	}
	shares := units.Fix(req.Shares)
	if shares.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("%w: shares must be positive", ErrInvalidInput)
	}
	if req.Recipient == (common.Address{}) {
		return Receipt{}, fmt.Errorf("%w: zero recipient", ErrInvalidInput)
	}
	if v.BalanceOf(req.Owner).LessThan(shares) {
		return Receipt{}, fmt.Errorf("%w: have %s, redeem %s", ErrInsufficientShares, v.BalanceOf(req.Owner), shares)
	}

	supplyBefore := v.supply
	receipt := Receipt{
		ID:        uuid.New(),
		Kind:      KindRedeem,
		Account:   req.Owner,
		Recipient: req.Recipient,
		Shares:    shares,
		At:        now,
	}
	for _, asset := range v.index {
		qty := units.MulDiv(v.holdings[asset], shares, supplyBefore)
		if qty.Sign() <= 0 {
			continue
		}
		receipt.Assets = append(receipt.Assets, asset)
		receipt.Quantities = append(receipt.Quantities, qty)
	}

	for i, asset := range receipt.Assets {
		v.debit(asset, receipt.Quantities[i])
	}
	v.burnShares(req.Owner, shares)
	return receipt, nil
}
