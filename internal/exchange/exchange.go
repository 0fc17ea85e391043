package exchange

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAsset    = errors.New("exchange: asset not listed")
	ErrInsufficientOut = errors.New("exchange: output below minOut")
	ErrZeroAmount      = errors.New("exchange: amount must be positive")
)

// Exchange is the opaque price-taking venue the vault routes base-asset input through.
// Amounts are ledger quantities; assetID is the asset bought with base-asset input.
type Exchange interface {
	GetQuote(ctx context.Context, assetID string, amountIn decimal.Decimal) (decimal.Decimal, error)
	Swap(ctx context.Context, assetID string, amountIn, minOut decimal.Decimal, recipient common.Address) (decimal.Decimal, error)
}
