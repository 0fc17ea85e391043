package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"navfund/internal/registry"
	"navfund/internal/units"
)

// Fill records one executed simulated swap.
type Fill struct {
	Asset     string
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
	Recipient common.Address
}

// Simulated is an in-process venue quoting fixed rates minus a haircut. Used by the
// simulate command and tests.
type Simulated struct {
	mu          sync.Mutex
	rates       map[string]decimal.Decimal
	haircutBps  uint32
	swapSkewBps uint32
	fills       []Fill
}

// NewSimulated builds a venue from asset -> units of asset per unit of base asset.
func NewSimulated(rates map[string]decimal.Decimal, haircutBps uint32) *Simulated {
	s := &Simulated{rates: make(map[string]decimal.Decimal, len(rates)), haircutBps: haircutBps}
	for asset, rate := range rates {
		s.rates[registry.NormalizeAsset(asset)] = rate
	}
	return s
}

// SetRate changes the quoted rate of asset.
func (s *Simulated) SetRate(asset string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[registry.NormalizeAsset(asset)] = rate
}

// SetSwapSkew makes executed swaps fill skewBps worse than the quote.
func (s *Simulated) SetSwapSkew(skewBps uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapSkewBps = skewBps
}

func (s *Simulated) quote(assetID string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	if amountIn.Sign() <= 0 {
		return decimal.Decimal{}, ErrZeroAmount
	}
	rate, ok := s.rates[registry.NormalizeAsset(assetID)]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	gross := units.Fix(amountIn.Mul(rate))
	return gross.Sub(units.ApplyBps(gross, s.haircutBps)), nil
}

func (s *Simulated) GetQuote(_ context.Context, assetID string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote(assetID, amountIn)
}

func (s *Simulated) Swap(_ context.Context, assetID string, amountIn, minOut decimal.Decimal, recipient common.Address) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.quote(assetID, amountIn)
	if err != nil {
		return decimal.Decimal{}, err
	}
	out = out.Sub(units.ApplyBps(out, s.swapSkewBps))
	if out.LessThan(minOut) {
		return decimal.Decimal{}, fmt.Errorf("%w: got %s min %s", ErrInsufficientOut, out, minOut)
	}
	s.fills = append(s.fills, Fill{
		Asset:     registry.NormalizeAsset(assetID),
		AmountIn:  amountIn,
		AmountOut: out,
		Recipient: recipient,
	})
	return out, nil
}

// Fills returns executed swaps in order.
func (s *Simulated) Fills() []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fill(nil), s.fills...)
}

var _ Exchange = (*Simulated)(nil)
