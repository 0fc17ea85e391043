package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"navfund/internal/registry"
	"navfund/internal/units"
)

// BasketRequest deposits several assets in kind.
type BasketRequest struct {
	Account    common.Address
	Assets     []string
	Quantities []decimal.Decimal
	Recipient  common.Address
}

// RoutedRequest deposits base asset to be swapped into the basket.
type RoutedRequest struct {
	Account   common.Address
	Amount    decimal.Decimal
	Recipient common.Address
}

// Leg is one routed-mint swap.
type Leg struct {
	Asset       string
	WeightBps   uint32
	AmountIn    decimal.Decimal
	Price       decimal.Decimal
	Expected    decimal.Decimal
	MinOut      decimal.Decimal
	Quoted      decimal.Decimal
	Realized    decimal.Decimal
	SlippageBps decimal.Decimal
}

// MintBasket mints shares against an in-kind deposit. When a composition tolerance is set,
// every weightset asset's share of the deposited value must lie within tolerance of its
// target weight, measured relative to that weight.
func (v *Vault) MintBasket(ctx context.Context, req BasketRequest, now time.Time) (Receipt, error) {
	if err := v.enter(); err != nil {
		return Receipt{}, err
	}
	defer v.leave()

	if v.Paused() {
		return Receipt{}, ErrPaused
	}
	params := v.params.Get()
	if len(req.Assets) == 0 || len(req.Assets) > registry.MaxBasketSize {
		return Receipt{}, fmt.Errorf("%w: basket must carry 1..%d assets", ErrInvalidInput, registry.MaxBasketSize)
	}
	if len(req.Assets) != len(req.Quantities) {
		return Receipt{}, fmt.Errorf("%w: %d assets, %d quantities", ErrInvalidInput, len(req.Assets), len(req.Quantities))
	}
	if req.Recipient == (common.Address{}) {
		return Receipt{}, fmt.Errorf("%w: zero recipient", ErrInvalidInput)
	}
	ws, ok := v.weights.Weightset()
	if !ok {
		return Receipt{}, ErrNoWeightset
	}

	assets := make([]string, len(req.Assets))
	seen := make(map[string]struct{}, len(req.Assets))
	for i, raw := range req.Assets {
		asset := registry.NormalizeAsset(raw)
		if _, dup := seen[asset]; dup {
			return Receipt{}, fmt.Errorf("%w: duplicate asset %s", ErrInvalidInput, asset)
		}
		seen[asset] = struct{}{}
		if _, listed := ws.Weight(asset); !listed {
			return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
		}
		if v.assetPaused[asset] {
			return Receipt{}, fmt.Errorf("%w: %s", ErrAssetPaused, asset)
		}
		if req.Quantities[i].Sign() <= 0 {
			return Receipt{}, fmt.Errorf("%w: quantity of %s must be positive", ErrInvalidInput, asset)
		}
		assets[i] = asset
	}

	snap, err := v.snapshot(now)
	if err != nil {
		return Receipt{}, err
	}

	values := make(map[string]decimal.Decimal, len(assets))
	total := decimal.Zero
	for i, asset := range assets {
		price, ok := snap.Prices[asset]
		if !ok {
			return Receipt{}, fmt.Errorf("%w: no price for %s", ErrStale, asset)
		}
		value := units.Fix(req.Quantities[i].Mul(price))
		values[asset] = value
		total = total.Add(value)
	}
	if total.Sign() <= 0 {
		return Receipt{}, ErrZeroShares
	}
	if tol := params.CompositionToleranceBps; tol > 0 {
		for i, asset := range ws.Assets {
			target := units.Bps(ws.Weights[i])
			actual := units.ShareBps(values[asset], total)
			if units.DeviationBps(actual, target).GreaterThan(units.Bps(tol)) {
				return Receipt{}, fmt.Errorf("%w: %s at %s bps, target %s", ErrCompositionOutOfBand, asset, actual.StringFixed(2), target)
			}
		}
	}

	fee := units.ApplyBps(total, params.MintFeeBps)
	shares, err := sharesFor(snap, total.Sub(fee))
	if err != nil {
		return Receipt{}, err
	}
	feeShares, err := sharesFor(snap, fee)
	if err != nil {
		return Receipt{}, err
	}
	if shares.Sign() <= 0 {
		return Receipt{}, ErrZeroShares
	}

	for i, asset := range assets {
		v.credit(asset, units.Fix(req.Quantities[i]))
	}
	v.mintShares(req.Recipient, shares)
	v.mintShares(v.feeSink, feeShares)

	receipt := Receipt{
		ID:          uuid.New(),
		Kind:        KindBasketMint,
		Account:     req.Account,
		Recipient:   req.Recipient,
		Shares:      shares,
		FeeShares:   feeShares,
		Value:       total,
		NAVPerShare: snap.PerShare,
		Assets:      assets,
		Quantities:  make([]decimal.Decimal, len(assets)),
		At:          now,
	}
	for i := range assets {
		receipt.Quantities[i] = units.Fix(req.Quantities[i])
	}
	return receipt, nil
}

// PlanRoute splits amount across the weightset by target weight. The last leg takes the
// remainder so the legs always sum to amount.
func PlanRoute(ws registry.Weightset, amount decimal.Decimal) []Leg {
	legs := make([]Leg, len(ws.Assets))
	allocated := decimal.Zero
	for i, asset := range ws.Assets {
		alloc := units.ApplyBps(amount, ws.Weights[i])
		if i == len(ws.Assets)-1 {
			alloc = amount.Sub(allocated)
		}
		allocated = allocated.Add(alloc)
		legs[i] = Leg{Asset: asset, WeightBps: ws.Weights[i], AmountIn: alloc}
	}
	return legs
}

// MintRouted swaps base asset into the basket leg by leg and mints shares for the oracle value
// of what was received. Every leg is quoted before any swap executes; a leg realising less than
// its oracle expectation minus LegSlippageBps, or an allocation-weighted slippage above
// AggregateSlippageBps, aborts the mint.
func (v *Vault) MintRouted(ctx context.Context, req RoutedRequest, now time.Time) (Receipt, []Leg, error) {
	if err := v.enter(); err != nil {
		return Receipt{}, nil, err
	}
	defer v.leave()

	if v.Paused() {
		return Receipt{}, nil, ErrPaused
	}
	if v.venue == nil {
		return Receipt{}, nil, errors.New("vault: no exchange configured")
	}
	params := v.params.Get()
	amount := units.Fix(req.Amount)
	if amount.Sign() <= 0 {
		return Receipt{}, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if req.Recipient == (common.Address{}) {
		return Receipt{}, nil, fmt.Errorf("%w: zero recipient", ErrInvalidInput)
	}
	ws, ok := v.weights.Weightset()
	if !ok {
		return Receipt{}, nil, ErrNoWeightset
	}
	for _, asset := range ws.Assets {
		if v.assetPaused[asset] {
			return Receipt{}, nil, fmt.Errorf("%w: %s", ErrAssetPaused, asset)
		}
	}

	snap, err := v.snapshot(now)
	if err != nil {
		return Receipt{}, nil, err
	}

	legs := PlanRoute(ws, amount)
	for i := range legs {
		leg := &legs[i]
		price, ok := snap.Prices[leg.Asset]
		if !ok || price.Sign() <= 0 {
			return Receipt{}, nil, fmt.Errorf("%w: no price for %s", ErrStale, leg.Asset)
		}
		leg.Price = price
		leg.Expected = units.Div(leg.AmountIn, price)
		leg.MinOut = leg.Expected.Sub(units.ApplyBps(leg.Expected, params.LegSlippageBps))
		if leg.AmountIn.IsZero() {
			continue
		}
		if leg.Asset == v.baseAsset {
			leg.Quoted = leg.AmountIn
			continue
		}
		quoted, err := v.venue.GetQuote(ctx, leg.Asset, leg.AmountIn)
		if err != nil {
			return Receipt{}, legs, fmt.Errorf("quote %s: %w", leg.Asset, err)
		}
		leg.Quoted = quoted
		if quoted.LessThan(leg.MinOut) {
			return Receipt{}, legs, fmt.Errorf("%w: %s quoted %s, min %s", ErrLegSlippage, leg.Asset, quoted, leg.MinOut)
		}
	}
	if agg := aggregateSlippage(legs, amount, func(l Leg) decimal.Decimal { return l.Quoted }); agg.GreaterThan(units.Bps(params.AggregateSlippageBps)) {
		return Receipt{}, legs, fmt.Errorf("%w: quoted %s bps", ErrAggregateSlippage, agg.StringFixed(2))
	}

	for i := range legs {
		leg := &legs[i]
		if leg.AmountIn.IsZero() {
			continue
		}
		if leg.Asset == v.baseAsset {
			leg.Realized = leg.AmountIn
			continue
		}
		out, err := v.venue.Swap(ctx, leg.Asset, leg.AmountIn, leg.MinOut, v.address)
		if err != nil {
			return Receipt{}, legs, fmt.Errorf("swap %s: %w", leg.Asset, err)
		}
		leg.Realized = units.Fix(out)
		if leg.Realized.LessThan(leg.MinOut) {
			return Receipt{}, legs, fmt.Errorf("%w: %s realised %s, min %s", ErrLegSlippage, leg.Asset, leg.Realized, leg.MinOut)
		}
	}
	agg := aggregateSlippage(legs, amount, func(l Leg) decimal.Decimal { return l.Realized })
	if agg.GreaterThan(units.Bps(params.AggregateSlippageBps)) {
		return Receipt{}, legs, fmt.Errorf("%w: realised %s bps", ErrAggregateSlippage, agg.StringFixed(2))
	}

	if current, ok := v.weights.Weightset(); !ok || current.Hash != ws.Hash {
		return Receipt{}, legs, ErrWeightsetChanged
	}

	value := decimal.Zero
	for i := range legs {
		legs[i].SlippageBps = legSlippage(legs[i].Expected, legs[i].Realized)
		value = value.Add(units.Fix(legs[i].Realized.Mul(legs[i].Price)))
	}
	fee := units.ApplyBps(value, params.MintFeeBps)
	shares, err := sharesFor(snap, value.Sub(fee))
	if err != nil {
		return Receipt{}, legs, err
	}
	feeShares, err := sharesFor(snap, fee)
	if err != nil {
		return Receipt{}, legs, err
	}
	if shares.Sign() <= 0 {
		return Receipt{}, legs, ErrZeroShares
	}

	receipt := Receipt{
		ID:          uuid.New(),
		Kind:        KindRoutedMint,
		Account:     req.Account,
		Recipient:   req.Recipient,
		Shares:      shares,
		FeeShares:   feeShares,
		Value:       value,
		NAVPerShare: snap.PerShare,
		At:          now,
	}
	for _, leg := range legs {
		if leg.Realized.Sign() <= 0 {
			continue
		}
		v.credit(leg.Asset, leg.Realized)
		receipt.Assets = append(receipt.Assets, leg.Asset)
		receipt.Quantities = append(receipt.Quantities, leg.Realized)
	}
	v.mintShares(req.Recipient, shares)
	v.mintShares(v.feeSink, feeShares)
	return receipt, legs, nil
}

func legSlippage(expected, got decimal.Decimal) decimal.Decimal {
	if expected.Sign() <= 0 || !got.LessThan(expected) {
		return decimal.Zero
	}
	return units.ShareBps(expected.Sub(got), expected)
}

// aggregateSlippage weights each leg's shortfall by its share of the input.
func aggregateSlippage(legs []Leg, amount decimal.Decimal, out func(Leg) decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 {
		return decimal.Zero
	}
	weighted := decimal.Zero
	for _, leg := range legs {
		weighted = weighted.Add(leg.AmountIn.Mul(legSlippage(leg.Expected, out(leg))))
	}
	return weighted.DivRound(amount, units.Precision)
}
