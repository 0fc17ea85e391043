package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"navfund/internal/exchange"
	"navfund/internal/registry"
)

var (
	t0      = time.Unix(1_700_000_000, 0).UTC()
	owner   = common.Address{0xAA}
	guard   = common.Address{0xBB}
	feeSink = common.Address{0xFE}
	alice   = common.Address{0x01}
	bob     = common.Address{0x02}
	ctx     = context.Background()
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type scriptedPrices struct {
	script []map[string]decimal.Decimal
	err    error
	calls  int
}

func (s *scriptedPrices) Prices(time.Time) (map[string]decimal.Decimal, error) {
	if s.err != nil {
		return nil, s.err
	}
	p := s.script[min(s.calls, len(s.script)-1)]
	s.calls++
	return p, nil
}

func fixedPrices(kv ...string) *scriptedPrices {
	m := make(map[string]decimal.Decimal)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = dec(kv[i+1])
	}
	return &scriptedPrices{script: []map[string]decimal.Decimal{m}}
}

type staticWeights struct {
	sets  []registry.Weightset
	calls int
}

func (s *staticWeights) Weightset() (registry.Weightset, bool) {
	ws := s.sets[min(s.calls, len(s.sets)-1)]
	s.calls++
	return ws, true
}

func weightset(epoch uint64, assets []string, weights []uint32) registry.Weightset {
	return registry.Weightset{Epoch: epoch, Assets: assets, Weights: weights, Hash: registry.ComputeHash(epoch, assets, weights)}
}

func halfHalf() *staticWeights {
	return &staticWeights{sets: []registry.Weightset{weightset(1, []string{"A", "B"}, []uint32{5000, 5000})}}
}

func newVault(t *testing.T, prices PriceSource, weights WeightsetSource, venue exchange.Exchange, mutate func(*Params)) *Vault {
	t.Helper()
	params := DefaultParams()
	params.MintFeeBps = 0
	if mutate != nil {
		mutate(&params)
	}
	v, err := New(Config{
		Address:    common.Address{0x77},
		Owner:      owner,
		Guardian:   guard,
		FeeSink:    feeSink,
		BaseAsset:  "TAO",
		Params:     params,
		ParamDelay: time.Hour,
		Prices:     prices,
		Weights:    weights,
		Exchange:   venue,
	}, t0)
	require.NoError(t, err)
	return v
}

func basket(qa, qb string, to common.Address) BasketRequest {
	return BasketRequest{Account: to, Assets: []string{"A", "B"}, Quantities: []decimal.Decimal{dec(qa), dec(qb)}, Recipient: to}
}

func TestMintBasketCompositionTolerance(t *testing.T) {
	v := newVault(t, fixedPrices("A", "1", "B", "2"), halfHalf(), nil, nil)

	// 100/50 的价值占比 66.7%/33.3%, 偏离目标 50% 超过容差
	_, err := v.MintBasket(ctx, basket("100", "25", alice), t0)
	require.ErrorIs(t, err, ErrCompositionOutOfBand)
	require.True(t, v.Supply().IsZero())
	require.Empty(t, v.Holdings())

	receipt, err := v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.NoError(t, err)
	require.True(t, receipt.Shares.Equal(dec("200")), "bootstrap mints total value 1:1, got %s", receipt.Shares)
	require.True(t, v.BalanceOf(alice).Equal(dec("200")))
	require.True(t, v.Holding("A").Equal(dec("100")))
	require.True(t, v.Holding("B").Equal(dec("50")))
}

func TestMintBasketValidation(t *testing.T) {
	v := newVault(t, fixedPrices("A", "1", "B", "2"), halfHalf(), nil, nil)
	cases := []struct {
		name string
		req  BasketRequest
		err  error
	}{
		{"empty", BasketRequest{Recipient: alice}, ErrInvalidInput},
		{"length", BasketRequest{Assets: []string{"A"}, Recipient: alice}, ErrInvalidInput},
		{"zero quantity", basket("0", "50", alice), ErrInvalidInput},
		{"zero recipient", basket("100", "50", common.Address{}), ErrInvalidInput},
		{"unknown asset", BasketRequest{Assets: []string{"C"}, Quantities: []decimal.Decimal{dec("1")}, Recipient: alice}, ErrUnknownAsset},
		{"duplicate", BasketRequest{Assets: []string{"A", "a"}, Quantities: []decimal.Decimal{dec("1"), dec("1")}, Recipient: alice}, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.MintBasket(ctx, tc.req, t0)
			require.ErrorIs(t, err, tc.err)
		})
	}
	require.True(t, v.Supply().IsZero())
}

func TestMintBasketFeeGoesToSink(t *testing.T) {
	v := newVault(t, fixedPrices("A", "1", "B", "2"), halfHalf(), nil, func(p *Params) { p.MintFeeBps = 100 })
	receipt, err := v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.NoError(t, err)
	require.True(t, receipt.Shares.Equal(dec("198")))
	require.True(t, receipt.FeeShares.Equal(dec("2")))
	require.True(t, v.BalanceOf(feeSink).Equal(dec("2")))
	require.True(t, v.Supply().Equal(dec("200")))
}

func TestNAVReadOncePerOperation(t *testing.T) {
	prices := &scriptedPrices{script: []map[string]decimal.Decimal{
		{"A": dec("1"), "B": dec("2")},
		{"A": dec("10"), "B": dec("20")},
		{"A": dec("1000"), "B": dec("1")},
	}}
	v := newVault(t, prices, halfHalf(), nil, nil)

	_, err := v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.NoError(t, err)
	require.Equal(t, 1, prices.calls)

	// 第二次: 持仓按 10/20 估值 = 2000, 供应 200, 存入价值 2000 -> 200 份
	receipt, err := v.MintBasket(ctx, basket("100", "50", bob), t0)
	require.NoError(t, err)
	require.Equal(t, 2, prices.calls, "a mint reads prices exactly once")
	require.True(t, receipt.NAVPerShare.Equal(dec("10")))
	require.True(t, receipt.Shares.Equal(dec("200")), "got %s", receipt.Shares)
}

func TestRedemptionIsProportional(t *testing.T) {
	prices := fixedPrices("A", "1", "B", "2")
	v := newVault(t, prices, halfHalf(), nil, nil)
	_, err := v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.NoError(t, err)
	_, err = v.MintBasket(ctx, basket("30", "15", bob), t0)
	require.NoError(t, err)

	before := map[string]decimal.Decimal{"A": v.Holding("A"), "B": v.Holding("B")}
	supply := v.Supply()
	calls := prices.calls
	prices.err = errors.New("oracle down")

	receipt, err := v.Redeem(ctx, RedeemRequest{Owner: bob, Shares: dec("60"), Recipient: bob}, t0)
	require.NoError(t, err, "redemption never consults prices")
	require.Equal(t, calls, prices.calls)
	require.Equal(t, []string{"A", "B"}, receipt.Assets)
	for i, asset := range receipt.Assets {
		want := before[asset].Mul(dec("60")).Div(supply)
		require.True(t, receipt.Quantities[i].Equal(want), "%s got %s want %s", asset, receipt.Quantities[i], want)
		require.True(t, v.Holding(asset).Add(receipt.Quantities[i]).Equal(before[asset]))
	}

	_, err = v.Redeem(ctx, RedeemRequest{Owner: bob, Shares: dec("1"), Recipient: bob}, t0)
	require.ErrorIs(t, err, ErrInsufficientShares)

	_, err = v.Redeem(ctx, RedeemRequest{Owner: alice, Shares: v.BalanceOf(alice), Recipient: alice}, t0)
	require.NoError(t, err)
	require.True(t, v.Supply().IsZero())
	require.Empty(t, v.Holdings(), "assets at zero leave the index")

	prices.err = nil
	_, err = v.MintBasket(ctx, basket("10", "5", alice), t0)
	require.NoError(t, err)
	require.Len(t, v.Holdings(), 2, "assets re-enter the index on deposit")
}

func TestPauseStateMachine(t *testing.T) {
	v := newVault(t, fixedPrices("A", "1", "B", "2"), halfHalf(), nil, nil)
	_, err := v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.NoError(t, err)

	require.ErrorIs(t, v.Pause(alice, t0), ErrUnauthorized)
	require.NoError(t, v.Pause(owner, t0))
	require.ErrorIs(t, v.Pause(owner, t0), ErrAlreadyPaused)
	_, err = v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.ErrorIs(t, err, ErrPaused)
	_, err = v.Redeem(ctx, RedeemRequest{Owner: alice, Shares: dec("1"), Recipient: alice}, t0)
	require.ErrorIs(t, err, ErrPaused)

	require.ErrorIs(t, v.Resume(owner, t0.Add(time.Minute)), ErrCooldown)
	require.NoError(t, v.Resume(owner, t0.Add(time.Hour)))

	// 紧急停止: guardian 可触发, 恢复前必须等待完整冷却期
	require.NoError(t, v.EmergencyStop(guard, t0.Add(2*time.Hour)))
	require.Equal(t, StateEmergency, v.Status().State)
	require.ErrorIs(t, v.Resume(owner, t0.Add(3*time.Hour)), ErrCooldown)
	require.NoError(t, v.Resume(owner, t0.Add(26*time.Hour)))
	require.ErrorIs(t, v.Resume(owner, t0.Add(27*time.Hour)), ErrNotPaused)

	require.NoError(t, v.PauseAsset(owner, "b"))
	require.Equal(t, []string{"B"}, v.Status().PausedAssets)
	_, err = v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.ErrorIs(t, err, ErrAssetPaused)
	_, err = v.Redeem(ctx, RedeemRequest{Owner: alice, Shares: dec("10"), Recipient: alice}, t0)
	require.NoError(t, err, "per-asset pause does not trap holders")
	require.NoError(t, v.ResumeAsset(owner, "B"))
	_, err = v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.NoError(t, err)
}

func TestAccrueFeesBoundedPerYear(t *testing.T) {
	mk := func() *Vault {
		v := newVault(t, fixedPrices("A", "1", "B", "2"), halfHalf(), nil, nil)
		_, err := v.MintBasket(ctx, basket("100", "50", alice), t0)
		require.NoError(t, err)
		return v
	}

	single := mk()
	receipt, err := single.AccrueFees(ctx, t0.Add(FeeYear))
	require.NoError(t, err)
	require.True(t, receipt.Shares.Equal(dec("2")), "1%% of 200, got %s", receipt.Shares)

	again, err := single.AccrueFees(ctx, t0.Add(FeeYear))
	require.NoError(t, err)
	require.True(t, again.Shares.IsZero())

	split := mk()
	total := decimal.Zero
	for i := 1; i <= 4; i++ {
		r, err := split.AccrueFees(ctx, t0.Add(FeeYear*time.Duration(i)/4))
		require.NoError(t, err)
		total = total.Add(r.Shares)
	}
	require.True(t, total.Equal(dec("2")), "split accrual must not compound, got %s", total)
	require.True(t, split.BalanceOf(feeSink).Equal(dec("2")))

	capped := newVault(t, fixedPrices("A", "1", "B", "2"), halfHalf(), nil, func(p *Params) { p.MgmtAprBps = 5000 })
	_, err = capped.MintBasket(ctx, basket("100", "50", alice), t0)
	require.NoError(t, err)
	r, err := capped.AccrueFees(ctx, t0.Add(FeeYear))
	require.NoError(t, err)
	require.True(t, r.Shares.Equal(dec("20")), "per-call cap is 10%%, got %s", r.Shares)
}

func routedFixture(t *testing.T, rateB string) (*Vault, *exchange.Simulated, *staticWeights) {
	venue := exchange.NewSimulated(map[string]decimal.Decimal{"A": dec("1"), "B": dec(rateB)}, 0)
	weights := halfHalf()
	return newVault(t, fixedPrices("A", "1", "B", "2"), weights, venue, nil), venue, weights
}

func TestMintRoutedHappyPath(t *testing.T) {
	v, venue, _ := routedFixture(t, "0.5")
	receipt, legs, err := v.MintRouted(ctx, RoutedRequest{Account: alice, Amount: dec("100"), Recipient: alice}, t0)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	require.True(t, legs[0].AmountIn.Add(legs[1].AmountIn).Equal(dec("100")))
	require.True(t, v.Holding("A").Equal(dec("50")))
	require.True(t, v.Holding("B").Equal(dec("25")))
	require.True(t, receipt.Shares.Equal(dec("100")))
	require.Len(t, venue.Fills(), 2)
}

func TestMintRoutedLegSlippageAbortsBeforeSwaps(t *testing.T) {
	v, venue, _ := routedFixture(t, "0.45")
	_, _, err := v.MintRouted(ctx, RoutedRequest{Amount: dec("100"), Recipient: alice}, t0)
	require.ErrorIs(t, err, ErrLegSlippage)
	require.Empty(t, venue.Fills())
	require.True(t, v.Supply().IsZero())
}

func TestMintRoutedAggregateSlippage(t *testing.T) {
	// B 腿滑点 2.4% < 3% 单腿上限, 但加权 1.2% > 1% 总上限
	v, venue, _ := routedFixture(t, "0.488")
	_, legs, err := v.MintRouted(ctx, RoutedRequest{Amount: dec("100"), Recipient: alice}, t0)
	require.ErrorIs(t, err, ErrAggregateSlippage)
	require.True(t, legs[1].Quoted.Equal(dec("24.4")))
	require.Empty(t, venue.Fills())
	require.Empty(t, v.Holdings())
}

func TestMintRoutedWeightsetChanged(t *testing.T) {
	v, _, weights := routedFixture(t, "0.5")
	weights.sets = append(weights.sets, weightset(2, []string{"A", "B"}, []uint32{6000, 4000}))
	_, _, err := v.MintRouted(ctx, RoutedRequest{Amount: dec("100"), Recipient: alice}, t0)
	require.ErrorIs(t, err, ErrWeightsetChanged)
	require.True(t, v.Supply().IsZero())
	require.Empty(t, v.Holdings())
}

type reentrantVenue struct {
	exchange.Exchange
	vault *Vault
	err   error
}

func (r *reentrantVenue) Swap(ctx context.Context, asset string, in, minOut decimal.Decimal, to common.Address) (decimal.Decimal, error) {
	_, r.err = r.vault.Redeem(ctx, RedeemRequest{Owner: alice, Shares: dec("1"), Recipient: alice}, t0)
	return r.Exchange.Swap(ctx, asset, in, minOut, to)
}

func TestReentrantCallbackRejected(t *testing.T) {
	inner := exchange.NewSimulated(map[string]decimal.Decimal{"A": dec("1"), "B": dec("0.5")}, 0)
	venue := &reentrantVenue{Exchange: inner}
	v := newVault(t, fixedPrices("A", "1", "B", "2"), halfHalf(), venue, nil)
	venue.vault = v

	_, err := v.MintBasket(ctx, basket("100", "50", alice), t0)
	require.NoError(t, err)

	receipt, _, err := v.MintRouted(ctx, RoutedRequest{Amount: dec("100"), Recipient: bob}, t0)
	require.NoError(t, err)
	require.ErrorIs(t, venue.err, ErrReentrant)
	require.True(t, v.BalanceOf(alice).Equal(dec("200")), "re-entrant redeem must not burn")
	require.True(t, receipt.NAVPerShare.Equal(dec("1")))
	require.True(t, receipt.Shares.Equal(dec("100")))
}

func TestParamsTimelock(t *testing.T) {
	v := newVault(t, fixedPrices("A", "1", "B", "2"), halfHalf(), nil, nil)
	next := v.Params()
	next.CompositionToleranceBps = 500
	_, err := v.ProposeParams(alice, next, t0)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = v.ProposeParams(owner, next, t0)
	require.NoError(t, err)
	_, err = v.ApplyParams(t0.Add(time.Minute))
	require.Error(t, err)
	applied, err := v.ApplyParams(t0.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 500, applied.CompositionToleranceBps)

	bad := next
	bad.EmergencyCooldown = 0
	_, err = v.ProposeParams(owner, bad, t0)
	require.ErrorIs(t, err, ErrInvalidParams)
}
