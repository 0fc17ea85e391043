package vault

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"navfund/internal/exchange"
	"navfund/internal/registry"
	"navfund/internal/timelock"
	"navfund/internal/units"
)

var (
	ErrReentrant            = errors.New("vault: reentrant call")
	ErrPaused               = errors.New("vault: paused")
	ErrAssetPaused          = errors.New("vault: asset paused")
	ErrInvalidInput         = errors.New("vault: invalid input")
	ErrUnknownAsset         = errors.New("vault: asset not in weightset")
	ErrNoWeightset          = errors.New("vault: no weightset in force")
	ErrStale                = errors.New("vault: nav stale")
	ErrZeroNAV              = errors.New("vault: holdings value is zero with shares outstanding")
	ErrCompositionOutOfBand = errors.New("vault: basket composition outside tolerance")
	ErrLegSlippage          = errors.New("vault: leg slippage above cap")
	ErrAggregateSlippage    = errors.New("vault: aggregate slippage above cap")
	ErrWeightsetChanged     = errors.New("vault: weightset changed during operation")
	ErrZeroShares           = errors.New("vault: operation mints or burns zero shares")
	ErrInsufficientShares   = errors.New("vault: insufficient shares")
	ErrInvalidParams        = errors.New("vault: invalid params")
)

// Receipt kinds.
const (
	KindBasketMint = "basket_mint"
	KindRoutedMint = "routed_mint"
	KindRedeem     = "redeem"
	KindFee        = "fee_accrual"
)

// PriceSource yields fresh consensus prices denominated in the base asset.
type PriceSource interface {
	Prices(now time.Time) (map[string]decimal.Decimal, error)
}

// WeightsetSource yields the weightset in force for the open epoch.
type WeightsetSource interface {
	Weightset() (registry.Weightset, bool)
}

// Params are the timelocked economic knobs of the vault.
type Params struct {
	CompositionToleranceBps uint32
	MintFeeBps              uint32
	LegSlippageBps          uint32
	AggregateSlippageBps    uint32
	MgmtAprBps              uint32
	MaxAccrualBps           uint32
	PauseCooldown           time.Duration
	EmergencyCooldown       time.Duration
}

func DefaultParams() Params {
	return Params{
		CompositionToleranceBps: 2000,
		MintFeeBps:              30,
		LegSlippageBps:          300,
		AggregateSlippageBps:    100,
		MgmtAprBps:              100,
		MaxAccrualBps:           1000,
		PauseCooldown:           time.Hour,
		EmergencyCooldown:       24 * time.Hour,
	}
}

func (p Params) Validate() error {
	switch {
	case p.CompositionToleranceBps > units.BpsDenominator:
		return fmt.Errorf("%w: composition tolerance above 10000 bps", ErrInvalidParams)
	case p.MintFeeBps >= units.BpsDenominator:
		return fmt.Errorf("%w: mint fee must be below 10000 bps", ErrInvalidParams)
	case p.LegSlippageBps > units.BpsDenominator || p.AggregateSlippageBps > units.BpsDenominator:
		return fmt.Errorf("%w: slippage caps above 10000 bps", ErrInvalidParams)
	case p.MaxAccrualBps == 0 || p.MaxAccrualBps > units.BpsDenominator:
		return fmt.Errorf("%w: accrual cap must be within 1..10000 bps", ErrInvalidParams)
	case p.PauseCooldown < 0:
		return fmt.Errorf("%w: negative pause cooldown", ErrInvalidParams)
	case p.EmergencyCooldown <= 0:
		return fmt.Errorf("%w: emergency cooldown is mandatory", ErrInvalidParams)
	}
	return nil
}

// Config wires the vault's identities and dependencies.
type Config struct {
	Address    common.Address
	Owner      common.Address
	Guardian   common.Address
	FeeSink    common.Address
	BaseAsset  string
	Params     Params
	ParamDelay time.Duration
	Prices     PriceSource
	Weights    WeightsetSource
	Exchange   exchange.Exchange
}

// Holding is one row of the holdings ledger.
type Holding struct {
	Asset    string
	Quantity decimal.Decimal
}

// Snapshot is the NAV captured once at the start of an operation.
type Snapshot struct {
	At            time.Time
	Prices        map[string]decimal.Decimal
	HoldingsValue decimal.Decimal
	Supply        decimal.Decimal
	PerShare      decimal.Decimal
}

// Receipt is the audit record of a mint, redemption or fee accrual.
type Receipt struct {
	ID          uuid.UUID
	Kind        string
	Account     common.Address
	Recipient   common.Address
	Shares      decimal.Decimal
	FeeShares   decimal.Decimal
	Value       decimal.Decimal
	NAVPerShare decimal.Decimal
	RateBps     decimal.Decimal
	Assets      []string
	Quantities  []decimal.Decimal
	At          time.Time
}

// Vault is the holdings and share ledger. Callers serialise operations; the vault only
// guards against re-entry from within an operation.
type Vault struct {
	address   common.Address
	owner     common.Address
	guardian  common.Address
	feeSink   common.Address
	baseAsset string

	params  *timelock.Value[Params]
	prices  PriceSource
	weights WeightsetSource
	venue   exchange.Exchange

	holdings map[string]decimal.Decimal
	index    []string
	balances map[common.Address]decimal.Decimal
	supply   decimal.Decimal

	pause       pauseState
	assetPaused map[string]bool

	lastAccrual  time.Time
	periodStart  time.Time
	periodMinted decimal.Decimal

	entered atomic.Bool
}

// New constructs an empty vault. Fee accrual starts counting at now.
func New(cfg Config, now time.Time) (*Vault, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prices == nil || cfg.Weights == nil {
		return nil, errors.New("vault: price and weightset sources are required")
	}
	if cfg.FeeSink == (common.Address{}) {
		return nil, fmt.Errorf("%w: fee sink required", ErrInvalidInput)
	}
	base := registry.NormalizeAsset(cfg.BaseAsset)
	if base == "" {
		return nil, fmt.Errorf("%w: base asset required", ErrInvalidInput)
	}
	return &Vault{
		address:      cfg.Address,
		owner:        cfg.Owner,
		guardian:     cfg.Guardian,
		feeSink:      cfg.FeeSink,
		baseAsset:    base,
		params:       timelock.New(cfg.Params, cfg.ParamDelay),
		prices:       cfg.Prices,
		weights:      cfg.Weights,
		venue:        cfg.Exchange,
		holdings:     make(map[string]decimal.Decimal),
		balances:     make(map[common.Address]decimal.Decimal),
		supply:       decimal.Zero,
		assetPaused:  make(map[string]bool),
		lastAccrual:  now,
		periodStart:  now,
		periodMinted: decimal.Zero,
		pause:        pauseState{state: StateActive},
	}, nil
}

func (v *Vault) enter() error {
	if !v.entered.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	return nil
}

func (v *Vault) leave() { v.entered.Store(false) }

func (v *Vault) Params() Params { return v.params.Get() }

// ProposeParams queues a change; only the owner may call it.
func (v *Vault) ProposeParams(caller common.Address, next Params, now time.Time) (timelock.Pending[Params], error) {
	if caller != v.owner {
		return timelock.Pending[Params]{}, ErrUnauthorized
	}
	if err := next.Validate(); err != nil {
		return timelock.Pending[Params]{}, err
	}
	return v.params.Propose(next, now)
}

// ApplyParams installs the queued change after the timelock.
func (v *Vault) ApplyParams(now time.Time) (Params, error) { return v.params.Apply(now) }

func (v *Vault) Owner() common.Address   { return v.owner }
func (v *Vault) FeeSink() common.Address { return v.feeSink }
func (v *Vault) BaseAsset() string       { return v.baseAsset }

// Supply returns total outstanding shares.
func (v *Vault) Supply() decimal.Decimal { return v.supply }

// BalanceOf returns the share balance of account.
func (v *Vault) BalanceOf(account common.Address) decimal.Decimal {
	if bal, ok := v.balances[account]; ok {
		return bal
	}
	return decimal.Zero
}

// Holding returns the quantity held of asset.
func (v *Vault) Holding(asset string) decimal.Decimal {
	if q, ok := v.holdings[registry.NormalizeAsset(asset)]; ok {
		return q
	}
	return decimal.Zero
}

// Holdings returns the active asset index with quantities, in index order.
func (v *Vault) Holdings() []Holding {
	out := make([]Holding, 0, len(v.index))
	for _, asset := range v.index {
		out = append(out, Holding{Asset: asset, Quantity: v.holdings[asset]})
	}
	return out
}

// Accounts returns a copy of the share balances.
func (v *Vault) Accounts() map[common.Address]decimal.Decimal {
	out := make(map[common.Address]decimal.Decimal, len(v.balances))
	for id, bal := range v.balances {
		out[id] = bal
	}
	return out
}

// NAV captures a snapshot at now. It fails with ErrStale when any held asset lacks a fresh price.
func (v *Vault) NAV(now time.Time) (Snapshot, error) {
	return v.snapshot(now)
}

func (v *Vault) snapshot(now time.Time) (Snapshot, error) {
	prices, err := v.prices.Prices(now)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrStale, err)
	}
	snap := Snapshot{
		At:            now,
		Prices:        make(map[string]decimal.Decimal, len(prices)+1),
		HoldingsValue: decimal.Zero,
		Supply:        v.supply,
	}
	for asset, price := range prices {
		snap.Prices[asset] = price
	}
	if _, ok := snap.Prices[v.baseAsset]; !ok {
		snap.Prices[v.baseAsset] = decimal.NewFromInt(1)
	}
	for _, asset := range v.index {
		price, ok := snap.Prices[asset]
		if !ok {
			return Snapshot{}, fmt.Errorf("%w: no price for held asset %s", ErrStale, asset)
		}
		snap.HoldingsValue = snap.HoldingsValue.Add(units.Fix(v.holdings[asset].Mul(price)))
	}
	switch {
	case snap.Supply.IsZero():
		snap.PerShare = decimal.NewFromInt(1)
	default:
		snap.PerShare = units.Div(snap.HoldingsValue, snap.Supply)
	}
	return snap, nil
}

// sharesFor converts value to shares at the snapshot NAV; a zero supply mints 1:1.
func sharesFor(snap Snapshot, value decimal.Decimal) (decimal.Decimal, error) {
	if snap.Supply.IsZero() {
		return units.Fix(value), nil
	}
	if snap.HoldingsValue.Sign() <= 0 {
		return decimal.Decimal{}, ErrZeroNAV
	}
	return units.MulDiv(value, snap.Supply, snap.HoldingsValue), nil
}

func (v *Vault) credit(asset string, qty decimal.Decimal) {
	prev, held := v.holdings[asset]
	if !held {
		v.index = append(v.index, asset)
		prev = decimal.Zero
	}
	v.holdings[asset] = prev.Add(qty)
}

func (v *Vault) debit(asset string, qty decimal.Decimal) {
	left := v.holdings[asset].Sub(qty)
	if left.Sign() > 0 {
		v.holdings[asset] = left
		return
	}
	delete(v.holdings, asset)
	for i, a := range v.index {
		if a == asset {
			v.index = append(v.index[:i], v.index[i+1:]...)
			break
		}
	}
}

func (v *Vault) mintShares(to common.Address, shares decimal.Decimal) {
	if shares.Sign() <= 0 {
		return
	}
	v.balances[to] = v.BalanceOf(to).Add(shares)
	v.supply = v.supply.Add(shares)
}

func (v *Vault) burnShares(from common.Address, shares decimal.Decimal) {
	left := v.BalanceOf(from).Sub(shares)
	if left.Sign() > 0 {
		v.balances[from] = left
	} else {
		delete(v.balances, from)
	}
	v.supply = v.supply.Sub(shares)
}
