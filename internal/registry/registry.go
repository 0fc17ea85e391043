package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"navfund/internal/units"
)

// WeightsetDomainV1 prefixes the canonical message hashed into a weightset integrity hash.
const WeightsetDomainV1 = "NAVFUND_WEIGHTSET_V1"

// MaxBasketSize bounds every per-asset loop in the engine.
const MaxBasketSize = 64

var (
	ErrBasketSize        = errors.New("registry: asset count does not match basket size")
	ErrLengthMismatch    = errors.New("registry: assets and weights length mismatch")
	ErrWeightSum         = errors.New("registry: weights must sum to 10000 bps")
	ErrZeroWeight        = errors.New("registry: zero weight")
	ErrDuplicateAsset    = errors.New("registry: duplicate asset")
	ErrInvalidAsset      = errors.New("registry: invalid asset id")
	ErrIneligibleAsset   = errors.New("registry: asset not eligible")
	ErrHashMismatch      = errors.New("registry: integrity hash mismatch")
	ErrEpochNotIncreased = errors.New("registry: epoch must advance past the last published weightset")
	ErrEpochInPast       = errors.New("registry: epoch already closed")
)

// Weightset is an immutable, published basket definition.
type Weightset struct {
	Epoch       uint64
	Assets      []string
	Weights     []uint32
	Hash        common.Hash
	Overridden  []bool
	PublishedAt time.Time
}

// Weight returns the target weight of asset in bps.
func (w Weightset) Weight(asset string) (uint32, bool) {
	for i, a := range w.Assets {
		if a == asset {
			return w.Weights[i], true
		}
	}
	return 0, false
}

// Clone returns a deep copy so callers cannot mutate published history.
func (w Weightset) Clone() Weightset {
	clone := w
	clone.Assets = append([]string(nil), w.Assets...)
	clone.Weights = append([]uint32(nil), w.Weights...)
	clone.Overridden = append([]bool(nil), w.Overridden...)
	return clone
}

// PublishRequest is the external weightset publication payload.
type PublishRequest struct {
	Epoch   uint64
	Assets  []string
	Weights []uint32
	Hash    common.Hash
}

// Options configure the registry.
type Options struct {
	BasketSize     int
	MinObservation time.Duration
}

// Registry stores published weightsets per epoch and asset eligibility.
type Registry struct {
	opts      Options
	firstSeen map[string]time.Time
	overrides map[string]bool
	sets      []Weightset
}

// New constructs an empty registry.
func New(opts Options) (*Registry, error) {
	if opts.BasketSize <= 0 || opts.BasketSize > MaxBasketSize {
		return nil, fmt.Errorf("registry: basket size must be within 1..%d", MaxBasketSize)
	}
	if opts.MinObservation < 0 {
		opts.MinObservation = 0
	}
	return &Registry{
		opts:      opts,
		firstSeen: make(map[string]time.Time),
		overrides: make(map[string]bool),
	}, nil
}

// BasketSize reports the fixed number of assets every weightset must carry.
func (r *Registry) BasketSize() int {
	return r.opts.BasketSize
}

// NormalizeAsset canonicalises an asset identifier.
func NormalizeAsset(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Observe records the first time an asset was seen. Later observations are ignored.
func (r *Registry) Observe(asset string, at time.Time) {
	asset = NormalizeAsset(asset)
	if asset == "" {
		return
	}
	if seen, ok := r.firstSeen[asset]; ok && !at.Before(seen) {
		return
	}
	r.firstSeen[asset] = at
}

// SetOverride forces eligibility on (or clears the override) regardless of observation time.
func (r *Registry) SetOverride(asset string, eligible bool) {
	asset = NormalizeAsset(asset)
	if eligible {
		r.overrides[asset] = true
		return
	}
	delete(r.overrides, asset)
}

// Eligible reports whether asset may enter a weightset at now, and whether that relies on an override.
func (r *Registry) Eligible(asset string, now time.Time) (eligible bool, overridden bool) {
	asset = NormalizeAsset(asset)
	if r.overrides[asset] {
		return true, true
	}
	seen, ok := r.firstSeen[asset]
	if !ok {
		return false, false
	}
	return !now.Before(seen.Add(r.opts.MinObservation)), false
}

// ComputeHash returns the keccak256 integrity hash of a weightset definition.
func ComputeHash(epoch uint64, assets []string, weights []uint32) common.Hash {
	builder := strings.Builder{}
	builder.WriteString(WeightsetDomainV1)
	builder.WriteString("|epoch=")
	builder.WriteString(strconv.FormatUint(epoch, 10))
	for i, asset := range assets {
		builder.WriteString("|")
		builder.WriteString(NormalizeAsset(asset))
		builder.WriteString("=")
		if i < len(weights) {
			builder.WriteString(strconv.FormatUint(uint64(weights[i]), 10))
		}
	}
	return common.BytesToHash(ethcrypto.Keccak256([]byte(builder.String())))
}

// Publish validates and appends a weightset. currentEpoch is the epoch open in the consensus engine.
func (r *Registry) Publish(req PublishRequest, currentEpoch uint64, now time.Time) (Weightset, error) {
	if len(req.Assets) != len(req.Weights) {
		return Weightset{}, ErrLengthMismatch
	}
	if len(req.Assets) != r.opts.BasketSize {
		return Weightset{}, fmt.Errorf("%w: got %d want %d", ErrBasketSize, len(req.Assets), r.opts.BasketSize)
	}
	if req.Epoch < currentEpoch {
		return Weightset{}, ErrEpochInPast
	}
	if last, ok := r.Latest(); ok && req.Epoch <= last.Epoch {
		return Weightset{}, ErrEpochNotIncreased
	}

	assets := make([]string, len(req.Assets))
	overridden := make([]bool, len(req.Assets))
	seen := make(map[string]struct{}, len(req.Assets))
	var sum uint64
	for i, raw := range req.Assets {
		asset := NormalizeAsset(raw)
		if asset == "" {
			return Weightset{}, ErrInvalidAsset
		}
		if _, dup := seen[asset]; dup {
			return Weightset{}, fmt.Errorf("%w: %s", ErrDuplicateAsset, asset)
		}
		seen[asset] = struct{}{}
		if req.Weights[i] == 0 {
			return Weightset{}, fmt.Errorf("%w: %s", ErrZeroWeight, asset)
		}
		eligible, viaOverride := r.Eligible(asset, now)
		if !eligible {
			return Weightset{}, fmt.Errorf("%w: %s", ErrIneligibleAsset, asset)
		}
		assets[i] = asset
		overridden[i] = viaOverride
		sum += uint64(req.Weights[i])
	}
	if sum != units.BpsDenominator {
		return Weightset{}, fmt.Errorf("%w: got %d", ErrWeightSum, sum)
	}

	hash := ComputeHash(req.Epoch, assets, req.Weights)
	if req.Hash != (common.Hash{}) && req.Hash != hash {
		return Weightset{}, ErrHashMismatch
	}

	ws := Weightset{
		Epoch:       req.Epoch,
		Assets:      assets,
		Weights:     append([]uint32(nil), req.Weights...),
		Hash:        hash,
		Overridden:  overridden,
		PublishedAt: now,
	}
	r.sets = append(r.sets, ws)
	return ws.Clone(), nil
}

// Latest returns the most recently published weightset regardless of activation epoch.
func (r *Registry) Latest() (Weightset, bool) {
	if len(r.sets) == 0 {
		return Weightset{}, false
	}
	return r.sets[len(r.sets)-1].Clone(), true
}

// ForEpoch returns the weightset in force during epoch: the latest one published for an epoch <= epoch.
func (r *Registry) ForEpoch(epoch uint64) (Weightset, bool) {
	idx := sort.Search(len(r.sets), func(i int) bool { return r.sets[i].Epoch > epoch })
	if idx == 0 {
		return Weightset{}, false
	}
	return r.sets[idx-1].Clone(), true
}

// History returns every published weightset in publication order.
func (r *Registry) History() []Weightset {
	out := make([]Weightset, len(r.sets))
	for i, ws := range r.sets {
		out[i] = ws.Clone()
	}
	return out
}
