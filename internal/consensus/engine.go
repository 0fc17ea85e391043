package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"navfund/internal/registry"
	"navfund/internal/reporter"
	"navfund/internal/submission"
	"navfund/internal/timelock"
	"navfund/internal/units"
)

var (
	ErrNoWeightset       = errors.New("consensus: no weightset in force")
	ErrWrongEpoch        = errors.New("consensus: submission targets a closed or future epoch")
	ErrExpired           = errors.New("consensus: request expired")
	ErrFutureTimestamp   = errors.New("consensus: timestamp ahead of clock")
	ErrStaleSubmission   = errors.New("consensus: submission older than staleness window")
	ErrStale             = errors.New("consensus: price stale or unresolved")
	ErrInvalidParams     = errors.New("consensus: invalid params")
	ErrUnknownAsset      = errors.New("consensus: asset not in weightset")
	ErrEpochNotAdvancing = errors.New("consensus: epoch clock moved backwards")
)

// Unresolved reasons reported per asset in a Round.
const (
	ReasonAlreadyResolved = "already_resolved"
	ReasonNoSubmissions   = "no_submissions"
	ReasonNoQuorum        = "no_quorum"
)

// Params tune resolution, quorum and the deviation bands.
type Params struct {
	StalenessWindow  time.Duration
	MaxClockSkew     time.Duration
	QuorumBps        uint32
	DeviationBandBps uint32
	SevereBandBps    uint32
}

// DefaultParams: 10 minute freshness, 33% quorum, 5% band feeding slashing, 20% severe band.
func DefaultParams() Params {
	return Params{
		StalenessWindow:  10 * time.Minute,
		MaxClockSkew:     30 * time.Second,
		QuorumBps:        3300,
		DeviationBandBps: 500,
		SevereBandBps:    2000,
	}
}

// Validate checks the params for internal consistency.
func (p Params) Validate() error {
	switch {
	case p.StalenessWindow <= 0:
		return fmt.Errorf("%w: staleness window must be positive", ErrInvalidParams)
	case p.MaxClockSkew < 0:
		return fmt.Errorf("%w: negative clock skew", ErrInvalidParams)
	case p.QuorumBps == 0 || p.QuorumBps > units.BpsDenominator:
		return fmt.Errorf("%w: quorum must be within 1..10000 bps", ErrInvalidParams)
	case p.DeviationBandBps == 0 || p.SevereBandBps < p.DeviationBandBps:
		return fmt.Errorf("%w: bands must satisfy 0 < deviation <= severe", ErrInvalidParams)
	}
	return nil
}

// Record is the immutable consensus result for one (epoch, asset).
type Record struct {
	Epoch              uint64
	Asset              string
	Price              decimal.Decimal
	Yield              decimal.Decimal
	HasYield           bool
	ResolvedAt         time.Time
	ParticipatingStake decimal.Decimal
	TotalStake         decimal.Decimal
	ParticipationBps   decimal.Decimal
	Submissions        []uint64
}

// Flag marks a submission whose price fell outside the deviation band.
type Flag struct {
	Reporter     common.Address
	Seq          uint64
	Asset        string
	Price        decimal.Decimal
	Median       decimal.Decimal
	DeviationBps decimal.Decimal
	Severe       bool
}

// AssetResult describes what happened to one asset during a round.
type AssetResult struct {
	Asset    string
	Resolved bool
	Reason   string
	Record   Record
	// ParticipationBps is set for resolved assets and for quorum misses.
	ParticipationBps decimal.Decimal
}

// Round is the full, deterministic output of one Resolve call.
type Round struct {
	Epoch    uint64
	At       time.Time
	Results  []AssetResult
	Flags    []Flag
	Outcomes []reporter.Outcome
	Slashes  []reporter.SlashEvent
}

// Resolved counts assets resolved in this round.
func (r Round) Resolved() int {
	n := 0
	for _, res := range r.Results {
		if res.Resolved {
			n++
		}
	}
	return n
}

// Engine promotes fresh submissions to consensus records and feeds the slashing ledger.
type Engine struct {
	params   *timelock.Value[Params]
	registry *registry.Registry
	ledger   *reporter.Ledger
	store    *submission.Store

	epoch          uint64
	epochStartedAt time.Time
	records        map[uint64]map[string]Record
	latest         map[string]Record
	// seqs of the open epoch that already earned a clean outcome
	scored map[uint64]struct{}
}

// New constructs an engine opening startEpoch at now.
func New(params Params, paramDelay time.Duration, reg *registry.Registry, ledger *reporter.Ledger, store *submission.Store, startEpoch uint64, now time.Time) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || ledger == nil || store == nil {
		return nil, errors.New("consensus: registry, ledger and store are required")
	}
	return &Engine{
		params:         timelock.New(params, paramDelay),
		registry:       reg,
		ledger:         ledger,
		store:          store,
		epoch:          startEpoch,
		epochStartedAt: now,
		records:        make(map[uint64]map[string]Record),
		latest:         make(map[string]Record),
		scored:         make(map[uint64]struct{}),
	}, nil
}

// Params returns the params in force.
func (e *Engine) Params() Params { return e.params.Get() }

// ProposeParams queues a param change behind the timelock.
func (e *Engine) ProposeParams(next Params, now time.Time) (timelock.Pending[Params], error) {
	if err := next.Validate(); err != nil {
		return timelock.Pending[Params]{}, err
	}
	return e.params.Propose(next, now)
}

// ApplyParams installs the proposed params once the delay has elapsed.
func (e *Engine) ApplyParams(now time.Time) (Params, error) { return e.params.Apply(now) }

// Epoch returns the open epoch.
func (e *Engine) Epoch() uint64 { return e.epoch }

// EpochStartedAt returns when the open epoch began.
func (e *Engine) EpochStartedAt() time.Time { return e.epochStartedAt }

// Weightset returns the weightset in force for the open epoch.
func (e *Engine) Weightset() (registry.Weightset, bool) {
	return e.registry.ForEpoch(e.epoch)
}

// Advance closes the open epoch; its submissions are no longer eligible for consensus.
func (e *Engine) Advance(now time.Time) (uint64, error) {
	if now.Before(e.epochStartedAt) {
		return e.epoch, ErrEpochNotAdvancing
	}
	e.epoch++
	e.epochStartedAt = now
	e.scored = make(map[uint64]struct{})
	return e.epoch, nil
}

// Submit validates a signed reporter submission and appends it to the open epoch's log.
// Nothing is mutated unless every check passes.
func (e *Engine) Submit(req submission.Request, now time.Time) (submission.Submission, error) {
	params := e.params.Get()
	sub, err := req.Build()
	if err != nil {
		return submission.Submission{}, err
	}
	if sub.Epoch != e.epoch {
		return submission.Submission{}, fmt.Errorf("%w: got %d, open %d", ErrWrongEpoch, sub.Epoch, e.epoch)
	}
	if sub.Expiry.IsZero() || !now.Before(sub.Expiry) {
		return submission.Submission{}, ErrExpired
	}
	if sub.Timestamp.After(now.Add(params.MaxClockSkew)) {
		return submission.Submission{}, ErrFutureTimestamp
	}
	if now.Sub(sub.Timestamp) > params.StalenessWindow {
		return submission.Submission{}, ErrStaleSubmission
	}
	if err := e.ledger.CheckNonce(sub.Reporter, sub.Nonce); err != nil {
		return submission.Submission{}, err
	}
	if err := sub.VerifySignature(); err != nil {
		return submission.Submission{}, err
	}

	stored, err := e.store.Append(sub)
	if err != nil {
		return submission.Submission{}, err
	}
	if err := e.ledger.CommitNonce(sub.Reporter, sub.Nonce); err != nil {
		return submission.Submission{}, err
	}
	for _, p := range stored.Prices {
		e.registry.Observe(p.Asset, now)
	}
	return stored, nil
}

// Resolve computes consensus for every unresolved asset of the open epoch's weightset, plus
// any held asset the weightset no longer lists, flags deviating submissions and applies the
// resulting outcomes to the slashing ledger. A submission earns at most one clean outcome per
// epoch; its deviations are scored whenever an asset it carries resolves.
// The result depends only on the submission log, the stake table, held and now.
func (e *Engine) Resolve(now time.Time, held ...string) (Round, error) {
	params := e.params.Get()
	ws, ok := e.registry.ForEpoch(e.epoch)
	if !ok {
		return Round{}, ErrNoWeightset
	}

	totalStake := e.ledger.TotalActiveStake()
	fresh := e.store.Fresh(e.epoch, now, params.StalenessWindow)
	round := Round{Epoch: e.epoch, At: now}

	type verdict struct {
		flagged bool
		severe  bool
		asset   string
		dev     decimal.Decimal
	}
	verdicts := make(map[common.Address]*verdict)
	newlyScored := make(map[uint64]struct{})

	for _, asset := range resolveSet(ws, held) {
		if _, done := e.records[e.epoch][asset]; done {
			round.Results = append(round.Results, AssetResult{Asset: asset, Reason: ReasonAlreadyResolved})
			continue
		}

		priceObs, yieldObs := e.collect(fresh, asset)
		if len(priceObs) == 0 {
			round.Results = append(round.Results, AssetResult{Asset: asset, Reason: ReasonNoSubmissions})
			continue
		}
		participating := decimal.Zero
		for _, o := range priceObs {
			participating = participating.Add(o.Stake)
		}
		if !meetsQuorum(participating, totalStake, params.QuorumBps) {
			round.Results = append(round.Results, AssetResult{
				Asset:            asset,
				Reason:           ReasonNoQuorum,
				ParticipationBps: units.ShareBps(participating, totalStake),
			})
			continue
		}

		median, err := WeightedMedian(priceObs)
		if err != nil {
			return Round{}, fmt.Errorf("median %s: %w", asset, err)
		}
		record := Record{
			Epoch:              e.epoch,
			Asset:              asset,
			Price:              median,
			ResolvedAt:         now,
			ParticipatingStake: participating,
			TotalStake:         totalStake,
			ParticipationBps:   units.ShareBps(participating, totalStake),
			Submissions:        make([]uint64, 0, len(priceObs)),
		}
		if len(yieldObs) > 0 {
			if y, err := WeightedMedian(yieldObs); err == nil {
				record.Yield = y
				record.HasYield = true
			}
		}

		for _, o := range priceObs {
			record.Submissions = append(record.Submissions, o.Seq)
			dev := units.DeviationBps(o.Value, median)
			flagged := dev.GreaterThan(units.Bps(params.DeviationBandBps))
			severe := dev.GreaterThan(units.Bps(params.SevereBandBps))
			if flagged {
				round.Flags = append(round.Flags, Flag{
					Reporter:     o.Reporter,
					Seq:          o.Seq,
					Asset:        asset,
					Price:        o.Value,
					Median:       median,
					DeviationBps: dev,
					Severe:       severe,
				})
			}
			if _, done := e.scored[o.Seq]; done && !flagged {
				continue
			}
			newlyScored[o.Seq] = struct{}{}
			v, seen := verdicts[o.Reporter]
			if !seen {
				v = &verdict{}
				verdicts[o.Reporter] = v
			}
			if flagged && (!v.flagged || dev.GreaterThan(v.dev)) {
				v.asset = asset
				v.dev = dev
			}
			v.flagged = v.flagged || flagged
			v.severe = v.severe || severe
		}
		sort.Slice(record.Submissions, func(i, j int) bool { return record.Submissions[i] < record.Submissions[j] })

		if e.records[e.epoch] == nil {
			e.records[e.epoch] = make(map[string]Record)
		}
		e.records[e.epoch][asset] = record
		e.latest[asset] = record
		round.Results = append(round.Results, AssetResult{Asset: asset, Resolved: true, Record: record, ParticipationBps: record.ParticipationBps})
	}

	for seq := range newlyScored {
		e.scored[seq] = struct{}{}
	}

	reporters := make([]common.Address, 0, len(verdicts))
	for id := range verdicts {
		reporters = append(reporters, id)
	}
	sort.Slice(reporters, func(i, j int) bool { return reporters[i].Cmp(reporters[j]) < 0 })
	for _, id := range reporters {
		v := verdicts[id]
		outcome := reporter.Outcome{
			Reporter:     id,
			Epoch:        e.epoch,
			Flagged:      v.flagged,
			Severe:       v.severe,
			Asset:        v.asset,
			DeviationBps: v.dev,
		}
		round.Outcomes = append(round.Outcomes, outcome)
		slash, err := e.ledger.Apply(outcome, now)
		if err != nil {
			return round, fmt.Errorf("apply outcome %s: %w", id.Hex(), err)
		}
		if slash != nil {
			round.Slashes = append(round.Slashes, *slash)
		}
	}
	return round, nil
}

// resolveSet lists the weightset assets followed by the sorted held assets it no longer lists.
func resolveSet(ws registry.Weightset, held []string) []string {
	assets := append([]string(nil), ws.Assets...)
	var legacy []string
	seen := make(map[string]struct{}, len(held))
	for _, raw := range held {
		asset := registry.NormalizeAsset(raw)
		if asset == "" {
			continue
		}
		if _, listed := ws.Weight(asset); listed {
			continue
		}
		if _, dup := seen[asset]; dup {
			continue
		}
		seen[asset] = struct{}{}
		legacy = append(legacy, asset)
	}
	sort.Strings(legacy)
	return append(assets, legacy...)
}

// collect picks, per active reporter, the most recent fresh submission carrying asset.
func (e *Engine) collect(fresh []submission.Submission, asset string) ([]Observation, []Observation) {
	type pick struct {
		sub   submission.Submission
		price decimal.Decimal
	}
	latest := make(map[common.Address]pick)
	for _, sub := range fresh {
		if !sub.Valid || !e.ledger.IsActive(sub.Reporter) {
			continue
		}
		price, ok := sub.Price(asset)
		if !ok {
			continue
		}
		prev, seen := latest[sub.Reporter]
		if seen && (prev.sub.Timestamp.After(sub.Timestamp) || (prev.sub.Timestamp.Equal(sub.Timestamp) && prev.sub.Seq > sub.Seq)) {
			continue
		}
		latest[sub.Reporter] = pick{sub: sub, price: price}
	}

	ids := make([]common.Address, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })

	prices := make([]Observation, 0, len(ids))
	var yields []Observation
	for _, id := range ids {
		p := latest[id]
		r, _ := e.ledger.Get(id)
		prices = append(prices, Observation{Reporter: id, Seq: p.sub.Seq, Value: p.price, Stake: r.Stake})
		if y, ok := p.sub.Yield(asset); ok {
			yields = append(yields, Observation{Reporter: id, Seq: p.sub.Seq, Value: y, Stake: r.Stake})
		}
	}
	return prices, yields
}

func meetsQuorum(participating, total decimal.Decimal, quorumBps uint32) bool {
	if total.Sign() <= 0 || participating.Sign() <= 0 {
		return false
	}
	lhs := participating.Mul(decimal.NewFromInt(units.BpsDenominator))
	rhs := total.Mul(units.Bps(quorumBps))
	return !lhs.LessThan(rhs)
}

// Records returns the consensus records of epoch ordered by asset.
func (e *Engine) Records(epoch uint64) []Record {
	out := make([]Record, 0, len(e.records[epoch]))
	for _, r := range e.records[epoch] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Latest returns the most recent consensus record for asset across epochs.
func (e *Engine) Latest(asset string) (Record, bool) {
	r, ok := e.latest[registry.NormalizeAsset(asset)]
	return r, ok
}

// Quote returns the latest consensus price of asset if it is still fresh at now.
func (e *Engine) Quote(asset string, now time.Time) (Record, error) {
	r, ok := e.Latest(asset)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s unresolved", ErrStale, asset)
	}
	if now.Sub(r.ResolvedAt) > e.params.Get().StalenessWindow {
		return Record{}, fmt.Errorf("%w: %s resolved at %s", ErrStale, asset, r.ResolvedAt.Format(time.RFC3339))
	}
	return r, nil
}

// Prices returns every fresh consensus price at now. It fails with ErrStale when any asset of
// the weightset in force has no fresh price, so callers never price a basket from partial data.
func (e *Engine) Prices(now time.Time) (map[string]decimal.Decimal, error) {
	ws, ok := e.registry.ForEpoch(e.epoch)
	if !ok {
		return nil, ErrNoWeightset
	}
	window := e.params.Get().StalenessWindow
	prices := make(map[string]decimal.Decimal, len(e.latest))
	for asset, r := range e.latest {
		if now.Sub(r.ResolvedAt) <= window {
			prices[asset] = r.Price
		}
	}
	for _, asset := range ws.Assets {
		if _, ok := prices[asset]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrStale, asset)
		}
	}
	return prices, nil
}

// Restore re-installs a persisted record, e.g. when rebuilding state from the journal.
func (e *Engine) Restore(r Record) {
	if e.records[r.Epoch] == nil {
		e.records[r.Epoch] = make(map[string]Record)
	}
	e.records[r.Epoch][r.Asset] = r
	if prev, ok := e.latest[r.Asset]; !ok || r.Epoch >= prev.Epoch {
		e.latest[r.Asset] = r
	}
}
