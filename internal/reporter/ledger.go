package reporter

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"navfund/internal/timelock"
	"navfund/internal/units"
)

var (
	ErrUnknownReporter   = errors.New("reporter: unknown reporter")
	ErrAlreadyRegistered = errors.New("reporter: already registered")
	ErrStakeBelowMinimum = errors.New("reporter: stake below minimum")
	ErrInactive          = errors.New("reporter: inactive")
	ErrNonceReplay       = errors.New("reporter: nonce must strictly increase")
	ErrInvalidAmount     = errors.New("reporter: amount must be positive")
	ErrZeroAddress       = errors.New("reporter: zero address")
	ErrInvalidParams     = errors.New("reporter: invalid params")
)

const (
	ReasonConsecutiveDeviation = "consecutive_deviation"
	ReasonSevereDeviation      = "severe_deviation"
)

// Params govern registration and punishment.
type Params struct {
	MinStake           decimal.Decimal
	DeviationThreshold uint32
	BaseSlashBps       uint32
	SlashStepBps       uint32
	MaxSlashBps        uint32
	Cooldown           time.Duration
}

// DefaultParams returns the reference slashing policy: 3 strikes, 10% escalating to 50%, one day cooldown.
func DefaultParams() Params {
	return Params{
		MinStake:           decimal.NewFromInt(1000),
		DeviationThreshold: 3,
		BaseSlashBps:       1000,
		SlashStepBps:       1000,
		MaxSlashBps:        5000,
		Cooldown:           24 * time.Hour,
	}
}

// Validate checks internal consistency.
func (p Params) Validate() error {
	if p.MinStake.Sign() <= 0 {
		return fmt.Errorf("%w: min stake must be positive", ErrInvalidParams)
	}
	if p.DeviationThreshold == 0 {
		return fmt.Errorf("%w: deviation threshold must be positive", ErrInvalidParams)
	}
	if p.BaseSlashBps == 0 || p.BaseSlashBps > p.MaxSlashBps || p.MaxSlashBps > units.BpsDenominator {
		return fmt.Errorf("%w: slash bps must satisfy 0 < base <= max <= 10000", ErrInvalidParams)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("%w: negative cooldown", ErrInvalidParams)
	}
	return nil
}

// Reporter is one staked price reporter.
type Reporter struct {
	ID                    common.Address
	Stake                 decimal.Decimal
	Nonce                 uint64
	ConsecutiveDeviations uint32
	Active                bool
	Slashed               bool
	LastSlashAt           time.Time
	Successes             uint64
	Failures              uint64
	SlashCount            uint32
	SlashedTotal          decimal.Decimal
	RegisteredAt          time.Time

	streakSevere bool
}

// Stats is the read model exposed by getReporterStats.
type Stats struct {
	Stake                 decimal.Decimal
	SuccessRate           decimal.Decimal
	ConsecutiveDeviations uint32
	SlashedTotal          decimal.Decimal
	Active                bool
}

// Outcome is the per-round verdict on one reporter's submission.
type Outcome struct {
	Reporter     common.Address
	Epoch        uint64
	Flagged      bool
	Severe       bool
	Asset        string
	DeviationBps decimal.Decimal
}

// SlashEvent is the audit record of one stake reduction.
type SlashEvent struct {
	ID          uuid.UUID
	Reporter    common.Address
	Epoch       uint64
	Reason      string
	Asset       string
	Bps         uint32
	Amount      decimal.Decimal
	StakeBefore decimal.Decimal
	StakeAfter  decimal.Decimal
	Deactivated bool
	At          time.Time
}

// Ledger tracks stake, reputation and the slash log. Stake only ever decreases through Apply.
type Ledger struct {
	params    *timelock.Value[Params]
	reporters map[common.Address]*Reporter
	slashes   []SlashEvent
}

// NewLedger constructs a ledger; parameter changes are delayed by paramDelay.
func NewLedger(params Params, paramDelay time.Duration) (*Ledger, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		params:    timelock.New(params, paramDelay),
		reporters: make(map[common.Address]*Reporter),
	}, nil
}

// Params returns the parameters in force.
func (l *Ledger) Params() Params {
	return l.params.Get()
}

// ProposeParams queues a parameter change behind the timelock.
func (l *Ledger) ProposeParams(next Params, now time.Time) (timelock.Pending[Params], error) {
	if err := next.Validate(); err != nil {
		return timelock.Pending[Params]{}, err
	}
	return l.params.Propose(next, now)
}

// ApplyParams installs a proposed change once its delay elapsed.
func (l *Ledger) ApplyParams(now time.Time) (Params, error) {
	return l.params.Apply(now)
}

// Register adds a reporter with an initial stake.
func (l *Ledger) Register(id common.Address, stake decimal.Decimal, now time.Time) (Reporter, error) {
	if id == (common.Address{}) {
		return Reporter{}, ErrZeroAddress
	}
	if _, ok := l.reporters[id]; ok {
		return Reporter{}, ErrAlreadyRegistered
	}
	if stake.LessThan(l.params.Get().MinStake) {
		return Reporter{}, ErrStakeBelowMinimum
	}
	r := &Reporter{
		ID:           id,
		Stake:        units.Fix(stake),
		Active:       true,
		SlashedTotal: decimal.Zero,
		RegisteredAt: now,
	}
	l.reporters[id] = r
	return *r, nil
}

// Deposit tops up stake and reactivates the reporter once it is back above the minimum.
func (l *Ledger) Deposit(id common.Address, amount decimal.Decimal) (Reporter, error) {
	if amount.Sign() <= 0 {
		return Reporter{}, ErrInvalidAmount
	}
	r, ok := l.reporters[id]
	if !ok {
		return Reporter{}, ErrUnknownReporter
	}
	r.Stake = units.Fix(r.Stake.Add(amount))
	if !r.Stake.LessThan(l.params.Get().MinStake) {
		r.Active = true
	}
	return *r, nil
}

// Get returns a copy of the reporter record.
func (l *Ledger) Get(id common.Address) (Reporter, bool) {
	r, ok := l.reporters[id]
	if !ok {
		return Reporter{}, false
	}
	return *r, true
}

// IsActive reports whether id may submit and counts toward quorum.
func (l *Ledger) IsActive(id common.Address) bool {
	r, ok := l.reporters[id]
	return ok && r.Active
}

// CheckNonce verifies nonce is strictly greater than the last accepted one.
func (l *Ledger) CheckNonce(id common.Address, nonce uint64) error {
	r, ok := l.reporters[id]
	if !ok {
		return ErrUnknownReporter
	}
	if !r.Active {
		return ErrInactive
	}
	if nonce <= r.Nonce {
		return fmt.Errorf("%w: got %d, last %d", ErrNonceReplay, nonce, r.Nonce)
	}
	return nil
}

// CommitNonce records nonce as consumed. Callers must CheckNonce first.
func (l *Ledger) CommitNonce(id common.Address, nonce uint64) error {
	if err := l.CheckNonce(id, nonce); err != nil {
		return err
	}
	l.reporters[id].Nonce = nonce
	return nil
}

// TotalActiveStake sums the stake of active reporters.
func (l *Ledger) TotalActiveStake() decimal.Decimal {
	total := decimal.Zero
	for _, r := range l.reporters {
		if r.Active {
			total = total.Add(r.Stake)
		}
	}
	return total
}

// Reporters returns all reporters ordered by address.
func (l *Ledger) Reporters() []Reporter {
	out := make([]Reporter, 0, len(l.reporters))
	for _, r := range l.reporters {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Cmp(out[j].ID) < 0
	})
	return out
}

// Stats returns the public reputation summary.
func (l *Ledger) Stats(id common.Address) (Stats, error) {
	r, ok := l.reporters[id]
	if !ok {
		return Stats{}, ErrUnknownReporter
	}
	rate := decimal.Zero
	if total := r.Successes + r.Failures; total > 0 {
		rate = units.Div(decimal.NewFromInt(int64(r.Successes)), decimal.NewFromInt(int64(total)))
	}
	return Stats{
		Stake:                 r.Stake,
		SuccessRate:           rate,
		ConsecutiveDeviations: r.ConsecutiveDeviations,
		SlashedTotal:          r.SlashedTotal,
		Active:                r.Active,
	}, nil
}

// Apply records one round outcome and slashes when the deviation streak reaches the threshold
// outside the cooldown window. It returns the slash event, if any.
func (l *Ledger) Apply(outcome Outcome, now time.Time) (*SlashEvent, error) {
	r, ok := l.reporters[outcome.Reporter]
	if !ok {
		return nil, ErrUnknownReporter
	}
	if !r.Active {
		return nil, nil
	}
	params := l.params.Get()

	if !outcome.Flagged {
		r.ConsecutiveDeviations = 0
		r.streakSevere = false
		r.Successes++
		return nil, nil
	}

	r.Failures++
	r.ConsecutiveDeviations++
	if outcome.Severe {
		r.streakSevere = true
	}
	if r.ConsecutiveDeviations < params.DeviationThreshold {
		return nil, nil
	}
	if !r.LastSlashAt.IsZero() && now.Sub(r.LastSlashAt) < params.Cooldown {
		return nil, nil
	}

	bps, reason := slashBps(params, r.SlashCount, r.streakSevere)
	amount := units.ApplyBps(r.Stake, bps)
	event := SlashEvent{
		ID:          uuid.New(),
		Reporter:    r.ID,
		Epoch:       outcome.Epoch,
		Reason:      reason,
		Asset:       outcome.Asset,
		Bps:         bps,
		Amount:      amount,
		StakeBefore: r.Stake,
		StakeAfter:  r.Stake.Sub(amount),
		At:          now,
	}

	r.Stake = event.StakeAfter
	r.SlashedTotal = r.SlashedTotal.Add(amount)
	r.SlashCount++
	r.Slashed = true
	r.LastSlashAt = now
	r.ConsecutiveDeviations = 0
	r.streakSevere = false
	if r.Stake.LessThan(params.MinStake) {
		r.Active = false
		event.Deactivated = true
	}

	l.slashes = append(l.slashes, event)
	return &event, nil
}

func slashBps(p Params, prior uint32, severe bool) (uint32, string) {
	if severe {
		return p.MaxSlashBps, ReasonSevereDeviation
	}
	bps := uint64(p.BaseSlashBps) + uint64(p.SlashStepBps)*uint64(prior)
	if bps > uint64(p.MaxSlashBps) {
		bps = uint64(p.MaxSlashBps)
	}
	return uint32(bps), ReasonConsecutiveDeviation
}

// Slashes returns the full slash log.
func (l *Ledger) Slashes() []SlashEvent {
	return append([]SlashEvent(nil), l.slashes...)
}
