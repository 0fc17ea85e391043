package reporter

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Unix(1_700_000_000, 0).UTC()
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(DefaultParams(), time.Hour)
	require.NoError(t, err)
	_, err = l.Register(alice, decimal.NewFromInt(10_000), t0)
	require.NoError(t, err)
	return l
}

func flag(l *Ledger, epoch uint64, now time.Time) (*SlashEvent, error) {
	return l.Apply(Outcome{Reporter: alice, Epoch: epoch, Flagged: true, Asset: "BTC"}, now)
}

func TestRegisterRequiresMinimumStake(t *testing.T) {
	l := newLedger(t)
	_, err := l.Register(bob, decimal.NewFromInt(999), t0)
	require.ErrorIs(t, err, ErrStakeBelowMinimum)
	_, err = l.Register(alice, decimal.NewFromInt(5000), t0)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	_, err = l.Register(common.Address{}, decimal.NewFromInt(5000), t0)
	require.ErrorIs(t, err, ErrZeroAddress)
}

func TestSingleDeviationTolerated(t *testing.T) {
	l := newLedger(t)
	ev, err := flag(l, 1, t0)
	require.NoError(t, err)
	require.Nil(t, ev)

	_, err = l.Apply(Outcome{Reporter: alice, Epoch: 2}, t0)
	require.NoError(t, err)

	stats, err := l.Stats(alice)
	require.NoError(t, err)
	require.Zero(t, stats.ConsecutiveDeviations)
	require.True(t, stats.Stake.Equal(decimal.NewFromInt(10_000)))
	require.True(t, stats.SuccessRate.Equal(decimal.RequireFromString("0.5")), stats.SuccessRate.String())
}

func TestSlashOnThresholdExactlyOnce(t *testing.T) {
	l := newLedger(t)
	for epoch := uint64(1); epoch <= 2; epoch++ {
		ev, err := flag(l, epoch, t0)
		require.NoError(t, err)
		require.Nil(t, ev)
	}
	ev, err := flag(l, 3, t0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.EqualValues(t, 1000, ev.Bps)
	require.True(t, ev.Amount.Equal(decimal.NewFromInt(1000)))
	require.True(t, ev.StakeAfter.Equal(decimal.NewFromInt(9000)))
	require.Equal(t, ReasonConsecutiveDeviation, ev.Reason)
	require.EqualValues(t, 3, ev.Epoch)

	// still inside the cooldown: the streak keeps counting but no second slash
	for epoch := uint64(4); epoch <= 8; epoch++ {
		ev, err := flag(l, epoch, t0.Add(time.Hour))
		require.NoError(t, err)
		require.Nil(t, ev)
	}
	require.Len(t, l.Slashes(), 1)

	ev, err = flag(l, 9, t0.Add(25*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.EqualValues(t, 2000, ev.Bps, "escalates with prior slashes")
	require.Len(t, l.Slashes(), 2)

	stats, err := l.Stats(alice)
	require.NoError(t, err)
	require.True(t, stats.SlashedTotal.Equal(decimal.NewFromInt(1000+1800)), stats.SlashedTotal.String())
}

func TestSevereStreakSlashesAtMax(t *testing.T) {
	l := newLedger(t)
	_, _ = flag(l, 1, t0)
	_, _ = l.Apply(Outcome{Reporter: alice, Epoch: 2, Flagged: true, Severe: true}, t0)
	ev, err := flag(l, 3, t0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.EqualValues(t, 5000, ev.Bps)
	require.Equal(t, ReasonSevereDeviation, ev.Reason)
}

func TestDeactivationBelowMinimum(t *testing.T) {
	params := DefaultParams()
	params.MinStake = decimal.NewFromInt(9500)
	l, err := NewLedger(params, 0)
	require.NoError(t, err)
	_, err = l.Register(alice, decimal.NewFromInt(10_000), t0)
	require.NoError(t, err)

	var ev *SlashEvent
	for epoch := uint64(1); epoch <= 3; epoch++ {
		ev, err = flag(l, epoch, t0)
		require.NoError(t, err)
	}
	require.NotNil(t, ev)
	require.True(t, ev.Deactivated)
	require.False(t, l.IsActive(alice))
	require.True(t, l.TotalActiveStake().IsZero())

	require.ErrorIs(t, l.CheckNonce(alice, 1), ErrInactive)

	r, err := l.Deposit(alice, decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.True(t, r.Active)
}

func TestNonceStrictlyIncreases(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.CommitNonce(alice, 5))
	require.ErrorIs(t, l.CheckNonce(alice, 5), ErrNonceReplay)
	require.ErrorIs(t, l.CheckNonce(alice, 4), ErrNonceReplay)
	require.NoError(t, l.CheckNonce(alice, 6))
	require.ErrorIs(t, l.CheckNonce(bob, 1), ErrUnknownReporter)
}

func TestParamsTimelocked(t *testing.T) {
	l := newLedger(t)
	next := DefaultParams()
	next.DeviationThreshold = 5
	_, err := l.ProposeParams(next, t0)
	require.NoError(t, err)
	require.EqualValues(t, 3, l.Params().DeviationThreshold)

	_, err = l.ApplyParams(t0.Add(30 * time.Minute))
	require.Error(t, err)
	applied, err := l.ApplyParams(t0.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 5, applied.DeviationThreshold)

	bad := DefaultParams()
	bad.MaxSlashBps = 20_000
	_, err = l.ProposeParams(bad, t0)
	require.ErrorIs(t, err, ErrInvalidParams)
}
