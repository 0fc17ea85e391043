package timelock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTwoPhaseApply(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := New(100, time.Hour)

	_, err := v.Apply(now)
	require.ErrorIs(t, err, ErrNothingPending)

	p, err := v.Propose(250, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), p.ETA)

	_, err = v.Propose(300, now)
	require.ErrorIs(t, err, ErrAlreadyPending)

	_, err = v.Apply(now.Add(59 * time.Minute))
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, 100, v.Get())

	got, err := v.Apply(now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 250, got)
	require.Equal(t, 250, v.Get())

	_, ok := v.Pending()
	require.False(t, ok)
}

func TestCancel(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	v := New("a", 0)
	require.ErrorIs(t, v.Cancel(), ErrNothingPending)

	_, err := v.Propose("b", now)
	require.NoError(t, err)
	require.NoError(t, v.Cancel())

	_, err = v.Apply(now)
	require.ErrorIs(t, err, ErrNothingPending)
	require.Equal(t, "a", v.Get())
}
