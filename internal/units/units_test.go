package units

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMulDivTruncates(t *testing.T) {
	got := MulDiv(decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.NewFromInt(3))
	require.Equal(t, "0.333333333333333333", got.String())

	require.True(t, Div(decimal.NewFromInt(5), decimal.Zero).IsZero())
}

func TestApplyBps(t *testing.T) {
	got := ApplyBps(decimal.NewFromInt(250), 1000)
	require.True(t, got.Equal(decimal.NewFromInt(25)), got.String())
	require.True(t, ApplyBps(decimal.NewFromInt(250), 0).IsZero())
}

func TestDeviationBps(t *testing.T) {
	dev := DeviationBps(decimal.RequireFromString("1.05"), decimal.NewFromInt(1))
	require.True(t, dev.Equal(decimal.NewFromInt(500)), dev.String())

	dev = DeviationBps(decimal.RequireFromString("0.8"), decimal.NewFromInt(1))
	require.True(t, dev.Equal(decimal.NewFromInt(2000)), dev.String())
}

func TestAtomsRoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("12.345678901234567891")
	atoms, err := ToAtoms(amount)
	require.NoError(t, err)
	require.Equal(t, "12345678901234567891", atoms.Dec())
	require.True(t, FromAtoms(atoms).Equal(amount))

	_, err = ToAtoms(decimal.NewFromInt(-1))
	require.ErrorIs(t, err, ErrNegativeAmount)

	parsed, err := ParseAtoms("2000000000000000000")
	require.NoError(t, err)
	require.True(t, parsed.Equal(decimal.NewFromInt(2)))

	_, err = ParseAtoms("not-a-number")
	require.Error(t, err)

	require.True(t, FromAtoms(uint256.NewInt(0)).IsZero())
}
