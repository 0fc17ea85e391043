package registry

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Options{BasketSize: 2, MinObservation: 24 * time.Hour})
	require.NoError(t, err)
	r.Observe("btc", t0)
	r.Observe("eth", t0)
	return r
}

func TestPublishValidWeightset(t *testing.T) {
	r := newRegistry(t)
	now := t0.Add(48 * time.Hour)

	ws, err := r.Publish(PublishRequest{Epoch: 1, Assets: []string{"btc", " eth"}, Weights: []uint32{6000, 4000}}, 1, now)
	require.NoError(t, err)
	require.Equal(t, []string{"BTC", "ETH"}, ws.Assets)
	require.Equal(t, ComputeHash(1, []string{"BTC", "ETH"}, []uint32{6000, 4000}), ws.Hash)

	var sum uint32
	for _, w := range ws.Weights {
		sum += w
	}
	require.EqualValues(t, 10000, sum)

	got, ok := r.ForEpoch(5)
	require.True(t, ok)
	require.Equal(t, ws.Hash, got.Hash)

	_, ok = r.ForEpoch(0)
	require.False(t, ok)
}

func TestPublishRejectsInvalidInput(t *testing.T) {
	now := t0.Add(48 * time.Hour)
	cases := []struct {
		name string
		req  PublishRequest
		err  error
	}{
		{"sum", PublishRequest{Epoch: 1, Assets: []string{"BTC", "ETH"}, Weights: []uint32{5000, 4000}}, ErrWeightSum},
		{"length", PublishRequest{Epoch: 1, Assets: []string{"BTC", "ETH"}, Weights: []uint32{10000}}, ErrLengthMismatch},
		{"basket size", PublishRequest{Epoch: 1, Assets: []string{"BTC"}, Weights: []uint32{10000}}, ErrBasketSize},
		{"duplicate", PublishRequest{Epoch: 1, Assets: []string{"BTC", "btc"}, Weights: []uint32{5000, 5000}}, ErrDuplicateAsset},
		{"zero weight", PublishRequest{Epoch: 1, Assets: []string{"BTC", "ETH"}, Weights: []uint32{10000, 0}}, ErrZeroWeight},
		{"ineligible", PublishRequest{Epoch: 1, Assets: []string{"BTC", "SOL"}, Weights: []uint32{5000, 5000}}, ErrIneligibleAsset},
		{"hash", PublishRequest{Epoch: 1, Assets: []string{"BTC", "ETH"}, Weights: []uint32{5000, 5000}, Hash: common.HexToHash("0x01")}, ErrHashMismatch},
		{"past epoch", PublishRequest{Epoch: 0, Assets: []string{"BTC", "ETH"}, Weights: []uint32{5000, 5000}}, ErrEpochInPast},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegistry(t)
			_, err := r.Publish(tc.req, 1, now)
			require.ErrorIs(t, err, tc.err)
			_, ok := r.Latest()
			require.False(t, ok)
		})
	}
}

func TestEligibilityRequiresObservationWindow(t *testing.T) {
	r := newRegistry(t)
	req := PublishRequest{Epoch: 1, Assets: []string{"BTC", "ETH"}, Weights: []uint32{5000, 5000}}

	_, err := r.Publish(req, 1, t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrIneligibleAsset)

	r.SetOverride("eth", true)
	r.SetOverride("btc", true)
	ws, err := r.Publish(req, 1, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []bool{true, true}, ws.Overridden)
}

func TestPublishEpochsStrictlyIncrease(t *testing.T) {
	r := newRegistry(t)
	now := t0.Add(48 * time.Hour)
	req := PublishRequest{Epoch: 3, Assets: []string{"BTC", "ETH"}, Weights: []uint32{5000, 5000}}
	_, err := r.Publish(req, 1, now)
	require.NoError(t, err)

	_, err = r.Publish(req, 1, now)
	require.ErrorIs(t, err, ErrEpochNotIncreased)

	_, ok := r.ForEpoch(2)
	require.False(t, ok)
	history := r.History()
	require.Len(t, history, 1)
	history[0].Weights[0] = 1
	again, _ := r.ForEpoch(3)
	require.EqualValues(t, 5000, again.Weights[0])
}
