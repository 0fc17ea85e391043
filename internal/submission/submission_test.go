package submission

import (
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestBuildValidatesShape(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		err  error
	}{
		{"empty", Request{}, ErrEmpty},
		{"length", Request{Assets: []string{"BTC"}, Prices: []decimal.Decimal{}}, ErrLengthMismatch},
		{"yield length", Request{Assets: []string{"BTC"}, Prices: []decimal.Decimal{dec("1")}, Yields: []decimal.Decimal{dec("1"), dec("2")}}, ErrLengthMismatch},
		{"dup", Request{Assets: []string{"BTC", "btc"}, Prices: []decimal.Decimal{dec("1"), dec("1")}}, ErrDuplicateAsset},
		{"zero price", Request{Assets: []string{"BTC"}, Prices: []decimal.Decimal{decimal.Zero}}, ErrNonPositive},
		{"negative yield", Request{Assets: []string{"BTC"}, Prices: []decimal.Decimal{dec("1")}, Yields: []decimal.Decimal{dec("-1")}}, ErrNegativeYield},
		{"blank asset", Request{Assets: []string{" "}, Prices: []decimal.Decimal{dec("1")}}, ErrInvalidAsset},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.req.Build()
			require.ErrorIs(t, err, tc.err)
		})
	}

	sub, err := Request{Assets: []string{"btc"}, Prices: []decimal.Decimal{dec("2.5")}, Yields: []decimal.Decimal{dec("0.01")}}.Build()
	require.NoError(t, err)
	price, ok := sub.Price("BTC")
	require.True(t, ok)
	require.True(t, price.Equal(dec("2.5")))
	y, ok := sub.Yield("BTC")
	require.True(t, ok)
	require.True(t, y.Equal(dec("0.01")))
}

func TestSignatureRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	reporter := ethcrypto.PubkeyToAddress(key.PublicKey)

	req := Request{
		Reporter:  reporter,
		Epoch:     3,
		Nonce:     1,
		Assets:    []string{"BTC", "ETH"},
		Prices:    []decimal.Decimal{dec("1"), dec("2")},
		Timestamp: t0,
		Expiry:    t0.Add(time.Minute),
	}
	require.NoError(t, req.Sign(key))

	sub, err := req.Build()
	require.NoError(t, err)
	require.NoError(t, sub.VerifySignature())

	tampered := sub
	tampered.Prices = append([]AssetValue(nil), sub.Prices...)
	tampered.Prices[0].Value = dec("1.5")
	require.ErrorIs(t, tampered.VerifySignature(), ErrBadSignature)

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	require.False(t, Verify(sub.Digest().Bytes(), ethcrypto.PubkeyToAddress(other.PublicKey), sub.Signature))
	require.False(t, Verify(sub.Digest().Bytes(), reporter, sub.Signature[:10]))
}

func TestStoreAppendOnlyAndFreshness(t *testing.T) {
	store := NewStore()
	mk := func(nonce uint64, ts time.Time) Submission {
		sub, err := Request{Epoch: 1, Nonce: nonce, Assets: []string{"BTC"}, Prices: []decimal.Decimal{dec("1")}, Timestamp: ts}.Build()
		require.NoError(t, err)
		return sub
	}

	first, err := store.Append(mk(1, t0))
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Seq)
	require.True(t, first.Valid)

	_, err = store.Append(mk(1, t0))
	require.ErrorIs(t, err, ErrDuplicate)

	_, err = store.Append(mk(2, t0.Add(-20*time.Minute)))
	require.NoError(t, err)

	require.Len(t, store.Epoch(1), 2)
	fresh := store.Fresh(1, t0.Add(time.Minute), 10*time.Minute)
	require.Len(t, fresh, 1)
	require.EqualValues(t, 1, fresh[0].Seq)

	require.False(t, IsFresh(t0.Add(time.Second), t0, time.Minute), "future timestamps are not fresh")

	require.Equal(t, 2, store.Prune(2))
	require.Empty(t, store.Epoch(1))
}
