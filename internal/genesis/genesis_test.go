package genesis

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const template = `
start: 2026-01-01T00:00:00Z
epoch: 1
reporters:
  - address: "%s"
    stake: "1000"
    key: "%s"
  - address: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
    stake: "500.5"
assets:
  - id: "1"
    first_seen: 2025-12-01T00:00:00Z
  - id: "64"
    first_seen: 2025-12-31T00:00:00Z
    override: true
weightset:
  assets: ["1", "64"]
  weights: [6000, 4000]
exchange:
  haircut_bps: 10
  rates:
    "1": "2.5"
    "64": "0.4"
rounds:
  - offset: 1m
    prices:
      "%s":
        "1": "2.5"
        "64": "0.4"
scenario:
  account: "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
  basket:
    "1": "10"
    "64": "25"
  routed_in: "100"
  redeem_bps: 5000
  accrue_after: 2160h
`

func TestParse(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	raw := fmt.Sprintf(template, addr, hex.EncodeToString(ethcrypto.FromECDSA(key)), addr)

	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), f.Start.UTC())
	assert.Equal(t, uint64(1), f.Epoch)
	require.Len(t, f.Reporters, 2)
	stake, err := f.Reporters[1].StakeAmount()
	require.NoError(t, err)
	assert.True(t, stake.Equal(decimal.RequireFromString("500.5")))

	signer, err := f.Reporters[0].PrivateKey()
	require.NoError(t, err)
	assert.Equal(t, addr, ethcrypto.PubkeyToAddress(signer.PublicKey).Hex())

	require.NotNil(t, f.Assets[1].Override)
	assert.True(t, *f.Assets[1].Override)
	assert.Nil(t, f.Assets[0].Override)
	assert.Equal(t, []uint32{6000, 4000}, f.Weightset.Weights)
	assert.Equal(t, time.Minute, f.Rounds[0].Offset)
	assert.Equal(t, 90*24*time.Hour, f.Scenario.AccrueAfter)

	basket, err := ParseValues(f.Scenario.Basket)
	require.NoError(t, err)
	assert.True(t, basket["64"].Equal(decimal.NewFromInt(25)))
}

func TestParseRejects(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	cases := []struct {
		name string
		raw  string
	}{
		{"key mismatch", fmt.Sprintf(template, addr, hex.EncodeToString(ethcrypto.FromECDSA(other)), addr)},
		{"bad address", "start: 2026-01-01T00:00:00Z\nreporters:\n  - address: nope\n    stake: \"1\"\n"},
		{"zero stake", "start: 2026-01-01T00:00:00Z\nreporters:\n  - address: \"0x70997970C51812dc3A010C7d01b50e0d17dc79C8\"\n    stake: \"0\"\n"},
		{"no reporters", "start: 2026-01-01T00:00:00Z\n"},
		{"no start", "reporters:\n  - address: \"0x70997970C51812dc3A010C7d01b50e0d17dc79C8\"\n    stake: \"1\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}
