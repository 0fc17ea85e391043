package genesis

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"navfund/internal/units"
)

var (
	// ErrInvalid wraps every validation failure of a genesis file.
	ErrInvalid = errors.New("genesis: invalid file")
)

// File is the YAML bootstrap document: the reporter set, asset observation history, the first
// weightset and the scripted scenario used by the simulate command.
type File struct {
	Start     time.Time     `yaml:"start"`
	Epoch     uint64        `yaml:"epoch"`
	Reporters []Reporter    `yaml:"reporters"`
	Assets    []Asset       `yaml:"assets"`
	Weightset Weightset     `yaml:"weightset"`
	Exchange  ExchangeRates `yaml:"exchange"`
	Rounds    []Round       `yaml:"rounds"`
	Scenario  Scenario      `yaml:"scenario"`
}

// Reporter registers one staked reporter. Key is optional and only used to sign scripted prices.
type Reporter struct {
	Address string `yaml:"address"`
	Stake   string `yaml:"stake"`
	Key     string `yaml:"key"`
}

// Asset seeds the registry observation clock.
type Asset struct {
	ID        string    `yaml:"id"`
	FirstSeen time.Time `yaml:"first_seen"`
	Override  *bool     `yaml:"override"`
}

// Weightset is the initial basket definition.
type Weightset struct {
	Assets  []string `yaml:"assets"`
	Weights []uint32 `yaml:"weights"`
}

// ExchangeRates configure the simulated venue, prices quoted in the base asset.
type ExchangeRates struct {
	HaircutBps uint32            `yaml:"haircut_bps"`
	Rates      map[string]string `yaml:"rates"`
}

// Round is one scripted submission round: a price vector per reporter.
type Round struct {
	Offset time.Duration                `yaml:"offset"`
	Prices map[string]map[string]string `yaml:"prices"`
	Yields map[string]map[string]string `yaml:"yields"`
}

// Scenario drives the vault operations of the simulate command.
type Scenario struct {
	Account     string            `yaml:"account"`
	Basket      map[string]string `yaml:"basket"`
	RoutedIn    string            `yaml:"routed_in"`
	RedeemBps   uint32            `yaml:"redeem_bps"`
	AccrueAfter time.Duration     `yaml:"accrue_after"`
}

// Load reads and validates the genesis file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a genesis document.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks addresses, amounts and key/address agreement.
func (f *File) Validate() error {
	if f.Start.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalid)
	}
	if len(f.Reporters) == 0 {
		return fmt.Errorf("%w: at least one reporter is required", ErrInvalid)
	}
	seen := make(map[common.Address]struct{}, len(f.Reporters))
	for i, r := range f.Reporters {
		addr, err := r.ID()
		if err != nil {
			return fmt.Errorf("%w: reporters[%d]: %v", ErrInvalid, i, err)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: reporters[%d]: duplicate address %s", ErrInvalid, i, addr.Hex())
		}
		seen[addr] = struct{}{}
		if _, err := r.StakeAmount(); err != nil {
			return fmt.Errorf("%w: reporters[%d]: %v", ErrInvalid, i, err)
		}
		if r.Key != "" {
			key, err := r.PrivateKey()
			if err != nil {
				return fmt.Errorf("%w: reporters[%d]: %v", ErrInvalid, i, err)
			}
			if ethcrypto.PubkeyToAddress(key.PublicKey) != addr {
				return fmt.Errorf("%w: reporters[%d]: key does not match address", ErrInvalid, i)
			}
		}
	}
	if len(f.Weightset.Assets) != len(f.Weightset.Weights) {
		return fmt.Errorf("%w: weightset assets and weights differ in length", ErrInvalid)
	}
	for asset, rate := range f.Exchange.Rates {
		if _, err := units.ParseAmount(rate); err != nil {
			return fmt.Errorf("%w: exchange rate %s: %v", ErrInvalid, asset, err)
		}
	}
	for i, round := range f.Rounds {
		for addr := range round.Prices {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("%w: rounds[%d]: bad reporter %q", ErrInvalid, i, addr)
			}
		}
	}
	return nil
}

// ID returns the reporter address.
func (r Reporter) ID() (common.Address, error) {
	if !common.IsHexAddress(r.Address) {
		return common.Address{}, fmt.Errorf("bad address %q", r.Address)
	}
	return common.HexToAddress(r.Address), nil
}

// StakeAmount parses the stake.
func (r Reporter) StakeAmount() (decimal.Decimal, error) {
	stake, err := units.ParseAmount(r.Stake)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if stake.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("stake must be positive")
	}
	return stake, nil
}

// PrivateKey decodes the optional hex signing key.
func (r Reporter) PrivateKey() (*ecdsa.PrivateKey, error) {
	if r.Key == "" {
		return nil, fmt.Errorf("reporter %s has no key", r.Address)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(r.Key, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return key, nil
}

// ParseValues converts an asset->amount map, failing on the first bad entry.
func ParseValues(in map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for asset, raw := range in {
		v, err := units.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", asset, err)
		}
		out[asset] = v
	}
	return out, nil
}
