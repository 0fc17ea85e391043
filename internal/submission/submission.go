package submission

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"navfund/internal/registry"
	"navfund/internal/units"
)

// DomainV1 prefixes the canonical submission message.
const DomainV1 = "NAVFUND_SUBMISSION_V1"

var (
	ErrEmpty          = errors.New("submission: no prices")
	ErrLengthMismatch = errors.New("submission: array length mismatch")
	ErrTooManyAssets  = errors.New("submission: too many assets")
	ErrDuplicateAsset = errors.New("submission: duplicate asset")
	ErrInvalidAsset   = errors.New("submission: invalid asset id")
	ErrNonPositive    = errors.New("submission: price must be positive")
	ErrNegativeYield  = errors.New("submission: yield must not be negative")
	ErrBadSignature   = errors.New("submission: signature does not match reporter")
	ErrDuplicate      = errors.New("submission: duplicate submission")
)

// AssetValue pairs an asset with a price or yield.
type AssetValue struct {
	Asset string
	Value decimal.Decimal
}

// Request is the external submit payload: parallel arrays plus replay protection.
type Request struct {
	Reporter  common.Address
	Epoch     uint64
	Nonce     uint64
	Assets    []string
	Prices    []decimal.Decimal
	Yields    []decimal.Decimal
	Timestamp time.Time
	Expiry    time.Time
	Signature []byte
}

// Submission is one stored reporter observation. It is immutable once appended.
type Submission struct {
	Seq       uint64
	Reporter  common.Address
	Epoch     uint64
	Nonce     uint64
	Prices    []AssetValue
	Yields    []AssetValue
	Timestamp time.Time
	Expiry    time.Time
	Signature []byte
	Valid     bool
}

// Build validates the array shape of r and converts it to a Submission.
func (r Request) Build() (Submission, error) {
	if len(r.Assets) == 0 {
		return Submission{}, ErrEmpty
	}
	if len(r.Assets) != len(r.Prices) {
		return Submission{}, fmt.Errorf("%w: %d assets, %d prices", ErrLengthMismatch, len(r.Assets), len(r.Prices))
	}
	if len(r.Yields) != 0 && len(r.Yields) != len(r.Assets) {
		return Submission{}, fmt.Errorf("%w: %d assets, %d yields", ErrLengthMismatch, len(r.Assets), len(r.Yields))
	}
	if len(r.Assets) > registry.MaxBasketSize {
		return Submission{}, ErrTooManyAssets
	}

	sub := Submission{
		Reporter:  r.Reporter,
		Epoch:     r.Epoch,
		Nonce:     r.Nonce,
		Prices:    make([]AssetValue, len(r.Assets)),
		Timestamp: r.Timestamp.UTC(),
		Expiry:    r.Expiry.UTC(),
		Signature: append([]byte(nil), r.Signature...),
	}
	seen := make(map[string]struct{}, len(r.Assets))
	for i, raw := range r.Assets {
		asset := registry.NormalizeAsset(raw)
		if asset == "" {
			return Submission{}, ErrInvalidAsset
		}
		if _, dup := seen[asset]; dup {
			return Submission{}, fmt.Errorf("%w: %s", ErrDuplicateAsset, asset)
		}
		seen[asset] = struct{}{}
		if r.Prices[i].Sign() <= 0 {
			return Submission{}, fmt.Errorf("%w: %s", ErrNonPositive, asset)
		}
		sub.Prices[i] = AssetValue{Asset: asset, Value: units.Fix(r.Prices[i])}
	}
	if len(r.Yields) > 0 {
		sub.Yields = make([]AssetValue, len(r.Yields))
		for i, y := range r.Yields {
			if y.Sign() < 0 {
				return Submission{}, fmt.Errorf("%w: %s", ErrNegativeYield, sub.Prices[i].Asset)
			}
			sub.Yields[i] = AssetValue{Asset: sub.Prices[i].Asset, Value: units.Fix(y)}
		}
	}
	return sub, nil
}

// Price returns the submitted price for asset.
func (s Submission) Price(asset string) (decimal.Decimal, bool) {
	return lookup(s.Prices, asset)
}

// Yield returns the submitted yield for asset.
func (s Submission) Yield(asset string) (decimal.Decimal, bool) {
	return lookup(s.Yields, asset)
}

func lookup(values []AssetValue, asset string) (decimal.Decimal, bool) {
	for _, v := range values {
		if v.Asset == asset {
			return v.Value, true
		}
	}
	return decimal.Decimal{}, false
}

// CanonicalMessage renders the text that reporters sign.
func (s Submission) CanonicalMessage() string {
	builder := strings.Builder{}
	builder.WriteString(DomainV1)
	builder.WriteString("|reporter=")
	builder.WriteString(strings.ToLower(s.Reporter.Hex()))
	builder.WriteString("|epoch=")
	builder.WriteString(strconv.FormatUint(s.Epoch, 10))
	builder.WriteString("|nonce=")
	builder.WriteString(strconv.FormatUint(s.Nonce, 10))
	builder.WriteString("|ts=")
	builder.WriteString(strconv.FormatInt(s.Timestamp.Unix(), 10))
	builder.WriteString("|exp=")
	builder.WriteString(strconv.FormatInt(s.Expiry.Unix(), 10))
	for _, p := range s.Prices {
		builder.WriteString("|p:")
		builder.WriteString(p.Asset)
		builder.WriteString("=")
		builder.WriteString(p.Value.StringFixed(units.Precision))
	}
	for _, y := range s.Yields {
		builder.WriteString("|y:")
		builder.WriteString(y.Asset)
		builder.WriteString("=")
		builder.WriteString(y.Value.StringFixed(units.Precision))
	}
	return builder.String()
}

// Digest is the keccak256 hash of the canonical message.
func (s Submission) Digest() common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256([]byte(s.CanonicalMessage())))
}

// Sign fills the signature using key. Used by reporter tooling and tests.
func (s *Submission) Sign(key *ecdsa.PrivateKey) error {
	digest := s.Digest()
	sig, err := ethcrypto.Sign(digest.Bytes(), key)
	if err != nil {
		return fmt.Errorf("sign submission: %w", err)
	}
	s.Signature = sig
	return nil
}

// Verify reports whether sig over digest was produced by signer. It has no side effects.
func Verify(digest []byte, signer common.Address, sig []byte) bool {
	if len(sig) != ethcrypto.SignatureLength || len(digest) != common.HashLength {
		return false
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == signer
}

// VerifySignature checks the submission signature against its reporter.
func (s Submission) VerifySignature() error {
	if !Verify(s.Digest().Bytes(), s.Reporter, s.Signature) {
		return ErrBadSignature
	}
	return nil
}
