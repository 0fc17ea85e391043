package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"navfund/internal/units"
)

const (
	quotePath = "/quote"
	swapPath  = "/swap"
)

// VenueOptions parameterise the HTTP venue client.
type VenueOptions struct {
	BaseURL   string
	BaseAsset string
	Timeout   time.Duration
	UserAgent string
	APIKey    string
}

// Venue talks to a JSON REST exchange. Amounts travel as base-10 uint256 atom strings.
type Venue struct {
	opts    VenueOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewVenue constructs an HTTP venue client.
func NewVenue(opts VenueOptions, logger zerolog.Logger) *Venue {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.BaseAsset == "" {
		opts.BaseAsset = "TAO"
	}
	return &Venue{
		opts:    opts,
		logger:  logger.With().Str("component", "exchange_venue").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// GetQuote asks the venue how much of assetID amountIn of the base asset buys.
func (v *Venue) GetQuote(ctx context.Context, assetID string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	sellAtoms, err := sellAmount(amountIn)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var res quoteResponse
	if err := v.post(ctx, quotePath, quoteRequest{
		SellAsset:  v.opts.BaseAsset,
		BuyAsset:   assetID,
		SellAmount: sellAtoms,
	}, &res); err != nil {
		return decimal.Decimal{}, err
	}
	out, err := units.ParseAtoms(res.BuyAmount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if out.IsZero() {
		return decimal.Decimal{}, errors.New("buy amount returned zero")
	}
	return out, nil
}

// Swap executes a sell of amountIn base asset for assetID. The venue must honour minOut;
// the client checks it again.
func (v *Venue) Swap(ctx context.Context, assetID string, amountIn, minOut decimal.Decimal, recipient common.Address) (decimal.Decimal, error) {
	sellAtoms, err := sellAmount(amountIn)
	if err != nil {
		return decimal.Decimal{}, err
	}
	minAtoms, err := units.ToAtoms(minOut)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var res swapResponse
	if err := v.post(ctx, swapPath, swapRequest{
		SellAsset:  v.opts.BaseAsset,
		BuyAsset:   assetID,
		SellAmount: sellAtoms,
		MinOut:     minAtoms.Dec(),
		Recipient:  recipient.Hex(),
	}, &res); err != nil {
		return decimal.Decimal{}, err
	}
	out, err := units.ParseAtoms(res.BuyAmount)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if out.LessThan(minOut) {
		return decimal.Decimal{}, fmt.Errorf("%w: got %s min %s", ErrInsufficientOut, out, minOut)
	}
	v.logger.Debug().
		Str("asset", assetID).
		Str("amount_in", amountIn.String()).
		Str("amount_out", out.String()).
		Str("tx", res.TxID).
		Msg("swap filled")
	return out, nil
}

func sellAmount(amountIn decimal.Decimal) (string, error) {
	if amountIn.Sign() <= 0 {
		return "", ErrZeroAmount
	}
	atoms, err := units.ToAtoms(amountIn)
	if err != nil {
		return "", err
	}
	if atoms.IsZero() {
		return "", errors.New("sell amount rounded to zero")
	}
	return atoms.Dec(), nil
}

func (v *Venue) post(ctx context.Context, path string, payload any, out any) error {
	if v.baseURL == "" {
		return errors.New("exchange base url not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(v.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "navfund/1.0")
	}
	if v.opts.APIKey != "" {
		req.Header.Set("X-API-Key", v.opts.APIKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payloadBytes)
	}
	return json.Unmarshal(payloadBytes, out)
}

type quoteRequest struct {
	SellAsset  string `json:"sellAsset"`
	BuyAsset   string `json:"buyAsset"`
	SellAmount string `json:"sellAmount"`
}

type quoteResponse struct {
	SellAmount string `json:"sellAmount"`
	BuyAmount  string `json:"buyAmount"`
}

type swapRequest struct {
	SellAsset  string `json:"sellAsset"`
	BuyAsset   string `json:"buyAsset"`
	SellAmount string `json:"sellAmount"`
	MinOut     string `json:"minBuyAmount"`
	Recipient  string `json:"recipient"`
}

type swapResponse struct {
	BuyAmount string `json:"buyAmount"`
	TxID      string `json:"txId"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.ErrorType == "UnknownAsset" {
			return fmt.Errorf("%w (%d): %s", ErrUnknownAsset, status, apiErr.Description)
		}
		if apiErr.Description != "" {
			return fmt.Errorf("venue error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("venue error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("venue error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("venue error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("venue error (%d)", status)
}

var _ Exchange = (*Venue)(nil)
