package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestVenueQuoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "UnknownAsset", "description": "no pool"})
	}))
	defer srv.Close()

	v := NewVenue(VenueOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := v.GetQuote(context.Background(), "ALPHA", decimal.NewFromInt(1))
	if !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("HTTP 400 UnknownAsset 应映射为 ErrUnknownAsset, 实际 %v", err)
	}
}

func TestVenueQuoteSendsAtoms(t *testing.T) {
	var got quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != quotePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"sellAmount": got.SellAmount,
			"buyAmount":  "2500000000000000000",
		})
	}))
	defer srv.Close()

	v := NewVenue(VenueOptions{BaseURL: srv.URL, BaseAsset: "TAO", Timeout: time.Second}, noopLogger())
	out, err := v.GetQuote(context.Background(), "ALPHA", decimal.RequireFromString("1.5"))
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if got.SellAmount != "1500000000000000000" {
		t.Fatalf("sellAmount 应为 atom 字符串, 实际 %s", got.SellAmount)
	}
	if got.SellAsset != "TAO" || got.BuyAsset != "ALPHA" {
		t.Fatalf("资产方向错误: %+v", got)
	}
	if !out.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("期望 2.5, 实际 %s", out)
	}
}

func TestVenueSwapEnforcesMinOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req swapRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.MinOut != "2000000000000000000" {
			t.Errorf("minBuyAmount 错误: %s", req.MinOut)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"buyAmount": "1000000000000000000", "txId": "0xabc"})
	}))
	defer srv.Close()

	v := NewVenue(VenueOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := v.Swap(context.Background(), "ALPHA", decimal.NewFromInt(1), decimal.NewFromInt(2), common.Address{1})
	if !errors.Is(err, ErrInsufficientOut) {
		t.Fatalf("成交量低于 minOut 应返回错误, 实际 %v", err)
	}
}

func TestVenueRejectsZeroAmount(t *testing.T) {
	v := NewVenue(VenueOptions{BaseURL: "http://127.0.0.1:1"}, noopLogger())
	if _, err := v.GetQuote(context.Background(), "ALPHA", decimal.Zero); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("零数量应被拒绝, 实际 %v", err)
	}
}

func TestSimulatedQuoteAndSwap(t *testing.T) {
	s := NewSimulated(map[string]decimal.Decimal{"alpha": decimal.NewFromInt(4)}, 100)
	ctx := context.Background()

	q, err := s.GetQuote(ctx, "ALPHA", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if !q.Equal(decimal.RequireFromString("39.6")) {
		t.Fatalf("期望 39.6, 实际 %s", q)
	}

	s.SetSwapSkew(500)
	if _, err := s.Swap(ctx, "ALPHA", decimal.NewFromInt(10), q, common.Address{}); !errors.Is(err, ErrInsufficientOut) {
		t.Fatalf("skew 后应低于 minOut, 实际 %v", err)
	}
	if len(s.Fills()) != 0 {
		t.Fatal("失败的 swap 不应记录成交")
	}

	s.SetSwapSkew(0)
	out, err := s.Swap(ctx, "ALPHA", decimal.NewFromInt(10), q, common.Address{})
	if err != nil || !out.Equal(q) {
		t.Fatalf("swap 应按报价成交: %s %v", out, err)
	}

	if _, err := s.GetQuote(ctx, "BETA", decimal.NewFromInt(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("未上架资产应返回 ErrUnknownAsset, 实际 %v", err)
	}
}
