package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Kind:        KindSlash,
		At:          time.Now(),
		Epoch:       7,
		Asset:       "3",
		Reporter:    "0xabc",
		Reason:      "consecutive_deviation",
		Bps:         1000,
		Amount:      decimal.NewFromInt(100),
		StakeAfter:  decimal.NewFromInt(900),
		Deactivated: true,
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "0xabc") || !strings.Contains(text, "1000 bps") {
		t.Fatalf("text 缺少 slash 信息: %q", text)
	}
	if !strings.Contains(text, "deactivated") {
		t.Fatalf("text 应包含 deactivated: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Kind: KindStaleNAV, At: time.Now(), Epoch: 1}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Kind: KindStaleNAV}); err == nil {
		t.Fatal("502 应报错")
	}
}

func TestRenderQuorumMiss(t *testing.T) {
	text := renderMessage(Notification{
		Kind:          KindQuorumMiss,
		At:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Epoch:         4,
		Asset:         "12",
		Reason:        "no_quorum",
		Participation: decimal.NewFromInt(2500),
		QuorumBps:     3300,
	})
	for _, want := range []string{"Asset: 12", "no_quorum", "2500.00 bps", "quorum 3300", "Epoch: 4", "2026-01-01T00:00:00Z"} {
		if !strings.Contains(text, want) {
			t.Fatalf("消息缺少 %q: %q", want, text)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(testLogger()).Notify(context.Background(), Notification{Kind: KindStaleNAV}); err != nil {
		t.Fatalf("日志告警不应失败: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
