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

	"cap-rebalancer/internal/domain"
)

func sampleNote() Notification {
	return Notification{
		RunID:       "run-1",
		Trigger:     "cron",
		StartedAt:   time.Date(2025, 6, 30, 4, 55, 0, 0, time.UTC),
		Panic:       true,
		PanicReason: "single drop on 2025-06-25",
		TotalValue:  decimal.NewFromFloat(10000),
		Sells:       []domain.OrderIntent{{Ticker: "AAPL", Quantity: 5, LimitPrice: 86, Side: domain.SideSell, Reason: "panic"}},
		Settled:     true,
		Skipped:     map[string]string{"NEW": "holding not found"},
	}
}

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
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "SELL 5 AAPL") {
		t.Fatalf("text 应包含卖单: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("HTTP 502 应报错")
	}
}

func TestRenderMessage(t *testing.T) {
	note := sampleNote()
	note.SettlementError = "settlement: sell orders still pending"
	note.Settled = false
	msg := renderMessage(note)

	for _, want := range []string{
		"Run: run-1 (cron)",
		"Portfolio: 10000.00 USD",
		"Market: PANIC (single drop on 2025-06-25)",
		"SELL 5 AAPL @ 86.0000 [panic]",
		"buys skipped",
		"Buys: none",
		"NEW: holding not found",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, msg)
		}
	}

	note.DryRun = true
	if !strings.HasPrefix(renderMessage(note), "[Rebalance dry-run]") {
		t.Fatal("dry-run 标题不正确")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
