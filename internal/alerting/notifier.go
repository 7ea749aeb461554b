package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cap-rebalancer/internal/domain"
)

// Notification 封装一次再平衡运行的摘要。
type Notification struct {
	RunID       string
	Trigger     string
	StartedAt   time.Time
	DryRun      bool
	Panic       bool
	PanicReason string
	TotalValue  decimal.Decimal
	Sells       []domain.OrderIntent
	Buys        []domain.OrderIntent
	Settled     bool
	// SettlementError is set when buys were skipped because sells did not settle.
	SettlementError string
	Skipped         map[string]string
	Error           string
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Bool("panic", note.Panic).
		Int("sells", len(note.Sells)).
		Int("buys", len(note.Buys)).
		Msg("运行摘要已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	title := "[Rebalance]"
	if note.DryRun {
		title = "[Rebalance dry-run]"
	}
	builder.WriteString(title + "\n")
	builder.WriteString(fmt.Sprintf("Run: %s (%s)\n", note.RunID, note.Trigger))
	builder.WriteString(fmt.Sprintf("Started: %s\n", note.StartedAt.Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Portfolio: %s USD\n", note.TotalValue.StringFixed(2)))
	if note.Panic {
		builder.WriteString(fmt.Sprintf("Market: PANIC (%s)\n", note.PanicReason))
	} else {
		builder.WriteString("Market: normal\n")
	}

	writeOrders(&builder, "Sells", note.Sells)
	if note.SettlementError != "" {
		builder.WriteString(fmt.Sprintf("Settlement: not confirmed, buys skipped (%s)\n", note.SettlementError))
	} else if note.Settled {
		builder.WriteString("Settlement: confirmed\n")
	}
	writeOrders(&builder, "Buys", note.Buys)

	if len(note.Skipped) > 0 {
		tickers := make([]string, 0, len(note.Skipped))
		for t := range note.Skipped {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
		builder.WriteString(fmt.Sprintf("Skipped (%d):\n", len(tickers)))
		for _, t := range tickers {
			builder.WriteString(fmt.Sprintf("  %s: %s\n", t, note.Skipped[t]))
		}
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	return builder.String()
}

func writeOrders(b *strings.Builder, label string, orders []domain.OrderIntent) {
	if len(orders) == 0 {
		b.WriteString(fmt.Sprintf("%s: none\n", label))
		return
	}
	b.WriteString(fmt.Sprintf("%s (%d):\n", label, len(orders)))
	for _, o := range orders {
		b.WriteString(fmt.Sprintf("  %s [%s]\n", o, o.Reason))
	}
}

var _ Notifier = (*TelegramNotifier)(nil)
