package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// 告警类型。
const (
	KindSlash      = "slash"
	KindQuorumMiss = "quorum_miss"
	KindStaleNAV   = "stale_nav"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind          string
	At            time.Time
	Epoch         uint64
	Asset         string
	Reporter      string
	Reason        string
	Bps           uint32
	Amount        decimal.Decimal
	StakeAfter    decimal.Decimal
	Deactivated   bool
	Participation decimal.Decimal
	QuorumBps     uint32
	Detail        string
}

// Notifier 定义告警输送接口。
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

// NewTelegramNotifier 构造 Telegram 告警器。
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

	n.logger.Info().Str("kind", note.Kind).
		Uint64("epoch", note.Epoch).
		Str("asset", note.Asset).
		Str("reporter", note.Reporter).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier 仅写日志, 未配置 Telegram 时使用。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 以 warn 级别记录告警。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Str("kind", note.Kind).
		Uint64("epoch", note.Epoch).
		Str("asset", note.Asset).
		Str("reporter", note.Reporter).
		Str("reason", note.Reason).
		Msg(strings.TrimSpace(renderMessage(note)))
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindSlash:
		builder.WriteString("[NAV Fund] reporter slashed\n")
		builder.WriteString(fmt.Sprintf("Reporter: %s\n", note.Reporter))
		builder.WriteString(fmt.Sprintf("Reason: %s (asset %s)\n", note.Reason, note.Asset))
		builder.WriteString(fmt.Sprintf("Slash: %d bps = %s, stake now %s\n", note.Bps, note.Amount.String(), note.StakeAfter.String()))
		if note.Deactivated {
			builder.WriteString("Reporter deactivated\n")
		}
	case KindQuorumMiss:
		builder.WriteString("[NAV Fund] consensus not reached\n")
		builder.WriteString(fmt.Sprintf("Asset: %s\n", note.Asset))
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
		builder.WriteString(fmt.Sprintf("Participation: %s bps (quorum %d bps)\n", note.Participation.StringFixed(2), note.QuorumBps))
	case KindStaleNAV:
		builder.WriteString("[NAV Fund] NAV unavailable\n")
	default:
		builder.WriteString(fmt.Sprintf("[NAV Fund] %s\n", note.Kind))
	}
	builder.WriteString(fmt.Sprintf("Epoch: %d\n", note.Epoch))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.Detail != "" {
		builder.WriteString(note.Detail)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
