package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fx-rate-pipeline/internal/rates"
)

// Notification 封装一次周期内的异常汇率告警。
type Notification struct {
	CycleID   string
	At        time.Time
	Base      string
	Threshold float64
	Anomalies []rates.Anomaly
	Providers string
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
		"text":    RenderMessage(note),
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

	n.logger.Info().Str("cycle_id", note.CycleID).
		Int("anomalies", len(note.Anomalies)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderMessage formats the anomaly list as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[FX Rate Anomaly]\n")
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.Base != "" {
		builder.WriteString(fmt.Sprintf("Base: %s\n", note.Base))
	}
	builder.WriteString(fmt.Sprintf("Threshold: %.2f%%\n", note.Threshold*100))
	for _, a := range note.Anomalies {
		builder.WriteString(fmt.Sprintf("%s: %.6f -> %.6f (%+.2f%%)\n", a.Currency, a.OldRate, a.NewRate, signedChange(a)))
	}
	if note.Providers != "" {
		builder.WriteString(note.Providers + "\n")
	}
	if note.CycleID != "" {
		builder.WriteString(fmt.Sprintf("Cycle: %s\n", note.CycleID))
	}
	return builder.String()
}

// signedChange restores the direction dropped by the absolute change.
func signedChange(a rates.Anomaly) float64 {
	if a.NewRate < a.OldRate {
		return -a.ChangePercent
	}
	return a.ChangePercent
}

// Dispatcher fans a notification out to every notifier, suppressing repeats
// for the same currency set within the cooldown.
type Dispatcher struct {
	notifiers []Notifier
	cooldown  time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewDispatcher 构造告警分发器。
func NewDispatcher(notifiers []Notifier, cooldown time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifiers: notifiers,
		cooldown:  cooldown,
		logger:    logger.With().Str("component", "alert_dispatcher").Logger(),
		last:      make(map[string]time.Time),
	}
}

// Notify delivers to every channel; the first error is returned after all
// channels were attempted.
func (d *Dispatcher) Notify(ctx context.Context, note Notification) error {
	if len(note.Anomalies) == 0 || len(d.notifiers) == 0 {
		return nil
	}
	if d.suppressed(note) {
		d.logger.Debug().Str("cycle_id", note.CycleID).Msg("告警处于冷却期, 跳过")
		return nil
	}

	var firstErr error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			d.logger.Error().Err(err).Str("cycle_id", note.CycleID).Msg("告警发送失败")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Dispatcher) suppressed(note Notification) bool {
	if d.cooldown <= 0 {
		return false
	}
	codes := make([]string, 0, len(note.Anomalies))
	for _, a := range note.Anomalies {
		codes = append(codes, a.Currency)
	}
	key := strings.Join(codes, ",")

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.last[key]; ok && note.At.Sub(last) < d.cooldown {
		return true
	}
	d.last[key] = note.At
	return false
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Dispatcher)(nil)
)
