// Package notify delivers order notifications to operators and to other
// services. Every notifier is best-effort: the reconciler logs failures and
// never lets them affect an order's status.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/khqr"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/metrics"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/patterns"
)

// DefaultTelegramAPI is the Bot API endpoint
const DefaultTelegramAPI = "https://api.telegram.org"

// ErrTelegramNotConfigured is returned when the bot token or chat is missing
var ErrTelegramNotConfigured = errors.New("telegram not configured")

// TelegramConfig configures the operator chat
type TelegramConfig struct {
	APIBase  string
	BotToken string
	ChatID   string
}

// Telegram posts Markdown order summaries to an operator chat
type Telegram struct {
	http    *resty.Client
	token   string
	chatID  string
	circuit *patterns.CircuitBreakerWrapper
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// NewTelegram creates a Telegram notifier
func NewTelegram(cfg TelegramConfig) *Telegram {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultTelegramAPI
	}
	return &Telegram{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(patterns.DefaultTimeout).
			SetRetryCount(0),
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		circuit: patterns.NewCircuitBreaker("Telegram", "payment-service"),
	}
}

// Configured reports whether messages can be sent
func (t *Telegram) Configured() bool {
	return t.token != "" && t.chatID != ""
}

// CircuitState exposes the breaker state for status endpoints
func (t *Telegram) CircuitState() string {
	return t.circuit.GetState()
}

// CircuitValue is CircuitState as 0=closed, 1=open, 2=half-open
func (t *Telegram) CircuitValue() int {
	return t.circuit.GetStateValue()
}

// Notify implements reconcile.Notifier
func (t *Telegram) Notify(ctx context.Context, n models.Notification) error {
	if !t.Configured() {
		return ErrTelegramNotConfigured
	}

	_, err := t.circuit.Execute(func() (interface{}, error) {
		resp, httpErr := t.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(sendMessageRequest{
				ChatID:    t.chatID,
				Text:      FormatMessage(n),
				ParseMode: "Markdown",
			}).
			Post("/bot" + t.token + "/sendMessage")
		if httpErr != nil {
			return nil, fmt.Errorf("HTTP error: %w", httpErr)
		}

		var body sendMessageResponse
		_ = json.Unmarshal(resp.Body(), &body)
		if resp.StatusCode() != http.StatusOK || !body.OK {
			return nil, fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode(), body.Description)
		}
		return nil, nil
	})
	if err != nil {
		metrics.NotificationFailures.WithLabelValues("telegram").Inc()
	}
	return err
}

// FormatMessage renders the operator message for n's status.
func FormatMessage(n models.Notification) string {
	var b strings.Builder
	customer := "@" + escapeMarkdown(strings.TrimPrefix(n.CustomerHandle, "@"))
	if n.CustomerHandle == "" {
		customer = "N/A"
	}

	switch n.Status {
	case models.OrderStatusPending:
		b.WriteString("🆕 *NEW ORDER*\n\n")
		fmt.Fprintf(&b, "📋 Order ID: `%s`\n", n.OrderID)
		fmt.Fprintf(&b, "📱 Telegram: %s\n\n", customer)
		b.WriteString("📦 *Items:*\n")
		for _, item := range n.Items {
			fmt.Fprintf(&b, "  • %s", escapeMarkdown(item.Name))
			if item.App != "" {
				fmt.Fprintf(&b, " (%s)", escapeMarkdown(item.App))
			}
			fmt.Fprintf(&b, " x%d - %s\n", item.Quantity, formatAmount(item.UnitPrice, n.Currency))
		}
		fmt.Fprintf(&b, "\n💵 *Total: %s*\n", formatAmount(n.Amount, n.Currency))
		b.WriteString("\n⏳ Awaiting payment...")
	case models.OrderStatusPaid:
		b.WriteString("💰 *PAYMENT RECEIVED*\n\n")
		fmt.Fprintf(&b, "📋 Order ID: `%s`\n", n.OrderID)
		fmt.Fprintf(&b, "👤 Customer: %s\n", customer)
		fmt.Fprintf(&b, "💵 Amount: %s\n", formatAmount(n.Amount, n.Currency))
		fmt.Fprintf(&b, "🔐 MD5: `%s`\n", n.Fingerprint)
		if n.Source == models.SourceAdmin {
			b.WriteString("🛠 Confirmed manually\n")
		} else {
			fmt.Fprintf(&b, "✅ Verified via %s\n", n.Source)
		}
		b.WriteString("\n✅ Please deliver the order to the customer!")
	case models.OrderStatusCompleted:
		b.WriteString("✅ *ORDER COMPLETED*\n\n")
		fmt.Fprintf(&b, "📋 Order ID: `%s`\n", n.OrderID)
		fmt.Fprintf(&b, "👤 Customer: %s\n", customer)
	case models.OrderStatusCancelled:
		b.WriteString("❌ *ORDER CANCELLED*\n\n")
		fmt.Fprintf(&b, "📋 Order ID: `%s`\n", n.OrderID)
		fmt.Fprintf(&b, "👤 Customer: %s\n", customer)
	default:
		fmt.Fprintf(&b, "Order `%s`: %s", n.OrderID, n.Status)
	}
	return b.String()
}

func formatAmount(amount decimal.Decimal, currency string) string {
	fixed := amount.StringFixed(khqr.Currency(currency).Precision())
	if currency == "" || currency == string(khqr.USD) {
		return "$" + fixed
	}
	return fixed + " " + currency
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// escapeMarkdown makes user-supplied text literal under the legacy Markdown
// parse mode.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
