package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
)

func paidNotification() models.Notification {
	return models.Notification{
		OrderID:        "order-1",
		Fingerprint:    "7d19620679d3755a84471e2daffb246c",
		CustomerHandle: "@buyer",
		Amount:         decimal.RequireFromString("4.99"),
		Currency:       "USD",
		Status:         models.OrderStatusPaid,
		Source:         models.SourceWebhook,
	}
}

func TestTelegramSendsMarkdown(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{APIBase: srv.URL, BotToken: "TOKEN", ChatID: "42"})
	if err := tg.Notify(context.Background(), paidNotification()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if got.ChatID != "42" || got.ParseMode != "Markdown" {
		t.Errorf("Unexpected request %+v", got)
	}
	if !strings.Contains(got.Text, "PAYMENT RECEIVED") || !strings.Contains(got.Text, "$4.99") {
		t.Errorf("Unexpected text %q", got.Text)
	}
}

func TestTelegramAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{APIBase: srv.URL, BotToken: "TOKEN", ChatID: "42"})
	err := tg.Notify(context.Background(), paidNotification())
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("Expected API error, got %v", err)
	}
}

func TestTelegramNotConfigured(t *testing.T) {
	tg := NewTelegram(TelegramConfig{BotToken: "TOKEN"})
	if err := tg.Notify(context.Background(), paidNotification()); !errors.Is(err, ErrTelegramNotConfigured) {
		t.Errorf("Expected ErrTelegramNotConfigured, got %v", err)
	}
}

func TestFormatMessage(t *testing.T) {
	n := paidNotification()
	n.Status = models.OrderStatusPending
	n.Items = []models.OrderItem{{Name: "Premium", App: "Netflix", Quantity: 2, UnitPrice: decimal.RequireFromString("2.5")}}

	tests := []struct {
		status models.OrderStatus
		want   []string
	}{
		{models.OrderStatusPending, []string{"NEW ORDER", "Premium (Netflix) x2 - $2.50", "Total: $4.99"}},
		{models.OrderStatusPaid, []string{"PAYMENT RECEIVED", "MD5: `7d19620679d3755a84471e2daffb246c`"}},
		{models.OrderStatusCompleted, []string{"ORDER COMPLETED", "@buyer"}},
		{models.OrderStatusCancelled, []string{"ORDER CANCELLED", "`order-1`"}},
	}
	for _, tt := range tests {
		n.Status = tt.status
		msg := FormatMessage(n)
		for _, w := range tt.want {
			if !strings.Contains(msg, w) {
				t.Errorf("%s: expected %q in %q", tt.status, w, msg)
			}
		}
	}

	n.Status = models.OrderStatusPaid
	n.Currency = "KHR"
	n.Amount = decimal.RequireFromString("20000")
	if msg := FormatMessage(n); !strings.Contains(msg, "Amount: 20000 KHR") {
		t.Errorf("Expected whole riel amount, got %q", msg)
	}
}

func TestFormatMessageEscapesUserText(t *testing.T) {
	n := paidNotification()
	n.CustomerHandle = "@john_doe"
	if msg := FormatMessage(n); !strings.Contains(msg, `Customer: @john\_doe`) {
		t.Errorf("Expected escaped handle, got %q", msg)
	}

	n.Status = models.OrderStatusPending
	n.Items = []models.OrderItem{{Name: "*VIP* [1 month]", App: "my_app", Quantity: 1}}
	msg := FormatMessage(n)
	for _, want := range []string{`Telegram: @john\_doe`, `\*VIP\* \[1 month]`, `(my\_app)`} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
}

type fakeConn struct {
	subject string
	data    []byte
	err     error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "")
	if err := p.Notify(context.Background(), paidNotification()); err != nil {
		t.Fatal(err)
	}
	if conn.subject != "order.paid" {
		t.Errorf("Expected subject order.paid, got %s", conn.subject)
	}
	var decoded models.Notification
	if err := json.Unmarshal(conn.data, &decoded); err != nil || decoded.OrderID != "order-1" {
		t.Errorf("Unexpected payload %s (%v)", conn.data, err)
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, models.Notification) error {
	c.calls++
	return c.err
}

func TestMultiReachesEveryNotifier(t *testing.T) {
	boom := errors.New("boom")
	a, b := &countingNotifier{err: boom}, &countingNotifier{}
	err := Multi{a, b}.Notify(context.Background(), paidNotification())
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined error, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("Expected both notifiers called, got %d and %d", a.calls, b.calls)
	}
	if err := (Multi{}).Notify(context.Background(), paidNotification()); err != nil {
		t.Errorf("Empty Multi should succeed, got %v", err)
	}
}

func TestOperatorNotifiers(t *testing.T) {
	if m := Operator(NewTelegram(TelegramConfig{}), nil, ""); len(m) != 0 {
		t.Errorf("Expected no notifiers, got %d", len(m))
	}
	tg := NewTelegram(TelegramConfig{BotToken: "TOKEN", ChatID: "42"})
	m := Operator(tg, nil, "")
	if len(m) != 1 || m[0] != Notifier(tg) {
		t.Errorf("Expected the Telegram notifier only, got %v", m)
	}
}
