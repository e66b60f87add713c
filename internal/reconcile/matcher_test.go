package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/khqr"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/store"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) statuses() []models.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.OrderStatus
	for _, n := range r.sent {
		out = append(out, n.Status)
	}
	return out
}

func newTestStore(t *testing.T) store.OrderStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "orders.bolt"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedOrder(t *testing.T, s store.OrderStore, fingerprint, amount string) {
	t.Helper()
	_, _, err := s.Create(context.Background(), &models.PendingOrder{
		ID:             "order-" + fingerprint,
		Fingerprint:    fingerprint,
		ExpectedAmount: decimal.RequireFromString(amount),
		Currency:       "USD",
		CustomerHandle: "@buyer",
	})
	if err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
}

func event(fingerprint, amount string) models.ReconciliationEvent {
	return models.ReconciliationEvent{
		Fingerprint:    fingerprint,
		ObservedAmount: decimal.RequireFromString(amount),
		SourceAccount:  "payer@aba",
		Timestamp:      time.Now(),
		ProofHash:      "proof-" + fingerprint,
		Source:         models.SourceWebhook,
	}
}

func TestReconcileIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "fp", "10.00")
	notifier := &recordingNotifier{}
	m := NewMatcher(s, WithNotifier(notifier))
	ctx := context.Background()

	outcome, err := m.Reconcile(ctx, event("fp", "10.00"))
	if err != nil || outcome != models.OutcomeMatched {
		t.Fatalf("expected matched, got %s (%v)", outcome, err)
	}
	first, _ := s.GetByFingerprint(ctx, "fp")
	if first.Status != models.OrderStatusPaid || first.VerifiedAt == nil {
		t.Fatalf("expected paid order with verifiedAt, got %+v", first)
	}
	if first.ProofHash != "proof-fp" {
		t.Errorf("expected proof hash to be recorded, got %q", first.ProofHash)
	}

	outcome, err = m.Reconcile(ctx, event("fp", "10.00"))
	if err != nil || outcome != models.OutcomeAlreadySettled {
		t.Fatalf("expected already settled, got %s (%v)", outcome, err)
	}
	second, _ := s.GetByFingerprint(ctx, "fp")
	if !second.VerifiedAt.Equal(*first.VerifiedAt) {
		t.Errorf("verifiedAt changed from %s to %s", first.VerifiedAt, second.VerifiedAt)
	}

	m.Wait()
	if got := notifier.statuses(); len(got) != 1 || got[0] != models.OrderStatusPaid {
		t.Errorf("expected a single paid notification, got %v", got)
	}
}

func TestReconcileAmountTolerance(t *testing.T) {
	tests := []struct {
		name     string
		observed string
		currency string
		want     models.Outcome
	}{
		{"exact", "10.00", "", models.OutcomeMatched},
		{"half cent over", "10.005", "", models.OutcomeMatched},
		{"cent under", "9.99", "", models.OutcomeMatched},
		{"cent over", "10.01", "", models.OutcomeMatched},
		{"two cents over", "10.02", "", models.OutcomeAmountMismatch},
		{"far under", "9.50", "", models.OutcomeAmountMismatch},
		{"same currency lowercase", "10.00", "usd", models.OutcomeMatched},
		{"riel for dollar order", "10.00", "KHR", models.OutcomeAmountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			seedOrder(t, s, "fp", "10.00")
			m := NewMatcher(s)

			ev := event("fp", tt.observed)
			ev.Currency = tt.currency
			outcome, err := m.Reconcile(context.Background(), ev)
			if err != nil {
				t.Fatal(err)
			}
			if outcome != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, outcome)
			}

			order, _ := s.GetByFingerprint(context.Background(), "fp")
			if tt.want == models.OutcomeAmountMismatch && order.Status != models.OrderStatusPending {
				t.Errorf("mismatch must not change status, got %s", order.Status)
			}
		})
	}
}

func TestReconcileNotFoundIsNotAnError(t *testing.T) {
	m := NewMatcher(newTestStore(t))
	outcome, err := m.Reconcile(context.Background(), event("unknown", "1.00"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if outcome != models.OutcomeNotFound {
		t.Fatalf("expected not found, got %s", outcome)
	}
}

func TestReconcileHonoursExpiry(t *testing.T) {
	s := newTestStore(t)
	expires := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	_, _, err := s.Create(context.Background(), &models.PendingOrder{
		ID:             "order-exp",
		Fingerprint:    "exp",
		ExpectedAmount: decimal.RequireFromString("5.00"),
		ExpiresAt:      &expires,
	})
	if err != nil {
		t.Fatal(err)
	}
	m := NewMatcher(s)

	late := event("exp", "5.00")
	late.Timestamp = expires.Add(time.Minute)
	if outcome, _ := m.Reconcile(context.Background(), late); outcome != models.OutcomeExpired {
		t.Fatalf("expected expired, got %s", outcome)
	}

	onTime := event("exp", "5.00")
	onTime.Timestamp = expires.Add(-time.Minute)
	if outcome, _ := m.Reconcile(context.Background(), onTime); outcome != models.OutcomeMatched {
		t.Fatalf("expected matched, got %s", outcome)
	}
}

func TestReconcileConcurrentExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "race", "4.99")
	notifier := &recordingNotifier{}
	m := NewMatcher(s, WithNotifier(notifier))

	var wg sync.WaitGroup
	results := make(chan models.Outcome, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := event("race", "4.99")
			if i%2 == 0 {
				ev.Source = models.SourcePull
			}
			outcome, err := m.Reconcile(context.Background(), ev)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results <- outcome
		}(i)
	}
	wg.Wait()
	close(results)

	matched := 0
	for o := range results {
		switch o {
		case models.OutcomeMatched:
			matched++
		case models.OutcomeAlreadySettled:
		default:
			t.Errorf("unexpected outcome %s", o)
		}
	}
	if matched != 1 {
		t.Fatalf("expected exactly one match, got %d", matched)
	}
	m.Wait()
	if n := len(notifier.statuses()); n != 1 {
		t.Errorf("expected one notification, got %d", n)
	}
}

func TestReconcileNotifierFailureDoesNotBlock(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "fp", "1.00")
	m := NewMatcher(s, WithNotifier(&recordingNotifier{err: errors.New("telegram down")}))

	outcome, err := m.Reconcile(context.Background(), event("fp", "1.00"))
	if err != nil || outcome != models.OutcomeMatched {
		t.Fatalf("expected matched despite notifier failure, got %s (%v)", outcome, err)
	}
	m.Wait()
}

func TestReconcileGeneratedCode(t *testing.T) {
	enc, err := khqr.Generator{}.Generate(khqr.Request{
		Merchant:      khqr.Merchant{AccountID: "user@bank", Name: "Example Shop", City: "Phnom Penh"},
		Currency:      khqr.USD,
		Amount:        decimal.RequireFromString("4.99"),
		BillReference: "ORD-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t)
	_, _, err = s.Create(context.Background(), &models.PendingOrder{
		ID:             "order-1",
		Fingerprint:    enc.Fingerprint,
		ExpectedAmount: enc.Amount,
		Currency:       string(enc.Currency),
	})
	if err != nil {
		t.Fatal(err)
	}

	m := NewMatcher(s)
	outcome, err := m.Reconcile(context.Background(), event(enc.Fingerprint, "4.99"))
	if err != nil || outcome != models.OutcomeMatched {
		t.Fatalf("expected matched, got %s (%v)", outcome, err)
	}
	order, _ := s.GetByFingerprint(context.Background(), enc.Fingerprint)
	if order.Status != models.OrderStatusPaid {
		t.Errorf("expected paid, got %s", order.Status)
	}
}

type failingStore struct {
	store.OrderStore
}

func (failingStore) GetByFingerprint(context.Context, string) (*models.PendingOrder, error) {
	return nil, errors.New("connection refused")
}

func TestReconcileStoreErrorIsReturned(t *testing.T) {
	m := NewMatcher(failingStore{})
	if _, err := m.Reconcile(context.Background(), event("fp", "1.00")); err == nil {
		t.Fatal("expected store error to be returned")
	}
}

func TestNotifyNewTagsCheckout(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewMatcher(newTestStore(t), WithNotifier(notifier))
	m.NotifyNew(&models.PendingOrder{ID: "order-1", Fingerprint: "fp", Status: models.OrderStatusPending})
	m.Wait()

	if len(notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.sent))
	}
	if got := notifier.sent[0]; got.Source != models.SourceCheckout || got.Status != models.OrderStatusPending {
		t.Errorf("expected pending checkout notification, got %s from %s", got.Status, got.Source)
	}
}
