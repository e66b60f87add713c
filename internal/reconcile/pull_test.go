package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
)

type stubLookup struct {
	tx    *models.BankTransaction
	err   error
	calls int
}

func (s *stubLookup) CheckByMD5(context.Context, string) (*models.BankTransaction, error) {
	s.calls++
	return s.tx, s.err
}

func TestPullCheckSettles(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "fp", "4.99")
	lookup := &stubLookup{tx: &models.BankTransaction{
		Hash:          "h1",
		FromAccountID: "payer@aba",
		Amount:        decimal.RequireFromString("4.99"),
	}}
	p := &PullChecker{Matcher: NewMatcher(s), Lookup: lookup}

	res, err := p.Check(context.Background(), "fp")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != models.OutcomeMatched || res.Order.Status != models.OrderStatusPaid || !res.Done() {
		t.Fatalf("Unexpected result %+v", res)
	}
	if res.Order.ProofHash != "h1" {
		t.Errorf("Expected proof hash h1, got %q", res.Order.ProofHash)
	}

	res, _ = p.Check(context.Background(), "fp")
	if res.Outcome != models.OutcomeAlreadySettled {
		t.Errorf("Expected already settled, got %s", res.Outcome)
	}
	if lookup.calls != 1 {
		t.Errorf("Settled order must not hit the network again, got %d calls", lookup.calls)
	}
}

func TestPullCheckPending(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "fp", "4.99")
	p := &PullChecker{Matcher: NewMatcher(s), Lookup: &stubLookup{}}

	res, err := p.Check(context.Background(), "fp")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != "" || res.Done() || res.Order.Status != models.OrderStatusPending {
		t.Errorf("Expected pending result, got %+v", res)
	}
}

func TestPullCheckLookupError(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "fp", "4.99")
	boom := errors.New("timeout")
	p := &PullChecker{Matcher: NewMatcher(s), Lookup: &stubLookup{err: boom}}

	res, err := p.Check(context.Background(), "fp")
	if !errors.Is(err, boom) {
		t.Fatalf("Expected lookup error, got %v", err)
	}
	if res == nil || res.Order == nil || res.Order.Status != models.OrderStatusPending {
		t.Errorf("Expected the pending order alongside the error, got %+v", res)
	}
}

func TestPullCheckUnknownOrder(t *testing.T) {
	lookup := &stubLookup{}
	p := &PullChecker{Matcher: NewMatcher(newTestStore(t)), Lookup: lookup}

	res, err := p.Check(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != models.OutcomeNotFound || !res.Done() {
		t.Errorf("Expected not found, got %+v", res)
	}
	if lookup.calls != 0 {
		t.Error("Unknown order must not hit the network")
	}
}
