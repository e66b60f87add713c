package reconcile

import (
	"context"
	"errors"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/store"
)

// Lookup finds the settled network transaction for a fingerprint. It
// returns nil, nil while nothing has been paid.
type Lookup interface {
	CheckByMD5(ctx context.Context, fingerprint string) (*models.BankTransaction, error)
}

// PullResult is the order after a pull check. Outcome is empty when the
// network had nothing to report.
type PullResult struct {
	Order   *models.PendingOrder
	Outcome models.Outcome
}

// Done reports whether further checks for this order are pointless.
func (r *PullResult) Done() bool {
	if r.Outcome.Terminal() || r.Outcome == models.OutcomeNotFound {
		return true
	}
	return r.Order != nil && r.Order.Status.Settled()
}

// PullChecker asks the network about an order and feeds any settled
// transaction through the Matcher like any other ingress.
type PullChecker struct {
	Matcher *Matcher
	Lookup  Lookup
}

// Check runs one pull check for fingerprint. Settled orders are answered
// from the store without calling the network.
func (p *PullChecker) Check(ctx context.Context, fingerprint string) (*PullResult, error) {
	order, err := p.Matcher.Status(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return &PullResult{Outcome: models.OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if order.Status.Settled() {
		return &PullResult{Order: order, Outcome: models.OutcomeAlreadySettled}, nil
	}

	tx, err := p.Lookup.CheckByMD5(ctx, fingerprint)
	if err != nil {
		return &PullResult{Order: order}, err
	}
	if tx == nil {
		return &PullResult{Order: order}, nil
	}

	outcome, err := p.Matcher.Reconcile(ctx, models.EventFromTransaction(fingerprint, *tx, p.Matcher.now()))
	if err != nil {
		return &PullResult{Order: order}, err
	}
	if updated, err := p.Matcher.Status(ctx, fingerprint); err == nil {
		order = updated
	}
	return &PullResult{Order: order, Outcome: outcome}, nil
}
