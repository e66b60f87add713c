package reconcile

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/metrics"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/store"
)

// Confirm marks a pending order paid on an operator's word, without amount
// evidence.
func (m *Matcher) Confirm(ctx context.Context, fingerprint, actor string) (models.Outcome, error) {
	return m.transition(ctx, fingerprint, actor, models.OrderStatusPending, models.OrderStatusPaid)
}

// Cancel moves a pending order to cancelled.
func (m *Matcher) Cancel(ctx context.Context, fingerprint, actor string) (models.Outcome, error) {
	return m.transition(ctx, fingerprint, actor, models.OrderStatusPending, models.OrderStatusCancelled)
}

// Complete marks a paid order delivered.
func (m *Matcher) Complete(ctx context.Context, fingerprint, actor string) (models.Outcome, error) {
	return m.transition(ctx, fingerprint, actor, models.OrderStatusPaid, models.OrderStatusCompleted)
}

func (m *Matcher) transition(ctx context.Context, fingerprint, actor string, from, to models.OrderStatus) (models.Outcome, error) {
	order, err := m.store.GetByFingerprint(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return models.OutcomeNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if order.Status != from {
		return models.OutcomeAlreadySettled, nil
	}

	now := m.now().UTC()
	applied, err := m.store.CompareAndSetStatus(ctx, fingerprint, from, to,
		store.Transition{At: now, MarkVerified: to == models.OrderStatusPaid})
	if err != nil {
		return "", err
	}
	if !applied {
		return models.OutcomeAlreadySettled, nil
	}

	metrics.StatusTransitions.WithLabelValues(string(from), string(to)).Inc()
	metrics.ReconcileOutcomes.WithLabelValues(string(models.SourceAdmin), string(models.OutcomeMatched)).Inc()
	log.WithFields(log.Fields{
		"order_id":    order.ID,
		"fingerprint": fingerprint,
		"from":        from,
		"to":          to,
		"actor":       actor,
	}).Info("Order status changed by operator")

	order.Status = to
	order.UpdatedAt = now
	if to == models.OrderStatusPaid {
		order.VerifiedAt = &now
	}
	m.dispatch(notificationFor(order, models.SourceAdmin, ""))
	return models.OutcomeMatched, nil
}

// Status returns the current order, for status endpoints and pollers.
func (m *Matcher) Status(ctx context.Context, fingerprint string) (*models.PendingOrder, error) {
	return m.store.GetByFingerprint(ctx, fingerprint)
}
