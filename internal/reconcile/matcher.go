// Package reconcile matches inbound payment notifications to pending orders
// and applies the resulting status transition exactly once.
//
// Three ingress paths feed the same Matcher: the network's webhook, the
// broker subscription, and active pull checks (admin or poller). Because
// delivery is at-least-once and the paths race each other, every write is a
// compare-and-set on the previous status performed by the store.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/metrics"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/patterns"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/store"
)

// DefaultTolerance absorbs rounding differences between the code amount and
// what the network reports.
var DefaultTolerance = decimal.New(1, -2)

const notifyTimeout = 10 * time.Second

// Notifier receives best-effort notifications after a transition.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Matcher evaluates reconciliation events against the order store.
type Matcher struct {
	store     store.OrderStore
	notifier  Notifier
	tolerance decimal.Decimal
	now       func() time.Time

	pending sync.WaitGroup
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithNotifier sets the collaborator told about transitions.
func WithNotifier(n Notifier) Option {
	return func(m *Matcher) { m.notifier = n }
}

// WithTolerance overrides the absolute amount tolerance.
func WithTolerance(t decimal.Decimal) Option {
	return func(m *Matcher) { m.tolerance = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// NewMatcher returns a Matcher over s.
func NewMatcher(s store.OrderStore, opts ...Option) *Matcher {
	m := &Matcher{
		store:     s,
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reconcile applies ev. NotFound, AmountMismatch, AlreadySettled and
// Expired are outcomes, not errors; only store failures return an error so a
// shared consumer loop can keep going past unrelated or bad events.
func (m *Matcher) Reconcile(ctx context.Context, ev models.ReconciliationEvent) (models.Outcome, error) {
	fields := log.Fields{
		"fingerprint":    ev.Fingerprint,
		"source":         ev.Source,
		"observed":       ev.ObservedAmount.String(),
		"source_account": ev.SourceAccount,
		"proof_hash":     ev.ProofHash,
	}

	outcome, order, err := m.evaluate(ctx, ev)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Reconciliation failed")
		return "", err
	}
	metrics.ReconcileOutcomes.WithLabelValues(string(ev.Source), string(outcome)).Inc()

	entry := log.WithFields(fields).WithField("outcome", outcome)
	if order != nil {
		entry = entry.WithFields(log.Fields{
			"order_id": order.ID,
			"expected": order.ExpectedAmount.String(),
			"status":   order.Status,
		})
	}

	switch outcome {
	case models.OutcomeMatched:
		entry.Info("Payment matched, order marked paid")
		f, _ := order.ExpectedAmount.Float64()
		metrics.PaymentAmount.WithLabelValues(order.Currency).Observe(f)
		m.dispatch(notificationFor(order, ev.Source, ev.SourceAccount))
	case models.OutcomeAmountMismatch:
		entry.Warn("Amount mismatch, order left pending for manual review")
	case models.OutcomeExpired:
		entry.Warn("Payment reported after code expiry, order left pending for manual review")
	case models.OutcomeNotFound:
		entry.Info("No order for notification")
	default:
		entry.Info("Duplicate notification for settled order")
	}
	return outcome, nil
}

func (m *Matcher) evaluate(ctx context.Context, ev models.ReconciliationEvent) (models.Outcome, *models.PendingOrder, error) {
	order, err := m.store.GetByFingerprint(ctx, ev.Fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return models.OutcomeNotFound, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	if order.Status.Settled() {
		return models.OutcomeAlreadySettled, order, nil
	}

	observedAt := ev.Timestamp
	if observedAt.IsZero() {
		observedAt = m.now()
	}
	if order.Expired(observedAt) {
		return models.OutcomeExpired, order, nil
	}

	if ev.Currency != "" && !strings.EqualFold(ev.Currency, order.Currency) {
		return models.OutcomeAmountMismatch, order, nil
	}
	if !m.withinTolerance(order.ExpectedAmount, ev.ObservedAmount) {
		return models.OutcomeAmountMismatch, order, nil
	}

	now := m.now().UTC()
	applied, err := m.store.CompareAndSetStatus(ctx, order.Fingerprint, models.OrderStatusPending, models.OrderStatusPaid,
		store.Transition{At: now, ProofHash: ev.ProofHash, MarkVerified: true})
	if err != nil {
		return "", order, err
	}
	if !applied {
		// another ingress path won the race
		return models.OutcomeAlreadySettled, order, nil
	}

	metrics.StatusTransitions.WithLabelValues(string(models.OrderStatusPending), string(models.OrderStatusPaid)).Inc()
	order.Status = models.OrderStatusPaid
	order.VerifiedAt = &now
	if ev.ProofHash != "" {
		order.ProofHash = ev.ProofHash
	}
	return models.OutcomeMatched, order, nil
}

func (m *Matcher) withinTolerance(expected, observed decimal.Decimal) bool {
	return expected.Sub(observed).Abs().LessThanOrEqual(m.tolerance)
}

// NotifyNew announces a freshly created order.
func (m *Matcher) NotifyNew(order *models.PendingOrder) {
	m.dispatch(notificationFor(order, models.SourceCheckout, ""))
}

// dispatch sends n without blocking the caller. Failures are logged only;
// the transition has already happened.
func (m *Matcher) dispatch(n models.Notification) {
	if m.notifier == nil {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := patterns.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, n); err != nil {
			log.WithFields(log.Fields{
				"order_id": n.OrderID,
				"status":   n.Status,
			}).WithError(err).Warn("Order notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (m *Matcher) Wait() {
	m.pending.Wait()
}

func notificationFor(o *models.PendingOrder, source models.EventSource, sourceAccount string) models.Notification {
	return models.Notification{
		OrderID:        o.ID,
		Fingerprint:    o.Fingerprint,
		CustomerHandle: o.CustomerHandle,
		Amount:         o.ExpectedAmount,
		Currency:       o.Currency,
		Items:          o.Items,
		Status:         o.Status,
		Source:         source,
		SourceAccount:  sourceAccount,
		ProofHash:      o.ProofHash,
	}
}
