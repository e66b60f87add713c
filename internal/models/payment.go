package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BankCallback is the JSON body the payment network posts to the webhook
// and publishes on the broker.
type BankCallback struct {
	MD5           string          `json:"md5" binding:"required"`
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Hash          string          `json:"hash"`
	Time          string          `json:"time"`
}

// BankTransaction is a settled transfer returned by the lookup API
type BankTransaction struct {
	Hash          string          `json:"hash"`
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
	CreatedDateMs int64           `json:"createdDateMs,omitempty"`
}

// EventSource identifies the ingress path of a reconciliation event
type EventSource string

// EventSource constants
const (
	SourceWebhook  EventSource = "webhook"
	SourceBroker   EventSource = "broker"
	SourcePull     EventSource = "pull"
	SourceAdmin    EventSource = "admin"
	SourceCheckout EventSource = "checkout"
)

// ReconciliationEvent is one inbound payment notification
type ReconciliationEvent struct {
	Fingerprint    string          `json:"fingerprint"`
	ObservedAmount decimal.Decimal `json:"observed_amount"`
	Currency       string          `json:"currency,omitempty"`
	SourceAccount  string          `json:"source_account,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ProofHash      string          `json:"proof_hash,omitempty"`
	Source         EventSource     `json:"source"`
}

// Outcome is the result of evaluating an event against an order
type Outcome string

// Outcome constants
const (
	OutcomeMatched        Outcome = "matched"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeAlreadySettled Outcome = "already_settled"
	OutcomeExpired        Outcome = "expired"
)

// Terminal reports whether polling can stop after this outcome.
func (o Outcome) Terminal() bool {
	return o == OutcomeMatched || o == OutcomeAlreadySettled || o == OutcomeExpired
}

// EventFromCallback converts a pushed callback. Unparseable or missing
// times fall back to receivedAt.
func EventFromCallback(cb BankCallback, source EventSource, receivedAt time.Time) ReconciliationEvent {
	ts := receivedAt
	if cb.Time != "" {
		if parsed, ok := parseCallbackTime(cb.Time); ok {
			ts = parsed
		}
	}
	return ReconciliationEvent{
		Fingerprint:    cb.MD5,
		ObservedAmount: cb.Amount,
		Currency:       cb.Currency,
		SourceAccount:  cb.FromAccountID,
		Timestamp:      ts,
		ProofHash:      cb.Hash,
		Source:         source,
	}
}

// EventFromTransaction converts a pulled transaction for fingerprint.
func EventFromTransaction(fingerprint string, tx BankTransaction, receivedAt time.Time) ReconciliationEvent {
	ts := receivedAt
	if tx.CreatedDateMs > 0 {
		ts = time.UnixMilli(tx.CreatedDateMs)
	}
	return ReconciliationEvent{
		Fingerprint:    fingerprint,
		ObservedAmount: tx.Amount,
		Currency:       tx.Currency,
		SourceAccount:  tx.FromAccountID,
		Timestamp:      ts,
		ProofHash:      tx.Hash,
		Source:         SourcePull,
	}
}

func parseCallbackTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Notification is what the reconciler hands to notifiers after a transition
type Notification struct {
	OrderID        string          `json:"order_id"`
	Fingerprint    string          `json:"fingerprint"`
	CustomerHandle string          `json:"customer_handle,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	Items          []OrderItem     `json:"items,omitempty"`
	Status         OrderStatus     `json:"status"`
	Source         EventSource     `json:"source"`
	SourceAccount  string          `json:"source_account,omitempty"`
	ProofHash      string          `json:"proof_hash,omitempty"`
}
