package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderItem represents a line in an order
type OrderItem struct {
	ProductID string          `json:"product_id,omitempty"`
	Name      string          `json:"name" binding:"required"`
	App       string          `json:"app,omitempty"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderStatus is the payment state of an order
type OrderStatus string

// OrderStatus constants
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Settled reports whether the order has left the pending state.
func (s OrderStatus) Settled() bool {
	return s == OrderStatusPaid || s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	return s == OrderStatusPending || s.Settled()
}

// PendingOrder is the order record the reconciler matches notifications
// against. Fingerprint is the MD5 of the payment code shown at checkout.
type PendingOrder struct {
	ID             string          `json:"id"`
	Fingerprint    string          `json:"fingerprint"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Currency       string          `json:"currency"`
	BillReference  string          `json:"bill_reference,omitempty"`
	CustomerHandle string          `json:"customer_handle,omitempty"`
	Items          []OrderItem     `json:"items,omitempty"`
	Status         OrderStatus     `json:"status"`
	ProofHash      string          `json:"proof_hash,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	VerifiedAt     *time.Time      `json:"verified_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Expired reports whether at is past the order's expiry.
func (o *PendingOrder) Expired(at time.Time) bool {
	return o.ExpiresAt != nil && at.After(*o.ExpiresAt)
}
