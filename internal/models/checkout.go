package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckoutRequest represents a request to issue a payment code for a new order
type CheckoutRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	BillReference  string          `json:"bill_reference,omitempty"`
	CustomerHandle string          `json:"customer_handle" binding:"required"`
	Items          []OrderItem     `json:"items" binding:"required,min=1,dive"`
}

// CheckoutResponse represents the issued code and the order it was bound to
type CheckoutResponse struct {
	OrderID       string          `json:"order_id"`
	Code          string          `json:"code"`
	Fingerprint   string          `json:"fingerprint"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	BillReference string          `json:"bill_reference"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// CheckPaymentResponse represents the result of a pull check
type CheckPaymentResponse struct {
	Status     OrderStatus `json:"status"`
	Verified   bool        `json:"verified"`
	Outcome    Outcome     `json:"outcome,omitempty"`
	VerifiedAt *time.Time  `json:"verified_at,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// WebhookResponse represents the acknowledgement returned to the network
type WebhookResponse struct {
	Success bool    `json:"success"`
	Outcome Outcome `json:"outcome"`
	OrderID string  `json:"order_id,omitempty"`
	Message string  `json:"message,omitempty"`
}

// AdminActionResponse represents the result of a manual status change
type AdminActionResponse struct {
	Outcome Outcome     `json:"outcome"`
	Status  OrderStatus `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
}
