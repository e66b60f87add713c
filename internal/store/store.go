// Package store persists pending orders and performs the single conditional
// status transition the reconciler relies on. Every implementation enforces
// the compare-and-set inside the store itself so that concurrent processes
// racing on the same fingerprint cannot both win.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
)

// ErrNotFound is returned when no order has the requested fingerprint.
var ErrNotFound = errors.New("order not found")

// Transition describes the side data written alongside a status change.
type Transition struct {
	At        time.Time
	ProofHash string
	// MarkVerified stamps verified_at with At.
	MarkVerified bool
}

// OrderStore is the persistence contract used by the reconciler and the API.
type OrderStore interface {
	// Create inserts order unless one with the same fingerprint exists, in
	// which case the stored order is returned with created=false.
	Create(ctx context.Context, order *models.PendingOrder) (*models.PendingOrder, bool, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.PendingOrder, error)
	// List returns orders with status, or all orders when status is empty.
	List(ctx context.Context, status models.OrderStatus) ([]models.PendingOrder, error)
	// CompareAndSetStatus moves the order from -> to atomically. It returns
	// false without error when the order is no longer in from.
	CompareAndSetStatus(ctx context.Context, fingerprint string, from, to models.OrderStatus, t Transition) (bool, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Driver is one of "sqlite3", "mysql" or "bolt".
	Driver string
	DSN    string
}

// Open returns the backend named by cfg.Driver.
func Open(cfg Config) (OrderStore, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverMySQL:
		return NewSQLStore(cfg.Driver, cfg.DSN)
	case DriverBolt:
		return NewBoltStore(cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
	DriverBolt   = "bolt"
)

func prepareNew(order *models.PendingOrder, now time.Time) {
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	order.CreatedAt = now
	order.UpdatedAt = now
}

func applyTransition(order *models.PendingOrder, to models.OrderStatus, t Transition) {
	order.Status = to
	order.UpdatedAt = t.At
	if t.MarkVerified {
		at := t.At
		order.VerifiedAt = &at
	}
	if t.ProofHash != "" {
		order.ProofHash = t.ProofHash
	}
}
