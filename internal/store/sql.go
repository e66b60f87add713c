package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
)

var schemas = map[string]string{
	DriverSQLite: `CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL UNIQUE,
			expected_amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			bill_reference TEXT NOT NULL DEFAULT '',
			customer_handle TEXT NOT NULL DEFAULT '',
			items TEXT,
			status TEXT NOT NULL,
			proof_hash TEXT NOT NULL DEFAULT '',
			expires_at DATETIME,
			verified_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	DriverMySQL: `CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			fingerprint VARCHAR(64) NOT NULL,
			expected_amount DECIMAL(18,2) NOT NULL,
			currency VARCHAR(8) NOT NULL,
			bill_reference VARCHAR(99) NOT NULL DEFAULT '',
			customer_handle VARCHAR(255) NOT NULL DEFAULT '',
			items JSON,
			status VARCHAR(20) NOT NULL,
			proof_hash VARCHAR(255) NOT NULL DEFAULT '',
			expires_at DATETIME(6) NULL,
			verified_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY unique_fingerprint (fingerprint)
		)`,
}

const orderColumns = `id, fingerprint, expected_amount, currency, bill_reference, customer_handle,
	items, status, proof_hash, expires_at, verified_at, created_at, updated_at`

// SQLStore is an OrderStore on database/sql. Both supported dialects use
// "?" placeholders so the queries are shared.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens dsn with driver and creates the orders table.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	schema, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	switch driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		dsn = cfg.FormatDSN()
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite {
		// one writer at a time; sqlite serialises writes anyway
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Create implements OrderStore.
func (s *SQLStore) Create(ctx context.Context, order *models.PendingOrder) (*models.PendingOrder, bool, error) {
	existing, err := s.GetByFingerprint(ctx, order.Fingerprint)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	o := *order
	prepareNew(&o, time.Now().UTC())
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, false, err
	}

	query := `INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, o.ID, o.Fingerprint, o.ExpectedAmount, o.Currency,
		o.BillReference, o.CustomerHandle, string(items), string(o.Status), o.ProofHash,
		nullTime(o.ExpiresAt), nullTime(o.VerifiedAt), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		// lost an insert race on the unique fingerprint
		if existing, getErr := s.GetByFingerprint(ctx, order.Fingerprint); getErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert order: %w", err)
	}
	return &o, true, nil
}

// GetByFingerprint implements OrderStore.
func (s *SQLStore) GetByFingerprint(ctx context.Context, fingerprint string) (*models.PendingOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE fingerprint = ?`, fingerprint)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// List implements OrderStore.
func (s *SQLStore) List(ctx context.Context, status models.OrderStatus) ([]models.PendingOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.PendingOrder{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// CompareAndSetStatus implements OrderStore with a single conditional
// UPDATE; the affected row count decides which caller won.
func (s *SQLStore) CompareAndSetStatus(ctx context.Context, fingerprint string, from, to models.OrderStatus, t Transition) (bool, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), t.At.UTC()}
	if t.MarkVerified {
		sets = append(sets, "verified_at = ?")
		args = append(args, t.At.UTC())
	}
	if t.ProofHash != "" {
		sets = append(sets, "proof_hash = ?")
		args = append(args, t.ProofHash)
	}
	args = append(args, fingerprint, string(from))

	query := `UPDATE orders SET ` + strings.Join(sets, ", ") + ` WHERE fingerprint = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	log.WithFields(log.Fields{
		"fingerprint": fingerprint,
		"from":        from,
		"to":          to,
		"applied":     n == 1,
	}).Debug("Order status compare-and-set")

	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.PendingOrder, error) {
	var (
		o                     models.PendingOrder
		status                string
		items                 sql.NullString
		expiresAt, verifiedAt sql.NullTime
	)
	err := row.Scan(&o.ID, &o.Fingerprint, &o.ExpectedAmount, &o.Currency, &o.BillReference,
		&o.CustomerHandle, &items, &status, &o.ProofHash, &expiresAt, &verifiedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	if items.Valid && items.String != "" && items.String != "null" {
		if err := json.Unmarshal([]byte(items.String), &o.Items); err != nil {
			return nil, fmt.Errorf("failed to decode items: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		o.ExpiresAt = &t
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		o.VerifiedAt = &t
	}
	return &o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
