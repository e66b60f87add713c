package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
)

const ordersBucket = "orders"

// BoltStore keeps orders in an embedded BoltDB file keyed by fingerprint.
// Bolt allows a single read-write transaction at a time, which is what makes
// the compare-and-set below atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ordersBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create implements OrderStore.
func (s *BoltStore) Create(_ context.Context, order *models.PendingOrder) (*models.PendingOrder, bool, error) {
	var result models.PendingOrder
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ordersBucket))

		if existing := b.Get([]byte(order.Fingerprint)); existing != nil {
			return json.Unmarshal(existing, &result)
		}

		o := *order
		prepareNew(&o, time.Now().UTC())
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}

		result = o
		created = true
		return b.Put([]byte(o.Fingerprint), data)
	})
	if err != nil {
		return nil, false, err
	}

	return &result, created, nil
}

// GetByFingerprint implements OrderStore.
func (s *BoltStore) GetByFingerprint(_ context.Context, fingerprint string) (*models.PendingOrder, error) {
	var o models.PendingOrder

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(ordersBucket)).Get([]byte(fingerprint))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &o)
	})
	if err != nil {
		return nil, err
	}

	return &o, nil
}

// List implements OrderStore.
func (s *BoltStore) List(_ context.Context, status models.OrderStatus) ([]models.PendingOrder, error) {
	orders := []models.PendingOrder{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ordersBucket)).ForEach(func(_, v []byte) error {
			var o models.PendingOrder
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if status == "" || o.Status == status {
				orders = append(orders, o)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// CompareAndSetStatus implements OrderStore inside one read-write
// transaction.
func (s *BoltStore) CompareAndSetStatus(_ context.Context, fingerprint string, from, to models.OrderStatus, t Transition) (bool, error) {
	applied := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ordersBucket))
		v := b.Get([]byte(fingerprint))
		if v == nil {
			return nil
		}

		var o models.PendingOrder
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}
		if o.Status != from {
			return nil
		}

		t.At = t.At.UTC()
		applyTransition(&o, to, t)
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}

		applied = true
		return b.Put([]byte(fingerprint), data)
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}
