package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/metrics"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
)

// Publisher is the part of *nats.Conn the publisher needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher emits order events as JSON on "<prefix>.<status>"
type NATSPublisher struct {
	conn   Publisher
	prefix string
}

// NewNATSPublisher creates a publisher. prefix defaults to "order".
func NewNATSPublisher(conn Publisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "order"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject used for status
func (p *NATSPublisher) Subject(status models.OrderStatus) string {
	return p.prefix + "." + string(status)
}

// Notify implements reconcile.Notifier
func (p *NATSPublisher) Notify(_ context.Context, n models.Notification) error {
	if p.conn == nil {
		return nats.ErrConnectionClosed
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(n.Status), data); err != nil {
		metrics.NotificationFailures.WithLabelValues("nats").Inc()
		return err
	}
	return nil
}
