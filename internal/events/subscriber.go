// Package events connects the service to NATS: bank callbacks relayed
// through the broker are fed to the reconciler.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/patterns"
)

const handleTimeout = 10 * time.Second

// Reconciler is satisfied by *reconcile.Matcher
type Reconciler interface {
	Reconcile(ctx context.Context, ev models.ReconciliationEvent) (models.Outcome, error)
}

// Connect dials url with reconnect logging.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
}

// Subscriber consumes bank callbacks from a queue group so that several
// service instances share the stream.
type Subscriber struct {
	conn    *nats.Conn
	subject string
	queue   string
	rec     Reconciler
	now     func() time.Time
	sub     *nats.Subscription
}

// NewSubscriber creates a Subscriber. conn may be nil in tests that call
// Handle directly.
func NewSubscriber(conn *nats.Conn, subject, queue string, rec Reconciler) *Subscriber {
	return &Subscriber{
		conn:    conn,
		subject: subject,
		queue:   queue,
		rec:     rec,
		now:     time.Now,
	}
}

// Start subscribes. Messages are handled on the NATS dispatch goroutine.
func (s *Subscriber) Start() error {
	if s.conn == nil {
		return nats.ErrConnectionClosed
	}
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, s.Handle)
	if err != nil {
		return err
	}
	s.sub = sub
	log.WithFields(log.Fields{
		"subject": s.subject,
		"queue":   s.queue,
	}).Info("Subscribed to bank callbacks")
	return nil
}

// Stop drains in-flight messages and unsubscribes.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// Handle processes one message. Malformed payloads are logged and dropped
// so that one bad message never stops the subscription.
func (s *Subscriber) Handle(msg *nats.Msg) {
	var cb models.BankCallback
	if err := json.Unmarshal(msg.Data, &cb); err != nil {
		log.WithField("subject", msg.Subject).WithError(err).Warn("Dropping malformed callback")
		return
	}
	if cb.MD5 == "" {
		log.WithField("subject", msg.Subject).WithError(errors.New("missing md5")).Warn("Dropping malformed callback")
		return
	}

	ctx, cancel := patterns.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	ev := models.EventFromCallback(cb, models.SourceBroker, s.now())
	if _, err := s.rec.Reconcile(ctx, ev); err != nil {
		log.WithFields(log.Fields{
			"subject":     msg.Subject,
			"fingerprint": cb.MD5,
		}).WithError(err).Error("Failed to reconcile broker callback")
	}
}
