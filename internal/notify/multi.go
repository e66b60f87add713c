package notify

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
)

// Multi fans a notification out to every notifier and joins their errors
type Multi []Notifier

// Notifier mirrors reconcile.Notifier
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Notify implements reconcile.Notifier
func (m Multi) Notify(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Operator builds the notifier set shared by the service and the CLI:
// Telegram when configured, plus order events on conn when it is non-nil.
func Operator(telegram *Telegram, conn *nats.Conn, prefix string) Multi {
	var m Multi
	if telegram != nil && telegram.Configured() {
		m = append(m, telegram)
	} else {
		log.Warn("Telegram not configured, operator notifications disabled")
	}
	if conn != nil {
		m = append(m, NewNATSPublisher(conn, prefix))
	}
	return m
}
