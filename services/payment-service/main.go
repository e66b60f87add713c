package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/api"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/bakong"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/config"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/events"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/khqr"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/notify"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/poller"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/reconcile"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/store"
)

const serviceName = "payment-service"

func init() {
	// Initialize logger
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	config.SetupLogging(cfg.Service.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config: ", err)
	}
	tolerance, _ := cfg.Payment.Tolerance()
	currency, _ := khqr.ParseCurrency(cfg.Merchant.Currency)

	orders, err := store.Open(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		log.Fatal("Failed to open order store: ", err)
	}
	defer orders.Close()

	var conn *nats.Conn
	if cfg.NATS.URL != "" {
		conn, err = events.Connect(cfg.NATS.URL, serviceName)
		if err != nil {
			log.Fatal("Failed to connect to NATS: ", err)
		}
		defer conn.Close()
	}

	telegram := notify.NewTelegram(notify.TelegramConfig{
		APIBase:  cfg.Telegram.APIBase,
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
	})
	notifiers := notify.Operator(telegram, conn, cfg.NATS.EventPrefix)

	matcher := reconcile.NewMatcher(orders,
		reconcile.WithNotifier(notifiers),
		reconcile.WithTolerance(tolerance),
	)

	lookup := bakong.NewClient(bakong.Config{
		BaseURL: cfg.Bakong.BaseURL,
		Token:   cfg.Bakong.Token,
		Timeout: cfg.Bakong.Timeout,
	})
	checker := &reconcile.PullChecker{Matcher: matcher, Lookup: lookup}

	var watcher api.Watcher
	var pollers *poller.Group
	if lookup.Configured() {
		pollers = poller.NewGroup(checker, cfg.Payment.PollInterval, cfg.Payment.PollMaxDuration)
		watcher = pollers
	} else {
		log.Warn("BAKONG_TOKEN not configured, skipping background payment checks")
	}

	var subscriber *events.Subscriber
	if conn != nil {
		subscriber = events.NewSubscriber(conn, cfg.NATS.CallbackSubject, cfg.NATS.QueueGroup, matcher)
		if err := subscriber.Start(); err != nil {
			log.Fatal("Failed to subscribe to bank callbacks: ", err)
		}
	}

	if cfg.Webhook.Secret == "" {
		log.Warn("WEBHOOK_SECRET not set, webhook accepts unauthenticated callbacks")
	}

	handler := api.NewHandler(api.Options{
		Store:         orders,
		Matcher:       matcher,
		Checker:       checker,
		Watcher:       watcher,
		Merchant:      cfg.Merchant.KHQRMerchant(),
		Currency:      currency,
		CodeTTL:       cfg.Payment.CodeTTL,
		WebhookSecret: cfg.Webhook.Secret,
		AdminToken:    cfg.Admin.Token,
		Circuits: map[string]api.Circuit{
			"bakong":   lookup,
			"telegram": telegram,
		},
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Service.Port,
		Handler: api.NewRouter(handler, serviceName),
	}

	go func() {
		log.WithFields(log.Fields{
			"port":          cfg.Service.Port,
			"store":         cfg.Store.Driver,
			"merchant":      cfg.Merchant.AccountID,
			"nats":          conn != nil,
			"bakong_lookup": lookup.Configured(),
		}).Info("Payment Service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP shutdown failed")
	}
	if subscriber != nil {
		if err := subscriber.Stop(); err != nil {
			log.WithError(err).Warn("Failed to drain NATS subscription")
		}
	}
	if pollers != nil {
		pollers.Stop()
	}
	matcher.Wait()
}
