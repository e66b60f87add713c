package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/bakong"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/config"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/events"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/khqr"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/notify"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/poller"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/reconcile"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/store"
)

// newNotifier builds the same operator notifiers as the payment service.
func newNotifier(cfg *config.Config) (notify.Multi, func(), error) {
	var conn *nats.Conn
	if cfg.NATS.URL != "" {
		var err error
		conn, err = events.Connect(cfg.NATS.URL, "khqrctl")
		if err != nil {
			return nil, nil, err
		}
	}
	telegram := notify.NewTelegram(notify.TelegramConfig{
		APIBase:  cfg.Telegram.APIBase,
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
	})
	closer := func() {
		if conn != nil {
			conn.Close()
		}
	}
	return notify.Operator(telegram, conn, cfg.NATS.EventPrefix), closer, nil
}

// fingerprintArg accepts either a fingerprint or a full payment code.
func fingerprintArg(arg string) string {
	if len(arg) == 32 {
		return arg
	}
	return khqr.Fingerprint(arg)
}

func newLookup(cfg *config.Config) *bakong.Client {
	return bakong.NewClient(bakong.Config{
		BaseURL: cfg.Bakong.BaseURL,
		Token:   cfg.Bakong.Token,
		Timeout: cfg.Bakong.Timeout,
	})
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <fingerprint|code>",
		Short: "Ask the payment network whether a code has been paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fp := fingerprintArg(args[0])

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Bakong.Timeout+time.Second)
			defer cancel()
			tx, err := newLookup(cfg).CheckByMD5(ctx, fp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if tx == nil {
				fmt.Fprintf(out, "%s: not paid\n", fp)
				return nil
			}
			je := json.NewEncoder(out)
			je.SetIndent("", "  ")
			return je.Encode(tx)
		},
	}
}

func newPollCmd() *cobra.Command {
	var (
		interval time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "poll <fingerprint|code>",
		Short: "Poll the network for a stored order and reconcile it when paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tolerance, err := cfg.Payment.Tolerance()
			if err != nil {
				return err
			}
			orders, err := store.Open(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
			if err != nil {
				return err
			}
			defer orders.Close()

			notifiers, closeNotifiers, err := newNotifier(cfg)
			if err != nil {
				return err
			}
			defer closeNotifiers()

			matcher := reconcile.NewMatcher(orders,
				reconcile.WithNotifier(notifiers),
				reconcile.WithTolerance(tolerance),
			)
			defer matcher.Wait()
			checker := &reconcile.PullChecker{Matcher: matcher, Lookup: newLookup(cfg)}

			if interval <= 0 {
				interval = cfg.Payment.PollInterval
			}
			h := poller.Start(cmd.Context(), checker, fingerprintArg(args[0]), poller.Options{
				Interval: interval,
				Deadline: time.Now().Add(timeout),
			})
			res, err := h.Wait()

			out := cmd.OutOrStdout()
			if res != nil && res.Order != nil {
				fmt.Fprintf(out, "order %s: %s", res.Order.ID, res.Order.Status)
				if res.Outcome != "" {
					fmt.Fprintf(out, " (%s)", res.Outcome)
				}
				fmt.Fprintln(out)
			} else if res != nil {
				fmt.Fprintf(out, "%s\n", res.Outcome)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}
