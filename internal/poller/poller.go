// Package poller runs a scoped background task that keeps pull-checking one
// order until it settles, its deadline passes or the caller cancels.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/bakong"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/metrics"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/reconcile"
)

// DefaultInterval matches the checkout page refresh of the storefront
const DefaultInterval = 5 * time.Second

// ErrDeadline is returned by Wait when the order was still pending at the
// deadline.
var ErrDeadline = errors.New("polling deadline reached")

// Checker performs a single pull check.
type Checker interface {
	Check(ctx context.Context, fingerprint string) (*reconcile.PullResult, error)
}

// Options configures a polling task
type Options struct {
	Interval time.Duration
	// Deadline is optional; the zero value polls until settled or cancelled.
	Deadline time.Time
}

// Handle controls a running task
type Handle struct {
	fingerprint string
	cancel      context.CancelFunc
	done        chan struct{}

	mu     sync.Mutex
	result *reconcile.PullResult
	err    error
}

// Start launches the polling task. The first check runs immediately. The
// task stops when ctx ends, so callers can scope it to a request or to the
// service lifetime.
func Start(ctx context.Context, c Checker, fingerprint string, opts Options) *Handle {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		fingerprint: fingerprint,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	metrics.ActivePollers.Inc()
	go h.run(ctx, c, opts)
	return h
}

func (h *Handle) run(ctx context.Context, c Checker, opts Options) {
	defer close(h.done)
	defer metrics.ActivePollers.Dec()

	var deadline <-chan time.Time
	if !opts.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(opts.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	entry := log.WithField("fingerprint", h.fingerprint)
	attempts := 0
	for {
		if ctx.Err() != nil {
			h.finish(nil, ctx.Err())
			return
		}
		if !opts.Deadline.IsZero() && !time.Now().Before(opts.Deadline) {
			h.finish(nil, ErrDeadline)
			return
		}

		attempts++
		res, err := c.Check(ctx, h.fingerprint)
		switch {
		case errors.Is(err, bakong.ErrNotConfigured):
			h.finish(res, err)
			return
		case err != nil && ctx.Err() == nil:
			entry.WithField("attempt", attempts).WithError(err).Warn("Payment check failed, retrying")
		case err == nil && res.Done():
			entry.WithFields(log.Fields{
				"attempt": attempts,
				"outcome": res.Outcome,
			}).Info("Polling finished")
			h.finish(res, nil)
			return
		}
		if res != nil {
			h.setLast(res)
		}

		select {
		case <-ctx.Done():
			h.finish(nil, ctx.Err())
			return
		case <-deadline:
			entry.WithField("attempt", attempts).Info("Polling deadline reached, order still pending")
			h.finish(nil, ErrDeadline)
			return
		case <-ticker.C:
		}
	}
}

func (h *Handle) setLast(res *reconcile.PullResult) {
	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
}

// finish records the final state. A nil res keeps the last observed result.
func (h *Handle) finish(res *reconcile.PullResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if res != nil {
		h.result = res
	}
	h.err = err
}

// Cancel stops the task and returns once no further check can fire.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

// Done is closed when the task has stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task stops and returns the last result and the
// reason it stopped: nil when settled, ErrDeadline, or a context error.
func (h *Handle) Wait() (*reconcile.PullResult, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}
