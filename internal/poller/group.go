package poller

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Group owns the polling tasks started by the service, at most one per
// fingerprint, and stops them all on shutdown.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	checker Checker
	opts    Options
	maxLife time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewGroup creates a Group. maxLife bounds every task when the order itself
// has no expiry.
func NewGroup(c Checker, interval, maxLife time.Duration) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		ctx:     ctx,
		cancel:  cancel,
		checker: c,
		opts:    Options{Interval: interval},
		maxLife: maxLife,
		handles: make(map[string]*Handle),
	}
}

// Watch starts polling fingerprint until expiresAt (or maxLife, whichever
// comes first). A second Watch for a running fingerprint is a no-op.
func (g *Group) Watch(fingerprint string, expiresAt *time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return
	}
	if _, running := g.handles[fingerprint]; running {
		return
	}

	opts := g.opts
	if g.maxLife > 0 {
		opts.Deadline = time.Now().Add(g.maxLife)
	}
	if expiresAt != nil && (opts.Deadline.IsZero() || expiresAt.Before(opts.Deadline)) {
		opts.Deadline = *expiresAt
	}

	h := Start(g.ctx, g.checker, fingerprint, opts)
	g.handles[fingerprint] = h

	go func() {
		res, err := h.Wait()
		g.mu.Lock()
		delete(g.handles, fingerprint)
		g.mu.Unlock()

		entry := log.WithField("fingerprint", fingerprint)
		if res != nil && res.Order != nil {
			entry = entry.WithField("status", res.Order.Status)
		}
		if err != nil {
			entry.WithError(err).Debug("Payment poller stopped")
		}
	}()
}

// Running returns the number of live tasks
func (g *Group) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// Stop cancels every task and waits for them to exit.
func (g *Group) Stop() {
	g.cancel()
	g.mu.Lock()
	handles := make([]*Handle, 0, len(g.handles))
	for _, h := range g.handles {
		handles = append(handles, h)
	}
	g.mu.Unlock()
	for _, h := range handles {
		<-h.Done()
	}
}
