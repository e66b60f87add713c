package patterns

import (
	"context"
	"time"
)

// WithTimeout derives a context bounded by duration from parent
func WithTimeout(parent context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, duration)
}

// DefaultTimeout is the default timeout for outbound HTTP requests
const DefaultTimeout = 3 * time.Second

// SlowServiceTimeout is a longer timeout for the payment network lookup API
const SlowServiceTimeout = 10 * time.Second
