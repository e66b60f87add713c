package patterns

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerTripsAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test-trip", "test")
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: expected downstream error, got %v", i, err)
		}
	}

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if cb.GetStateValue() != 1 || cb.GetState() != "open" {
		t.Errorf("Expected open state, got %s", cb.GetState())
	}
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("test-cancel", "test")
	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) { return nil, context.Canceled })
	}
	if cb.GetStateValue() != 0 {
		t.Errorf("Expected closed state, got %s", cb.GetState())
	}
}

func TestBulkheadRejectsWhenFull(t *testing.T) {
	b := NewBulkhead(1, "test", "test")
	b.wait = 20 * time.Millisecond

	release := make(chan struct{})
	started := make(chan struct{})
	go b.Execute(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	err := b.Execute(context.Background(), func() error { return nil })
	close(release)
	if err == nil {
		t.Fatal("Expected rejection while the bulkhead is full")
	}
}

func TestBulkheadHonoursContext(t *testing.T) {
	b := NewBulkhead(0, "test-ctx", "test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Execute(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
