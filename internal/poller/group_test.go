package poller

import (
	"testing"
	"time"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/reconcile"
)

func TestGroupDeduplicatesAndStops(t *testing.T) {
	c := &scriptedChecker{results: []*reconcile.PullResult{pending()}, errs: []error{nil}}
	g := NewGroup(c, 2*time.Millisecond, time.Minute)

	g.Watch("fp", nil)
	g.Watch("fp", nil)
	if n := g.Running(); n != 1 {
		t.Fatalf("Expected one task per fingerprint, got %d", n)
	}

	g.Stop()
	before := c.count()
	time.Sleep(10 * time.Millisecond)
	if c.count() != before {
		t.Error("Checks continued after Stop")
	}

	g.Watch("other", nil)
	if g.Running() > 1 {
		t.Error("Watch after Stop must not start new tasks")
	}
}

func TestGroupUsesOrderExpiry(t *testing.T) {
	c := &scriptedChecker{results: []*reconcile.PullResult{pending()}, errs: []error{nil}}
	g := NewGroup(c, 2*time.Millisecond, time.Hour)
	defer g.Stop()

	expires := time.Now().Add(20 * time.Millisecond)
	g.Watch("fp", &expires)

	deadline := time.Now().Add(2 * time.Second)
	for g.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected task to stop at the order expiry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGroupRemovesSettledTasks(t *testing.T) {
	c := &scriptedChecker{results: []*reconcile.PullResult{paid()}, errs: []error{nil}}
	g := NewGroup(c, time.Millisecond, time.Minute)
	defer g.Stop()

	g.Watch("fp", nil)
	deadline := time.Now().Add(2 * time.Second)
	for g.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected settled task to be removed")
		}
		time.Sleep(time.Millisecond)
	}
}
