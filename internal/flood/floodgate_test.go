package flood

import (
	"testing"
	"time"
)

func TestGateAllowsWithinBudget(t *testing.T) {
	g := New(3)
	defer g.Stop()

	for i := 0; i < 3; i++ {
		if !g.Allow("alice") {
			t.Errorf("command %d should be allowed", i+1)
		}
	}
	if g.Allow("alice") {
		t.Error("4th command should be blocked")
	}
}

func TestGatePerLoginBudgets(t *testing.T) {
	g := New(1)
	defer g.Stop()

	if !g.Allow("alice") {
		t.Error("alice's first command should be allowed")
	}
	if !g.Allow("bob") {
		t.Error("bob's budget is separate from alice's")
	}
	if g.Allow("alice") {
		t.Error("alice's second command should be blocked")
	}
}

func TestGateNormalizesLoginCase(t *testing.T) {
	g := New(1)
	defer g.Stop()

	if !g.Allow("Alice") {
		t.Error("first command should be allowed")
	}
	if g.Allow("alice") {
		t.Error("case variation must not reset the budget")
	}
}

func TestGateSlidingWindowExpiry(t *testing.T) {
	g := New(2)
	defer g.Stop()

	g.Allow("alice")
	g.Allow("alice")
	if g.Allow("alice") {
		t.Error("third command should be blocked")
	}

	// backdate the recorded timestamps past the window
	g.mu.Lock()
	entry := g.entries["alice"]
	past := time.Now().Add(-61 * time.Second)
	for i := range entry.timestamps {
		entry.timestamps[i] = past
	}
	g.mu.Unlock()

	if !g.Allow("alice") {
		t.Error("command after the window slid should be allowed")
	}
}

func TestGatePurgesIdleEntries(t *testing.T) {
	g := New(2)
	defer g.Stop()

	g.Allow("alice")

	g.mu.Lock()
	g.entries["alice"].lastSeen = time.Now().Add(-idleTimeout - time.Minute)
	g.mu.Unlock()

	g.purgeIdle()

	if got := g.ActiveLogins(); got != 0 {
		t.Errorf("active logins = %d, want 0 after purge", got)
	}
}
