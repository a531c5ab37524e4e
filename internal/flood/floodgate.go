// Package flood rate-limits public chat commands per user.
package flood

import (
	"strings"
	"sync"
	"time"
)

const (
	// windowDuration is the sliding window for the per-user limit
	windowDuration = 60 * time.Second
	// cleanupInterval is how often idle entries are purged
	cleanupInterval = 10 * time.Minute
	// idleTimeout is how long an entry may sit unused before purging
	idleTimeout = 10 * time.Minute
)

// Gate enforces a per-login command budget over a sliding one-minute window.
// Logins are normalized to lowercase so tag casing cannot dodge the limit.
type Gate struct {
	limitPerMinute int
	mu             sync.RWMutex
	entries        map[string]*loginEntry
	stopCleanup    chan struct{}
}

type loginEntry struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// New creates a Gate allowing limitPerMinute commands per login.
func New(limitPerMinute int) *Gate {
	g := &Gate{
		limitPerMinute: limitPerMinute,
		entries:        make(map[string]*loginEntry),
		stopCleanup:    make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Stop ends the background cleanup goroutine.
func (g *Gate) Stop() {
	close(g.stopCleanup)
}

// Allow reports whether one more command from login fits the budget and, if
// so, records it.
func (g *Gate) Allow(login string) bool {
	login = strings.ToLower(login)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[login]
	if !ok {
		entry = &loginEntry{timestamps: make([]time.Time, 0, g.limitPerMinute+1)}
		g.entries[login] = entry
	}
	entry.lastSeen = now

	windowStart := now.Add(-windowDuration)
	kept := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	entry.timestamps = kept

	if len(entry.timestamps) >= g.limitPerMinute {
		return false
	}
	entry.timestamps = append(entry.timestamps, now)
	return true
}

// ActiveLogins reports how many logins currently have tracked state.
func (g *Gate) ActiveLogins() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

func (g *Gate) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.purgeIdle()
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *Gate) purgeIdle() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for login, entry := range g.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(g.entries, login)
		}
	}
}
