// Package store provides the in-memory request collections: the bounded FIFO
// of requests awaiting moderation and the recently-played track set.
package store

import (
	"strings"
	"sync"
	"time"

	"srbot/internal/core"
)

// PendingStore is a bounded FIFO of requests awaiting moderation. When the
// store is full the oldest entry is evicted silently; eviction is a capacity
// guard, not a moderation decision, so it never triggers a refund.
//
// All methods are safe for concurrent use. Positions handed out by
// FindByPosition are snapshots of the current FIFO order and are not stable
// across removals.
type PendingStore struct {
	mu     sync.Mutex
	items  []*core.PendingRequest
	nextID uint64
	max    int
}

// NewPendingStore creates a store holding at most max requests.
func NewPendingStore(max int) *PendingStore {
	if max < 1 {
		max = 1
	}
	return &PendingStore{max: max, nextID: 1}
}

// Add appends a request and returns its process-unique ID.
func (s *PendingStore) Add(requester, displayName, rawQuery string, resolved *core.Track, redemption *core.RedemptionRef) *core.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) >= s.max {
		s.items = s.items[1:]
	}

	req := &core.PendingRequest{
		ID:          s.nextID,
		SubmittedAt: time.Now(),
		Requester:   strings.ToLower(requester),
		DisplayName: displayName,
		RawQuery:    rawQuery,
		Resolved:    resolved,
		Redemption:  redemption,
	}
	s.nextID++
	s.items = append(s.items, req)
	return req
}

// FindByPosition returns the request at the given 1-based FIFO position, or
// nil. Valid only within the same command invocation.
func (s *PendingStore) FindByPosition(pos int) *core.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := pos - 1
	if idx < 0 || idx >= len(s.items) {
		return nil
	}
	return s.items[idx]
}

// FindByRequester returns the first request (FIFO order) from the given
// login, or nil. A leading "@" is stripped.
func (s *PendingStore) FindByRequester(login string) *core.PendingRequest {
	login = strings.ToLower(strings.TrimPrefix(login, "@"))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if item.Requester == login {
			return item
		}
	}
	return nil
}

// Position returns the 1-based FIFO position of the request with the given
// ID, or 0 if it is gone.
func (s *PendingStore) Position(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.items {
		if item.ID == id {
			return i + 1
		}
	}
	return 0
}

// Remove deletes the request with the given ID and reports whether it was
// still present. A second Remove of the same ID is a no-op, which is what
// keeps a sweeper/moderator race from refunding twice: only the caller that
// observed true performs the refund.
func (s *PendingStore) Remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether the request with the given ID is still pending.
func (s *PendingStore) Contains(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// Snapshot returns the current FIFO order. Sweepers and approve-all iterate
// this, not the live slice, so concurrent removals cannot skip entries
// mid-scan.
func (s *PendingStore) Snapshot() []*core.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*core.PendingRequest, len(s.items))
	copy(out, s.items)
	return out
}

// Drain empties the store and returns everything that was in it, FIFO order.
func (s *PendingStore) Drain() []*core.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.items
	s.items = nil
	return out
}

// Len returns the number of pending requests.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
