package core

import (
	"context"
	"time"
)

// Track is the canonical reference for a resolved song request.
type Track struct {
	ID      string
	Title   string
	Artists string
	URI     string
	URL     string
}

// RedemptionRef ties a request to the channel-point redemption that funded
// it. Nil on a PendingRequest means the request was free (moderator-initiated)
// and must never trigger a refund or fulfilment. IRC reward tags carry only
// the reward id; the redemption itself is looked up by login when a refund
// or fulfilment is issued.
type RedemptionRef struct {
	RewardID string
}

// PendingRequest is a song request awaiting moderation.
type PendingRequest struct {
	ID          uint64
	SubmittedAt time.Time
	Requester   string // login, lowercase
	DisplayName string
	RawQuery    string
	Resolved    *Track // nil until resolution succeeds
	Redemption  *RedemptionRef
}

// Paid reports whether this request was funded by a channel-point redemption.
func (p *PendingRequest) Paid() bool {
	return p.Redemption != nil
}

// Label renders the request for chat output: resolved metadata when
// available, otherwise the raw query.
func (p *PendingRequest) Label() string {
	if p.Resolved != nil && p.Resolved.Title != "" {
		s := p.Resolved.Title + " - " + p.Resolved.Artists
		if p.Resolved.URL != "" {
			s += " " + p.Resolved.URL
		}
		return s
	}
	if p.Resolved != nil && p.Resolved.URL != "" {
		return p.Resolved.URL
	}
	if p.RawQuery != "" {
		return p.RawQuery
	}
	return "(unknown)"
}

// DeferredRequest is an approved request waiting for an active playback
// device. The pending ID is dropped on the way in; deferred items are only
// ever drained front-first.
type DeferredRequest struct {
	Requester   string
	DisplayName string
	Resolved    *Track // always non-nil
	Redemption  *RedemptionRef
	Attempts    int
}

// Resolver turns a raw chat query into a canonical track reference.
type Resolver interface {
	Resolve(ctx context.Context, rawQuery string) (*Track, error)
}

// Player is the playback-queue side of the dispatch client.
type Player interface {
	AddToQueue(ctx context.Context, uri string) error
	HasActiveDevice(ctx context.Context) bool
}

// Rewards is the channel-point ledger side of the dispatch client. Both
// calls walk the unfulfilled redemptions for the configured reward and
// resolve the oldest entry belonging to the given login.
type Rewards interface {
	RefundOldestForUser(ctx context.Context, login string) (bool, error)
	FulfilOldestForUser(ctx context.Context, login string) (bool, error)
}

// Notifier sends a fire-and-forget chat reply. Implementations must not
// block the caller on delivery.
type Notifier interface {
	Say(text string)
}
