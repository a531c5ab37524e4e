package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeferredQueue holds approved requests that could not be dispatched because
// no playback device was active. Items that keep failing for other reasons
// end up on the dead list, where they wait for a moderator instead of
// cycling forever.
type DeferredQueue struct {
	mu    sync.Mutex
	items []*DeferredRequest
	dead  []*DeferredRequest
}

func NewDeferredQueue() *DeferredQueue {
	return &DeferredQueue{}
}

// Push appends an item to the back of the queue.
func (q *DeferredQueue) Push(item *DeferredRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// PushFront puts an item back at the head, preserving its turn.
func (q *DeferredQueue) PushFront(item *DeferredRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*DeferredRequest{item}, q.items...)
}

// Pop removes and returns the oldest item, or nil when empty.
func (q *DeferredQueue) Pop() *DeferredRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Bury moves an item to the dead list.
func (q *DeferredQueue) Bury(item *DeferredRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, item)
}

func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DeferredQueue) DeadLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

// DeferredPoller drains the deferred queue one item per tick once a playback
// device comes back. One item per tick keeps a long backlog from slamming
// the rate limit the moment a device appears.
type DeferredPoller struct {
	queue       *DeferredQueue
	player      Player
	rewards     Rewards // nil disables fulfilment
	notify      Notifier
	rec         Recorder
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
}

func NewDeferredPoller(
	cfg *AppConfig,
	queue *DeferredQueue,
	player Player,
	rewards Rewards,
	notify Notifier,
	rec Recorder,
	logger *zap.Logger,
) *DeferredPoller {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &DeferredPoller{
		queue:       queue,
		player:      player,
		rewards:     rewards,
		notify:      notify,
		rec:         rec,
		logger:      logger,
		interval:    cfg.DeferPollInterval,
		maxAttempts: cfg.MaxDeferredAttempts,
	}
}

// Run ticks until the context is cancelled.
func (p *DeferredPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce processes at most one deferred item. A renewed no-active-device
// answer puts the item back at the front and ends the tick, since every
// other item would hit the same wall. Any other failure pushes the item to
// the back so one poisoned entry cannot starve the rest, and after too many
// attempts the item is parked on the dead list for a moderator to sort out.
func (p *DeferredPoller) RunOnce(ctx context.Context) {
	if p.queue.Len() == 0 {
		return
	}
	if !p.player.HasActiveDevice(ctx) {
		return
	}

	item := p.queue.Pop()
	if item == nil {
		return
	}

	err := p.player.AddToQueue(ctx, item.Resolved.URI)
	if err == nil {
		// the item was already approved; dispatch closes out its redemption
		if item.Redemption != nil && p.rewards != nil {
			if _, ferr := p.rewards.FulfilOldestForUser(ctx, item.Requester); ferr != nil {
				p.logger.Warn("Deferred fulfilment failed",
					zap.String("login", item.Requester), zap.Error(ferr))
			} else {
				p.rec.RecordFulfilment()
			}
		}
		p.notify.Say(fmt.Sprintf("@%s your approved song is now in the queue: %s",
			item.DisplayName, trackLabel(item.Resolved)))
		return
	}

	if errors.Is(err, ErrNoActiveDevice) {
		// the device vanished between the availability check and the dispatch
		p.queue.PushFront(item)
		return
	}

	item.Attempts++
	if item.Attempts >= p.maxAttempts {
		p.logger.Error("Deferred request gave up after repeated failures",
			zap.String("requester", item.Requester),
			zap.String("uri", item.Resolved.URI),
			zap.Int("attempts", item.Attempts),
			zap.Error(err))
		p.queue.Bury(item)
		p.rec.RecordModeration("deferred_dead")
		return
	}

	p.logger.Warn("Deferred dispatch failed, retrying later",
		zap.String("requester", item.Requester),
		zap.Int("attempts", item.Attempts),
		zap.Error(err))
	p.queue.Push(item)
}

func trackLabel(t *Track) string {
	if t.Title != "" {
		return t.Title + " - " + t.Artists
	}
	return t.URL
}
