package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically drops pending requests that sat unmoderated past
// their time-to-live and refunds the paid ones. It iterates a snapshot, so
// a slow refund never blocks intake or moderation.
type Sweeper struct {
	pending     PendingQueue
	rewards     Rewards // nil disables refunds
	notify      Notifier
	rec         Recorder
	logger      *zap.Logger
	ttl         time.Duration
	interval    time.Duration
	refundDelay time.Duration
}

func NewSweeper(
	cfg *AppConfig,
	pending PendingQueue,
	rewards Rewards,
	notify Notifier,
	rec Recorder,
	logger *zap.Logger,
) *Sweeper {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Sweeper{
		pending:     pending,
		rewards:     rewards,
		notify:      notify,
		rec:         rec,
		logger:      logger,
		ttl:         cfg.PendingTTL,
		interval:    cfg.SweepInterval,
		refundDelay: cfg.RefundDelay,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes every expired request. Removal goes through the store's
// Remove, so a concurrent deny or approve of the same id resolves to exactly
// one winner and the refund happens at most once.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	for _, item := range s.pending.Snapshot() {
		if now.Sub(item.SubmittedAt) < s.ttl {
			continue
		}
		if !s.pending.Remove(item.ID) {
			continue
		}

		s.rec.RecordModeration("timeout")
		s.logger.Info("Request timed out",
			zap.Uint64("id", item.ID),
			zap.String("requester", item.Requester),
			zap.Bool("paid", item.Paid()))

		refunded := false
		if item.Paid() && s.rewards != nil {
			ok, err := s.rewards.RefundOldestForUser(ctx, item.Requester)
			if err != nil {
				s.logger.Warn("Timeout refund failed",
					zap.String("login", item.Requester), zap.Error(err))
			}
			refunded = ok && err == nil
			if refunded {
				s.rec.RecordRefund()
			}
			sleepCtx(ctx, s.refundDelay)
		}

		if refunded {
			s.notify.Say(fmt.Sprintf("@%s your song request timed out without moderation; your points have been refunded.", item.DisplayName))
		} else {
			s.notify.Say(fmt.Sprintf("@%s your song request timed out and was removed.", item.DisplayName))
		}
	}
}
