package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"srbot/pkg/text"
)

const (
	statusPeek = 3
	queuePeek  = 5
)

// PendingQueue is the moderation engine's view of the pending request store.
type PendingQueue interface {
	Add(requester, displayName, rawQuery string, resolved *Track, redemption *RedemptionRef) *PendingRequest
	FindByPosition(pos int) *PendingRequest
	FindByRequester(login string) *PendingRequest
	Position(id uint64) int
	Remove(id uint64) bool
	Contains(id uint64) bool
	Snapshot() []*PendingRequest
	Drain() []*PendingRequest
	Len() int
}

// Recorder receives moderation outcome counts for the metrics surface.
type Recorder interface {
	RecordRequest(source string)
	RecordModeration(action string)
	RecordRefund()
	RecordFulfilment()
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string)    {}
func (nopRecorder) RecordModeration(string) {}
func (nopRecorder) RecordRefund()           {}
func (nopRecorder) RecordFulfilment()       {}

// Moderator drives the per-request state machine: intake, approval, denial,
// clearing and the read-only list/status views. Every mutation goes through
// the pending store's own lock; no lock is held across an outbound call, so
// a hung upstream stalls one command without blocking intake.
type Moderator struct {
	cfg      *AppConfig
	pending  PendingQueue
	deferred *DeferredQueue
	resolver Resolver
	player   Player
	rewards  Rewards // nil disables refund/fulfilment
	notify   Notifier
	rec      Recorder
	logger   *zap.Logger
}

func NewModerator(
	cfg *AppConfig,
	pending PendingQueue,
	deferred *DeferredQueue,
	resolver Resolver,
	player Player,
	rewards Rewards,
	notify Notifier,
	rec Recorder,
	logger *zap.Logger,
) *Moderator {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Moderator{
		cfg:      cfg,
		pending:  pending,
		deferred: deferred,
		resolver: resolver,
		player:   player,
		rewards:  rewards,
		notify:   notify,
		rec:      rec,
		logger:   logger,
	}
}

// HandleRedemption creates a pending entry for a paid channel-point
// redemption. A direct track link in the text is pre-resolved to its URI so
// approval can skip the search round-trip.
func (m *Moderator) HandleRedemption(login, displayName, userText string, redemption *RedemptionRef) {
	req := m.pending.Add(login, displayName, userText, preResolve(userText), redemption)
	m.rec.RecordRequest("redemption")

	m.logger.Info("Song request received",
		zap.String("requester", req.Requester),
		zap.String("query", req.RawQuery),
		zap.Uint64("id", req.ID))

	m.notify.Say(fmt.Sprintf("@%s your song request was received and awaits moderation (#%d).",
		displayName, m.pending.Len()))
}

// HandleFreeRequest creates a pending entry with no redemption attached.
// Free requests never touch the rewards ledger.
func (m *Moderator) HandleFreeRequest(login, displayName, query string) {
	req := m.pending.Add(login, displayName, query, preResolve(query), nil)
	m.rec.RecordRequest("moderator")

	m.notify.Say(fmt.Sprintf("@%s added to the request queue (#%d).", displayName, m.pending.Len()))
	m.logger.Info("Free request added", zap.String("requester", req.Requester), zap.Uint64("id", req.ID))
}

// Approve resolves and dispatches a single request addressed by 1-based
// position or @login.
func (m *Moderator) Approve(ctx context.Context, target string) error {
	item := m.findTarget(target)
	if item == nil {
		m.notify.Say(fmt.Sprintf("No pending request matches %q.", target))
		return ErrNotFound
	}

	resolved, err := m.approveItem(ctx, item)
	switch {
	case err == nil:
		m.rec.RecordModeration("approve")
	case errors.Is(err, ErrNoActiveDevice):
		m.deferItem(item, resolved)
		m.notify.Say(fmt.Sprintf("@%s no active playback device right now; your song is parked and will be queued automatically once playback starts.", item.DisplayName))
	case errors.Is(err, ErrSearchFailed):
		// already reported by approveItem
	case errors.Is(err, ErrCredentialUnavailable):
		m.notify.Say("Rewards credential is unavailable; approvals are blocked until re-authorization.")
	default:
		m.notify.Say("Could not add to the queue right now, the request stays pending.")
	}
	return err
}

// ApproveAll processes a snapshot of the queue oldest-first. On the first
// no-active-device failure it stops dispatching and moves the failed item
// plus every remaining already-resolved snapshot item straight to the
// deferred queue: retrying each one against a resource known to be gone only
// burns rate-limit budget.
func (m *Moderator) ApproveAll(ctx context.Context) error {
	snapshot := m.pending.Snapshot()
	if len(snapshot) == 0 {
		m.notify.Say("There are no pending requests to approve.")
		return nil
	}
	m.notify.Say(fmt.Sprintf("Approving the whole queue (%d)…", len(snapshot)))

	for i, item := range snapshot {
		if !m.pending.Contains(item.ID) {
			continue
		}

		resolved, err := m.approveItem(ctx, item)
		if errors.Is(err, ErrNoActiveDevice) {
			m.deferItem(item, resolved)
			for _, rest := range snapshot[i+1:] {
				m.deferItem(rest, rest.Resolved)
			}
			m.notify.Say("No active playback device. Approved songs are parked and will be queued automatically once playback starts.")
			break
		}
		if errors.Is(err, ErrCredentialUnavailable) {
			m.notify.Say("Rewards credential is unavailable; stopping the approval pass.")
			return err
		}
		if err == nil {
			m.rec.RecordModeration("approve")
		}

		if m.cfg.ApproveAllDelay > 0 && i < len(snapshot)-1 {
			sleepCtx(ctx, m.cfg.ApproveAllDelay)
		}
	}

	m.notify.Say(fmt.Sprintf("Done. Still pending: %d. Waiting for an active device: %d.",
		m.pending.Len(), m.deferred.Len()))
	return nil
}

// Deny removes a request and refunds its redemption if it was paid.
func (m *Moderator) Deny(ctx context.Context, target string) error {
	item := m.findTarget(target)
	if item == nil {
		m.notify.Say(fmt.Sprintf("No pending request matches %q.", target))
		return ErrNotFound
	}

	if !m.pending.Remove(item.ID) {
		// lost a race against the sweeper; it owns the refund
		return nil
	}
	m.rec.RecordModeration("deny")

	refunded, err := m.refund(ctx, item.Requester, item.Redemption)
	if err != nil {
		m.notify.Say(fmt.Sprintf("@%s your song was denied, but the refund could not be issued: re-authorization is required.", item.DisplayName))
		return err
	}
	if refunded {
		m.notify.Say(fmt.Sprintf("@%s your song was denied and your points have been refunded.", item.DisplayName))
	} else {
		m.notify.Say(fmt.Sprintf("@%s your song was denied.", item.DisplayName))
	}
	return nil
}

// Clear drains the queue and refunds every paid request sequentially, with
// a small delay between ledger calls to stay under the rate limit. A dead
// credential aborts the pass instead of issuing one doomed call per item.
func (m *Moderator) Clear(ctx context.Context) error {
	items := m.pending.Drain()
	if len(items) == 0 {
		m.notify.Say("The queue is already empty.")
		return nil
	}
	m.rec.RecordModeration("clear")

	m.notify.Say(fmt.Sprintf("Clearing the queue and refunding points… (%d)", len(items)))
	for _, item := range items {
		if !item.Paid() {
			continue
		}
		if _, err := m.refund(ctx, item.Requester, item.Redemption); err != nil {
			m.notify.Say("Rewards credential is unavailable; the queue was cleared but the remaining refunds were not issued.")
			return err
		}
		sleepCtx(ctx, m.cfg.RefundDelay)
	}
	m.notify.Say("Done. The queue is empty.")
	return nil
}

// List sends the full waiting list, chunked to fit chat message limits.
func (m *Moderator) List() {
	snapshot := m.pending.Snapshot()
	if len(snapshot) == 0 {
		m.notify.Say("No pending song requests.")
		return
	}

	lines := make([]string, 0, len(snapshot))
	for i, item := range snapshot {
		lines = append(lines, fmt.Sprintf("%d. %s: %s", i+1, item.DisplayName, item.Label()))
	}
	for _, chunk := range text.ChunkLines(fmt.Sprintf("Waiting list (%d):", len(snapshot)), lines, " | ") {
		m.notify.Say(chunk)
	}
}

// Queue sends a quick overview of the first few pending requests.
func (m *Moderator) Queue() {
	snapshot := m.pending.Snapshot()
	if len(snapshot) == 0 {
		m.notify.Say("No pending song requests.")
		return
	}

	n := len(snapshot)
	if n > queuePeek {
		n = queuePeek
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, fmt.Sprintf("%d. %s: %s", i+1, snapshot[i].DisplayName, snapshot[i].Label()))
	}
	m.notify.Say(fmt.Sprintf("Waiting list (%d): %s", len(snapshot), joinLines(lines)))
}

// Status sends counts plus a peek at the head of the queue.
func (m *Moderator) Status() {
	snapshot := m.pending.Snapshot()

	n := len(snapshot)
	if n > statusPeek {
		n = statusPeek
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, fmt.Sprintf("%s: %s", snapshot[i].DisplayName, snapshot[i].Label()))
	}

	msg := fmt.Sprintf("Pending: %d | Waiting for an active device: %d", len(snapshot), m.deferred.Len())
	if dead := m.deferred.DeadLen(); dead > 0 {
		msg += fmt.Sprintf(" | Needs moderator attention: %d", dead)
	}
	if len(lines) > 0 {
		msg += " | " + joinLines(lines)
	}
	m.notify.Say(msg)
}

// My reports the requester's own position in the queue.
func (m *Moderator) My(login, displayName string) {
	item := m.pending.FindByRequester(login)
	if item == nil {
		m.notify.Say(fmt.Sprintf("@%s you have no pending song right now.", displayName))
		return
	}
	m.notify.Say(fmt.Sprintf("@%s your song (#%d in the queue): %s",
		displayName, m.pending.Position(item.ID), item.Label()))
}

// approveItem runs the per-item approval state machine and returns the
// resolved track alongside the outcome. Resolution failures drop the item
// without a refund (unresolvable free text is treated as noise, not a
// moderation decision); transient dispatch failures leave it pending for a
// later retry. The stored item is never mutated here: commands may run
// concurrently with list/status readers, and snapshot items stay safe to
// read only because nothing writes them after intake.
func (m *Moderator) approveItem(ctx context.Context, item *PendingRequest) (*Track, error) {
	resolved := item.Resolved
	if resolved == nil || resolved.URI == "" {
		track, err := m.resolver.Resolve(ctx, item.RawQuery)
		if errors.Is(err, ErrSearchFailed) {
			m.pending.Remove(item.ID)
			m.notify.Say(fmt.Sprintf("@%s found no song for %q. Skipped.", item.DisplayName, item.RawQuery))
			m.rec.RecordModeration("search_failed")
			return nil, err
		}
		if err != nil {
			m.logger.Warn("Resolution failed, leaving request pending",
				zap.Uint64("id", item.ID), zap.Error(err))
			return nil, err
		}
		resolved = track
	}

	if err := m.player.AddToQueue(ctx, resolved.URI); err != nil {
		if !errors.Is(err, ErrNoActiveDevice) {
			m.logger.Error("Queue dispatch failed", zap.Uint64("id", item.ID), zap.Error(err))
		}
		return resolved, err
	}

	// Dispatch succeeded. Only the Remove winner fulfils, so a sweeper that
	// got here first (and refunded) cannot be doubled up with a fulfilment.
	if m.pending.Remove(item.ID) {
		if err := m.fulfil(ctx, item.Requester, item.Redemption); err != nil {
			return resolved, err
		}
		m.notify.Say(fmt.Sprintf("@%s your song was approved and is in the queue: %s",
			item.DisplayName, trackLabel(resolved)))
	}
	return resolved, nil
}

// deferItem relocates a pending item with a known track into the deferred
// queue. The pending removal and the deferred push keep the id in at most
// one structure.
func (m *Moderator) deferItem(item *PendingRequest, resolved *Track) bool {
	if resolved == nil || resolved.URI == "" {
		return false
	}
	if !m.pending.Remove(item.ID) {
		return false
	}
	m.deferred.Push(&DeferredRequest{
		Requester:   item.Requester,
		DisplayName: item.DisplayName,
		Resolved:    resolved,
		Redemption:  item.Redemption,
	})
	m.rec.RecordModeration("deferred")
	return true
}

// refund resolves the caller's oldest open redemption. Only a credential
// failure is returned as an error; any other ledger failure degrades to a
// logged miss so one flaky call cannot abort a moderation pass.
func (m *Moderator) refund(ctx context.Context, login string, redemption *RedemptionRef) (bool, error) {
	if redemption == nil || m.rewards == nil {
		return false, nil
	}
	ok, err := m.rewards.RefundOldestForUser(ctx, login)
	if err != nil {
		if errors.Is(err, ErrCredentialUnavailable) {
			m.logger.Error("Refund blocked, credential unavailable",
				zap.String("login", login), zap.Error(err))
			return false, err
		}
		m.logger.Warn("Refund failed", zap.String("login", login), zap.Error(err))
		return false, nil
	}
	if ok {
		m.rec.RecordRefund()
	}
	return ok, nil
}

func (m *Moderator) fulfil(ctx context.Context, login string, redemption *RedemptionRef) error {
	if redemption == nil || m.rewards == nil {
		return nil
	}
	if _, err := m.rewards.FulfilOldestForUser(ctx, login); err != nil {
		if errors.Is(err, ErrCredentialUnavailable) {
			m.logger.Error("Fulfilment blocked, credential unavailable",
				zap.String("login", login), zap.Error(err))
			return err
		}
		m.logger.Warn("Fulfilment failed", zap.String("login", login), zap.Error(err))
		return nil
	}
	m.rec.RecordFulfilment()
	return nil
}

func (m *Moderator) findTarget(target string) *PendingRequest {
	var pos int
	if _, err := fmt.Sscanf(target, "%d", &pos); err == nil && pos > 0 {
		if item := m.pending.FindByPosition(pos); item != nil {
			return item
		}
	}
	return m.pending.FindByRequester(target)
}

// preResolve builds a minimal track reference from a direct link so approval
// can dispatch without a metadata round-trip.
func preResolve(rawText string) *Track {
	trackID := text.ExtractTrackID(rawText)
	if trackID == "" {
		return nil
	}
	return &Track{
		ID:  trackID,
		URI: "spotify:track:" + trackID,
		URL: "https://open.spotify.com/track/" + trackID,
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += " | "
		}
		out += l
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
