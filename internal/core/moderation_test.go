package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"srbot/internal/core"
	"srbot/internal/store"
)

func testAppConfig() *core.AppConfig {
	return &core.AppConfig{
		MaxPending:          50,
		PendingTTL:          15 * time.Minute,
		SweepInterval:       time.Minute,
		DeferPollInterval:   5 * time.Second,
		ApproveAllDelay:     0,
		RefundDelay:         0,
		MaxDeferredAttempts: 3,
		RecentCacheTTL:      time.Hour,
		CommandsPerMinute:   10,
	}
}

type fakeResolver struct {
	tracks map[string]*core.Track
	err    error
	calls  int
}

func (r *fakeResolver) Resolve(_ context.Context, rawQuery string) (*core.Track, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if t, ok := r.tracks[rawQuery]; ok {
		return t, nil
	}
	return nil, core.ErrSearchFailed
}

type fakePlayer struct {
	mu        sync.Mutex
	queued    []string
	errByCall map[int]error // 1-based call index
	err       error
	calls     int
	active    bool
}

func (p *fakePlayer) AddToQueue(_ context.Context, uri string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err, ok := p.errByCall[p.calls]; ok {
		return err
	}
	if p.err != nil {
		return p.err
	}
	p.queued = append(p.queued, uri)
	return nil
}

func (p *fakePlayer) HasActiveDevice(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePlayer) queuedURIs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queued...)
}

type fakeRewards struct {
	mu        sync.Mutex
	refunded  []string
	fulfilled []string
	refundErr error
	fulfilErr error
}

func (r *fakeRewards) RefundOldestForUser(_ context.Context, login string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refundErr != nil {
		return false, r.refundErr
	}
	r.refunded = append(r.refunded, login)
	return true, nil
}

func (r *fakeRewards) FulfilOldestForUser(_ context.Context, login string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fulfilErr != nil {
		return false, r.fulfilErr
	}
	r.fulfilled = append(r.fulfilled, login)
	return true, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Say(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func (n *recordingNotifier) contains(sub string) bool {
	for _, m := range n.all() {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

type modFixture struct {
	mod      *core.Moderator
	pending  *store.PendingStore
	deferred *core.DeferredQueue
	resolver *fakeResolver
	player   *fakePlayer
	rewards  *fakeRewards
	notify   *recordingNotifier
}

func newModFixture() *modFixture {
	f := &modFixture{
		pending:  store.NewPendingStore(50),
		deferred: core.NewDeferredQueue(),
		resolver: &fakeResolver{tracks: map[string]*core.Track{}},
		player:   &fakePlayer{errByCall: map[int]error{}},
		rewards:  &fakeRewards{},
		notify:   &recordingNotifier{},
	}
	f.mod = core.NewModerator(
		testAppConfig(),
		f.pending,
		f.deferred,
		f.resolver,
		f.player,
		f.rewards,
		f.notify,
		nil,
		zap.NewNop(),
	)
	return f
}

func paidRef() *core.RedemptionRef {
	return &core.RedemptionRef{RewardID: "reward-1"}
}

func TestHandleRedemptionQueuesRequest(t *testing.T) {
	f := newModFixture()

	f.mod.HandleRedemption("alice", "Alice", "never gonna give you up", paidRef())

	if got := f.pending.Len(); got != 1 {
		t.Fatalf("pending size = %d, want 1", got)
	}
	item := f.pending.FindByPosition(1)
	if !item.Paid() {
		t.Error("redemption request should be paid")
	}
	if !f.notify.contains("awaits moderation") {
		t.Errorf("expected intake confirmation, got %v", f.notify.all())
	}
}

func TestHandleRedemptionPreResolvesDirectLink(t *testing.T) {
	f := newModFixture()

	f.mod.HandleRedemption("alice", "Alice",
		"https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT", paidRef())

	item := f.pending.FindByPosition(1)
	if item.Resolved == nil {
		t.Fatal("direct link should be pre-resolved")
	}
	if item.Resolved.URI != "spotify:track:4cOdK2wGLETKBW3PvgPWqT" {
		t.Errorf("URI = %q", item.Resolved.URI)
	}
}

func TestApproveDispatchesAndFulfils(t *testing.T) {
	f := newModFixture()
	f.resolver.tracks["some song"] = &core.Track{
		ID: "t1", Title: "Some Song", Artists: "Someone", URI: "spotify:track:t1",
	}
	f.mod.HandleRedemption("alice", "Alice", "some song", paidRef())

	if err := f.mod.Approve(context.Background(), "1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if got := f.player.queuedURIs(); len(got) != 1 || got[0] != "spotify:track:t1" {
		t.Errorf("queued = %v", got)
	}
	if f.pending.Len() != 0 {
		t.Error("approved request should leave the pending queue")
	}
	if len(f.rewards.fulfilled) != 1 || f.rewards.fulfilled[0] != "alice" {
		t.Errorf("fulfilled = %v", f.rewards.fulfilled)
	}
	if len(f.rewards.refunded) != 0 {
		t.Errorf("refunded = %v, want none", f.rewards.refunded)
	}
}

func TestApproveByLogin(t *testing.T) {
	f := newModFixture()
	f.resolver.tracks["a"] = &core.Track{ID: "ta", URI: "spotify:track:ta", Title: "A", Artists: "X"}
	f.resolver.tracks["b"] = &core.Track{ID: "tb", URI: "spotify:track:tb", Title: "B", Artists: "Y"}
	f.mod.HandleRedemption("alice", "Alice", "a", paidRef())
	f.mod.HandleRedemption("bob", "Bob", "b", paidRef())

	if err := f.mod.Approve(context.Background(), "@bob"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if got := f.player.queuedURIs(); len(got) != 1 || got[0] != "spotify:track:tb" {
		t.Errorf("queued = %v", got)
	}
	if f.pending.FindByRequester("alice") == nil {
		t.Error("alice's request should still be pending")
	}
}

func TestApproveUnknownTarget(t *testing.T) {
	f := newModFixture()

	err := f.mod.Approve(context.Background(), "3")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestApproveUnresolvableDropsWithoutRefund(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("alice", "Alice", "asdfghjkl", paidRef())

	err := f.mod.Approve(context.Background(), "1")
	if !errors.Is(err, core.ErrSearchFailed) {
		t.Fatalf("err = %v, want ErrSearchFailed", err)
	}
	if f.pending.Len() != 0 {
		t.Error("unresolvable request should be dropped")
	}
	if len(f.rewards.refunded) != 0 {
		t.Errorf("refunded = %v, an unresolvable query is not a moderation decision", f.rewards.refunded)
	}
}

func TestApproveTransientResolveErrorKeepsPending(t *testing.T) {
	f := newModFixture()
	f.resolver.err = errors.New("upstream flaked")
	f.mod.HandleRedemption("alice", "Alice", "some song", paidRef())

	if err := f.mod.Approve(context.Background(), "1"); err == nil {
		t.Fatal("expected an error")
	}
	if f.pending.Len() != 1 {
		t.Error("request should stay pending after a transient resolution error")
	}
}

func TestApproveNoDeviceDefersItem(t *testing.T) {
	f := newModFixture()
	f.resolver.tracks["x"] = &core.Track{ID: "tx", URI: "spotify:track:tx", Title: "X", Artists: "Z"}
	f.player.err = core.ErrNoActiveDevice
	f.mod.HandleRedemption("alice", "Alice", "x", paidRef())

	err := f.mod.Approve(context.Background(), "1")
	if !errors.Is(err, core.ErrNoActiveDevice) {
		t.Fatalf("err = %v, want ErrNoActiveDevice", err)
	}
	if f.pending.Len() != 0 {
		t.Error("deferred item should leave the pending queue")
	}
	if f.deferred.Len() != 1 {
		t.Fatalf("deferred size = %d, want 1", f.deferred.Len())
	}
	if len(f.rewards.refunded) != 0 {
		t.Errorf("refunded = %v, deferral must not refund", f.rewards.refunded)
	}
}

func TestApproveAllShortCircuitsOnNoDevice(t *testing.T) {
	f := newModFixture()
	// direct links so every item is pre-resolved
	ids := []string{
		"0a0a0a0a0a0a0a0a0a0a0a", "1b1b1b1b1b1b1b1b1b1b1b",
		"2c2c2c2c2c2c2c2c2c2c2c", "3d3d3d3d3d3d3d3d3d3d3d",
		"4e4e4e4e4e4e4e4e4e4e4e",
	}
	logins := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, id := range ids {
		f.mod.HandleRedemption(logins[i], logins[i],
			"https://open.spotify.com/track/"+id, paidRef())
	}
	f.player.errByCall[3] = core.ErrNoActiveDevice

	if err := f.mod.ApproveAll(context.Background()); err != nil {
		t.Fatalf("ApproveAll: %v", err)
	}

	if got := f.player.queuedURIs(); len(got) != 2 {
		t.Errorf("queued = %v, want the first two", got)
	}
	if got := len(f.rewards.fulfilled); got != 2 {
		t.Errorf("fulfilled = %d, want 2", got)
	}
	if f.deferred.Len() != 3 {
		t.Errorf("deferred size = %d, want 3", f.deferred.Len())
	}
	if f.pending.Len() != 0 {
		t.Errorf("pending size = %d, want 0", f.pending.Len())
	}
	if len(f.rewards.refunded) != 0 {
		t.Errorf("refunded = %v, a missing device is not a denial", f.rewards.refunded)
	}
}

func TestApproveAllSkipsUnresolvedOnShortCircuit(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("u1", "u1",
		"https://open.spotify.com/track/0a0a0a0a0a0a0a0a0a0a0a", paidRef())
	f.mod.HandleRedemption("u2", "u2", "some free text query", paidRef())
	f.player.err = core.ErrNoActiveDevice

	if err := f.mod.ApproveAll(context.Background()); err != nil {
		t.Fatalf("ApproveAll: %v", err)
	}

	if f.deferred.Len() != 1 {
		t.Errorf("deferred size = %d, want only the pre-resolved item", f.deferred.Len())
	}
	if f.pending.Len() != 1 {
		t.Errorf("pending size = %d, the unresolved item should stay", f.pending.Len())
	}
}

func TestApproveAllEmptyQueue(t *testing.T) {
	f := newModFixture()

	if err := f.mod.ApproveAll(context.Background()); err != nil {
		t.Fatalf("ApproveAll: %v", err)
	}
	if !f.notify.contains("no pending requests") {
		t.Errorf("messages = %v", f.notify.all())
	}
}

func TestApproveAllStopsOnCredentialFailure(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("u1", "u1",
		"https://open.spotify.com/track/0a0a0a0a0a0a0a0a0a0a0a", paidRef())
	f.mod.HandleRedemption("u2", "u2",
		"https://open.spotify.com/track/1b1b1b1b1b1b1b1b1b1b1b", paidRef())
	f.rewards.fulfilErr = core.ErrCredentialUnavailable

	err := f.mod.ApproveAll(context.Background())
	if !errors.Is(err, core.ErrCredentialUnavailable) {
		t.Fatalf("err = %v, want ErrCredentialUnavailable", err)
	}
	if f.player.calls != 1 {
		t.Errorf("AddToQueue calls = %d, a dead credential must stop the pass", f.player.calls)
	}
}

func TestDenyReportsCredentialFailure(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("alice", "Alice", "some song", paidRef())
	f.rewards.refundErr = core.ErrCredentialUnavailable

	err := f.mod.Deny(context.Background(), "1")
	if !errors.Is(err, core.ErrCredentialUnavailable) {
		t.Fatalf("err = %v, want ErrCredentialUnavailable", err)
	}
	if !f.notify.contains("re-authorization") {
		t.Errorf("messages = %v", f.notify.all())
	}
}

func TestClearStopsOnCredentialFailure(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("alice", "Alice", "a", paidRef())
	f.mod.HandleRedemption("bob", "Bob", "b", paidRef())
	f.rewards.refundErr = core.ErrCredentialUnavailable

	err := f.mod.Clear(context.Background())
	if !errors.Is(err, core.ErrCredentialUnavailable) {
		t.Fatalf("err = %v, want ErrCredentialUnavailable", err)
	}
	if len(f.rewards.refunded) != 0 {
		t.Errorf("refunded = %v", f.rewards.refunded)
	}
	if !f.notify.contains("credential is unavailable") {
		t.Errorf("messages = %v", f.notify.all())
	}
}

func TestDenyRefundsPaidRequest(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("alice", "Alice", "some song", paidRef())

	if err := f.mod.Deny(context.Background(), "1"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if f.pending.Len() != 0 {
		t.Error("denied request should be removed")
	}
	if len(f.rewards.refunded) != 1 || f.rewards.refunded[0] != "alice" {
		t.Errorf("refunded = %v", f.rewards.refunded)
	}
	if !f.notify.contains("refunded") {
		t.Errorf("messages = %v", f.notify.all())
	}
}

func TestDenyFreeRequestSkipsLedger(t *testing.T) {
	f := newModFixture()
	f.mod.HandleFreeRequest("mod", "Mod", "some song")

	if err := f.mod.Deny(context.Background(), "1"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if len(f.rewards.refunded) != 0 {
		t.Errorf("refunded = %v, free requests never touch the ledger", f.rewards.refunded)
	}
}

func TestClearRefundsOnlyPaid(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("alice", "Alice", "a", paidRef())
	f.mod.HandleFreeRequest("mod", "Mod", "b")
	f.mod.HandleRedemption("bob", "Bob", "c", paidRef())

	f.mod.Clear(context.Background())

	if f.pending.Len() != 0 {
		t.Error("queue should be empty after clear")
	}
	if len(f.rewards.refunded) != 2 {
		t.Errorf("refunded = %v, want alice and bob", f.rewards.refunded)
	}
}

func TestMyReportsPosition(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("alice", "Alice", "a", paidRef())
	f.mod.HandleRedemption("bob", "Bob", "b", paidRef())

	f.mod.My("bob", "Bob")

	if !f.notify.contains("#2") {
		t.Errorf("messages = %v", f.notify.all())
	}
}

func TestStatusCountsDeferred(t *testing.T) {
	f := newModFixture()
	f.mod.HandleRedemption("alice", "Alice", "a", paidRef())
	f.deferred.Push(&core.DeferredRequest{
		Requester: "bob", DisplayName: "Bob",
		Resolved: &core.Track{URI: "spotify:track:tb"},
	})

	f.mod.Status()

	if !f.notify.contains("Pending: 1") {
		t.Errorf("messages = %v", f.notify.all())
	}
	if !f.notify.contains("active device: 1") {
		t.Errorf("messages = %v", f.notify.all())
	}
}
