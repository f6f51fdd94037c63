package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type published struct {
	topic, kind string
	payload     []byte
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, published{topic: topic, kind: kind, payload: data})
	p.mu.Unlock()
	return nil
}

type mirrorRecorder struct {
	texts map[int64]string
}

func (m *mirrorRecorder) SetStatusText(_ context.Context, userID int64, text string) error {
	m.texts[userID] = text
	return nil
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	clock  *fakeClock
	pub    *recordingPublisher
	mirror *mirrorRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now

	limiter := ratelimit.NewMemory()
	gate := ratelimit.NewGate(limiter, ratelimit.Policy{
		ratelimit.ActionPresence: {Limit: 120, Window: time.Minute},
	})
	pub := &recordingPublisher{}
	mirror := &mirrorRecorder{texts: map[int64]string{}}
	svc := NewService(store, gate, pub, mirror, 2*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = clock.Now
	return &fixture{svc: svc, store: store, clock: clock, pub: pub, mirror: mirror}
}

func TestSetPresenceKeepsStatusTextOnlyWhenAway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.SetPresence(ctx, 1, StateAway, "  lunch  ")
	if err != nil {
		t.Fatalf("set away: %v", err)
	}
	if p.StatusText != "lunch" {
		t.Fatalf("expected trimmed status text, got %q", p.StatusText)
	}
	if f.mirror.texts[1] != "lunch" {
		t.Fatalf("expected status text mirrored to roster, got %q", f.mirror.texts[1])
	}

	p, err = f.svc.SetPresence(ctx, 1, StateDND, "busy")
	if err != nil {
		t.Fatalf("set dnd: %v", err)
	}
	if p.StatusText != "" {
		t.Fatalf("expected status text cleared for dnd, got %q", p.StatusText)
	}
	if !p.ExpiresAt.Equal(f.clock.Now().Add(2 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", p.ExpiresAt)
	}
}

func TestSetPresenceRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.SetPresence(ctx, 1, State("sleeping"), ""); !apperr.IsCode(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown state, got %v", err)
	}
	long := strings.Repeat("é", MaxStatusTextLen+1)
	if _, err := f.svc.SetPresence(ctx, 1, StateAway, long); !apperr.IsCode(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for long status, got %v", err)
	}
	exact := strings.Repeat("é", MaxStatusTextLen)
	if _, err := f.svc.SetPresence(ctx, 1, StateAway, exact); err != nil {
		t.Fatalf("expected %d runes to be accepted, got %v", MaxStatusTextLen, err)
	}
}

func TestExpiredPresenceReadsOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.SetPresence(ctx, 1, StateOnline, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	f.clock.Advance(2*time.Minute - time.Second)
	p, err := f.svc.Get(ctx, 2, 1)
	if err != nil || p.State != StateOnline {
		t.Fatalf("expected online before expiry, got %+v (%v)", p, err)
	}

	// No sweep has run; the read itself must notice the expiry.
	f.clock.Advance(time.Second)
	p, err = f.svc.Get(ctx, 2, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.State != StateOffline {
		t.Fatalf("expected offline at expiry, got %s", p.State)
	}

	if n := f.store.Sweep(); n != 1 {
		t.Fatalf("expected sweep to evict one record, got %d", n)
	}
}

func TestMissingPresenceIsOfflineNotError(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.Get(context.Background(), 1, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserID != 42 || p.State != StateOffline {
		t.Fatalf("unexpected presence %+v", p)
	}
}

func TestInvisibleIsOfflineToOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.SetPresence(ctx, 1, StateInvisible, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	self, _ := f.svc.Get(ctx, 1, 1)
	if self.State != StateInvisible {
		t.Fatalf("owner should see invisible, got %s", self.State)
	}
	other, _ := f.svc.Get(ctx, 2, 1)
	if other.State != StateOffline {
		t.Fatalf("others should see offline, got %s", other.State)
	}

	many, err := f.svc.GetMany(ctx, 2, []int64{1, 3})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if many[1].State != StateOffline || many[3].State != StateOffline {
		t.Fatalf("unexpected states %+v", many)
	}

	last := f.pub.events[len(f.pub.events)-1]
	var ev Presence
	if err := json.Unmarshal(last.payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.State != StateOffline {
		t.Fatalf("published event should not reveal invisible, got %s", ev.State)
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.Heartbeat(ctx, 1)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if p.State != StateOnline {
		t.Fatalf("expected heartbeat to create online, got %s", p.State)
	}
	if len(f.pub.events) != 1 {
		t.Fatalf("expected one event when coming online, got %d", len(f.pub.events))
	}

	if _, err := f.svc.SetPresence(ctx, 1, StateAway, "brb"); err != nil {
		t.Fatalf("set: %v", err)
	}
	f.clock.Advance(90 * time.Second)
	p, err = f.svc.Heartbeat(ctx, 1)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if p.State != StateAway || p.StatusText != "brb" {
		t.Fatalf("heartbeat should keep state, got %+v", p)
	}
	if !p.ExpiresAt.Equal(f.clock.Now().Add(2 * time.Minute)) {
		t.Fatalf("heartbeat should extend expiry, got %v", p.ExpiresAt)
	}
	if len(f.pub.events) != 2 {
		t.Fatalf("refreshing heartbeat should not publish, got %d events", len(f.pub.events))
	}
}

func TestClearPresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.SetPresence(ctx, 1, StateOnline, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := f.svc.ClearPresence(ctx, 1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	p, _ := f.svc.Get(ctx, 1, 1)
	if p.State != StateOffline {
		t.Fatalf("expected offline after clear, got %s", p.State)
	}
	last := f.pub.events[len(f.pub.events)-1]
	if last.topic != "presence:1" {
		t.Fatalf("unexpected topic %s", last.topic)
	}
}

func TestSetPresenceRateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.gate = ratelimit.NewGate(ratelimit.NewMemory(), ratelimit.Policy{
		ratelimit.ActionPresence: {Limit: 2, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		if _, err := f.svc.SetPresence(ctx, 1, StateOnline, ""); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	if _, err := f.svc.SetPresence(ctx, 1, StateOnline, ""); !apperr.IsCode(err, apperr.CodeRateLimitExceeded) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}
