package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/events"
	myMiddleware "go-buddychat/internal/middleware"
	"go-buddychat/internal/presence"
	"go-buddychat/internal/roster"
)

type fakePresence struct {
	mu         sync.Mutex
	heartbeats map[int64]int
	cleared    chan int64
}

func (p *fakePresence) Heartbeat(_ context.Context, actorID int64) (presence.Presence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats[actorID]++
	return presence.Presence{UserID: actorID, State: presence.StateOnline}, nil
}

func (p *fakePresence) ClearPresence(_ context.Context, actorID int64) error {
	p.cleared <- actorID
	return nil
}

func (p *fakePresence) count(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats[userID]
}

type typingCall struct {
	actorID, roomID int64
	isTyping        bool
}

type fakeTyping struct {
	calls chan typingCall
}

func (f *fakeTyping) SetTyping(_ context.Context, actorID, roomID int64, isTyping bool) error {
	f.calls <- typingCall{actorID, roomID, isTyping}
	return nil
}

type members map[int64][]int64

func (m members) IsMember(_ context.Context, convID, userID int64) (bool, error) {
	for _, id := range m[convID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type buddies map[[2]int64]bool

func (b buddies) IsMutualBuddy(_ context.Context, x, y int64) (bool, error) {
	return b[[2]int64{x, y}] || b[[2]int64{y, x}], nil
}

type fixture struct {
	server   *httptest.Server
	bus      *events.Local
	presence *fakePresence
	typing   *fakeTyping
}

func newFixture(t *testing.T, origins ...string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		bus:      events.NewLocal(),
		presence: &fakePresence{heartbeats: map[int64]int{}, cleared: make(chan int64, 8)},
		typing:   &fakeTyping{calls: make(chan typingCall, 8)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(f.bus, logger)
	go hub.Run(ctx)

	h := NewHandler(hub, f.presence, f.typing,
		members{10: {1, 2}},
		buddies{{1, 2}: true},
		origins,
		logger)

	// Stands in for the JWT middleware: the actor id comes from ?uid=.
	withActor := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.URL.Query().Get("uid"), 10, 64)
		ctx := myMiddleware.WithActor(r.Context(), myMiddleware.Actor{ID: id, Username: "user" + r.URL.Query().Get("uid")})
		h.ServeWs(w, r.WithContext(ctx))
	})
	f.server = httptest.NewServer(withActor)
	t.Cleanup(func() {
		f.server.Close()
		cancel()
	})
	return f
}

type conn struct {
	t       *testing.T
	ws      *websocket.Conn
	pending []Frame
}

func (f *fixture) dial(t *testing.T, userID int64) *conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?uid=" + strconv.FormatInt(userID, 10)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	c := &conn{t: t, ws: ws}
	if fr := c.next(); fr.Type != FrameWelcome || fr.ConnectionID == "" {
		t.Fatalf("expected welcome frame, got %+v", fr)
	}
	return c
}

func (c *conn) next() Frame {
	c.t.Helper()
	for len(c.pending) == 0 {
		c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var fr Frame
			if err := json.Unmarshal(line, &fr); err != nil {
				c.t.Fatalf("decode frame %q: %v", line, err)
			}
			c.pending = append(c.pending, fr)
		}
	}
	fr := c.pending[0]
	c.pending = c.pending[1:]
	return fr
}

func (c *conn) command(cmd Command) Frame {
	c.t.Helper()
	if err := c.ws.WriteJSON(cmd); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	return c.next()
}

func TestAllowedOrigins(t *testing.T) {
	f := newFixture(t, "https://chat.example.com")
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?uid=1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected a foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://Chat.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	ws.Close()
}

func TestConnectHeartbeatsPresence(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, 1)

	if n := f.presence.count(1); n != 1 {
		t.Errorf("expected 1 heartbeat on connect, got %d", n)
	}
	if fr := c.command(Command{Type: CmdHeartbeat, ID: "hb"}); fr.Type != FrameAck || fr.ID != "hb" {
		t.Errorf("expected ack, got %+v", fr)
	}
	if n := f.presence.count(1); n != 2 {
		t.Errorf("expected 2 heartbeats, got %d", n)
	}
}

func TestSubscribeAuthorization(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, 1)

	tests := []struct {
		topic string
		code  apperr.Code // empty means allowed
	}{
		{events.PresenceTopic(1), ""},
		{events.PresenceTopic(2), ""},
		{events.PresenceTopic(3), apperr.CodeForbidden},
		{events.RosterTopic(1), ""},
		{events.RosterTopic(2), apperr.CodeForbidden},
		{events.MessageTopic(10), ""},
		{events.TypingTopic(10), ""},
		{events.MessageTopic(11), apperr.CodeForbidden},
		{"gossip:1", apperr.CodeInvalidArgument},
		{"message:abc", apperr.CodeInvalidArgument},
	}
	for _, tt := range tests {
		fr := c.command(Command{Type: CmdSubscribe, ID: tt.topic, Topic: tt.topic})
		if tt.code == "" {
			if fr.Type != FrameAck {
				t.Errorf("%s: expected ack, got %+v", tt.topic, fr)
			}
			continue
		}
		if fr.Type != FrameError || fr.Error == nil || fr.Error.Code != tt.code {
			t.Errorf("%s: expected %s error, got %+v", tt.topic, tt.code, fr)
		}
		if fr.ID != tt.topic {
			t.Errorf("%s: error frame lost the command id", tt.topic)
		}
	}
}

func TestEventsReachOnlySubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.dial(t, 1)
	other := f.dial(t, 2)

	topic := events.MessageTopic(10)
	if fr := sub.command(Command{Type: CmdSubscribe, Topic: topic}); fr.Type != FrameAck {
		t.Fatalf("subscribe: %+v", fr)
	}

	if err := f.bus.Publish(ctx, topic, events.KindMessageCreated, map[string]string{"body": "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fr := sub.next()
	if fr.Type != FrameEvent || fr.Topic != topic || fr.Kind != events.KindMessageCreated {
		t.Fatalf("expected message event, got %+v", fr)
	}
	var payload map[string]string
	if err := json.Unmarshal(fr.Payload, &payload); err != nil || payload["body"] != "hi" {
		t.Errorf("unexpected payload %s", fr.Payload)
	}

	// The next frame the unsubscribed client sees is its own ack.
	if fr := other.command(Command{Type: CmdHeartbeat, ID: "after"}); fr.Type != FrameAck || fr.ID != "after" {
		t.Errorf("unsubscribed client received %+v", fr)
	}

	if fr := sub.command(Command{Type: CmdUnsubscribe, Topic: topic}); fr.Type != FrameAck {
		t.Fatalf("unsubscribe: %+v", fr)
	}
	f.bus.Publish(ctx, topic, events.KindMessageCreated, map[string]string{"body": "again"})
	if fr := sub.command(Command{Type: CmdHeartbeat, ID: "x"}); fr.Type != FrameAck {
		t.Errorf("expected ack after unsubscribe, got %+v", fr)
	}
}

func TestRosterChangeRevokesPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buddy := f.dial(t, 2)
	self := f.dial(t, 1)

	topic := events.PresenceTopic(1)
	for _, c := range []*conn{buddy, self} {
		if fr := c.command(Command{Type: CmdSubscribe, Topic: topic}); fr.Type != FrameAck {
			t.Fatalf("subscribe: %+v", fr)
		}
	}

	// Still buddies: nothing is revoked.
	f.bus.Publish(ctx, events.RosterTopic(1), events.KindRosterChanged,
		roster.ChangedEvent{UserID: 1, PeerID: 2, Relation: roster.RelationBuddies})
	// User 1 blocks user 2.
	f.bus.Publish(ctx, events.RosterTopic(1), events.KindRosterChanged,
		roster.ChangedEvent{UserID: 1, PeerID: 2, Relation: roster.RelationBlocked})
	f.bus.Publish(ctx, topic, events.KindPresenceChanged, map[string]string{"state": "online"})

	if fr := buddy.next(); fr.Type != FrameRevoked || fr.Topic != topic {
		t.Fatalf("expected revoked frame, got %+v", fr)
	}
	if fr := buddy.command(Command{Type: CmdHeartbeat, ID: "after"}); fr.Type != FrameAck || fr.ID != "after" {
		t.Fatalf("blocked user received %+v", fr)
	}

	// The user's own subscription survives.
	if fr := self.next(); fr.Type != FrameEvent || fr.Topic != topic || fr.Kind != events.KindPresenceChanged {
		t.Errorf("expected own presence event, got %+v", fr)
	}
}

func TestTypingCommand(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, 2)

	if fr := c.command(Command{Type: CmdTyping, RoomID: 10, IsTyping: true}); fr.Type != FrameAck {
		t.Fatalf("typing: %+v", fr)
	}
	select {
	case call := <-f.typing.calls:
		if call != (typingCall{actorID: 2, roomID: 10, isTyping: true}) {
			t.Errorf("unexpected typing call %+v", call)
		}
	case <-time.After(time.Second):
		t.Fatal("typing command not forwarded")
	}
}

func TestMalformedCommand(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, 1)

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if fr := c.next(); fr.Type != FrameError || fr.Error.Code != apperr.CodeInvalidArgument {
		t.Errorf("expected invalid argument, got %+v", fr)
	}
	if fr := c.command(Command{Type: "dance"}); fr.Type != FrameError || fr.Error.Code != apperr.CodeInvalidArgument {
		t.Errorf("expected invalid argument for unknown command, got %+v", fr)
	}
}

func TestLastConnectionClearsPresence(t *testing.T) {
	f := newFixture(t)
	first := f.dial(t, 1)
	second := f.dial(t, 1)

	first.ws.Close()
	select {
	case id := <-f.presence.cleared:
		t.Fatalf("presence of %d cleared while a connection remains", id)
	case <-time.After(200 * time.Millisecond):
	}

	second.ws.Close()
	select {
	case id := <-f.presence.cleared:
		if id != 1 {
			t.Errorf("cleared presence of %d, want 1", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("presence not cleared after the last connection closed")
	}
}
