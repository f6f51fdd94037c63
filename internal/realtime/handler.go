package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/events"
	myMiddleware "go-buddychat/internal/middleware"
	"go-buddychat/internal/presence"
	"go-buddychat/internal/web"
)

// Presence is the part of the presence service driven by connections.
type Presence interface {
	Heartbeat(ctx context.Context, actorID int64) (presence.Presence, error)
	ClearPresence(ctx context.Context, actorID int64) error
}

type Typing interface {
	SetTyping(ctx context.Context, actorID, roomID int64, isTyping bool) error
}

type Membership interface {
	IsMember(ctx context.Context, convID, userID int64) (bool, error)
}

type Buddies interface {
	IsMutualBuddy(ctx context.Context, a, b int64) (bool, error)
}

type Handler struct {
	hub      *Hub
	presence Presence
	typing   Typing
	members  Membership
	buddies  Buddies
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket handler. origins lists the browser
// origins allowed to connect; empty keeps gorilla's same-host check and
// "*" allows any origin.
func NewHandler(hub *Hub, p Presence, t Typing, members Membership, buddies Buddies, origins []string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		presence: p,
		typing:   t,
		members:  members,
		buddies:  buddies,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
	}
}

func checkOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || allowed[strings.ToLower(origin)]
	}
}

// ServeWs upgrades an authenticated request and starts the client pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	actor, err := myMiddleware.ActorFrom(r.Context())
	if err != nil {
		web.Error(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", actor.ID, "error", err)
		return
	}

	client := newClient(h, conn, actor.ID, actor.Username)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	client.logger.Debug("websocket connected")

	// The request context ends with this handler; the pumps outlive it.
	ctx := context.WithoutCancel(r.Context())

	hbCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	if _, err := h.presence.Heartbeat(hbCtx, actor.ID); err != nil {
		client.logger.Warn("presence heartbeat on connect failed", "error", err)
	}
	cancel()
	h.hub.send(client, Frame{Type: FrameWelcome, ConnectionID: client.ID.String()})

	go client.writePump()
	go client.readPump(ctx)
}

func (h *Handler) execute(ctx context.Context, c *Client, cmd Command) error {
	switch cmd.Type {
	case CmdSubscribe:
		if err := h.Authorize(ctx, c.UserID, cmd.Topic); err != nil {
			return err
		}
		h.hub.setSubscription(c, cmd.Topic, true)
		return nil
	case CmdUnsubscribe:
		h.hub.setSubscription(c, cmd.Topic, false)
		return nil
	case CmdHeartbeat:
		_, err := h.presence.Heartbeat(ctx, c.UserID)
		return err
	case CmdTyping:
		return h.typing.SetTyping(ctx, c.UserID, cmd.RoomID, cmd.IsTyping)
	default:
		return apperr.New(apperr.CodeInvalidArgument, "unknown command "+cmd.Type)
	}
}

// Authorize decides whether userID may subscribe to topic. Presence is
// visible to the user and their mutual buddies, roster changes only to
// the user, messages and typing to conversation members.
func (h *Handler) Authorize(ctx context.Context, userID int64, topic string) error {
	family, id, err := events.ParseTopic(topic)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "invalid topic", err)
	}

	switch family {
	case events.FamilyRoster:
		if id != userID {
			return apperr.New(apperr.CodeForbidden, "cannot subscribe to another user's roster")
		}
	case events.FamilyPresence:
		if id == userID {
			return nil
		}
		ok, err := h.buddies.IsMutualBuddy(ctx, userID, id)
		if err != nil {
			return apperr.Unavailable("check buddies", err)
		}
		if !ok {
			return apperr.New(apperr.CodeForbidden, "presence is only shared between buddies")
		}
	case events.FamilyMessage, events.FamilyTyping:
		ok, err := h.members.IsMember(ctx, id, userID)
		if err != nil {
			return apperr.Unavailable("check membership", err)
		}
		if !ok {
			return apperr.ErrNotMember
		}
	}
	return nil
}

func (h *Handler) lastConnectionClosed(ctx context.Context, userID int64) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := h.presence.ClearPresence(ctx, userID); err != nil {
		h.logger.Warn("clear presence on disconnect failed", "user_id", userID, "error", err)
	}
}
