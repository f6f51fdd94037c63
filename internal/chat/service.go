package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/events"
	"go-buddychat/internal/ratelimit"
	"go-buddychat/internal/telemetry"
)

// Store persists conversations, messages and receipts.
type Store interface {
	FindOrCreateDirect(ctx context.Context, a, b, createdBy int64, now time.Time) (Conversation, error)
	FindOrCreateRoom(ctx context.Context, postID, createdBy int64, members []int64, now time.Time) (Conversation, error)
	GetConversation(ctx context.Context, id int64) (Conversation, bool, error)
	IsMember(ctx context.Context, convID, userID int64) (bool, error)
	RemoveMember(ctx context.Context, convID, userID int64) (bool, error)
	InsertMessage(ctx context.Context, m Message) (Message, bool, error)
	GetMessage(ctx context.Context, id int64) (Message, bool, error)
	UpdateMessageBody(ctx context.Context, id int64, body string, editedAt time.Time) (Message, bool, error)
	SoftDeleteMessage(ctx context.Context, id int64, deletedAt time.Time) (Message, error)
	ListMessages(ctx context.Context, convID int64, page Page) ([]Message, error)
	AdvanceReceipt(ctx context.Context, userID int64, m Message, seenAt time.Time) (Receipt, bool, error)
	ListReceipts(ctx context.Context, convID int64) ([]Receipt, error)
	ListConversations(ctx context.Context, userID int64, order ListOrder, limit int) ([]ConversationSummary, error)
	AddReaction(ctx context.Context, rc Reaction) (Reaction, bool, error)
	RemoveReaction(ctx context.Context, msgID, userID int64, emoji string) (bool, error)
	ListReactions(ctx context.Context, msgID int64) ([]Reaction, error)
}

// Roster is the relationship checks messaging depends on.
type Roster interface {
	IsMutualBuddy(ctx context.Context, a, b int64) (bool, error)
	AssertNotBlocked(ctx context.Context, a, b int64) error
}

var (
	errConversationNotFound = apperr.New(apperr.CodeNotFound, "conversation not found")
	errMessageNotFound      = apperr.New(apperr.CodeNotFound, "message not found")
	errNotSender            = apperr.New(apperr.CodeForbidden, "only the sender can change this message")
)

type Service struct {
	store  Store
	roster Roster
	gate   *ratelimit.Gate
	pub    events.Publisher
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewService(store Store, roster Roster, gate *ratelimit.Gate, pub events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		roster: roster,
		gate:   gate,
		pub:    pub,
		logger: logger,
		tracer: otel.Tracer("go-buddychat/chat"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateConversation creates a DM between the actor and one other user, or
// adds members to the room of a post.
func (s *Service) CreateConversation(ctx context.Context, actorID int64, req CreateConversationRequest) (Conversation, error) {
	members := distinct(append([]int64{actorID}, req.MemberIDs...))
	for _, id := range members {
		if id <= 0 {
			return Conversation{}, apperr.New(apperr.CodeInvalidArgument, "invalid member id")
		}
	}

	switch req.Type {
	case TypeDM:
		if len(members) != 2 {
			return Conversation{}, apperr.New(apperr.CodeInvalidArgument, "a direct conversation has exactly two members")
		}
		return s.EnsureDirect(ctx, actorID, members[1])
	case TypeRoom:
		if req.PostID == nil || *req.PostID <= 0 {
			return Conversation{}, apperr.New(apperr.CodeInvalidArgument, "postId is required for rooms")
		}
		c, err := s.store.FindOrCreateRoom(ctx, *req.PostID, actorID, members, s.now())
		if err != nil {
			return Conversation{}, apperr.Unavailable("create room", err)
		}
		return c, nil
	default:
		return Conversation{}, apperr.New(apperr.CodeInvalidArgument, "unknown conversation type")
	}
}

// EnsureDirect returns the DM with otherID, creating it if needed. Only
// mutual buddies who have not blocked each other get one.
func (s *Service) EnsureDirect(ctx context.Context, actorID, otherID int64) (Conversation, error) {
	if otherID <= 0 || otherID == actorID {
		return Conversation{}, apperr.New(apperr.CodeInvalidArgument, "invalid user id")
	}
	if err := s.roster.AssertNotBlocked(ctx, actorID, otherID); err != nil {
		return Conversation{}, err
	}
	ok, err := s.roster.IsMutualBuddy(ctx, actorID, otherID)
	if err != nil {
		return Conversation{}, err
	}
	if !ok {
		return Conversation{}, apperr.New(apperr.CodeForbidden, "direct messages require mutual buddies")
	}

	c, err := s.store.FindOrCreateDirect(ctx, actorID, otherID, actorID, s.now())
	if err != nil {
		return Conversation{}, apperr.Unavailable("create direct conversation", err)
	}
	return c, nil
}

// JoinPostRoom adds the actor to the room of postID, creating it on first
// use.
func (s *Service) JoinPostRoom(ctx context.Context, actorID, postID int64) (Conversation, error) {
	return s.CreateConversation(ctx, actorID, CreateConversationRequest{Type: TypeRoom, PostID: &postID})
}

func (s *Service) GetConversation(ctx context.Context, actorID, convID int64) (Conversation, error) {
	c, ok, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return Conversation{}, apperr.Unavailable("load conversation", err)
	}
	if !ok || !c.HasMember(actorID) {
		return Conversation{}, apperr.ErrNotMember
	}
	return c, nil
}

// IsMember reports whether userID belongs to convID.
func (s *Service) IsMember(ctx context.Context, convID, userID int64) (bool, error) {
	ok, err := s.store.IsMember(ctx, convID, userID)
	if err != nil {
		return false, apperr.Unavailable("check membership", err)
	}
	return ok, nil
}

func (s *Service) requireMember(ctx context.Context, actorID, convID int64) error {
	ok, err := s.IsMember(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNotMember
	}
	return nil
}

func normalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", apperr.New(apperr.CodeInvalidArgument, "message body is empty")
	}
	if utf8.RuneCountInString(body) > MaxBodyLen {
		return "", apperr.New(apperr.CodeInvalidArgument, "message body is too long")
	}
	return body, nil
}

func normalizeEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > MaxEmojiLen {
		return "", apperr.New(apperr.CodeInvalidArgument, "emoji must be 1 to 16 characters")
	}
	for _, r := range emoji {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", apperr.New(apperr.CodeInvalidArgument, "emoji must not contain spaces")
		}
	}
	return emoji, nil
}

// assertNotBlockedIn fails when the actor and another member of a DM have
// blocked each other. Rooms are not affected by blocks.
func (s *Service) assertNotBlockedIn(ctx context.Context, actorID int64, c Conversation) error {
	if c.Type != TypeDM {
		return nil
	}
	for _, other := range c.MemberIDs {
		if other == actorID {
			continue
		}
		if err := s.roster.AssertNotBlocked(ctx, actorID, other); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage checks, in order, the body, the rate limit, blocks between DM
// members and membership. Nothing is written unless every check passes.
func (s *Service) SendMessage(ctx context.Context, actorID, convID int64, body string, clientMsgID *uuid.UUID) (msg Message, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.SendMessage", trace.WithAttributes(
		attribute.Int64("chat.conversation_id", convID),
		attribute.Int64("chat.sender_id", actorID),
	))
	defer func() { telemetry.End(span, err) }()

	body, err = normalizeBody(body)
	if err != nil {
		return Message{}, err
	}
	if err := s.gate.Allow(ctx, actorID, ratelimit.ActionMessage); err != nil {
		return Message{}, apperr.Unavailable("rate limit", err)
	}

	c, ok, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return Message{}, apperr.Unavailable("load conversation", err)
	}
	if !ok {
		return Message{}, errConversationNotFound
	}
	if err := s.assertNotBlockedIn(ctx, actorID, c); err != nil {
		return Message{}, err
	}
	if !c.HasMember(actorID) {
		return Message{}, apperr.ErrNotMember
	}

	m, created, err := s.store.InsertMessage(ctx, Message{
		ConversationID: convID,
		SenderID:       actorID,
		Body:           body,
		ClientMsgID:    clientMsgID,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return Message{}, apperr.Unavailable("store message", err)
	}
	if !created {
		if m.SenderID != actorID {
			return Message{}, apperr.New(apperr.CodeInvalidArgument, "clientMsgId already used")
		}
		return m, nil
	}

	events.Emit(ctx, s.logger, s.pub, events.MessageTopic(convID), events.KindMessageCreated, m)
	return m, nil
}

func (s *Service) loadOwnMessage(ctx context.Context, actorID, msgID int64) (Message, error) {
	m, ok, err := s.store.GetMessage(ctx, msgID)
	if err != nil {
		return Message{}, apperr.Unavailable("load message", err)
	}
	if !ok {
		return Message{}, errMessageNotFound
	}
	if m.SenderID != actorID {
		return Message{}, errNotSender
	}
	return m, nil
}

func (s *Service) EditMessage(ctx context.Context, actorID, msgID int64, body string) (Message, error) {
	body, err := normalizeBody(body)
	if err != nil {
		return Message{}, err
	}
	m, err := s.loadOwnMessage(ctx, actorID, msgID)
	if err != nil {
		return Message{}, err
	}
	if m.DeletedAt != nil {
		return Message{}, errMessageNotFound
	}

	m, ok, err := s.store.UpdateMessageBody(ctx, msgID, body, s.now())
	if err != nil {
		return Message{}, apperr.Unavailable("edit message", err)
	}
	if !ok {
		return Message{}, errMessageNotFound
	}
	events.Emit(ctx, s.logger, s.pub, events.MessageTopic(m.ConversationID), events.KindMessageEdited, m)
	return m, nil
}

// SoftDeleteMessage redacts the body and hides the message from reads.
// The row stays so receipts pointing at it remain valid.
func (s *Service) SoftDeleteMessage(ctx context.Context, actorID, msgID int64) (Message, error) {
	m, err := s.loadOwnMessage(ctx, actorID, msgID)
	if err != nil {
		return Message{}, err
	}
	if m.DeletedAt != nil {
		return m, nil
	}

	m, err = s.store.SoftDeleteMessage(ctx, msgID, s.now())
	if err != nil {
		return Message{}, apperr.Unavailable("delete message", err)
	}
	events.Emit(ctx, s.logger, s.pub, events.MessageTopic(m.ConversationID), events.KindMessageDeleted, m)
	return m, nil
}

// ListMessages returns up to limit live messages in ascending order, only
// those strictly after `after` and after message afterID when given.
func (s *Service) ListMessages(ctx context.Context, actorID, convID int64, after *time.Time, afterID int64, limit int) (msgs []Message, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.ListMessages", trace.WithAttributes(
		attribute.Int64("chat.conversation_id", convID),
	))
	defer func() { telemetry.End(span, err) }()

	if err := s.requireMember(ctx, actorID, convID); err != nil {
		return nil, err
	}

	page := Page{After: after, Limit: clampLimit(limit)}
	if afterID > 0 {
		m, ok, err := s.store.GetMessage(ctx, afterID)
		if err != nil {
			return nil, apperr.Unavailable("load cursor", err)
		}
		if !ok || m.ConversationID != convID {
			return nil, apperr.New(apperr.CodeInvalidArgument, "afterId is not a message of this conversation")
		}
		page.Cursor = &Cursor{At: m.CreatedAt, ID: m.ID}
	}

	msgs, err = s.store.ListMessages(ctx, convID, page)
	if err != nil {
		return nil, apperr.Unavailable("list messages", err)
	}
	return msgs, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// MarkSeen advances the actor's receipt to msgID. Marking an older message
// than the current one changes nothing.
func (s *Service) MarkSeen(ctx context.Context, actorID, convID, msgID int64) (Receipt, error) {
	if err := s.requireMember(ctx, actorID, convID); err != nil {
		return Receipt{}, err
	}
	m, ok, err := s.store.GetMessage(ctx, msgID)
	if err != nil {
		return Receipt{}, apperr.Unavailable("load message", err)
	}
	if !ok || m.ConversationID != convID {
		return Receipt{}, errMessageNotFound
	}

	rc, advanced, err := s.store.AdvanceReceipt(ctx, actorID, m, s.now())
	if err != nil {
		return Receipt{}, apperr.Unavailable("store receipt", err)
	}
	if advanced {
		events.Emit(ctx, s.logger, s.pub, events.MessageTopic(convID), events.KindReceiptUpdated, rc)
	}
	return rc, nil
}

func (s *Service) ListReceipts(ctx context.Context, actorID, convID int64) ([]Receipt, error) {
	if err := s.requireMember(ctx, actorID, convID); err != nil {
		return nil, err
	}
	rcs, err := s.store.ListReceipts(ctx, convID)
	if err != nil {
		return nil, apperr.Unavailable("list receipts", err)
	}
	return rcs, nil
}

// MyConversations lists the conversations visible to the actor, latest
// message first. Post rooms the actor only joined are left out.
func (s *Service) MyConversations(ctx context.Context, actorID int64) ([]ConversationSummary, error) {
	return s.ListConversations(ctx, actorID, OrderLastMessage)
}

// ListConversations lists the conversations visible to the actor in the
// given order, capped at MaxConversationCap.
func (s *Service) ListConversations(ctx context.Context, actorID int64, order ListOrder) ([]ConversationSummary, error) {
	out, err := s.store.ListConversations(ctx, actorID, order, MaxConversationCap)
	if err != nil {
		return nil, apperr.Unavailable("list conversations", err)
	}
	return out, nil
}

// LeaveRoom takes the actor out of a post room. Direct conversations
// cannot be left.
func (s *Service) LeaveRoom(ctx context.Context, actorID, convID int64) error {
	c, err := s.GetConversation(ctx, actorID, convID)
	if err != nil {
		return err
	}
	if c.Type != TypeRoom {
		return apperr.New(apperr.CodeInvalidArgument, "only post rooms can be left")
	}
	if _, err := s.store.RemoveMember(ctx, convID, actorID); err != nil {
		return apperr.Unavailable("leave room", err)
	}
	s.logger.InfoContext(ctx, "left room", "conversation_id", convID, "user_id", actorID)
	return nil
}

// reactable loads a live message the actor may react to.
func (s *Service) reactable(ctx context.Context, actorID, msgID int64) (Message, error) {
	m, ok, err := s.store.GetMessage(ctx, msgID)
	if err != nil {
		return Message{}, apperr.Unavailable("load message", err)
	}
	if !ok || m.DeletedAt != nil {
		return Message{}, errMessageNotFound
	}
	c, err := s.GetConversation(ctx, actorID, m.ConversationID)
	if err != nil {
		return Message{}, err
	}
	if err := s.assertNotBlockedIn(ctx, actorID, c); err != nil {
		return Message{}, err
	}
	return m, nil
}

// AddReaction puts emoji on a message. Adding the same emoji twice returns
// the first reaction and publishes nothing.
func (s *Service) AddReaction(ctx context.Context, actorID, msgID int64, emoji string) (Reaction, error) {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return Reaction{}, err
	}
	m, err := s.reactable(ctx, actorID, msgID)
	if err != nil {
		return Reaction{}, err
	}

	rc, created, err := s.store.AddReaction(ctx, Reaction{MessageID: msgID, UserID: actorID, Emoji: emoji, CreatedAt: s.now()})
	if err != nil {
		return Reaction{}, apperr.Unavailable("store reaction", err)
	}
	if created {
		events.Emit(ctx, s.logger, s.pub, events.MessageTopic(m.ConversationID), events.KindReactionAdded, rc)
	}
	return rc, nil
}

// RemoveReaction takes the actor's emoji off a message. Removing a
// reaction that is not there succeeds.
func (s *Service) RemoveReaction(ctx context.Context, actorID, msgID int64, emoji string) error {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return err
	}
	m, ok, err := s.store.GetMessage(ctx, msgID)
	if err != nil {
		return apperr.Unavailable("load message", err)
	}
	if !ok {
		return errMessageNotFound
	}
	if err := s.requireMember(ctx, actorID, m.ConversationID); err != nil {
		return err
	}

	removed, err := s.store.RemoveReaction(ctx, msgID, actorID, emoji)
	if err != nil {
		return apperr.Unavailable("remove reaction", err)
	}
	if removed {
		events.Emit(ctx, s.logger, s.pub, events.MessageTopic(m.ConversationID), events.KindReactionRemoved,
			Reaction{MessageID: msgID, UserID: actorID, Emoji: emoji})
	}
	return nil
}

func (s *Service) ListReactions(ctx context.Context, actorID, msgID int64) ([]Reaction, error) {
	m, ok, err := s.store.GetMessage(ctx, msgID)
	if err != nil {
		return nil, apperr.Unavailable("load message", err)
	}
	if !ok {
		return nil, errMessageNotFound
	}
	if err := s.requireMember(ctx, actorID, m.ConversationID); err != nil {
		return nil, err
	}
	out, err := s.store.ListReactions(ctx, msgID)
	if err != nil {
		return nil, apperr.Unavailable("list reactions", err)
	}
	return out, nil
}

// distinct keeps the first occurrence of each id.
func distinct(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
