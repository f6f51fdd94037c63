package chat

import (
	"time"

	"github.com/google/uuid"
)

type ConversationType string

const (
	TypeDM   ConversationType = "dm"
	TypeRoom ConversationType = "room"
)

const (
	MaxBodyLen         = 5000
	MaxEmojiLen        = 16
	DefaultPageSize    = 50
	MaxPageSize        = 200
	MaxConversationCap = 200
)

// ListOrder is how a conversation list is sorted.
type ListOrder int

const (
	// OrderLastMessage puts the latest message first; conversations
	// without messages follow, by activity.
	OrderLastMessage ListOrder = iota
	// OrderActivity uses the later of the last message and the last
	// membership change.
	OrderActivity
)

type Conversation struct {
	ID             int64            `json:"id"`
	Type           ConversationType `json:"type"`
	MemberIDs      []int64          `json:"memberIds"`
	PostID         *int64           `json:"postId,omitempty"`
	CreatedBy      int64            `json:"createdBy"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastMsgAt      *time.Time       `json:"lastMsgAt,omitempty"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

func (c Conversation) HasMember(userID int64) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is one row of the actor's conversation list.
type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unreadCount"`
}

type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversationId"`
	SenderID       int64      `json:"senderId"`
	Username       string     `json:"username,omitempty"` // Denormalized for the UI (fetched via JOIN)
	Body           string     `json:"body"`
	ClientMsgID    *uuid.UUID `json:"clientMsgId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// Before orders messages by (CreatedAt, ID).
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Reaction is one user's emoji on one message. A user may put several
// different emoji on the same message.
type Reaction struct {
	MessageID int64     `json:"messageId"`
	UserID    int64     `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

type Receipt struct {
	ConversationID    int64      `json:"conversationId"`
	UserID            int64      `json:"userId"`
	LastSeenMessageID *int64     `json:"lastSeenMessageId,omitempty"`
	LastSeenMessageAt *time.Time `json:"-"`
	LastSeenAt        *time.Time `json:"lastSeenAt,omitempty"`
}

// Cursor is a (createdAt, id) position in a conversation.
type Cursor struct {
	At time.Time
	ID int64
}

// Page selects messages strictly after After and, when set, strictly after
// Cursor.
type Page struct {
	After  *time.Time
	Cursor *Cursor
	Limit  int
}

// ---------------------------------------------
// API payloads
// ---------------------------------------------

type CreateConversationRequest struct {
	Type      ConversationType `json:"type"`
	MemberIDs []int64          `json:"memberIds"`
	PostID    *int64           `json:"postId,omitempty"`
}

type DirectRequest struct {
	UserID int64 `json:"userId"`
}

type SendMessageRequest struct {
	Body        string     `json:"body"`
	ClientMsgID *uuid.UUID `json:"clientMsgId,omitempty"`
}

type EditMessageRequest struct {
	Body string `json:"body"`
}

type MarkSeenRequest struct {
	MessageID int64 `json:"messageId"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}
