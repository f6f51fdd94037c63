// Package visibility serves a user's room list. Post rooms are listed only
// for the post's author, for members who have sent a message in the room and
// for members with a live comment on the post; direct conversations are
// always listed for their members. The chat store evaluates that rule in
// the same query that orders and caps the list.
package visibility

import (
	"time"

	"go-buddychat/internal/chat"
)

// Room is a visible conversation with the timestamp it is ordered by.
type Room struct {
	chat.ConversationSummary
	Activity time.Time `json:"activity"`
}

// Activity is the later of the last message and the room's own activity
// stamp.
func Activity(c chat.Conversation) time.Time {
	if c.LastMsgAt != nil && c.LastMsgAt.After(c.LastActivityAt) {
		return *c.LastMsgAt
	}
	return c.LastActivityAt
}
