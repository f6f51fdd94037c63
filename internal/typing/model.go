package typing

import "time"

// Indicator is an active "is typing" marker. A user who is not typing has
// no indicator at all.
type Indicator struct {
	RoomID    int64     `json:"roomId"`
	UserID    int64     `json:"userId"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SetRequest struct {
	IsTyping bool `json:"isTyping"`
}

// ChangedEvent is published on the room's typing topic.
type ChangedEvent struct {
	RoomID   int64 `json:"roomId"`
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}
