package presence

import "time"

type State string

const (
	StateOnline    State = "online"
	StateAway      State = "away"
	StateDND       State = "dnd"
	StateInvisible State = "invisible"
	// StateOffline is never stored; it is what a missing or expired record
	// reads as.
	StateOffline State = "offline"
)

func (s State) Valid() bool {
	switch s {
	case StateOnline, StateAway, StateDND, StateInvisible, StateOffline:
		return true
	}
	return false
}

const MaxStatusTextLen = 140

type Presence struct {
	UserID     int64     `json:"userId"`
	State      State     `json:"state"`
	StatusText string    `json:"statusText"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
}

func Offline(userID int64) Presence {
	return Presence{UserID: userID, State: StateOffline}
}

func (p Presence) expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// viewedBy hides invisible users from everyone but themselves.
func (p Presence) viewedBy(viewerID int64) Presence {
	if p.State == StateInvisible && viewerID != p.UserID {
		return Offline(p.UserID)
	}
	return p
}

type SetRequest struct {
	State      State  `json:"state"`
	StatusText string `json:"statusText"`
}
