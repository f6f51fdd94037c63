// Package events carries state-change notifications from the services to the
// realtime fan-out. Topics are keyed by user or conversation so that only
// interested subscribers receive them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Topic families.
const (
	FamilyPresence = "presence"
	FamilyTyping   = "typing"
	FamilyMessage  = "message"
	FamilyRoster   = "roster"
)

// Event kinds.
const (
	KindPresenceChanged = "presence.changed"
	KindTypingChanged   = "typing.changed"
	KindMessageCreated  = "message.created"
	KindMessageEdited   = "message.edited"
	KindMessageDeleted  = "message.deleted"
	KindReceiptUpdated  = "receipt.updated"
	KindReactionAdded   = "reaction.added"
	KindReactionRemoved = "reaction.removed"
	KindRosterChanged   = "roster.changed"
)

type Event struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, topic, kind string, payload any) error
}

// Bus is a Publisher whose events can be consumed again.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context) (<-chan Event, error)
}

func PresenceTopic(userID int64) string { return topic(FamilyPresence, userID) }
func TypingTopic(roomID int64) string   { return topic(FamilyTyping, roomID) }
func MessageTopic(convID int64) string  { return topic(FamilyMessage, convID) }
func RosterTopic(userID int64) string   { return topic(FamilyRoster, userID) }

func topic(family string, id int64) string {
	return family + ":" + strconv.FormatInt(id, 10)
}

// ParseTopic splits "family:id".
func ParseTopic(t string) (family string, id int64, err error) {
	family, raw, ok := strings.Cut(t, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed topic %q", t)
	}
	switch family {
	case FamilyPresence, FamilyTyping, FamilyMessage, FamilyRoster:
	default:
		return "", 0, fmt.Errorf("unknown topic family %q", family)
	}
	id, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("malformed topic id %q", raw)
	}
	return family, id, nil
}

func newEvent(topic, kind string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Topic: topic, Kind: kind, Payload: raw, At: time.Now().UTC()}, nil
}

// Emit publishes and only logs failures: a broadcast that does not go out
// must not fail the mutation that already committed.
func Emit(ctx context.Context, logger *slog.Logger, pub Publisher, topic, kind string, payload any) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, topic, kind, payload); err != nil {
		logger.WarnContext(ctx, "publish event failed", "topic", topic, "kind", kind, "error", err)
	}
}
