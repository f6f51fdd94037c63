package typing

import (
	"context"
	"log/slog"
	"time"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/events"
	"go-buddychat/internal/ratelimit"
)

// Membership answers whether a user belongs to a conversation.
type Membership interface {
	IsMember(ctx context.Context, conversationID, userID int64) (bool, error)
}

type Service struct {
	store   Store
	members Membership
	gate    *ratelimit.Gate
	pub     events.Publisher
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(store Store, members Membership, gate *ratelimit.Gate, pub events.Publisher, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		members: members,
		gate:    gate,
		pub:     pub,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// SetTyping starts or refreshes the actor's indicator in roomID, or removes
// it when isTyping is false. Only transitions are published.
func (s *Service) SetTyping(ctx context.Context, actorID, roomID int64, isTyping bool) error {
	if roomID <= 0 {
		return apperr.New(apperr.CodeInvalidArgument, "invalid room id")
	}
	if err := s.gate.Allow(ctx, actorID, ratelimit.ActionTyping); err != nil {
		return apperr.Unavailable("rate limit", err)
	}
	if err := s.requireMember(ctx, actorID, roomID); err != nil {
		return err
	}

	var changed bool
	var err error
	if isTyping {
		now := s.now()
		changed, err = s.store.Put(ctx, Indicator{
			RoomID:    roomID,
			UserID:    actorID,
			IsTyping:  true,
			Timestamp: now,
			ExpiresAt: now.Add(s.ttl),
		})
	} else {
		changed, err = s.store.Delete(ctx, roomID, actorID)
	}
	if err != nil {
		return apperr.Unavailable("store typing", err)
	}

	if changed {
		events.Emit(ctx, s.logger, s.pub, events.TypingTopic(roomID), events.KindTypingChanged,
			ChangedEvent{RoomID: roomID, UserID: actorID, IsTyping: isTyping})
	}
	return nil
}

// TypingUsers lists the live indicators of a room the actor belongs to.
func (s *Service) TypingUsers(ctx context.Context, actorID, roomID int64) ([]Indicator, error) {
	if err := s.requireMember(ctx, actorID, roomID); err != nil {
		return nil, err
	}
	inds, err := s.store.List(ctx, roomID)
	if err != nil {
		return nil, apperr.Unavailable("list typing", err)
	}
	return inds, nil
}

func (s *Service) requireMember(ctx context.Context, actorID, roomID int64) error {
	ok, err := s.members.IsMember(ctx, roomID, actorID)
	if err != nil {
		return apperr.Unavailable("check membership", err)
	}
	if !ok {
		return apperr.ErrNotMember
	}
	return nil
}
