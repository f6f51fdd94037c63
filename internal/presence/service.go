package presence

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/events"
	"go-buddychat/internal/ratelimit"
)

// StatusMirror receives the status text on every presence update so the
// roster keeps the last one after presence expires.
type StatusMirror interface {
	SetStatusText(ctx context.Context, userID int64, text string) error
}

type Service struct {
	store  Store
	gate   *ratelimit.Gate
	pub    events.Publisher
	mirror StatusMirror
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, gate *ratelimit.Gate, pub events.Publisher, mirror StatusMirror, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		gate:   gate,
		pub:    pub,
		mirror: mirror,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// SetPresence writes the actor's state with a fresh expiry. The status text
// is kept only for away. Setting offline clears the record.
func (s *Service) SetPresence(ctx context.Context, actorID int64, state State, statusText string) (Presence, error) {
	if !state.Valid() {
		return Presence{}, apperr.New(apperr.CodeInvalidArgument, "unknown presence state")
	}
	statusText = strings.TrimSpace(statusText)
	if utf8.RuneCountInString(statusText) > MaxStatusTextLen {
		return Presence{}, apperr.New(apperr.CodeInvalidArgument, "status text is too long")
	}
	if err := s.gate.Allow(ctx, actorID, ratelimit.ActionPresence); err != nil {
		return Presence{}, apperr.Unavailable("rate limit", err)
	}
	if state == StateOffline {
		return Offline(actorID), s.clear(ctx, actorID)
	}
	if state != StateAway {
		statusText = ""
	}

	now := s.now()
	p := Presence{
		UserID:     actorID,
		State:      state,
		StatusText: statusText,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, p); err != nil {
		return Presence{}, apperr.Unavailable("store presence", err)
	}
	if s.mirror != nil {
		if err := s.mirror.SetStatusText(ctx, actorID, statusText); err != nil {
			s.logger.WarnContext(ctx, "mirror status text failed", "user_id", actorID, "error", err)
		}
	}
	s.publish(ctx, p)
	return p, nil
}

// Heartbeat extends the actor's presence, keeping the current state. An
// actor with no live record comes back online.
func (s *Service) Heartbeat(ctx context.Context, actorID int64) (Presence, error) {
	if err := s.gate.Allow(ctx, actorID, ratelimit.ActionPresence); err != nil {
		return Presence{}, apperr.Unavailable("rate limit", err)
	}
	cur, live, err := s.store.Get(ctx, actorID)
	if err != nil {
		return Presence{}, apperr.Unavailable("load presence", err)
	}
	if !live {
		cur = Presence{UserID: actorID, State: StateOnline}
	}

	now := s.now()
	cur.UpdatedAt = now
	cur.ExpiresAt = now.Add(s.ttl)
	if err := s.store.Put(ctx, cur); err != nil {
		return Presence{}, apperr.Unavailable("store presence", err)
	}
	if !live {
		s.publish(ctx, cur)
	}
	return cur, nil
}

// ClearPresence reports the actor offline right away, as on a clean
// disconnect.
func (s *Service) ClearPresence(ctx context.Context, actorID int64) error {
	return s.clear(ctx, actorID)
}

func (s *Service) clear(ctx context.Context, actorID int64) error {
	if err := s.store.Delete(ctx, actorID); err != nil {
		return apperr.Unavailable("clear presence", err)
	}
	s.publish(ctx, Offline(actorID))
	return nil
}

// Get returns userID's presence as viewerID sees it. Missing and expired
// records read as offline.
func (s *Service) Get(ctx context.Context, viewerID, userID int64) (Presence, error) {
	p, live, err := s.store.Get(ctx, userID)
	if err != nil {
		return Presence{}, apperr.Unavailable("load presence", err)
	}
	if !live {
		return Offline(userID), nil
	}
	return p.viewedBy(viewerID), nil
}

// GetMany returns an entry for every requested id.
func (s *Service) GetMany(ctx context.Context, viewerID int64, userIDs []int64) (map[int64]Presence, error) {
	live, err := s.store.GetMany(ctx, userIDs)
	if err != nil {
		return nil, apperr.Unavailable("load presence", err)
	}
	out := make(map[int64]Presence, len(userIDs))
	for _, id := range userIDs {
		if p, ok := live[id]; ok {
			out[id] = p.viewedBy(viewerID)
		} else {
			out[id] = Offline(id)
		}
	}
	return out, nil
}

// publish sends what other users may see.
func (s *Service) publish(ctx context.Context, p Presence) {
	events.Emit(ctx, s.logger, s.pub, events.PresenceTopic(p.UserID), events.KindPresenceChanged, p.viewedBy(0))
}
