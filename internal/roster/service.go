package roster

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/events"
	"go-buddychat/internal/presence"
	"go-buddychat/internal/ratelimit"
)

// Store persists roster sets. WithPair must apply fn atomically for the pair.
type Store interface {
	WithPair(ctx context.Context, a, b int64, fn func(Pair) (Pair, error)) (Pair, bool, error)
	Pair(ctx context.Context, a, b int64) (Pair, error)
	Roster(ctx context.Context, userID int64) (Roster, error)
	MutualBuddies(ctx context.Context, userID int64) ([]int64, error)
	SetStatusText(ctx context.Context, userID int64, text string) error
	StatusTexts(ctx context.Context, ids []int64) (map[int64]string, error)
}

// Directory resolves user ids to usernames.
type Directory interface {
	Usernames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// PresenceReader reads presence as seen by a viewer.
type PresenceReader interface {
	GetMany(ctx context.Context, viewerID int64, userIDs []int64) (map[int64]presence.Presence, error)
}

type Service struct {
	store    Store
	users    Directory
	presence PresenceReader
	gate     *ratelimit.Gate
	pub      events.Publisher
	logger   *slog.Logger
}

func NewService(store Store, users Directory, pr PresenceReader, gate *ratelimit.Gate, pub events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		users:    users,
		presence: pr,
		gate:     gate,
		pub:      pub,
		logger:   logger,
	}
}

func (s *Service) RequestBuddy(ctx context.Context, actorID, targetID int64) (Relation, error) {
	return s.transition(ctx, actorID, targetID, "request buddy", Pair.Request)
}

func (s *Service) AcceptBuddy(ctx context.Context, actorID, requesterID int64) (Relation, error) {
	return s.transition(ctx, actorID, requesterID, "accept buddy", Pair.Accept)
}

func (s *Service) DeclineBuddy(ctx context.Context, actorID, requesterID int64) (Relation, error) {
	return s.transition(ctx, actorID, requesterID, "decline buddy", Pair.Decline)
}

func (s *Service) CancelRequest(ctx context.Context, actorID, targetID int64) (Relation, error) {
	return s.transition(ctx, actorID, targetID, "cancel request", Pair.Cancel)
}

func (s *Service) RemoveBuddy(ctx context.Context, actorID, buddyID int64) (Relation, error) {
	return s.transition(ctx, actorID, buddyID, "remove buddy", Pair.Remove)
}

func (s *Service) Block(ctx context.Context, actorID, targetID int64) (Relation, error) {
	return s.transition(ctx, actorID, targetID, "block", Pair.Block)
}

func (s *Service) Unblock(ctx context.Context, actorID, targetID int64) (Relation, error) {
	return s.transition(ctx, actorID, targetID, "unblock", Pair.Unblock)
}

// transition rate-limits, applies fn to the (actor, target) pair and tells
// both users when something changed.
func (s *Service) transition(ctx context.Context, actorID, targetID int64, op string, fn func(Pair) (Pair, error)) (Relation, error) {
	if targetID <= 0 {
		return "", apperr.New(apperr.CodeInvalidArgument, "invalid user id")
	}
	if targetID == actorID {
		return "", apperr.New(apperr.CodeInvalidArgument, "cannot target yourself")
	}
	if err := s.gate.Allow(ctx, actorID, ratelimit.ActionRoster); err != nil {
		return "", apperr.Unavailable("rate limit", err)
	}

	p, changed, err := s.store.WithPair(ctx, actorID, targetID, fn)
	if err != nil {
		return "", apperr.Unavailable(op, err)
	}
	if changed {
		s.logger.InfoContext(ctx, "roster changed", "op", op, "user_id", actorID, "peer_id", targetID)
		s.publishPair(ctx, p)
	}
	return p.Relation(), nil
}

func (s *Service) publishPair(ctx context.Context, p Pair) {
	for _, side := range []Pair{p, p.Flip()} {
		events.Emit(ctx, s.logger, s.pub, events.RosterTopic(side.A), events.KindRosterChanged,
			ChangedEvent{UserID: side.A, PeerID: side.B, Relation: side.Relation()})
	}
}

// Relation reports how actorID relates to otherID.
func (s *Service) Relation(ctx context.Context, actorID, otherID int64) (Relation, error) {
	if otherID == actorID {
		return RelationNone, nil
	}
	p, err := s.store.Pair(ctx, actorID, otherID)
	if err != nil {
		return "", apperr.Unavailable("load roster", err)
	}
	return p.Relation(), nil
}

// IsMutualBuddy is the authoritative friendship check.
func (s *Service) IsMutualBuddy(ctx context.Context, a, b int64) (bool, error) {
	if a == b {
		return false, nil
	}
	p, err := s.store.Pair(ctx, a, b)
	if err != nil {
		return false, apperr.Unavailable("load roster", err)
	}
	return p.Mutual(), nil
}

// AssertNotBlocked fails with the same Forbidden error whichever side
// blocked.
func (s *Service) AssertNotBlocked(ctx context.Context, a, b int64) error {
	if a == b {
		return nil
	}
	p, err := s.store.Pair(ctx, a, b)
	if err != nil {
		return apperr.Unavailable("load roster", err)
	}
	if p.Blocked() {
		return apperr.ErrBlocked
	}
	return nil
}

func (s *Service) Roster(ctx context.Context, actorID int64) (Roster, error) {
	ro, err := s.store.Roster(ctx, actorID)
	if err != nil {
		return Roster{}, apperr.Unavailable("load roster", err)
	}
	return ro, nil
}

func (s *Service) SetStatusText(ctx context.Context, actorID int64, text string) error {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > MaxStatusTextLen {
		return apperr.New(apperr.CodeInvalidArgument, "status text is too long")
	}
	if err := s.gate.Allow(ctx, actorID, ratelimit.ActionRoster); err != nil {
		return apperr.Unavailable("rate limit", err)
	}
	if err := s.store.SetStatusText(ctx, actorID, text); err != nil {
		return apperr.Unavailable("set status text", err)
	}
	return nil
}

// BuddyList returns the actor's mutual buddies with username, presence and
// status text. Presence text wins over the roster's stored one.
func (s *Service) BuddyList(ctx context.Context, actorID int64) ([]Buddy, error) {
	ids, err := s.store.MutualBuddies(ctx, actorID)
	if err != nil {
		return nil, apperr.Unavailable("load buddies", err)
	}
	if len(ids) == 0 {
		return []Buddy{}, nil
	}

	var (
		names    map[int64]string
		statuses map[int64]presence.Presence
		texts    map[int64]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		names, err = s.users.Usernames(gctx, ids)
		return err
	})
	g.Go(func() error {
		var err error
		statuses, err = s.presence.GetMany(gctx, actorID, ids)
		return err
	})
	g.Go(func() error {
		var err error
		texts, err = s.store.StatusTexts(gctx, ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, apperr.Unavailable("load buddy list", err)
	}

	out := make([]Buddy, 0, len(ids))
	for _, id := range ids {
		b := Buddy{UserID: id, Username: names[id], State: string(presence.StateOffline), StatusText: texts[id]}
		if p, ok := statuses[id]; ok {
			b.State = string(p.State)
			if p.StatusText != "" {
				b.StatusText = p.StatusText
			}
			if !p.UpdatedAt.IsZero() {
				updated := p.UpdatedAt
				b.UpdatedAt = &updated
			}
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Username), strings.ToLower(out[j].Username)
		if a != b {
			return a < b
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}
