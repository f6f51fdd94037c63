package roster

import (
	"time"

	"go-buddychat/internal/apperr"
)

// LinkKind is the set a counterpart belongs to in one user's roster. A
// counterpart is in at most one set, so a single value per (owner, peer)
// describes it.
type LinkKind string

const (
	LinkNone       LinkKind = ""
	LinkBuddy      LinkKind = "buddy"
	LinkRequestOut LinkKind = "request_out"
	LinkRequestIn  LinkKind = "request_in"
	LinkBlocked    LinkKind = "blocked"
)

// Relation is the relationship between two users as one of them sees it.
type Relation string

const (
	RelationNone            Relation = "none"
	RelationRequestedByMe   Relation = "requested_by_me"
	RelationRequestedByThem Relation = "requested_by_them"
	RelationBuddies         Relation = "buddies"
	RelationBlocked         Relation = "blocked"
)

const MaxStatusTextLen = 140

// Pair holds both directions of a relationship. AB is stored in A's roster,
// BA in B's. Transitions are written with A as the acting user.
type Pair struct {
	A, B   int64
	AB, BA LinkKind
}

func (p Pair) Flip() Pair {
	return Pair{A: p.B, B: p.A, AB: p.BA, BA: p.AB}
}

// Mutual reports whether each side lists the other as a buddy.
func (p Pair) Mutual() bool {
	return p.AB == LinkBuddy && p.BA == LinkBuddy
}

// Blocked reports whether either side has blocked the other.
func (p Pair) Blocked() bool {
	return p.AB == LinkBlocked || p.BA == LinkBlocked
}

// Relation is the relationship from A's point of view. Being blocked by B
// is reported as none.
func (p Pair) Relation() Relation {
	switch {
	case p.AB == LinkBlocked:
		return RelationBlocked
	case p.BA == LinkBlocked:
		return RelationNone
	case p.Mutual():
		return RelationBuddies
	case p.AB == LinkRequestOut:
		return RelationRequestedByMe
	case p.AB == LinkRequestIn:
		return RelationRequestedByThem
	default:
		return RelationNone
	}
}

func (p Pair) with(ab, ba LinkKind) Pair {
	p.AB, p.BA = ab, ba
	return p
}

// Request sends a buddy request from A to B, or completes the relationship
// when B had already asked.
func (p Pair) Request() (Pair, error) {
	if p.A == p.B {
		return p, apperr.New(apperr.CodeInvalidArgument, "cannot add yourself as a buddy")
	}
	if p.Blocked() {
		return p, apperr.ErrBlocked
	}
	switch {
	case p.Mutual():
		return p, nil
	case p.AB == LinkRequestIn:
		return p.with(LinkBuddy, LinkBuddy), nil
	default:
		return p.with(LinkRequestOut, LinkRequestIn), nil
	}
}

// Accept turns B's pending request to A into a buddy relationship.
func (p Pair) Accept() (Pair, error) {
	if p.Mutual() {
		return p, nil
	}
	if p.AB != LinkRequestIn {
		return p, apperr.New(apperr.CodeNotFound, "no pending buddy request from this user")
	}
	return p.with(LinkBuddy, LinkBuddy), nil
}

// Decline drops B's pending request to A.
func (p Pair) Decline() (Pair, error) {
	switch p.AB {
	case LinkRequestIn:
		return p.with(LinkNone, clearIf(p.BA, LinkRequestOut)), nil
	case LinkNone:
		return p, nil
	default:
		return p, apperr.New(apperr.CodeNotFound, "no pending buddy request from this user")
	}
}

// Cancel withdraws A's pending request to B.
func (p Pair) Cancel() (Pair, error) {
	switch p.AB {
	case LinkRequestOut:
		return p.with(LinkNone, clearIf(p.BA, LinkRequestIn)), nil
	case LinkNone:
		return p, nil
	default:
		return p, apperr.New(apperr.CodeNotFound, "no pending buddy request to this user")
	}
}

// Remove tears down the buddy relationship on both sides.
func (p Pair) Remove() (Pair, error) {
	return p.with(clearIf(p.AB, LinkBuddy), clearIf(p.BA, LinkBuddy)), nil
}

// Block wins over any other relation. B keeps its own block of A.
func (p Pair) Block() (Pair, error) {
	if p.A == p.B {
		return p, apperr.New(apperr.CodeInvalidArgument, "cannot block yourself")
	}
	ba := LinkNone
	if p.BA == LinkBlocked {
		ba = LinkBlocked
	}
	return p.with(LinkBlocked, ba), nil
}

// Unblock lifts A's block without restoring what it replaced.
func (p Pair) Unblock() (Pair, error) {
	return p.with(clearIf(p.AB, LinkBlocked), p.BA), nil
}

func clearIf(k, match LinkKind) LinkKind {
	if k == match {
		return LinkNone
	}
	return k
}

// Roster is one user's relationship sets.
type Roster struct {
	UserID      int64     `json:"userId"`
	Buddies     []int64   `json:"buddies"`
	RequestsOut []int64   `json:"requestsOut"`
	RequestsIn  []int64   `json:"requestsIn"`
	Blocked     []int64   `json:"blocked"`
	StatusText  string    `json:"statusText"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

func (r *Roster) add(peer int64, kind LinkKind) {
	switch kind {
	case LinkBuddy:
		r.Buddies = append(r.Buddies, peer)
	case LinkRequestOut:
		r.RequestsOut = append(r.RequestsOut, peer)
	case LinkRequestIn:
		r.RequestsIn = append(r.RequestsIn, peer)
	case LinkBlocked:
		r.Blocked = append(r.Blocked, peer)
	}
}

// Buddy is one entry of the buddy list.
type Buddy struct {
	UserID     int64      `json:"userId"`
	Username   string     `json:"username"`
	State      string     `json:"state"`
	StatusText string     `json:"statusText"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

type RelationResponse struct {
	UserID   int64    `json:"userId"`
	Relation Relation `json:"relation"`
}

type TargetRequest struct {
	UserID int64 `json:"userId"`
}

type StatusRequest struct {
	StatusText string `json:"statusText"`
}

// ChangedEvent is published on both users' roster topics.
type ChangedEvent struct {
	UserID   int64    `json:"userId"`
	PeerID   int64    `json:"peerId"`
	Relation Relation `json:"relation"`
}
