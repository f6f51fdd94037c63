// Package ratelimit implements per-(actor, action) sliding-window limits.
//
// Memory keeps the windows in process; Redis keeps them in a shared sorted
// set so that several service instances enforce one budget. Both satisfy
// Limiter, so call sites do not change when the backend does.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go-buddychat/internal/apperr"
)

const (
	ActionMessage  = "message"
	ActionPresence = "presence_update"
	ActionTyping   = "typing"
	ActionRoster   = "roster"
)

// Limiter records one action per successful call. A call that would exceed
// limit actions within window fails with apperr.CodeRateLimitExceeded and
// records nothing.
type Limiter interface {
	CheckAndConsume(ctx context.Context, actorID int64, action string, limit int, window time.Duration) error
	Reset(ctx context.Context, actorID int64, action string) error
}

// Rule is one rate-limit policy: at most Limit actions per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Policy maps action names to rules.
type Policy map[string]Rule

// Gate applies a Policy through a Limiter.
type Gate struct {
	limiter Limiter
	policy  Policy
}

func NewGate(limiter Limiter, policy Policy) *Gate {
	return &Gate{limiter: limiter, policy: policy}
}

// Allow consumes one slot of action for actorID. Actions missing from the
// policy are a programming error.
func (g *Gate) Allow(ctx context.Context, actorID int64, action string) error {
	rule, ok := g.policy[action]
	if !ok {
		return fmt.Errorf("ratelimit: unknown action %q", action)
	}
	return g.limiter.CheckAndConsume(ctx, actorID, action, rule.Limit, rule.Window)
}

func (g *Gate) Reset(ctx context.Context, actorID int64, action string) error {
	return g.limiter.Reset(ctx, actorID, action)
}

func exceeded(oldest time.Time, window time.Duration, now time.Time) error {
	return apperr.RateLimited(oldest.Add(window).Sub(now))
}
