package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"go-buddychat/internal/apperr"
	"go-buddychat/internal/web"
)

type contextKey string

const actorKey contextKey = "actor"

// Actor is the authenticated caller attached to every request.
type Actor struct {
	ID       int64
	Username string
	Admin    bool
}

// TokenValidator is what we need from the user service.
// This interface decouples 'middleware' from 'user'.
type TokenValidator interface {
	ValidateToken(tokenString string) (Actor, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				tokenString = parts[1]
			}
		}

		// Browsers cannot set headers on a websocket upgrade.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			web.Error(w, r, apperr.New(apperr.CodeUnauthenticated, "missing authentication token"))
			return
		}

		actor, err := am.validator.ValidateToken(tokenString)
		if err != nil || actor.ID <= 0 {
			web.Error(w, r, apperr.New(apperr.CodeUnauthenticated, "invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the authenticated actor or an Unauthenticated error.
func ActorFrom(ctx context.Context) (Actor, error) {
	actor, ok := ctx.Value(actorKey).(Actor)
	if !ok || actor.ID <= 0 {
		return Actor{}, apperr.ErrUnauthenticated
	}
	return actor, nil
}
