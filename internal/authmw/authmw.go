// Package authmw provides HTTP middleware for service token authentication and
// for reading the acting principal forwarded by the gateway.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/grievd/internal/grievance"
)

// Headers carrying the authenticated principal.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
)

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value. Comparison uses
// constant-time equality to prevent timing side-channel attacks.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			if subtle.ConstantTimeCompare(got, expected) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type actorKey struct{}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a grievance.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor stored by the Actor middleware.
func ActorFromContext(ctx context.Context) (grievance.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(grievance.Actor)
	return a, ok
}

// Actor returns middleware that reads the actor from the X-Actor-Id and
// X-Actor-Role headers. Requests without a valid pair are rejected with 401.
func Actor() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(HeaderActorID))
			if id == "" {
				http.Error(w, `{"error":"missing actor id"}`, http.StatusUnauthorized)
				return
			}
			role, err := grievance.ParseRole(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
			if err != nil {
				http.Error(w, `{"error":"missing or unknown actor role"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithActor(r.Context(), grievance.Actor{ID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
