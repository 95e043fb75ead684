// Package auth extracts the calling principal from trusted gateway headers
// and guards member-only and internal routes.
//
// The edge proxy terminates the user session and forwards identity as
// headers; this service only needs to know whether the caller is a member
// or a phone-verified guest.
package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	domain "github.com/mentree/api/internal/domain"
)

const (
	memberIDHeader      = "X-Member-Id"
	guestIDHeader       = "X-Guest-Id"
	guestVerifiedHeader = "X-Guest-Phone-Verified"
)

type actorContextKey struct{}

// WithActor stores the actor on the context for downstream handlers.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext retrieves the actor previously stored in context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	if !ok || actor.Kind == "" {
		return domain.Actor{}, false
	}
	return actor, true
}

// ActorFromHeaders parses the identity headers into an actor. A member header
// wins when both are present.
func ActorFromHeaders(h http.Header) (domain.Actor, bool) {
	if raw := strings.TrimSpace(h.Get(memberIDHeader)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return domain.Actor{}, false
		}
		return domain.Actor{Kind: domain.ActorMember, MemberID: id}, true
	}

	if raw := strings.TrimSpace(h.Get(guestIDHeader)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return domain.Actor{}, false
		}
		verified := strings.EqualFold(strings.TrimSpace(h.Get(guestVerifiedHeader)), "true")
		return domain.Actor{Kind: domain.ActorGuest, GuestID: id, PhoneVerified: verified}, true
	}

	return domain.Actor{}, false
}

// Middleware stores any forwarded identity on the request context. Requests
// without identity headers pass through anonymously; per-route guards decide
// whether that is acceptable.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor, ok := ActorFromHeaders(r.Header); ok {
				r = r.WithContext(WithActor(r.Context(), actor))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireActor rejects requests that carry no identity at all.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFromContext(r.Context()); !ok {
			respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "identity required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireMember rejects guests and anonymous callers.
func RequireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "identity required")
			return
		}
		if actor.Kind != domain.ActorMember {
			respondAuthError(w, http.StatusForbidden, "member_only", "this endpoint requires a member account")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}
