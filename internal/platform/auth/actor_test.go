package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	domain "github.com/mentree/api/internal/domain"
)

func TestActorFromHeadersMember(t *testing.T) {
	h := http.Header{}
	h.Set("X-Member-Id", "100")

	actor, ok := ActorFromHeaders(h)
	if !ok {
		t.Fatalf("expected actor")
	}
	if actor.Kind != domain.ActorMember || actor.MemberID != 100 {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestActorFromHeadersGuest(t *testing.T) {
	h := http.Header{}
	h.Set("X-Guest-Id", "55")
	h.Set("X-Guest-Phone-Verified", "true")

	actor, ok := ActorFromHeaders(h)
	if !ok {
		t.Fatalf("expected actor")
	}
	if actor.Kind != domain.ActorGuest || actor.GuestID != 55 || !actor.PhoneVerified {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestActorFromHeadersMemberWinsOverGuest(t *testing.T) {
	h := http.Header{}
	h.Set("X-Member-Id", "100")
	h.Set("X-Guest-Id", "55")

	actor, ok := ActorFromHeaders(h)
	if !ok || actor.Kind != domain.ActorMember {
		t.Fatalf("expected member actor, got %+v", actor)
	}
}

func TestActorFromHeadersRejectsGarbage(t *testing.T) {
	for _, value := range []string{"abc", "-1", "0"} {
		h := http.Header{}
		h.Set("X-Member-Id", value)
		if _, ok := ActorFromHeaders(h); ok {
			t.Fatalf("expected no actor for member id %q", value)
		}
	}
}

func TestMiddlewareStoresActorOnContext(t *testing.T) {
	var seen domain.Actor
	var found bool
	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, found = ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Member-Id", "7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !found || seen.MemberID != 7 {
		t.Fatalf("expected member 7 on context, got %+v found=%v", seen, found)
	}
}

func TestRequireMemberRejectsGuests(t *testing.T) {
	handler := Middleware()(RequireMember(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Guest-Id", "55")
	req.Header.Set("X-Guest-Phone-Verified", "true")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireActorRejectsAnonymous(t *testing.T) {
	handler := Middleware()(RequireActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
