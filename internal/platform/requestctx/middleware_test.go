package requestctx

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestActorMiddlewareLiftsHeaders(t *testing.T) {
	var got Actor
	var ok bool
	handler := ActorMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Actor-Id", "cust_123")
	req.Header.Set("X-Actor-Role", "Admin")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !ok {
		t.Fatal("expected actor on context")
	}
	if got.ID != "cust_123" || got.Role != "admin" {
		t.Fatalf("unexpected actor: %+v", got)
	}
	if !got.IsStaff() {
		t.Fatal("admin role should be staff")
	}
}

func TestActorMiddlewarePassesThroughWithoutHeader(t *testing.T) {
	var ok bool
	handler := ActorMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = ActorFromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if ok {
		t.Fatal("expected no actor on context")
	}
}
