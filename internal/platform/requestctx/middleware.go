package requestctx

import (
	"net/http"
	"strings"
)

const (
	actorIDHeader   = "X-Actor-Id"
	actorRoleHeader = "X-Actor-Role"
)

// ActorMiddleware lifts the caller identity from gateway headers onto the
// request context. Requests without an actor header pass through unchanged;
// handlers that need an identity reject those themselves.
func ActorMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(actorIDHeader))
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			actor := Actor{
				ID:   id,
				Role: strings.ToLower(strings.TrimSpace(r.Header.Get(actorRoleHeader))),
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
