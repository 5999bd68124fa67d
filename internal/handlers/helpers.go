package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/platform/httpx"
	"github.com/meadowmart/api/internal/platform/pagination"
	"github.com/meadowmart/api/internal/platform/requestctx"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	maxBodySize = 64 * 1024
)

var errBodyTooLarge = errors.New("handlers: request body too large")

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("handlers: read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, out any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		} else {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// requireActor resolves the gateway-authenticated actor or writes a 401.
func requireActor(w http.ResponseWriter, r *http.Request) (requestctx.Actor, bool) {
	ctx := r.Context()
	actor, ok := requestctx.ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.ID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return requestctx.Actor{}, false
	}
	return actor, true
}

// requireStaff resolves an actor with a staff role or writes a 403.
func requireStaff(w http.ResponseWriter, r *http.Request) (requestctx.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return requestctx.Actor{}, false
	}
	if !actor.IsStaff() {
		httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "staff role required", http.StatusForbidden))
		return requestctx.Actor{}, false
	}
	return actor, true
}

// parsePager extracts page size and cursor from the request, translating the
// opaque page token into the repository cursor value.
func parsePager(w http.ResponseWriter, r *http.Request) (domain.Pagination, bool) {
	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultPageSize,
		MaxPageSize:     maxPageSize,
	})
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return domain.Pagination{}, false
	}
	return domain.Pagination{
		PageSize:  params.PageSize,
		PageToken: cursorValue(params.Cursor),
	}, true
}

func cursorValue(cursor pagination.Cursor) string {
	values := cursor.StartAfter
	if len(values) == 0 {
		values = cursor.StartAt
	}
	if len(values) == 0 {
		return ""
	}
	if s, ok := values[0].(string); ok {
		return s
	}
	return ""
}

func encodePageToken(repoToken string) string {
	repoToken = strings.TrimSpace(repoToken)
	if repoToken == "" {
		return ""
	}
	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{repoToken}})
	if err != nil {
		return ""
	}
	return token
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
