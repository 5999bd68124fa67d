// Package pagination parses the pageSize/pageToken query parameters shared by
// every list endpoint and packages Firestore cursors into opaque tokens.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize applies when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize to keep list queries bounded.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Cursor holds the Firestore start position a page token encodes.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
	StartAt    []any `json:"startAt,omitempty"`
}

// Params is the normalised paging input extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Options tune parsing per endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest reads the paging query parameters off the request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse normalises the supplied query values. An out-of-range pageSize clamps
// to the maximum; a malformed pageToken is an error, never silently ignored.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	size, err := clampPageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: size}

	token := strings.TrimSpace(values.Get("pageToken"))
	if token != "" {
		cursor, err := DecodeToken(token)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = token
		params.Cursor = cursor
	}

	return params, nil
}

func clampPageSize(raw string, opts Options) (int, error) {
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	defaultSize := opts.DefaultPageSize
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	if defaultSize > maxSize {
		defaultSize = maxSize
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultSize, nil
	}

	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if size > maxSize {
		size = maxSize
	}
	return size, nil
}

// EncodeToken serialises a cursor into a URL-safe opaque token. An empty
// cursor yields an empty token, signalling the last page.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken reverses EncodeToken. Tokens are opaque to clients; anything
// that does not round-trip is rejected as invalid.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}
