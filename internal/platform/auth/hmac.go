// Package auth verifies signed webhook requests. Payment callbacks mutate
// wallet balances, so the webhook group refuses anything without a valid
// signature, a fresh timestamp and an unseen nonce.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Webhook-Signature"
	defaultTimestampHeader = "X-Webhook-Timestamp"
	defaultNonceHeader     = "X-Webhook-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves the shared secret for a named integration.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore records nonces so a captured request cannot be replayed. UseNonce
// returns true when the nonce was fresh and is now stored.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local nonce registry for tests and
// single-instance deployments.
type InMemoryNonceStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
}

// NewInMemoryNonceStore returns an empty registry.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[string]time.Time)}
}

// UseNonce stores the nonce until expiry. A nonce already held is a replay.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	key := scope + "::" + nonce
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, exp := range s.seen {
		if exp.Before(now) {
			delete(s.seen, k)
		}
	}

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	if held, ok := s.seen[key]; ok && held.After(now) {
		return false, nil
	}

	s.seen[key] = expiry
	return true, nil
}

// HMACValidator checks request signatures against a named shared secret.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator over the provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the verification metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects the clock, for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders overrides the signature header names.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew widens or narrows the accepted timestamp window.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL sets how long nonces are held against replay.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata is attached to the request context after verification.
type HMACMetadata struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacContextKey struct{}

// WithHMACMetadata stores verification metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext returns metadata attached by RequireHMAC.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// verifyFailure carries the rejection details for one failed check.
type verifyFailure struct {
	httpStatus int
	code       string
	message    string
	reason     string
}

// RequireHMAC rejects requests whose signature does not verify against the
// named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			meta, failure := v.verify(ctx, r, secretName)
			if failure != nil {
				if failure.reason == "secret_unavailable" || failure.reason == "nonce_store_error" {
					v.logger.Printf("auth: webhook verification unavailable: %s", failure.reason)
				}
				v.record(ctx, false, failure.reason, start)
				respondAuthError(w, failure.httpStatus, failure.code, failure.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

func (v *HMACValidator) verify(ctx context.Context, r *http.Request, secretName string) (*HMACMetadata, *verifyFailure) {
	if secretName == "" {
		return nil, &verifyFailure{http.StatusServiceUnavailable, "verification_unavailable", "webhook secret not configured", "secret_not_configured"}
	}

	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		return nil, &verifyFailure{http.StatusServiceUnavailable, "verification_unavailable", "webhook secret unavailable", "secret_unavailable"}
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if rawSignature == "" {
		return nil, &verifyFailure{http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing"}
	}

	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if rawTimestamp == "" {
		return nil, &verifyFailure{http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", "timestamp_missing"}
	}
	timestamp, err := parseSignatureTimestamp(rawTimestamp)
	if err != nil {
		return nil, &verifyFailure{http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", "timestamp_invalid"}
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, &verifyFailure{http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", "timestamp_skew"}
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, &verifyFailure{http.StatusUnauthorized, "nonce_missing", "signature nonce missing", "nonce_missing"}
	}

	body, err := snapshotBody(r)
	if err != nil {
		return nil, &verifyFailure{http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable"}
	}

	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return nil, &verifyFailure{http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid"}
	}

	expected := signPayload(secret, canonicalPayload(r, body, rawTimestamp, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, &verifyFailure{http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch"}
	}

	if v.nonces == nil {
		return nil, &verifyFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable", "nonce_store_unavailable"}
	}

	hold := timestamp.Add(v.nonceTTL)
	if hold.Before(v.now()) {
		hold = v.now().Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, secretName, nonce, hold)
	if err != nil {
		return nil, &verifyFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error", "nonce_store_error"}
	}
	if !fresh {
		return nil, &verifyFailure{http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", "nonce_replay"}
	}

	return &HMACMetadata{
		SecretName:   secretName,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Signature:    signature,
		RawSignature: rawSignature,
	}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

// snapshotBody reads the body and puts an equivalent reader back so the
// handler still sees it.
func snapshotBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts base64 or hex encodings.
func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC 3339 or Unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalPayload is the signed string: method, path, timestamp, nonce and
// the body digest, newline joined. Both sides must build it identically.
func canonicalPayload(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
}

func signPayload(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
