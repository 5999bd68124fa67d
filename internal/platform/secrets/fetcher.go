// Package secrets resolves secret:// references against Google Secret
// Manager, with an in-process cache and a local file fallback for
// development environments without Secret Manager access.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultVersion      = "latest"
	metricNamespace     = "github.com/meadowmart/api/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// secretManagerClient is the slice of the Secret Manager API the fetcher
// needs; tests substitute a fake.
type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references. Resolved values are cached for the
// process lifetime; payment credentials do not rotate mid-deploy.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger *zap.Logger

	env            string
	defaultProject string
	projectByEnv   map[string]string
	versionPins    map[string]string

	fallbackPath   string
	fallbackOnce   sync.Once
	fallbackValues map[string]string
	fallbackErr    error

	mu    sync.RWMutex
	cache map[string]string

	latency          metric.Float64Histogram
	latencyEnabled   bool
	cacheHits        metric.Int64Counter
	cacheHitsEnabled bool
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	versionPins  map[string]string
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment selects which entry of the project map applies.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies per-environment Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectMap = cloneMap(m)
	}
}

// WithFallbackFile overrides the local fallback secrets file path.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter injects an OpenTelemetry meter for fetch metrics.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconstructed client, for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// WithVersionPins pins references to explicit versions. Keys are canonical
// references, optionally prefixed "env:" to scope a pin to one environment.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.versionPins = cloneMap(pins)
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal;
// the fetcher then serves only the fallback file, which suits local runs.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECRET_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectMap:   map[string]string{},
		versionPins:  map[string]string{},
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	latency, latencyErr := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if latencyErr != nil {
		cfg.logger.Warn("secrets: unable to register latency metric", zap.Error(latencyErr))
	}
	cacheHits, cacheErr := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if cacheErr != nil {
		cfg.logger.Warn("secrets: unable to register cache hit metric", zap.Error(cacheErr))
	}

	f := &Fetcher{
		logger:           cfg.logger,
		env:              cfg.env,
		defaultProject:   cfg.defaultProj,
		projectByEnv:     cloneMap(cfg.projectMap),
		versionPins:      cloneMap(cfg.versionPins),
		fallbackPath:     cfg.fallbackPath,
		cache:            make(map[string]string),
		latency:          latency,
		latencyEnabled:   latencyErr == nil,
		cacheHits:        cacheHits,
		cacheHitsEnabled: cacheErr == nil,
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}

	client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the Secret Manager client when the fetcher owns it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for a secret:// reference. Resolution
// order: cache, Secret Manager, fallback file. Access failures that indicate
// a missing or unreachable backend fall through to the file; other errors are
// returned to the caller.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()

	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(parsed)
	key := cacheKey(parsed.Canonical, version)

	if value, ok := f.cached(key); ok {
		f.countCacheHit(ctx, parsed)
		f.observeFetch(ctx, time.Since(start), "cache", nil)
		return value, nil
	}

	projectID := f.resolveProject(parsed)
	if projectID != "" && f.client != nil {
		value, err := f.accessRemote(ctx, projectID, parsed.Secret, version)
		if err == nil {
			f.remember(key, value)
			f.observeFetch(ctx, time.Since(start), "remote", nil)
			return value, nil
		}
		if !fallbackEligible(err) {
			f.observeFetch(ctx, time.Since(start), "error", err)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.Canonical, err)
		}
		f.logger.Debug("secrets: falling back to local secrets",
			zap.String("ref", parsed.Canonical), zap.Error(err))
	}

	value, ok := f.fromFallbackFile(parsed, version)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", parsed.Canonical)
		f.observeFetch(ctx, time.Since(start), "error", err)
		return "", err
	}

	f.remember(key, value)
	f.observeFetch(ctx, time.Since(start), "fallback", nil)
	return value, nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, ok := f.cache[key]
	return value, ok
}

func (f *Fetcher) remember(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) accessRemote(ctx context.Context, projectID, secretName, version string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, secretName, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) resolveProject(ref secretRef) string {
	if ref.ProjectOverride != "" {
		return ref.ProjectOverride
	}
	if id := strings.TrimSpace(f.projectByEnv[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProject)
}

func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.Version != "" {
		return ref.Version
	}
	if pin := strings.TrimSpace(f.versionPins[f.env+":"+ref.Canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.versionPins[ref.Canonical]); pin != "" {
		return pin
	}
	return defaultVersion
}

func (f *Fetcher) fromFallbackFile(ref secretRef, version string) (string, bool) {
	f.loadFallbackFile()

	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback load error", zap.Error(f.fallbackErr))
		return "", false
	}
	if value, ok := f.fallbackValues[cacheKey(ref.Canonical, version)]; ok {
		return value, true
	}
	value, ok := f.fallbackValues[ref.Canonical]
	return value, ok
}

// loadFallbackFile parses the KEY=value fallback file once. Keys may be
// secret:// references (or the sm:// shorthand); anything else is stored
// verbatim.
func (f *Fetcher) loadFallbackFile() {
	f.fallbackOnce.Do(func() {
		f.fallbackValues = map[string]string{}

		path := strings.TrimSpace(f.fallbackPath)
		if path == "" {
			return
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}

		file, err := os.Open(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.fallbackErr = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
			}
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			name, value, found := strings.Cut(line, "=")
			if !found {
				continue
			}
			name = normalizeFallbackKey(name)
			value = strings.TrimSpace(value)
			if name == "" {
				continue
			}

			parsed, err := parseReference(name)
			if err != nil {
				f.fallbackValues[name] = value
				continue
			}
			version := parsed.Version
			if version == "" {
				version = defaultVersion
			}
			f.fallbackValues[parsed.Canonical] = value
			f.fallbackValues[cacheKey(parsed.Canonical, version)] = value
		}
		if err := scanner.Err(); err != nil {
			f.fallbackErr = fmt.Errorf("secrets: failed reading %s: %w", path, err)
		}
	})
}

func (f *Fetcher) observeFetch(ctx context.Context, d time.Duration, source string, err error) {
	if !f.latencyEnabled {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	f.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (f *Fetcher) countCacheHit(ctx context.Context, ref secretRef) {
	if !f.cacheHitsEnabled {
		return
	}
	// References can embed project hints; only a digest is exported.
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("secret", maskReference(ref.Canonical)),
	))
}

// secretRef is a parsed secret://name?version=N&project=P reference.
type secretRef struct {
	Canonical       string
	Secret          string
	Version         string
	ProjectOverride string
}

func parseReference(ref string) (secretRef, error) {
	if strings.TrimSpace(ref) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return secretRef{
		Canonical:       canonical.String(),
		Secret:          name,
		Version:         strings.TrimSpace(query.Get("version")),
		ProjectOverride: strings.TrimSpace(query.Get("project")),
	}, nil
}

func cacheKey(canonical, version string) string {
	return canonical + "#" + version
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func maskReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

// fallbackEligible reports whether a Secret Manager failure should be served
// from the fallback file instead of surfacing to the caller.
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func normalizeFallbackKey(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "sm://") {
		return "secret://" + strings.TrimPrefix(name, "sm://")
	}
	return name
}
