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
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultFetchTimeout = 10 * time.Second
	meterName           = "github.com/gigconnect/api/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver turns secret://name references into values from Secret Manager. Resolved values
// are cached for the process lifetime; a local file answers when Secret Manager is not reachable.
type Resolver struct {
	client     accessClient
	ownsClient bool
	projectID  string
	logger     *zap.Logger

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]string

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type resolverConfig struct {
	projectID    string
	logger       *zap.Logger
	fallbackPath string
	meter        metric.Meter
	client       accessClient
	clientOpts   []option.ClientOption
}

// Option customises Resolver construction.
type Option func(*resolverConfig)

// WithProject sets the project used for references without ?project=.
func WithProject(projectID string) Option {
	return func(cfg *resolverConfig) {
		cfg.projectID = strings.TrimSpace(projectID)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *resolverConfig) {
		cfg.logger = logger
	}
}

// WithFallbackFile overrides the local key=value fallback file.
func WithFallbackFile(path string) Option {
	return func(cfg *resolverConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

func WithMeter(m metric.Meter) Option {
	return func(cfg *resolverConfig) {
		cfg.meter = m
	}
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *resolverConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

func withAccessClient(client accessClient) Option {
	return func(cfg *resolverConfig) {
		cfg.client = client
	}
}

// NewResolver builds a Resolver. A Secret Manager client that cannot be created leaves the
// resolver in fallback-only mode rather than failing startup.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	r := &Resolver{
		projectID:    cfg.projectID,
		logger:       cfg.logger,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
	}

	var err error
	if r.latency, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}
	if r.cacheHits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions answered from cache"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register cache metric: %w", err)
	}

	switch {
	case cfg.client != nil:
		r.client = cfg.client
	case r.projectID != "":
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
			break
		}
		r.client = client
		r.ownsClient = true
	}
	return r, nil
}

// Close releases the Secret Manager client when the resolver created it.
func (r *Resolver) Close() error {
	if r == nil || !r.ownsClient || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ResolveSecret satisfies config.SecretResolver.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return r.Resolve(ctx, ref)
}

// Resolve returns the value behind ref. Concurrent callers for the same reference share one fetch.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	value, ok := r.cache[parsed.key()]
	r.mu.RUnlock()
	if ok {
		r.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", mask(parsed.canonical))))
		r.observe(ctx, start, "cache")
		return value, nil
	}

	result, err, _ := r.group.Do(parsed.key(), func() (any, error) {
		value, source, err := r.fetch(ctx, parsed)
		if err != nil {
			r.observe(ctx, start, "error")
			return "", err
		}
		r.mu.Lock()
		r.cache[parsed.key()] = value
		r.mu.Unlock()
		r.observe(ctx, start, source)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *Resolver) fetch(ctx context.Context, ref reference) (string, string, error) {
	project := ref.project
	if project == "" {
		project = r.projectID
	}
	if r.client != nil && project != "" {
		value, err := r.fetchRemote(ctx, project, ref)
		if err == nil {
			return value, "remote", nil
		}
		if !useFallback(err) {
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		r.logger.Debug("secrets: secret manager unreachable, trying fallback", zap.String("ref", ref.canonical), zap.Error(err))
	}

	if value, ok := r.lookupFallback(ref); ok {
		return value, "fallback", nil
	}
	return "", "", fmt.Errorf("secrets: no value for %s", ref.canonical)
}

func (r *Resolver) fetchRemote(ctx context.Context, project string, ref reference) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name},
		gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.ResourceExhausted}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			})
		}),
	)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *Resolver) lookupFallback(ref reference) (string, bool) {
	r.fallbackOnce.Do(func() {
		r.fallback = readFallbackFile(r.fallbackPath, r.logger)
	})
	if value, ok := r.fallback[ref.key()]; ok {
		return value, true
	}
	value, ok := r.fallback[ref.canonical]
	return value, ok
}

func (r *Resolver) observe(ctx context.Context, start time.Time, source string) {
	r.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

func readFallbackFile(path string, logger *zap.Logger) map[string]string {
	values := make(map[string]string)
	if path == "" {
		return values
	}
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("secrets: unable to open fallback file", zap.String("path", path), zap.Error(err))
		}
		return values
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		parsed, err := parseReference(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		values[parsed.canonical] = value
		values[parsed.key()] = value
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("secrets: failed reading fallback file", zap.String("path", path), zap.Error(err))
	}
	return values
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func (r reference) key() string {
	return r.canonical + "#" + r.version
}

// parseReference accepts secret://name and sm://name with optional version and project query params.
func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	if strings.HasPrefix(raw, "sm://") {
		raw = "secret://" + strings.TrimPrefix(raw, "sm://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		canonical: "secret://" + name,
		name:      name,
		version:   version,
		project:   strings.TrimSpace(u.Query().Get("project")),
	}, nil
}

func useFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func mask(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}
