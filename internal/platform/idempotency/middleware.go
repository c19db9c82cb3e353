package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/httpx"
)

const (
	defaultHeaderName   = "Idempotency-Key"
	replayHeaderName    = "X-Idempotent-Replay"
	defaultMaxBodyBytes = 32 << 20
)

var errBodyTooLarge = errors.New("idempotency: request body too large")

type clockFunc func() time.Time

type middlewareConfig struct {
	headerName  string
	ttl         time.Duration
	methods     map[string]struct{}
	clock       clockFunc
	logger      *zap.Logger
	requireKey  bool
	storeErrors bool
	maxBody     int64
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header name used to extract the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		name = strings.TrimSpace(name)
		if name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL configures how long completed idempotency records are retained.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods restricts the HTTP methods guarded by the middleware.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if len(methods) == 0 {
			return
		}
		cfg.methods = make(map[string]struct{}, len(methods))
		for _, method := range methods {
			method = strings.ToUpper(strings.TrimSpace(method))
			if method == "" {
				continue
			}
			cfg.methods[method] = struct{}{}
		}
	}
}

// WithLogger injects a logger for persistence errors.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

// WithRequiredKey rejects guarded requests that omit the idempotency header.
// By default such requests pass through untouched.
func WithRequiredKey() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.requireKey = true
	}
}

// WithServerErrorReplay stores 5xx responses as well. Without it a server
// error releases the key so the client may retry.
func WithServerErrorReplay() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.storeErrors = true
	}
}

// WithMaxBodyBytes caps the body buffered for fingerprinting.
func WithMaxBodyBytes(limit int64) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if limit > 0 {
			cfg.maxBody = limit
		}
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(clock clockFunc) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func defaultMethods() map[string]struct{} {
	return map[string]struct{}{
		http.MethodPost: {},
		http.MethodPut:  {},
	}
}

// Middleware replays stored responses for repeated mutating requests that carry
// the same key, caller and request fingerprint.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		methods:    defaultMethods(),
		clock:      time.Now,
		maxBody:    defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if len(cfg.methods) == 0 {
		cfg.methods = defaultMethods()
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return &guard{cfg: cfg, store: store, next: next}
	}
}

type guard struct {
	cfg   middlewareConfig
	store Store
	next  http.Handler
}

// attempt is one keyed request that won its reservation.
type attempt struct {
	key         string
	fingerprint string
	logger      *zap.Logger
}

func (g *guard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, guarded := g.cfg.methods[r.Method]; !guarded {
		g.next.ServeHTTP(w, r)
		return
	}
	clientKey := strings.TrimSpace(r.Header.Get(g.cfg.headerName))
	if clientKey == "" {
		if g.cfg.requireKey {
			respondError(r.Context(), w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
			return
		}
		g.next.ServeHTTP(w, r)
		return
	}

	a, ok := g.reserve(w, r, clientKey)
	if !ok {
		return
	}
	c := newCapture(w)
	g.next.ServeHTTP(c, r)
	g.settle(r.Context(), w, a, c)
}

// reserve claims the key. It answers the request itself, returning false, for
// replays, conflicts and store failures.
func (g *guard) reserve(w http.ResponseWriter, r *http.Request, clientKey string) (attempt, bool) {
	ctx := r.Context()
	body, err := readAndReplayBody(r, g.cfg.maxBody)
	switch {
	case errors.Is(err, errBodyTooLarge):
		respondError(ctx, w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds allowed size")
		return attempt{}, false
	case err != nil:
		respondError(ctx, w, http.StatusBadRequest, "idempotency_read_body_failed", "unable to read request body")
		return attempt{}, false
	}

	requester := extractRequester(ctx)
	a := attempt{
		key:         scopedKey(clientKey, requester),
		fingerprint: requestFingerprint(r, body, requester),
		logger:      g.cfg.logger.With(zap.String("idempotency_key", clientKey), zap.String("requester", requester)),
	}

	reservation, err := g.store.Reserve(ctx, a.key, a.fingerprint, g.cfg.clock().UTC(), g.cfg.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		respondError(ctx, w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return attempt{}, false
	case err != nil:
		a.logger.Error("idempotency reserve failed", zap.Error(err))
		respondError(ctx, w, http.StatusServiceUnavailable, "idempotency_store_error", "unable to process idempotency key")
		return attempt{}, false
	}

	switch reservation.State {
	case ReservationStateNew:
		return a, true
	case ReservationStateCompleted:
		replay(w, reservation.Record.Response)
	case ReservationStatePending:
		respondError(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
	default:
		respondError(ctx, w, http.StatusInternalServerError, "idempotency_unknown_state", "unexpected idempotency state")
	}
	return attempt{}, false
}

// settle stores the captured response and flushes it to the client. Server
// errors release the key instead unless WithServerErrorReplay is set.
func (g *guard) settle(ctx context.Context, w http.ResponseWriter, a attempt, c *capture) {
	if c.Status() >= http.StatusInternalServerError && !g.cfg.storeErrors {
		g.release(ctx, a)
		g.flush(a, c)
		return
	}

	resp := Response{Status: c.Status(), Headers: c.handlerHeaders(), Body: c.Body()}
	if err := g.store.SaveResponse(ctx, a.key, a.fingerprint, resp, g.cfg.clock().UTC(), g.cfg.ttl); err != nil {
		a.logger.Error("idempotency save failed", zap.Error(err))
		g.release(ctx, a)
		respondError(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}
	g.flush(a, c)
}

func (g *guard) release(ctx context.Context, a attempt) {
	if err := g.store.Release(ctx, a.key, a.fingerprint); err != nil {
		a.logger.Warn("idempotency release failed", zap.Error(err))
	}
}

func (g *guard) flush(a attempt, c *capture) {
	if err := c.Commit(); err != nil {
		a.logger.Warn("idempotency flush failed", zap.Error(err))
	}
}

func readAndReplayBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint binds a key to one request shape and one requester.
func requestFingerprint(r *http.Request, body []byte, identity string) string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		identity,
	} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{'|'})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func extractRequester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

// scopedKey namespaces a client key by caller so two users cannot collide.
func scopedKey(key, identity string) string {
	if identity = strings.TrimSpace(identity); identity == "" {
		identity = "anonymous"
	}
	return strings.TrimSpace(key) + "|" + identity
}

// replay writes a stored response over whatever headers outer middleware set.
func replay(w http.ResponseWriter, resp Response) {
	header := w.Header()
	for key, values := range resp.Headers {
		header[key] = slices.Clone(values)
	}
	header.Set(replayHeaderName, "true")

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
