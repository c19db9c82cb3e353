package handlers

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/httpx"
)

// windowLimiter allows limit hits per key in each fixed window.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]rateWindow
}

type rateWindow struct {
	count int
	reset time.Time
}

func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) *windowLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{limit: limit, window: window, clock: clock, windows: make(map[string]rateWindow)}
}

// allow records a hit for key. When the window is full it reports how long
// until the next one opens.
func (l *windowLimiter) allow(key string) (bool, time.Duration) {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		l.sweep(now)
		l.windows[key] = rateWindow{count: 1, reset: now.Add(l.window)}
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.reset.Sub(now)
	}
	w.count++
	l.windows[key] = w
	return true, 0
}

func (l *windowLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}

// ThrottleMutations caps POST and PUT requests per authenticated caller. It
// must run after authentication; requests without an identity pass through.
// A non-positive limit disables it.
func ThrottleMutations(limit int, window time.Duration, clock func() time.Time) func(http.Handler) http.Handler {
	if limit <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newWindowLimiter(limit, window, clock)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut {
				next.ServeHTTP(w, r)
				return
			}
			identity, ok := auth.IdentityFromContext(r.Context())
			if !ok || identity == nil || identity.UID == "" {
				next.ServeHTTP(w, r)
				return
			}
			if allowed, wait := limiter.allow(identity.UID); !allowed {
				seconds := int(wait.Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests; retry later", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
