package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
	"github.com/gigconnect/api/internal/platform/auth"
)

func TestWindowLimiter(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	l := newWindowLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("buyer-1"); !ok {
			t.Fatalf("hit %d rejected", i)
		}
	}
	ok, wait := l.allow("buyer-1")
	if ok || wait != time.Minute {
		t.Fatalf("third hit: ok=%v wait=%s", ok, wait)
	}
	if ok, _ := l.allow("buyer-2"); !ok {
		t.Fatal("keys must not share a window")
	}

	now = now.Add(time.Minute)
	if ok, _ := l.allow("buyer-1"); !ok {
		t.Fatal("new window should allow again")
	}
	if _, stale := l.windows["buyer-2"]; stale {
		t.Fatal("expired windows should be swept")
	}
}

func TestThrottleMutations(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var calls int
	h := ThrottleMutations(1, 30*time.Second, func() time.Time { return now })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	send := func(method, uid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/orders/ord_1/dispute", nil)
		if uid != "" {
			req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Role: domain.RoleBuyer}))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(http.MethodPut, "buyer-1"); rr.Code != http.StatusOK {
		t.Fatalf("first mutation status %d", rr.Code)
	}
	rr := send(http.MethodPut, "buyer-1")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "30" {
		t.Fatalf("second mutation: status=%d retry-after=%q", rr.Code, rr.Header().Get("Retry-After"))
	}
	if rr := send(http.MethodGet, "buyer-1"); rr.Code != http.StatusOK {
		t.Fatalf("reads must not be throttled, got %d", rr.Code)
	}
	if rr := send(http.MethodPut, ""); rr.Code != http.StatusOK {
		t.Fatalf("anonymous requests pass through, got %d", rr.Code)
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
}

func TestThrottleMutationsDisabled(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	if got := ThrottleMutations(0, time.Minute, nil)(next); got == nil {
		t.Fatal("disabled throttle must return the next handler")
	}
}
