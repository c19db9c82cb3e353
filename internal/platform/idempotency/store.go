package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a stored response can be replayed.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle of a key: reserved while the handler runs, completed once
// its response is stored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState tells the middleware what to do with a request.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and must run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means Record holds a response to replay.
	ReservationStateCompleted
	// ReservationStatePending means another request holds the key.
	ReservationStatePending
)

type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is one stored key. Key is the requester-scoped key, not the raw header.
type Record struct {
	Key         string
	Fingerprint string
	Status      Status
	Response    Response
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is the handler output kept for replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations. Implementations must make Reserve atomic per key.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch reports a key reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// reserve decides the outcome for a key given what is stored. When write is true the
// returned record must be persisted before the reservation is handed out.
func reserve(stored Record, found bool, key, fingerprint string, now time.Time, ttl time.Duration) (res Reservation, write bool, err error) {
	if !found || stored.expired(now) {
		record := Record{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(effectiveTTL(ttl)),
		}
		return Reservation{State: ReservationStateNew, Record: record}, true, nil
	}
	if stored.Fingerprint != fingerprint {
		return Reservation{}, false, ErrFingerprintMismatch
	}
	if stored.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: stored}, false, nil
	}
	return Reservation{State: ReservationStatePending, Record: stored}, false, nil
}

// complete folds resp into the stored record. A missing record is recreated so a
// response is never lost to a concurrent cleanup.
func complete(stored Record, found bool, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	if found && stored.Fingerprint != fingerprint {
		return Record{}, ErrFingerprintMismatch
	}
	if !found {
		stored = Record{Key: key, Fingerprint: fingerprint}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.Status = StatusCompleted
	stored.Response = Response{
		Status:  resp.Status,
		Headers: replayableHeaders(resp.Headers),
		Body:    append([]byte(nil), resp.Body...),
	}
	stored.UpdatedAt = now
	stored.ExpiresAt = now.Add(effectiveTTL(ttl))
	return stored, nil
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// documentID hashes the scoped key so arbitrary header values map to safe ids.
func documentID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Date":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func replayableHeaders(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := hopByHopHeaders[canonical]; skip {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}
