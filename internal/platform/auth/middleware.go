package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	domain "github.com/gigconnect/api/internal/domain"
)

const (
	defaultRoleClaim     = "role"
	defaultEmailClaim    = "email"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the bearer token failed verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// VerifiedToken is the verifier-neutral result of checking a bearer token.
type VerifiedToken struct {
	Subject string
	Claims  map[string]any
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, raw string) (VerifiedToken, error)
}

// Authenticator wires token verification into HTTP middleware.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	timeout   time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the claim carrying the marketplace role.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		timeout:   defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth verifies the bearer token and stores the identity in the request context.
// When roles are supplied the identity must carry one of them; otherwise any known role passes.
func (a *Authenticator) RequireAuth(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
			token, err := a.verifier.VerifyToken(ctx, raw)
			cancel()
			if err != nil {
				respondVerificationError(w, err)
				return
			}

			role, ok := domain.ParseRole(claimAsString(token.Claims, a.roleClaim))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "missing_role", "no marketplace role associated with identity")
				return
			}
			identity := &Identity{
				UID:    strings.TrimSpace(token.Subject),
				Email:  claimAsString(token.Claims, defaultEmailClaim),
				Role:   role,
				Claims: token.Claims,
			}
			if identity.UID == "" {
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "token subject missing")
				return
			}
			if len(roles) > 0 && !identity.HasRole(roles...) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

func respondVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "token expired")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
	}
}
