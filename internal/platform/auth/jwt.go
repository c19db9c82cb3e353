package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// JWTVerifier verifies HS256 tokens signed with a shared secret. It serves deployments that
// issue their own session tokens instead of Firebase ID tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// JWTOption customises JWTVerifier instances.
type JWTOption func(*JWTVerifier)

// WithJWTIssuer requires the iss claim to match.
func WithJWTIssuer(issuer string) JWTOption {
	return func(v *JWTVerifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// WithJWTLeeway tolerates clock skew when checking exp and nbf.
func WithJWTLeeway(d time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

func withJWTClock(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewJWTVerifier(secret string, opts ...JWTOption) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt verifier: secret is required")
	}
	v := &JWTVerifier{
		secret: []byte(secret),
		leeway: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// VerifyToken validates signature and time claims. The subject is taken from sub, falling
// back to id for tokens minted as {id, role}.
func (v *JWTVerifier) VerifyToken(_ context.Context, raw string) (VerifiedToken, error) {
	if v == nil {
		return VerifiedToken{}, errors.New("jwt verifier not initialised")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return VerifiedToken{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := v.now()
	if !claims.VerifyExpiresAt(now.Add(-v.leeway).Unix(), false) {
		return VerifiedToken{}, fmt.Errorf("%w: token is expired", ErrTokenExpired)
	}
	if !claims.VerifyNotBefore(now.Add(v.leeway).Unix(), false) {
		return VerifiedToken{}, fmt.Errorf("%w: token is not valid yet", ErrTokenInvalid)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return VerifiedToken{}, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}

	subject := claimAsString(claims, "sub")
	if subject == "" {
		subject = claimAsString(claims, "id")
	}
	if subject == "" {
		return VerifiedToken{}, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	return VerifiedToken{Subject: subject, Claims: map[string]any(claims)}, nil
}
