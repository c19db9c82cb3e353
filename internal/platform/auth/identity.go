package auth

import (
	"context"
	"strings"

	domain "github.com/gigconnect/api/internal/domain"
)

// Identity is the authenticated principal extracted from a verified bearer token.
type Identity struct {
	UID    string
	Email  string
	Role   domain.Role
	Claims map[string]any
}

// Actor converts the identity into the caller representation used by services.
func (i *Identity) Actor() domain.Actor {
	if i == nil {
		return domain.Actor{}
	}
	return domain.Actor{ID: strings.TrimSpace(i.UID), Role: i.Role}
}

// HasRole reports whether the identity carries one of the provided roles.
func (i *Identity) HasRole(roles ...domain.Role) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		if i.Role == role {
			return true
		}
	}
	return false
}

type contextKey string

const identityContextKey contextKey = "github.com/gigconnect/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
