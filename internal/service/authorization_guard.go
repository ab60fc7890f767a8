package service

import (
	"context"

	"github.com/utstyr/custody-service/internal/domain"
)

// AuthorizationGuard derives identities from session tokens only; nothing
// the client asserts about itself is trusted.
type AuthorizationGuard struct {
	sessions *SessionManager
}

func NewAuthorizationGuard(sessions *SessionManager) *AuthorizationGuard {
	return &AuthorizationGuard{sessions: sessions}
}

func (g *AuthorizationGuard) RequireUser(ctx context.Context, rawToken string) (*domain.Identity, error) {
	return g.sessions.Resolve(ctx, rawToken)
}

func (g *AuthorizationGuard) RequireAdmin(ctx context.Context, rawToken string) (*domain.Identity, error) {
	identity, err := g.RequireUser(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if err := RequireAdmin(identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// RequireAdmin checks an already resolved identity. Services call it before
// any privileged mutation.
func RequireAdmin(identity *domain.Identity) error {
	if identity == nil {
		return domain.Unauthenticated("not authenticated")
	}
	if !identity.IsAdmin() {
		return domain.Forbidden("admin role is required")
	}
	return nil
}

// ScopeUserID returns the user filter for an identity-scoped read: admins may
// pass an override (nil means everyone), everyone else sees only their own.
func ScopeUserID(identity *domain.Identity, requested *uint) *uint {
	if identity.IsAdmin() {
		return requested
	}
	id := identity.UserID
	return &id
}
