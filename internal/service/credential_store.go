package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/repository"
	"github.com/utstyr/custody-service/internal/security"
)

var errInvalidCredentials = domain.Unauthenticated("invalid credentials")

// CredentialStore verifies and rotates user passwords.
type CredentialStore struct {
	store repository.Store

	decoyOnce sync.Once
	decoy     string
}

func NewCredentialStore(store repository.Store) *CredentialStore {
	return &CredentialStore{store: store}
}

// Verify returns the active user whose password matches. Unknown, inactive
// and mismatching accounts all fail with the same Unauthenticated error, and
// an unknown username still pays for one scrypt derivation.
func (c *CredentialStore) Verify(ctx context.Context, username, password string) (*domain.User, error) {
	user, err := c.store.Users().FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			security.VerifyPassword(password, c.decoyHash())
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	ok := security.VerifyPassword(password, user.PasswordHash)
	if !ok || !user.IsActive {
		return nil, errInvalidCredentials
	}
	return user, nil
}

// SetPassword stores a fresh salted hash for the user.
func (c *CredentialStore) SetPassword(ctx context.Context, userID uint, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if err := c.store.Users().SetPasswordHash(ctx, userID, hash); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return domain.NotFound("user not found")
		}
		return err
	}
	return nil
}

func (c *CredentialStore) decoyHash() string {
	c.decoyOnce.Do(func() {
		c.decoy, _ = security.HashPassword("decoy-password-for-unknown-users")
	})
	return c.decoy
}

func hashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", domain.InvalidField("password", "password is required")
	}
	return security.HashPassword(password)
}
