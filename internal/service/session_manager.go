package service

import (
	"context"
	"errors"
	"time"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/repository"
	"github.com/utstyr/custody-service/internal/security"
)

const DefaultSessionTTL = 7 * 24 * time.Hour

// SessionManager issues and validates opaque session tokens. Only the token
// digest is stored.
type SessionManager struct {
	store  repository.Store
	ttl    time.Duration
	pepper string
	now    func() time.Time
}

func NewSessionManager(store repository.Store, ttl time.Duration, pepper string) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		store:  store,
		ttl:    ttl,
		pepper: pepper,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *SessionManager) TTL() time.Duration { return m.ttl }

// Issue creates a session for userID and returns the raw token. The raw token
// is handed to the caller once and never stored or logged.
func (m *SessionManager) Issue(ctx context.Context, userID uint) (string, *domain.Session, error) {
	raw, err := security.NewSessionToken()
	if err != nil {
		return "", nil, err
	}
	now := m.now()
	s := &domain.Session{
		TokenHash:  security.HashSessionToken(raw, m.pepper),
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
		LastSeenAt: now,
	}
	if err := m.store.Sessions().Create(ctx, s); err != nil {
		return "", nil, err
	}
	return raw, s, nil
}

// Resolve maps a raw token to the identity of its owner. Lookup, expiry
// check and lastSeenAt refresh run in one read-committed transaction; an
// expired session is deleted before Unauthenticated is returned. Parallel
// requests on one session race only on lastSeenAt, where the last write wins.
func (m *SessionManager) Resolve(ctx context.Context, raw string) (*domain.Identity, error) {
	if raw == "" {
		observability.RecordSessionResolve(ctx, "missing")
		return nil, domain.Unauthenticated("not authenticated")
	}
	hash := security.HashSessionToken(raw, m.pepper)

	var (
		identity *domain.Identity
		outcome  string
		failure  error
	)
	err := m.store.InTxReadCommitted(ctx, func(tx repository.Store) error {
		now := m.now()
		s, err := tx.Sessions().LockByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				outcome, failure = "unknown", domain.Unauthenticated("session is invalid or expired")
				return nil
			}
			return err
		}
		if s.Expired(now) {
			// commit the delete, then report the failure
			outcome, failure = "expired", domain.Unauthenticated("session is invalid or expired")
			return tx.Sessions().DeleteByID(ctx, s.ID)
		}
		user, err := tx.Users().FindByID(ctx, s.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				outcome, failure = "orphaned", domain.Unauthenticated("session is invalid or expired")
				return tx.Sessions().DeleteByID(ctx, s.ID)
			}
			return err
		}
		if !user.IsActive {
			outcome, failure = "inactive", domain.Forbidden("user is inactive")
			return nil
		}
		if err := tx.Sessions().Touch(ctx, s.ID, now); err != nil {
			return err
		}
		identity = domain.IdentityFromUser(user, s.ID)
		outcome = "success"
		return nil
	})
	if err != nil {
		observability.RecordSessionResolve(ctx, "error")
		return nil, err
	}
	observability.RecordSessionResolve(ctx, outcome)
	if failure != nil {
		return nil, failure
	}
	return identity, nil
}

// Revoke deletes every session matching the token digest. Unknown tokens are
// not an error.
func (m *SessionManager) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	_, err := m.store.Sessions().DeleteByHash(ctx, security.HashSessionToken(raw, m.pepper))
	return err
}

func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID uint) (int64, error) {
	return m.store.Sessions().DeleteByUserID(ctx, userID)
}

// SweepExpired removes sessions whose expiry has passed.
func (m *SessionManager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.Sessions().DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	observability.RecordSessionsSwept(ctx, n)
	return n, nil
}
