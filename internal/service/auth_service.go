package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/observability"
)

// LoginThrottledError is returned while a username or client IP is cooling
// down after repeated failed logins.
type LoginThrottledError struct {
	RetryAfter time.Duration
}

func (e *LoginThrottledError) Error() string {
	return fmt.Sprintf("too many failed login attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

type LoginResult struct {
	Token     string           `json:"-"`
	ExpiresAt time.Time        `json:"expires_at"`
	User      *domain.Identity `json:"user"`
}

type AuthService struct {
	credentials *CredentialStore
	sessions    *SessionManager
	abuse       AuthAbuseGuard
	logger      *slog.Logger
}

func NewAuthService(credentials *CredentialStore, sessions *SessionManager, abuse AuthAbuseGuard, logger *slog.Logger) *AuthService {
	return &AuthService{credentials: credentials, sessions: sessions, abuse: abuse, logger: logger}
}

// Login verifies the credentials and issues a session. A wrong password,
// unknown user and inactive user are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, username, password, clientIP string) (*LoginResult, error) {
	username = domain.NormalizeUsername(username)
	if username == "" || password == "" {
		observability.RecordAuthLogin(ctx, "invalid_request")
		return nil, domain.InvalidRequest("username and password are required")
	}

	if s.abuse != nil {
		cooldown, err := s.abuse.Check(ctx, AuthAbuseScopeLogin, username, clientIP)
		if err != nil {
			s.logger.WarnContext(ctx, "login abuse guard unavailable", "error", err)
		} else if cooldown > 0 {
			observability.RecordAuthLogin(ctx, "throttled")
			return nil, &LoginThrottledError{RetryAfter: cooldown}
		}
	}

	user, err := s.credentials.Verify(ctx, username, password)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			observability.RecordAuthLogin(ctx, "failure")
			s.registerFailure(ctx, username, clientIP)
		} else {
			observability.RecordAuthLogin(ctx, "error")
		}
		return nil, err
	}

	raw, session, err := s.sessions.Issue(ctx, user.ID)
	if err != nil {
		observability.RecordAuthLogin(ctx, "error")
		return nil, err
	}
	if s.abuse != nil {
		if err := s.abuse.Reset(ctx, AuthAbuseScopeLogin, username, clientIP); err != nil {
			s.logger.WarnContext(ctx, "reset login abuse state failed", "error", err)
		}
	}
	observability.RecordAuthLogin(ctx, "success")
	return &LoginResult{
		Token:     raw,
		ExpiresAt: session.ExpiresAt,
		User:      domain.IdentityFromUser(user, session.ID),
	}, nil
}

func (s *AuthService) registerFailure(ctx context.Context, username, clientIP string) {
	if s.abuse == nil {
		return
	}
	if _, err := s.abuse.RegisterFailure(ctx, AuthAbuseScopeLogin, username, clientIP); err != nil {
		s.logger.WarnContext(ctx, "record failed login failed", "error", err)
	}
}

// Logout revokes the session behind the raw token, if any.
func (s *AuthService) Logout(ctx context.Context, rawToken string) error {
	if err := s.sessions.Revoke(ctx, rawToken); err != nil {
		observability.RecordAuthLogout(ctx, "error")
		return err
	}
	observability.RecordAuthLogout(ctx, "success")
	return nil
}

func (s *AuthService) WhoAmI(ctx context.Context, rawToken string) (*domain.Identity, error) {
	return s.sessions.Resolve(ctx, strings.TrimSpace(rawToken))
}
