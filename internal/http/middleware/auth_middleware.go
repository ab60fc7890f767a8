package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/http/response"
	"github.com/utstyr/custody-service/internal/security"
)

type contextKey string

const (
	IdentityContextKey    contextKey = "identity"
	tokenSourceContextKey contextKey = "token_source"
)

const (
	TokenSourceCookie = "cookie"
	TokenSourceBearer = "bearer"
)

// IdentityResolver turns a raw session token into the identity behind it.
type IdentityResolver interface {
	Resolve(ctx context.Context, rawToken string) (*domain.Identity, error)
}

// SessionToken returns the raw session token from the session cookie, or
// from an Authorization bearer header when no cookie is present.
func SessionToken(r *http.Request, cookieName string) (string, string) {
	if raw := security.GetCookie(r, cookieName); raw != "" {
		return raw, TokenSourceCookie
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:]), TokenSourceBearer
	}
	return "", ""
}

func SessionAuth(resolver IdentityResolver, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, source := SessionToken(r, cookieName)
			identity, err := resolver.Resolve(r.Context(), raw)
			if err != nil {
				response.DomainError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
			ctx = context.WithValue(ctx, tokenSourceContextKey, source)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func IdentityFromContext(ctx context.Context) (*domain.Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(*domain.Identity)
	return id, ok && id != nil
}

func tokenSource(ctx context.Context) string {
	s, _ := ctx.Value(tokenSourceContextKey).(string)
	return s
}
