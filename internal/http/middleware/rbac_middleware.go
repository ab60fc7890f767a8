package middleware

import (
	"net/http"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/http/response"
)

// RequireAdmin must run after SessionAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			response.DomainError(w, r, domain.Unauthenticated("missing auth context"))
			return
		}
		if !identity.IsAdmin() {
			response.DomainError(w, r, domain.Forbidden("admin role is required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
