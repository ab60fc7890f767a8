package observability

import (
	"log/slog"
	"net/http"
)

const RequestIDHeader = "X-Request-Id"

// Audit records a security-relevant action. Callers must not pass raw
// session tokens or passwords in attrs.
func Audit(r *http.Request, event, outcome string, attrs ...any) {
	base := []any{
		"event", event,
		"outcome", outcome,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get(RequestIDHeader),
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}
