package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/observability"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
	Meta    meta      `json:"meta"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: buildMeta(r)})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: &apiError{Code: code, Message: message, Details: details}, Meta: buildMeta(r)})
}

var kindStatus = map[domain.ErrorKind]int{
	domain.KindInvalidRequest:  http.StatusBadRequest,
	domain.KindUnauthenticated: http.StatusUnauthorized,
	domain.KindForbidden:       http.StatusForbidden,
	domain.KindNotFound:        http.StatusNotFound,
	domain.KindStoreConflict:   http.StatusConflict,
}

// StatusFor returns the HTTP status a core failure is reported with.
func StatusFor(err error) int {
	if status, ok := kindStatus[domain.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainError writes a typed core failure. Untyped errors are logged and
// reported as a generic internal error.
func DomainError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
		return
	}
	var details map[string]any
	if de.Field != "" {
		details = map[string]any{"field": de.Field}
	}
	if de.Retryable() {
		if details == nil {
			details = map[string]any{}
		}
		details["retryable"] = true
	}
	message := de.Message
	if message == "" {
		message = string(de.Kind)
	}
	if de.Kind == domain.KindStoreConflict {
		slog.WarnContext(r.Context(), "store conflict", "path", r.URL.Path, "error", err)
	}
	if details == nil {
		Error(w, r, StatusFor(err), string(de.Kind), message, nil)
		return
	}
	Error(w, r, StatusFor(err), string(de.Kind), message, details)
}

func buildMeta(r *http.Request) meta {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get(observability.RequestIDHeader)
	}
	if id == "" {
		id = "req-unknown"
	}
	return meta{RequestID: id, Timestamp: time.Now().UTC()}
}
