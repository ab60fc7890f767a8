package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/utstyr/custody-service/internal/http/middleware"
	"github.com/utstyr/custody-service/internal/http/response"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/security"
	"github.com/utstyr/custody-service/internal/service"

	"github.com/google/uuid"
)

type AuthHandler struct {
	auth   *service.AuthService
	users  *service.UserService
	cookie security.CookieOptions
}

func NewAuthHandler(auth *service.AuthService, users *service.UserService, cookie security.CookieOptions) *AuthHandler {
	return &AuthHandler{auth: auth, users: users, cookie: cookie}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	*service.LoginResult
	CSRFToken string `json:"csrf_token"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		response.DomainError(w, r, err)
		return
	}
	result, err := h.auth.Login(r.Context(), req.Username, req.Password, middleware.ClientIP(r))
	if err != nil {
		var throttled *service.LoginThrottledError
		if errors.As(err, &throttled) {
			observability.Audit(r, "auth.login", "throttled", "username", req.Username)
			w.Header().Set("Retry-After", strconv.Itoa(max(int(throttled.RetryAfter.Round(time.Second).Seconds()), 1)))
			response.Error(w, r, http.StatusTooManyRequests, "LOGIN_THROTTLED", throttled.Error(), nil)
			return
		}
		observability.Audit(r, "auth.login", "failure", "username", req.Username)
		response.DomainError(w, r, err)
		return
	}

	security.SetSessionCookie(w, h.cookie, result.Token)
	csrf := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CSRFCookieName,
		Value:    csrf,
		Path:     "/",
		MaxAge:   int(h.cookie.MaxAge.Seconds()),
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	observability.Audit(r, "auth.login", "success", "user_id", result.User.UserID)
	response.JSON(w, r, http.StatusOK, loginResponse{LoginResult: result, CSRFToken: csrf})
}

// Logout always clears the cookie; revoking an unknown token is not an error.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, _ := middleware.SessionToken(r, h.cookie.Name)
	if err := h.auth.Logout(r.Context(), raw); err != nil {
		response.DomainError(w, r, err)
		return
	}
	security.ClearSessionCookie(w, h.cookie)
	observability.Audit(r, "auth.logout", "success")
	response.JSON(w, r, http.StatusOK, map[string]bool{"logged_out": true})
}

func (h *AuthHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, identityFrom(r))
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Profile(r.Context(), identityFrom(r))
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, user)
}
