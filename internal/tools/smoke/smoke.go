// Package smoke drives a short authenticated session against a running
// custody API.
package smoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/utstyr/custody-service/internal/tools/common"
)

type Config struct {
	BaseURL    string
	CookieName string
	Username   string
	Password   string
	Timeout    time.Duration
}

type identity struct {
	UserID   uint   `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Run logs in, checks the session identity, lists active assignments and
// logs out, then confirms the token no longer resolves. Each completed step
// adds one line to the returned details.
func Run(ctx context.Context, cfg Config) ([]string, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("username and password are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := common.NewClient(cfg.BaseURL, cfg.CookieName, timeout)
	if err != nil {
		return nil, err
	}

	var details []string
	status, _, err := client.Raw(ctx, "/health/ready")
	if err != nil {
		return details, fmt.Errorf("readiness: %w", err)
	}
	if status != http.StatusOK {
		return details, fmt.Errorf("readiness returned %d", status)
	}
	details = append(details, "readiness: ok")

	if _, err := client.Login(ctx, cfg.Username, cfg.Password); err != nil {
		return details, fmt.Errorf("login: %w", err)
	}
	details = append(details, "login: ok")

	var who identity
	if err := client.Call(ctx, http.MethodGet, "/api/v1/auth/me", nil, &who); err != nil {
		return details, fmt.Errorf("whoami: %w", err)
	}
	details = append(details, fmt.Sprintf("whoami: %s (%s)", who.Username, who.Role))

	var active struct {
		Items []map[string]any `json:"items"`
	}
	if err := client.Call(ctx, http.MethodGet, "/api/v1/assignments/active", nil, &active); err != nil {
		return details, fmt.Errorf("active assignments: %w", err)
	}
	details = append(details, fmt.Sprintf("active assignments: %d", len(active.Items)))

	if err := client.Call(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil); err != nil {
		return details, fmt.Errorf("logout: %w", err)
	}
	details = append(details, "logout: ok")

	err = client.Call(ctx, http.MethodGet, "/api/v1/auth/me", nil, nil)
	var se *common.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		return details, fmt.Errorf("revoked session still resolves: %v", err)
	}
	details = append(details, "revoked session rejected: ok")
	return details, nil
}
