// Package common holds the HTTP client and output helpers shared by the
// custodyctl tools.
package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Envelope mirrors the API response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Meta    struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// StatusError is returned for any non-2xx API response.
type StatusError struct {
	Method    string
	Path      string
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s returned %d", e.Method, e.Path, e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request_id=" + e.RequestID + ")"
	}
	return msg
}

// Client talks to the custody API as a bearer client, so CSRF checks do not
// apply to it.
type Client struct {
	base       *url.URL
	http       *http.Client
	cookieName string
	token      string
}

func NewClient(baseURL, cookieName string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must include scheme and host", baseURL)
	}
	if cookieName == "" {
		cookieName = "utstyr_session"
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}, cookieName: cookieName}, nil
}

func (c *Client) Token() string { return c.token }

func (c *Client) SetToken(token string) { c.token = token }

// Login exchanges credentials for a session and keeps the session token for
// later calls. The token is taken from the session cookie; it is never part
// of the response body.
func (c *Client) Login(ctx context.Context, username, password string) (map[string]any, error) {
	body := map[string]string{"username": username, "password": password}
	var out map[string]any
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &out)
	if err != nil {
		return nil, err
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == c.cookieName && ck.Value != "" {
			c.token = ck.Value
		}
	}
	if c.token == "" {
		return nil, fmt.Errorf("login response did not set the %s cookie", c.cookieName)
	}
	return out, nil
}

// Call performs an authenticated API request and decodes the envelope data
// into out when out is non-nil.
func (c *Client) Call(ctx context.Context, method, path string, body, out any) error {
	_, err := c.do(ctx, method, path, body, out)
	return err
}

// Raw performs an unauthenticated GET and returns the status and body without
// envelope decoding.
func (c *Client) Raw(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func (c *Client) resolve(path string) string {
	rel, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(rel).String()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		return resp, fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		se := &StatusError{Method: method, Path: path, Status: resp.StatusCode, RequestID: env.Meta.RequestID}
		if env.Error != nil {
			se.Code = env.Error.Code
			se.Message = env.Error.Message
		}
		return resp, se
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp, fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return resp, nil
}
