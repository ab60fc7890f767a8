package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/utstyr/custody-service/internal/config"
	"github.com/utstyr/custody-service/internal/database"
	"github.com/utstyr/custody-service/internal/di"
	"github.com/utstyr/custody-service/internal/service"
)

const (
	adminUsername = "admin1"
	adminPassword = "correct"
	cookieName    = "utstyr_session"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// cluster is a set of service instances sharing one database and one Redis,
// the way replicas run behind a load balancer.
type cluster struct {
	nodes []*httptest.Server
	redis *miniredis.Miniredis
}

func newClusterForTest(t *testing.T, n int) *cluster {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Env:                  "test",
		DatabaseDriver:       config.DriverSQLite,
		DatabaseURL:          "file:" + filepath.Join(t.TempDir(), "cluster.db") + "?_busy_timeout=5000&_foreign_keys=on",
		DatabaseMaxOpenConns: 1,
		SessionTTL:           time.Hour,
		SessionCookieName:    cookieName,
		SessionTokenPepper:   "cluster-pepper",
		RedisAddr:            mr.Addr(),
		LoginRateLimitRPM:    1000,
		APIRateLimitRPM:      10000,
		LookupMissCacheTTL:   30 * time.Second,
		EventsQueue:          "custody.events",
		OTELServiceName:      "custody-itest",
		PrometheusEnabled:    true,
		ShutdownTimeout:      time.Second,
	}

	m, cleanupM, err := di.InitializeMaintenance(ctx, cfg)
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if err := database.Migrate(ctx, m.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, _, err := m.Users.EnsureAdmin(ctx, service.BootstrapAdminInput{
		Username: adminUsername, Password: adminPassword, Name: "Admin", ExternalTagID: "ADMIN001",
	}); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	cleanupM()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &cluster{redis: mr}
	for i := 0; i < n; i++ {
		a, cleanup, err := di.InitializeApp(ctx, cfg, logger, nil)
		if err != nil {
			t.Fatalf("initialize node %d: %v", i, err)
		}
		srv := httptest.NewServer(a.Server.Handler)
		t.Cleanup(func() {
			srv.Close()
			cleanup()
		})
		c.nodes = append(c.nodes, srv)
	}
	return c
}

func (c *cluster) node(i int) string { return c.nodes[i%len(c.nodes)].URL }

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp, env
}

func decodeData(t *testing.T, env envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v (%s)", err, string(env.Data))
	}
}

// login returns the raw session token from the session cookie.
func login(t *testing.T, baseURL, username, password string) string {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, baseURL+"/api/v1/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login %s failed: status=%d", username, resp.StatusCode)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == cookieName {
			return ck.Value
		}
	}
	t.Fatal("login did not set the session cookie")
	return ""
}

func createUser(t *testing.T, baseURL, token, username, tag string) uint {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, baseURL+"/api/v1/users", token, map[string]any{
		"name": username, "username": username, "password": "pw-" + username, "external_tag_id": tag,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: status=%d", resp.StatusCode)
	}
	var u struct {
		ID uint `json:"id"`
	}
	decodeData(t, env, &u)
	return u.ID
}

func createAsset(t *testing.T, baseURL, token, name, tag string) uint {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, baseURL+"/api/v1/assets", token, map[string]any{
		"name": name, "external_tag_id": tag,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create asset: status=%d", resp.StatusCode)
	}
	var a struct {
		ID uint `json:"id"`
	}
	decodeData(t, env, &a)
	return a.ID
}
