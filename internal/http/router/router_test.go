package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/utstyr/custody-service/internal/database"
	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/health"
	"github.com/utstyr/custody-service/internal/http/handler"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/repository"
	"github.com/utstyr/custody-service/internal/security"
	"github.com/utstyr/custody-service/internal/service"
)

const testCookie = "test_session"

type unhealthyChecker struct{}

func (unhealthyChecker) Check(ctx context.Context) health.CheckResult {
	return health.CheckResult{Name: "db", Healthy: false, Error: "db down"}
}

type routerFixture struct {
	store   repository.Store
	users   *service.UserService
	handler http.Handler
	dep     Dependencies
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open(ctx, database.DriverSQLite, dsn, 1)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewStore(db, database.TxOptions(db))
	sessions := service.NewSessionManager(store, time.Hour, "pepper")
	creds := service.NewCredentialStore(store)
	events := service.NewEventRecorder(store)
	users := service.NewUserService(store)
	auth := service.NewAuthService(creds, sessions, service.NewLocalAuthAbuseGuard(service.AuthAbusePolicy{}), logger)
	ledger := service.NewCustodyLedger(store, events, service.NoopEventPublisher{}, logger)
	assets := service.NewAssetService(store, events, service.NoopLookupMissCache{}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(observability.NewInventoryCollector(service.NewInventoryReader(store), logger))

	dep := Dependencies{
		AuthHandler:       handler.NewAuthHandler(auth, users, security.CookieOptions{Name: testCookie, MaxAge: time.Hour}),
		UserHandler:       handler.NewUserHandler(users),
		AssetHandler:      handler.NewAssetHandler(assets),
		CustodyHandler:    handler.NewCustodyHandler(ledger, events),
		Sessions:          sessions,
		SessionCookieName: testCookie,
		CORSOrigins:       []string{"http://localhost"},
		LoginRateLimitRPM: 1000,
		APIRateLimitRPM:   1000,
		MetricsGatherer:   registry,
	}
	return &routerFixture{store: store, users: users, handler: NewRouter(dep), dep: dep}
}

func (f *routerFixture) seedUser(t *testing.T, username, password, tag string, role domain.Role) *domain.User {
	t.Helper()
	hash, err := security.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &domain.User{Username: username, PasswordHash: hash, Name: username, Role: role, IsActive: true, ExternalTagID: tag}
	if err := f.store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (f *routerFixture) seedAsset(t *testing.T, tag string) *domain.Asset {
	t.Helper()
	a := &domain.Asset{ExternalTagID: tag, Name: "Asset " + tag, Barcode: tag, Status: domain.AssetAvailable}
	if err := f.store.Assets().Create(context.Background(), a); err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return a
}

func perform(r http.Handler, method, target string, headers map[string]string, cookies []*http.Cookie, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.10.10.10:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

type session struct {
	cookies []*http.Cookie
	csrf    string
}

func (s session) headers() map[string]string {
	return map[string]string{"X-CSRF-Token": s.csrf}
}

func login(t *testing.T, r http.Handler, username, password string) session {
	t.Helper()
	rr := perform(r, http.MethodPost, "/api/v1/auth/login", nil, nil, fmt.Sprintf(`{"username":%q,"password":%q}`, username, password))
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d body=%s", username, rr.Code, rr.Body.String())
	}
	var env struct {
		Data struct {
			CSRFToken string `json:"csrf_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return session{cookies: rr.Result().Cookies(), csrf: env.Data.CSRFToken}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &env)
	return env.Error.Code
}

func TestRouterHealthReadyNilAndUnreadyBranches(t *testing.T) {
	t.Run("nil readiness returns ready", func(t *testing.T) {
		f := newRouterFixture(t)
		rr := perform(f.handler, http.MethodGet, "/health/ready", nil, nil, "")
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"ready"`) {
			t.Fatalf("expected ready, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("unready dependency returns 503", func(t *testing.T) {
		f := newRouterFixture(t)
		f.dep.Readiness = health.NewProbeRunner(time.Second, 0, unhealthyChecker{})
		r := NewRouter(f.dep)
		rr := perform(r, http.MethodGet, "/health/ready", nil, nil, "")
		if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "DEPENDENCY_UNREADY" {
			t.Fatalf("expected 503 DEPENDENCY_UNREADY, got %d %s", rr.Code, rr.Body.String())
		}
	})
}

func TestRouterLoginSetsHTTPOnlyCookie(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "admin1", "correct", "U900", domain.RoleAdmin)

	rr := perform(f.handler, http.MethodPost, "/api/v1/auth/login", nil, nil, `{"username":"admin1","password":"correct"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var sessionCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == testCookie {
			sessionCookie = c
		}
	}
	if sessionCookie == nil || !sessionCookie.HttpOnly || sessionCookie.Value == "" {
		t.Fatalf("expected http-only session cookie, got %+v", sessionCookie)
	}
	if strings.Contains(rr.Body.String(), sessionCookie.Value) {
		t.Fatal("raw session token must not appear in the response body")
	}

	rr = perform(f.handler, http.MethodPost, "/api/v1/auth/login", nil, nil, `{"username":"admin1","password":"wrong"}`)
	if rr.Code != http.StatusUnauthorized || errorCode(t, rr) != "UNAUTHENTICATED" {
		t.Fatalf("expected 401, got %d %s", rr.Code, rr.Body.String())
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatal("failed login must not set cookies")
	}
}

func TestRouterWhoAmIAndLogout(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	s := login(t, f.handler, "alice", "pw")

	rr := perform(f.handler, http.MethodGet, "/api/v1/auth/me", nil, s.cookies, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"username":"alice"`) {
		t.Fatalf("expected whoami, got %d %s", rr.Code, rr.Body.String())
	}

	rr = perform(f.handler, http.MethodPost, "/api/v1/auth/logout", s.headers(), s.cookies, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rr.Code)
	}
	rr = perform(f.handler, http.MethodGet, "/api/v1/auth/me", nil, s.cookies, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestRouterCookieLogoutRequiresCSRF(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	s := login(t, f.handler, "alice", "pw")

	rr := perform(f.handler, http.MethodPost, "/api/v1/auth/logout", nil, s.cookies, "")
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != "CSRF_INVALID" {
		t.Fatalf("expected 403 CSRF_INVALID, got %d %s", rr.Code, rr.Body.String())
	}
	rr = perform(f.handler, http.MethodGet, "/api/v1/auth/me", nil, s.cookies, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("rejected logout must keep the session, got %d", rr.Code)
	}

	rr = perform(f.handler, http.MethodPost, "/api/v1/auth/logout", nil, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("logout without a session should stay idempotent, got %d", rr.Code)
	}
}

func TestRouterBearerLogoutSkipsCSRF(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	s := login(t, f.handler, "alice", "pw")
	var token string
	for _, c := range s.cookies {
		if c.Name == testCookie {
			token = c.Value
		}
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}

	rr := perform(f.handler, http.MethodPost, "/api/v1/auth/logout", bearer, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("bearer logout: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	rr = perform(f.handler, http.MethodGet, "/api/v1/auth/me", bearer, nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after bearer logout, got %d", rr.Code)
	}
}

func TestRouterCheckoutFlow(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin)
	alice := f.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	asset := f.seedAsset(t, "A123")
	admin := login(t, f.handler, "admin1", "pw")
	user := login(t, f.handler, "alice", "pw")

	body := fmt.Sprintf(`{"asset_id":%d,"user_id":%d}`, asset.ID, alice.ID)

	rr := perform(f.handler, http.MethodPost, "/api/v1/assignments/checkout", user.headers(), user.cookies, body)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("user checkout: expected 403, got %d", rr.Code)
	}

	rr = perform(f.handler, http.MethodPost, "/api/v1/assignments/checkout", nil, admin.cookies, body)
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != "CSRF_INVALID" {
		t.Fatalf("missing csrf: expected 403 CSRF_INVALID, got %d %s", rr.Code, rr.Body.String())
	}

	rr = perform(f.handler, http.MethodPost, "/api/v1/assignments/checkout", admin.headers(), admin.cookies, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin checkout: expected 201, got %d %s", rr.Code, rr.Body.String())
	}

	rr = perform(f.handler, http.MethodPost, "/api/v1/assignments/checkout", admin.headers(), admin.cookies, body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("second checkout: expected 400, got %d", rr.Code)
	}

	rr = perform(f.handler, http.MethodGet, "/api/v1/assignments/active", nil, user.cookies, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"asset_id":`+fmt.Sprint(asset.ID)) {
		t.Fatalf("active: expected own assignment, got %d %s", rr.Code, rr.Body.String())
	}

	rr = perform(f.handler, http.MethodGet, "/api/v1/events", nil, admin.cookies, "")
	if rr.Code != http.StatusOK || strings.Count(rr.Body.String(), `"type":"CHECKOUT"`) != 1 {
		t.Fatalf("events: expected one CHECKOUT, got %s", rr.Body.String())
	}

	ret := fmt.Sprintf(`{"asset_id":%d}`, asset.ID)
	rr = perform(f.handler, http.MethodPost, "/api/v1/assignments/return", admin.headers(), admin.cookies, ret)
	if rr.Code != http.StatusOK {
		t.Fatalf("return: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	rr = perform(f.handler, http.MethodPost, "/api/v1/assignments/return", admin.headers(), admin.cookies, ret)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("second return: expected 400, got %d", rr.Code)
	}
}

func TestRouterBearerClientsSkipCSRF(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "admin1", "pw", "U900", domain.RoleAdmin)
	s := login(t, f.handler, "admin1", "pw")
	var token string
	for _, c := range s.cookies {
		if c.Name == testCookie {
			token = c.Value
		}
	}
	rr := perform(f.handler, http.MethodPost, "/api/v1/assets", map[string]string{"Authorization": "Bearer " + token}, nil, `{"name":"Drill","external_tag_id":"A9"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestRouterAdminRoutesRejectUsers(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	s := login(t, f.handler, "alice", "pw")

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/v1/users", ""},
		{http.MethodPost, "/api/v1/users", `{}`},
		{http.MethodPost, "/api/v1/assets", `{}`},
		{http.MethodDelete, "/api/v1/assets/1", ""},
	} {
		rr := perform(f.handler, tc.method, tc.path, s.headers(), s.cookies, tc.body)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestRouterUnauthenticatedAPI(t *testing.T) {
	f := newRouterFixture(t)
	for _, path := range []string{"/api/v1/assets", "/api/v1/events", "/api/v1/assignments/active", "/api/v1/me"} {
		rr := perform(f.handler, http.MethodGet, path, nil, nil, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestRouterAssetNotFoundAndBadID(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", "pw", "U001", domain.RoleUser)
	s := login(t, f.handler, "alice", "pw")

	rr := perform(f.handler, http.MethodGet, "/api/v1/assets/999", nil, s.cookies, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = perform(f.handler, http.MethodGet, "/api/v1/assets/abc", nil, s.cookies, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRouterLoginRateLimited(t *testing.T) {
	f := newRouterFixture(t)
	f.dep.LoginRateLimitRPM = 1
	r := NewRouter(f.dep)
	body := `{"username":"nobody","password":"x"}`
	first := perform(r, http.MethodPost, "/api/v1/auth/login", nil, nil, body)
	if first.Code != http.StatusUnauthorized {
		t.Fatalf("first login expected 401, got %d", first.Code)
	}
	second := perform(r, http.MethodPost, "/api/v1/auth/login", nil, nil, body)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second login expected 429, got %d", second.Code)
	}
}

func TestRouterLoginLimitIgnoresForwardedForByDefault(t *testing.T) {
	f := newRouterFixture(t)
	f.dep.LoginRateLimitRPM = 1
	r := NewRouter(f.dep)
	body := `{"username":"nobody","password":"x"}`

	first := perform(r, http.MethodPost, "/api/v1/auth/login", map[string]string{"X-Forwarded-For": "203.0.113.1"}, nil, body)
	if first.Code != http.StatusUnauthorized {
		t.Fatalf("first login expected 401, got %d", first.Code)
	}
	second := perform(r, http.MethodPost, "/api/v1/auth/login", map[string]string{"X-Forwarded-For": "203.0.113.2"}, nil, body)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("rotating X-Forwarded-For must not reset the limit, got %d", second.Code)
	}
}

func TestRouterTrustedProxyHeadersKeyByForwardedClient(t *testing.T) {
	f := newRouterFixture(t)
	f.dep.LoginRateLimitRPM = 1
	f.dep.TrustProxyHeaders = true
	r := NewRouter(f.dep)
	body := `{"username":"nobody","password":"x"}`

	for _, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		rr := perform(r, http.MethodPost, "/api/v1/auth/login", map[string]string{"X-Forwarded-For": ip}, nil, body)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("login from %s behind a trusted proxy: expected 401, got %d", ip, rr.Code)
		}
	}
}

func TestRouterMetricsExposesInventory(t *testing.T) {
	f := newRouterFixture(t)
	f.seedAsset(t, "A1")
	rr := perform(f.handler, http.MethodGet, "/metrics", nil, nil, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `custody_assets{status="AVAILABLE"} 1`) {
		t.Fatalf("expected inventory gauge, got %d %s", rr.Code, rr.Body.String())
	}
}
