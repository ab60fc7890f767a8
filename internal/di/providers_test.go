package di

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/utstyr/custody-service/internal/config"
	"github.com/utstyr/custody-service/internal/database"
	"github.com/utstyr/custody-service/internal/domain"
	"github.com/utstyr/custody-service/internal/service"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:                  "test",
		HTTPAddr:             "127.0.0.1:0",
		DatabaseDriver:       config.DriverSQLite,
		DatabaseURL:          "file:di_" + t.Name() + "?mode=memory&cache=shared",
		DatabaseMaxOpenConns: 1,
		SessionTTL:           time.Hour,
		SessionCookieName:    "utstyr_session",
		SessionTokenPepper:   "di-pepper",
		SessionSweepInterval: time.Minute,
		LoginRateLimitRPM:    20,
		APIRateLimitRPM:      600,
		LookupMissCacheTTL:   30 * time.Second,
		EventsQueue:          "custody.events",
		OTELServiceName:      "custody-service-test",
		PrometheusEnabled:    true,
		ShutdownTimeout:      time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitializeMaintenanceBootstrapsAdmin(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	m, cleanup, err := InitializeMaintenance(ctx, cfg)
	if err != nil {
		t.Fatalf("initialize maintenance: %v", err)
	}
	defer cleanup()
	if err := database.Migrate(ctx, m.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	user, created, err := m.Users.EnsureAdmin(ctx, service.BootstrapAdminInput{
		Username: "root", Password: "s3cret-pass", Name: "Root", ExternalTagID: "ADMIN001",
	})
	if err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if !created || user.Role != domain.RoleAdmin {
		t.Fatalf("expected created admin, got created=%v user=%+v", created, user)
	}
	if n, err := m.Sessions.SweepExpired(ctx); err != nil || n != 0 {
		t.Fatalf("sweep on empty store: n=%d err=%v", n, err)
	}
}

func TestInitializeAppServesHealth(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a, cleanup, err := InitializeApp(ctx, cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("initialize app: %v", err)
	}
	defer cleanup()

	rec := httptest.NewRecorder()
	a.Server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d body=%s", rec.Code, rec.Body.String())
	}
	if a.Sweeper == nil || a.Readiness == nil {
		t.Fatal("expected sweeper and readiness wired")
	}
}

func TestProvideLookupMissCacheSelection(t *testing.T) {
	cfg := testConfig(t)
	if _, ok := provideLookupMissCache(cfg, nil).(*service.LocalLookupMissCache); !ok {
		t.Fatal("expected local cache without redis")
	}

	mr := miniredis.RunT(t)
	client, _, err := provideRedisClient(context.Background(), &config.Config{RedisAddr: mr.Addr()}, discardLogger())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer func() { _ = client.Close() }()
	if _, ok := provideLookupMissCache(cfg, client).(*service.RedisLookupMissCache); !ok {
		t.Fatal("expected redis cache when redis is configured")
	}
	if _, ok := provideAuthAbuseGuard(client).(*service.RedisAuthAbuseGuard); !ok {
		t.Fatal("expected redis abuse guard when redis is configured")
	}

	cfg.LookupMissCacheTTL = 0
	if _, ok := provideLookupMissCache(cfg, client).(service.NoopLookupMissCache); !ok {
		t.Fatal("expected noop cache when ttl is zero")
	}
}

func TestProvideRedisClientUnsetAndUnreachable(t *testing.T) {
	client, cleanup, err := provideRedisClient(context.Background(), &config.Config{}, discardLogger())
	if err != nil || client != nil {
		t.Fatalf("expected nil client without address, got %v err=%v", client, err)
	}
	cleanup()

	if _, _, err := provideRedisClient(context.Background(), &config.Config{RedisAddr: "127.0.0.1:1"}, discardLogger()); err == nil {
		t.Fatal("expected ping failure for unreachable redis")
	}
}

func TestProvideMetricsGathererDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.PrometheusEnabled = false
	g, err := provideMetricsGatherer(cfg, nil, discardLogger())
	if err != nil || g != nil {
		t.Fatalf("expected nil gatherer when disabled, got %v err=%v", g, err)
	}
}

func TestProvideEventPublisherDefaultsToNoop(t *testing.T) {
	p, cleanup := provideEventPublisher(testConfig(t))
	defer cleanup()
	if _, ok := p.(service.NoopEventPublisher); !ok {
		t.Fatalf("expected noop publisher without RABBITMQ_URL, got %T", p)
	}
}
