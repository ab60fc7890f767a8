package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/utstyr/custody-service/internal/app"
	"github.com/utstyr/custody-service/internal/config"
	"github.com/utstyr/custody-service/internal/database"
	"github.com/utstyr/custody-service/internal/health"
	"github.com/utstyr/custody-service/internal/http/handler"
	"github.com/utstyr/custody-service/internal/http/middleware"
	"github.com/utstyr/custody-service/internal/http/router"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/repository"
	"github.com/utstyr/custody-service/internal/security"
	"github.com/utstyr/custody-service/internal/service"
)

const (
	readinessTimeout  = 2 * time.Second
	readinessCacheTTL = 2 * time.Second
)

var StoreSet = wire.NewSet(
	provideDB,
	provideStore,
)

var ServiceSet = wire.NewSet(
	provideRedisClient,
	provideAuthAbuseGuard,
	provideLookupMissCache,
	provideEventPublisher,
	provideSessionManager,
	service.NewCredentialStore,
	service.NewAuthService,
	service.NewEventRecorder,
	service.NewCustodyLedger,
	service.NewUserService,
	service.NewAssetService,
	service.NewInventoryReader,
)

var HTTPSet = wire.NewSet(
	provideCookieOptions,
	handler.NewAuthHandler,
	handler.NewUserHandler,
	handler.NewAssetHandler,
	handler.NewCustodyHandler,
	provideLoginRateLimiter,
	provideAPIRateLimiter,
	provideMetricsGatherer,
	provideReadiness,
	provideRouter,
	provideHTTPServer,
)

var AppSet = wire.NewSet(
	StoreSet,
	ServiceSet,
	HTTPSet,
	observability.InitRuntime,
	app.New,
	wire.Bind(new(app.SessionSweeper), new(*service.SessionManager)),
)

var MaintenanceSet = wire.NewSet(
	StoreSet,
	provideSessionManager,
	service.NewUserService,
	wire.Struct(new(Maintenance), "*"),
)

// Maintenance bundles what the one-shot custodyd commands need.
type Maintenance struct {
	DB       *gorm.DB
	Users    *service.UserService
	Sessions *service.SessionManager
}

func provideDB(ctx context.Context, cfg *config.Config) (*gorm.DB, func(), error) {
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseMaxOpenConns)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = database.Close(db) }
	return db, cleanup, nil
}

func provideStore(db *gorm.DB) repository.Store {
	return repository.NewStore(db, database.TxOptions(db))
}

// provideRedisClient returns a nil client when REDIS_ADDR is unset; every
// consumer falls back to an in-process implementation.
func provideRedisClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (redis.UniversalClient, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected", "addr", cfg.RedisAddr)
	return client, func() { _ = client.Close() }, nil
}

func provideAuthAbuseGuard(client redis.UniversalClient) service.AuthAbuseGuard {
	if client == nil {
		return service.NewLocalAuthAbuseGuard(service.AuthAbusePolicy{})
	}
	return service.NewRedisAuthAbuseGuard(client, "custody:auth_abuse", service.AuthAbusePolicy{})
}

func provideLookupMissCache(cfg *config.Config, client redis.UniversalClient) service.LookupMissCache {
	if cfg.LookupMissCacheTTL <= 0 {
		return service.NoopLookupMissCache{}
	}
	if client == nil {
		return service.NewLocalLookupMissCache(cfg.LookupMissCacheTTL)
	}
	return service.NewRedisLookupMissCache(client, "custody:lookup_miss", cfg.LookupMissCacheTTL)
}

func provideEventPublisher(cfg *config.Config) (service.EventPublisher, func()) {
	if cfg.RabbitMQURL == "" {
		return service.NoopEventPublisher{}, func() {}
	}
	publisher := service.NewAMQPEventPublisher(cfg.RabbitMQURL, cfg.EventsQueue)
	return publisher, func() { _ = publisher.Close() }
}

func provideSessionManager(store repository.Store, cfg *config.Config) *service.SessionManager {
	return service.NewSessionManager(store, cfg.SessionTTL, cfg.SessionTokenPepper)
}

func provideCookieOptions(cfg *config.Config) security.CookieOptions {
	return security.CookieOptions{
		Name:   cfg.SessionCookieName,
		Secure: cfg.SessionCookieSecure,
		MaxAge: cfg.SessionTTL,
	}
}

func limiterBackend(client redis.UniversalClient, prefix string) middleware.Limiter {
	if client == nil {
		return middleware.NewLocalFixedWindowLimiter()
	}
	return middleware.NewRedisFixedWindowLimiter(client, prefix)
}

func failureMode(cfg *config.Config) middleware.FailureMode {
	if cfg.RateLimitFailOpen {
		return middleware.FailOpen
	}
	return middleware.FailClosed
}

func provideLoginRateLimiter(cfg *config.Config, client redis.UniversalClient) router.LoginRateLimiterFunc {
	return middleware.NewDistributedRateLimiter(
		limiterBackend(client, "custody:rl"), cfg.LoginRateLimitRPM, time.Minute,
		failureMode(cfg), "login", middleware.ClientIP,
	).Middleware()
}

func provideAPIRateLimiter(cfg *config.Config, client redis.UniversalClient) router.APIRateLimiterFunc {
	return middleware.NewDistributedRateLimiter(
		limiterBackend(client, "custody:rl"), cfg.APIRateLimitRPM, time.Minute,
		failureMode(cfg), "api", middleware.IdentityOrIPKey,
	).Middleware()
}

func provideMetricsGatherer(cfg *config.Config, inventory *service.InventoryReader, logger *slog.Logger) (prometheus.Gatherer, error) {
	if !cfg.PrometheusEnabled {
		return nil, nil
	}
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(observability.NewInventoryCollector(inventory, logger)); err != nil {
		return nil, err
	}
	return registry, nil
}

func provideReadiness(db *gorm.DB, client redis.UniversalClient) *health.ProbeRunner {
	checkers := []health.Checker{health.NewDBChecker(db)}
	if client != nil {
		checkers = append(checkers, health.NewRedisChecker(client))
	}
	return health.NewProbeRunner(readinessTimeout, readinessCacheTTL, checkers...)
}

func provideRouter(
	cfg *config.Config,
	auth *handler.AuthHandler,
	users *handler.UserHandler,
	assets *handler.AssetHandler,
	custody *handler.CustodyHandler,
	sessions *service.SessionManager,
	loginLimiter router.LoginRateLimiterFunc,
	apiLimiter router.APIRateLimiterFunc,
	readiness *health.ProbeRunner,
	gatherer prometheus.Gatherer,
) http.Handler {
	return router.NewRouter(router.Dependencies{
		AuthHandler:       auth,
		UserHandler:       users,
		AssetHandler:      assets,
		CustodyHandler:    custody,
		Sessions:          sessions,
		SessionCookieName: cfg.SessionCookieName,
		CORSOrigins:       cfg.CORSOrigins,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		LoginRateLimitRPM: cfg.LoginRateLimitRPM,
		APIRateLimitRPM:   cfg.APIRateLimitRPM,
		LoginRateLimiter:  loginLimiter,
		APIRateLimiter:    apiLimiter,
		Readiness:         readiness,
		MetricsGatherer:   gatherer,
		EnableOTelHTTP:    cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled,
	})
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
