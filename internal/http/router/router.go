package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/utstyr/custody-service/internal/health"
	"github.com/utstyr/custody-service/internal/http/handler"
	"github.com/utstyr/custody-service/internal/http/middleware"
	"github.com/utstyr/custody-service/internal/http/response"
)

type Dependencies struct {
	AuthHandler       *handler.AuthHandler
	UserHandler       *handler.UserHandler
	AssetHandler      *handler.AssetHandler
	CustodyHandler    *handler.CustodyHandler
	Sessions          middleware.IdentityResolver
	SessionCookieName string
	CORSOrigins       []string
	TrustProxyHeaders bool
	LoginRateLimitRPM int
	APIRateLimitRPM   int
	LoginRateLimiter  LoginRateLimiterFunc
	APIRateLimiter    APIRateLimiterFunc
	Readiness         *health.ProbeRunner
	MetricsGatherer   prometheus.Gatherer
	EnableOTelHTTP    bool
}

type LoginRateLimiterFunc func(http.Handler) http.Handler
type APIRateLimiterFunc func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	if dep.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))

	loginLimiter := dep.LoginRateLimiter
	if loginLimiter == nil {
		loginLimiter = middleware.NewRateLimiter(dep.LoginRateLimitRPM, time.Minute, "login").Middleware()
	}
	apiLimiter := dep.APIRateLimiter
	if apiLimiter == nil {
		apiLimiter = middleware.NewDistributedRateLimiter(
			middleware.NewLocalFixedWindowLimiter(), dep.APIRateLimitRPM, time.Minute,
			middleware.FailClosed, "api", middleware.IdentityOrIPKey,
		).Middleware()
	}
	auth := middleware.SessionAuth(dep.Sessions, dep.SessionCookieName)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})
	if dep.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(dep.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(loginLimiter).Post("/login", dep.AuthHandler.Login)
			r.With(middleware.CookieSessionCSRF(dep.SessionCookieName)).Post("/logout", dep.AuthHandler.Logout)
			r.With(auth).Get("/me", dep.AuthHandler.WhoAmI)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(apiLimiter)
			r.Use(middleware.CSRFMiddleware)

			r.Get("/me", dep.AuthHandler.Me)

			r.Get("/assets", dep.AssetHandler.List)
			r.Get("/assets/{id}", dep.AssetHandler.Get)
			r.Get("/assets/{id}/history", dep.AssetHandler.History)
			r.Post("/scan/lookup", dep.AssetHandler.Lookup)

			r.Get("/assignments/active", dep.CustodyHandler.Active)
			r.Get("/events", dep.CustodyHandler.Events)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Get("/users", dep.UserHandler.List)
				r.Post("/users", dep.UserHandler.Create)
				r.Patch("/users/{id}", dep.UserHandler.Update)

				r.Post("/assets", dep.AssetHandler.Create)
				r.Patch("/assets/{id}", dep.AssetHandler.Update)
				r.Delete("/assets/{id}", dep.AssetHandler.Delete)

				r.Post("/assignments/checkout", dep.CustodyHandler.Checkout)
				r.Post("/assignments/return", dep.CustodyHandler.Return)
			})
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
