package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/utstyr/custody-service/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "custody-service"

type AppMetrics struct {
	authLoginCounter       metric.Int64Counter
	authLogoutCounter      metric.Int64Counter
	sessionResolveCounter  metric.Int64Counter
	custodyCounter         metric.Int64Counter
	custodyDuration        metric.Float64Histogram
	repositoryOpCounter    metric.Int64Counter
	eventPublishCounter    metric.Int64Counter
	sessionSweptCounter    metric.Int64Counter
	rateLimitDecisionCount metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}

// InitMetrics installs the global meter provider. Instruments are registered
// even when export is disabled so Record* calls stay cheap no-ops.
func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	var mp *sdkmetric.MeterProvider
	if !cfg.OTELMetricsEnabled {
		mp = sdkmetric.NewMeterProvider()
		logger.Info("otel metrics export disabled")
	} else {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
		if cfg.OTELExporterOTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		res, err := newResource(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create metric resource: %w", err)
		}
		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	}
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	var (
		m   AppMetrics
		err error
	)
	if m.authLoginCounter, err = meter.Int64Counter("auth.login.attempts"); err != nil {
		return nil, err
	}
	if m.authLogoutCounter, err = meter.Int64Counter("auth.logout.attempts"); err != nil {
		return nil, err
	}
	if m.sessionResolveCounter, err = meter.Int64Counter("auth.session.resolutions"); err != nil {
		return nil, err
	}
	if m.custodyCounter, err = meter.Int64Counter("custody.transitions"); err != nil {
		return nil, err
	}
	if m.custodyDuration, err = meter.Float64Histogram("custody.transition.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.repositoryOpCounter, err = meter.Int64Counter("repository.operations"); err != nil {
		return nil, err
	}
	if m.eventPublishCounter, err = meter.Int64Counter("custody.events.published"); err != nil {
		return nil, err
	}
	if m.sessionSweptCounter, err = meter.Int64Counter("auth.sessions.swept"); err != nil {
		return nil, err
	}
	if m.rateLimitDecisionCount, err = meter.Int64Counter("http.rate_limit.decisions"); err != nil {
		return nil, err
	}
	return &m, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAuthLogin(ctx context.Context, status string) {
	if m := current(); m != nil {
		m.authLoginCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordAuthLogout(ctx context.Context, status string) {
	if m := current(); m != nil {
		m.authLogoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func RecordSessionResolve(ctx context.Context, outcome string) {
	if m := current(); m != nil {
		m.sessionResolveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordCustodyTransition counts a checkout or return attempt and its latency.
func RecordCustodyTransition(ctx context.Context, transition, outcome string, seconds float64) {
	m := current()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transition", transition),
		attribute.String("outcome", outcome),
	)
	m.custodyCounter.Add(ctx, 1, attrs)
	m.custodyDuration.Record(ctx, seconds, attrs)
}

func RecordRepositoryOperation(ctx context.Context, repo, op, outcome string) {
	if m := current(); m != nil {
		m.repositoryOpCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("repository", repo),
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordEventPublish(ctx context.Context, eventType, outcome string) {
	if m := current(); m != nil {
		m.eventPublishCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", eventType),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordSessionsSwept(ctx context.Context, n int64) {
	if m := current(); m != nil && n > 0 {
		m.sessionSweptCounter.Add(ctx, n)
	}
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome string) {
	if m := current(); m != nil {
		m.rateLimitDecisionCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
		))
	}
}
