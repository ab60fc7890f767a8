package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utstyr/custody-service/internal/config"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Runtime owns the OTel providers for the lifetime of the process. Shutdown
// flushes the log pipeline last.
type Runtime struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	LoggerProvider *sdklog.LoggerProvider
}

func InitRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*Runtime, error) {
	mp, err := InitMetrics(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	tp, err := InitTracing(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init tracing: %w", err), mp.Shutdown(ctx))
	}
	logger.Info("observability runtime ready",
		"service", cfg.OTELServiceName,
		"otel_metrics", cfg.OTELMetricsEnabled,
		"otel_traces", cfg.OTELTracingEnabled,
		"otel_logs", lp != nil,
		"prometheus", cfg.PrometheusEnabled,
	)
	return &Runtime{MeterProvider: mp, TracerProvider: tp, LoggerProvider: lp}, nil
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

func (r *Runtime) steps() []shutdownStep {
	var steps []shutdownStep
	if r.MeterProvider != nil {
		steps = append(steps, shutdownStep{"metrics", r.MeterProvider.Shutdown})
	}
	if r.TracerProvider != nil {
		steps = append(steps, shutdownStep{"traces", r.TracerProvider.Shutdown})
	}
	if r.LoggerProvider != nil {
		steps = append(steps, shutdownStep{"logs", r.LoggerProvider.Shutdown})
	}
	return steps
}

func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, step := range r.steps() {
		if err := step.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", step.name, err))
		}
	}
	return errors.Join(errs...)
}
