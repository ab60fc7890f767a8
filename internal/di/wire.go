//go:build wireinject

package di

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/utstyr/custody-service/internal/app"
	"github.com/utstyr/custody-service/internal/config"
)

func InitializeApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*app.App, func(), error) {
	wire.Build(AppSet)
	return nil, nil, nil
}

func InitializeMaintenance(ctx context.Context, cfg *config.Config) (*Maintenance, func(), error) {
	wire.Build(MaintenanceSet)
	return nil, nil, nil
}
