package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/utstyr/custody-service/internal/config"
	"github.com/utstyr/custody-service/internal/health"
	"github.com/utstyr/custody-service/internal/observability"

	"golang.org/x/sync/errgroup"
)

// SessionSweeper deletes sessions whose expiry has passed.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Readiness     *health.ProbeRunner
	Sweeper       SessionSweeper

	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
}

func New(cfg *config.Config, logger *slog.Logger, server *http.Server, runtime *observability.Runtime, readiness *health.ProbeRunner, sweeper SessionSweeper) *App {
	return &App{
		Config:          cfg,
		Logger:          logger,
		Server:          server,
		Observability:   runtime,
		Readiness:       readiness,
		Sweeper:         sweeper,
		SweepInterval:   cfg.SessionSweepInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Run serves HTTP and sweeps expired sessions until ctx is cancelled or the
// server fails, then drains the server and flushes telemetry.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.runSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.ShutdownTimeout)
		defer cancel()
		a.Logger.Info("shutting down http server")
		return a.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.ShutdownTimeout)
	defer cancel()
	if oerr := a.Observability.Shutdown(flushCtx); oerr != nil {
		a.Logger.Warn("observability shutdown failed", "error", oerr)
	}
	return err
}

func (a *App) runSweeper(ctx context.Context) {
	if a.Sweeper == nil || a.SweepInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(a.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Sweeper.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.Logger.Warn("session sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				a.Logger.Info("expired sessions swept", "count", n)
			}
		}
	}
}
