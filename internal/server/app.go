// Package server wires the server application: storage, sync service, HTTP
// endpoint, signal handling, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tripmark/tripsync/internal/logging"
	"github.com/tripmark/tripsync/internal/server/config"
	"github.com/tripmark/tripsync/internal/server/httpapi"
	"github.com/tripmark/tripsync/internal/server/services"
	"github.com/tripmark/tripsync/internal/server/store"
)

type App struct {
	config *config.Config
	logger logging.Logger
	store  *store.Postgres
	server *httpapi.Server
}

// NewApp connects to the database, runs migrations, and assembles the HTTP
// server.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	svc := services.NewSyncService(st, logger)
	srv := httpapi.NewServer(cfg.EndpointAddr, []byte(cfg.SecretKey), svc, logger)

	return &App{config: cfg, logger: logger, store: st, server: srv}, nil
}

// Run serves until an OS signal or a server error stops the app.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	a.logger.Info(ctx, "starting server", "addr", a.config.EndpointAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(ctx)
	})

	err := g.Wait()
	if closeErr := a.store.Close(); closeErr != nil {
		a.logger.Error(ctx, "db close error", "error", closeErr.Error())
	}
	a.logger.Info(ctx, "server stopped")
	return err
}
