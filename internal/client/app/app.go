// Package app wires the TripSync client together: local store, sync engine,
// reachability monitor, and a small interactive shell.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripmark/tripsync/internal/client/config"
	"github.com/tripmark/tripsync/internal/client/repositories/metadata"
	"github.com/tripmark/tripsync/internal/client/resolver"
	"github.com/tripmark/tripsync/internal/client/retryctl"
	"github.com/tripmark/tripsync/internal/client/services"
	"github.com/tripmark/tripsync/internal/client/store"
	"github.com/tripmark/tripsync/internal/client/syncer"
	"github.com/tripmark/tripsync/internal/client/transport"
	"github.com/tripmark/tripsync/internal/logging"
	"github.com/tripmark/tripsync/internal/netx"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	gate    *syncer.Gate
	monitor *netx.Monitor
	places  services.PlaceService
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	sl := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	var logger logging.Logger = logging.NewSlogLogger(sl)

	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	deviceID, err := metadata.EnsureDeviceID(ctx, metadata.NewSQLiteRepository(db))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("device identity error: %w", err)
	}
	logger = logger.With("device_id", deviceID)

	tr := transport.New(cfg.ServerAddr, transport.StaticToken(cfg.AuthToken), cfg.RequestTimeout, logger)
	rc := retryctl.New(retryctl.DefaultConfig(), logger)
	locks := syncer.NewKeyLock()
	engine := syncer.NewEngine(db, tr, rc, resolver.New(), locks, deviceID,
		syncer.DefaultConfig(), logger)
	gate := syncer.NewGate(engine, cfg.SyncInterval, logger)

	prober := netx.NewHTTPProber(cfg.ServerAddr+"/healthz", 3*time.Second)
	monitor := netx.NewMonitor(prober, cfg.OnlineCheckInterval, logger)

	return &App{
		config:  cfg,
		logger:  logger,
		db:      db,
		gate:    gate,
		monitor: monitor,
		places:  services.NewPlaceService(db, locks, gate, deviceID),
	}, nil
}

// Run starts the background workers and the interactive shell, then shuts
// everything down when the shell exits or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.initSignalHandler(cancel)

	a.gate.Start(ctx)
	go a.monitor.Run(ctx)
	go a.gate.WakeOnline(ctx, a.monitor.Changes())

	// One immediate sync picks up whatever happened while we were offline.
	a.gate.Nudge()

	a.shell(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.gate.Stop(stopCtx); err != nil {
		a.logger.Warn(ctx, "sync worker did not stop cleanly", "error", err)
	}
	return a.db.Close()
}

func (a *App) initSignalHandler(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sigs
		cancel()
	}()
}
