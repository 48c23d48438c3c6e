package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/topchanges/handler-dash/internal/api"
	"github.com/topchanges/handler-dash/internal/config"
	"github.com/topchanges/handler-dash/internal/dbsync"
	"github.com/topchanges/handler-dash/internal/storage"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	handle  dbsync.Handle
	store   *storage.Store
	handler *api.Handler
	router  http.Handler
	logger  *zap.Logger
	server  *http.Server
}

// New stages the configured remote database locally, opens it, and wires
// the HTTP surface. The sync runs exactly once, before anything is served;
// a sync failure aborts startup so the dashboard never runs against a
// missing or stale database.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	remote := cfg.RemoteDBPath()
	logger.Info("staging database",
		zap.String("variant", string(cfg.DatabaseVariant)),
		zap.String("remote", remote),
		zap.String("workdir", cfg.LocalWorkdir),
	)

	handle, err := dbsync.EnsureLocal(ctx, remote, cfg.LocalWorkdir, cfg.LocalDBName,
		dbsync.WithForce(cfg.ForceSync),
		dbsync.WithProgress(copyProgressLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("stage local database: %w", err)
	}

	if handle.Copied {
		logger.Info("database copied",
			zap.String("local", handle.LocalPath),
			zap.Int64("size_bytes", handle.SizeBytes),
			zap.String("reason", handle.Reason),
		)
	} else {
		logger.Info("reusing local database copy",
			zap.String("local", handle.LocalPath),
			zap.Time("last_synced_at", handle.LastSyncedAt),
		)
	}

	store, err := storage.Open(ctx, logger, handle.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open staged database: %w", err)
	}

	meta := api.Meta{
		AdvertisedURL:   cfg.AdvertisedURL(),
		DatabaseVariant: string(cfg.DatabaseVariant),
		LocalDBPath:     handle.LocalPath,
		SizeBytes:       handle.SizeBytes,
		LastSyncedAt:    handle.LastSyncedAt,
		Copied:          handle.Copied,
		Reason:          handle.Reason,
	}

	handler := api.NewHandler(store, cfg.ListDir, meta)
	router := api.NewRouter(handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BindPort)),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return &App{
		handle:  handle,
		store:   store,
		handler: handler,
		router:  router,
		logger:  logger,
		server:  server,
	}, nil
}

// Start starts the HTTP server in a goroutine and logs the listening address.
func (a *App) Start() error {
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Handle returns the sync handle for the staged database.
func (a *App) Handle() dbsync.Handle {
	return a.handle
}

// Close releases the staged database connection.
func (a *App) Close() error {
	return a.store.Close()
}

// copyProgressLogger logs the network copy at decile granularity, so a
// multi-gigabyte transfer over a slow share is visibly alive without
// flooding the log.
func copyProgressLogger(logger *zap.Logger) func(float64) {
	lastDecile := -1
	return func(fraction float64) {
		decile := int(fraction * 10)
		if decile > lastDecile {
			lastDecile = decile
			logger.Info("copying database", zap.Int("percent", decile*10))
		}
	}
}
