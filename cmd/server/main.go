package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/topchanges/handler-dash/internal/application"
	"github.com/topchanges/handler-dash/internal/config"
	"github.com/topchanges/handler-dash/internal/logging"
)

var signalNotify = signal.Notify

func main() {
	kingpinApp := kingpin.New("handler-dash", "Ownership-change dashboard for Norwegian equities - stages the remote database locally and serves the handler analyses")
	configFile := kingpinApp.Flag("config", "Path to YAML configuration file").String()
	address := kingpinApp.Flag("address", "Network interface the dashboard listens on").String()
	port := kingpinApp.Flag("port", "HTTP port exposed by the dashboard").Default("0").Int()
	workdir := kingpinApp.Flag("workdir", "Local directory the remote database is staged into").String()
	variant := kingpinApp.Flag("db-variant", "Remote database to stage: full or recent").String()
	forceSync := kingpinApp.Flag("force-sync", "Re-copy the remote database even when the local copy is current").Bool()

	kingpin.MustParse(kingpinApp.Parse(os.Args[1:]))

	// A .env in the working directory supplies HANDLER_* during
	// development; variables already set by the caller win.
	_ = godotenv.Load()

	overrides := &config.CLIOverrides{
		ConfigFile: *configFile,
	}

	if *address != "" {
		overrides.BindAddress = address
	}

	if *port > 0 {
		overrides.BindPort = port
	}

	if *workdir != "" {
		overrides.LocalWorkdir = workdir
	}

	if *variant != "" {
		overrides.DatabaseVariant = variant
	}

	if *forceSync {
		overrides.ForceSync = forceSync
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("configuration resolved",
		zap.String("variant", string(cfg.DatabaseVariant)),
		zap.String("remote_db", cfg.RemoteDBPath()),
		zap.String("list_dir", cfg.ListDir),
		zap.String("workdir", cfg.LocalWorkdir),
		zap.String("advertised_url", cfg.AdvertisedURL()),
	)

	app, err := application.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	if err := app.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	shutdown(app.Server(), cfg.ShutdownGracePeriod, logger)

	if err := app.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
