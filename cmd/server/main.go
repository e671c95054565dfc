package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/logger"
	"github.com/instarding/server/pkg/instarding"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	config.LoadEnvFiles(".env", ".env.local")

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		bootLog := logger.New(logger.Config{Format: "console", Service: "instarding-server"})
		bootLog.Fatal().Err(err).Str("path", path).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "instarding-server",
		Environment: cfg.Logging.Environment,
	})

	app, err := instarding.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble application")
	}

	app.Start()

	srv := app.Server()
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", cfg.Server.Address).
			Str("storage", cfg.Storage.Backend).
			Msg("HTTP server starting")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout.Duration
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := app.Close(); err != nil {
		log.Error().Err(err).Msg("resource cleanup failed")
	}
	log.Info().Msg("server stopped")
}
