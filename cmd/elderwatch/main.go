package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/elderwatch/internal/app"
	"github.com/ent0n29/elderwatch/internal/config"
	"github.com/ent0n29/elderwatch/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("config error")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("logger init failed")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	built, err := app.Build(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("cleanup failed")
		}
	}()

	logger.Info().
		Str("store", built.StoreDriver).
		Str("analyzer", built.Analyzer.Provider).
		Str("analyzer_detail", built.Analyzer.Detail).
		Str("source", built.Source).
		Float64("flag_threshold", cfg.FlagThreshold).
		Str("unresolved_speakers", cfg.UnresolvedSpeakers).
		Msg("pipeline configured")

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("listen error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Msg("shutdown complete")
}

func bootLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return &l
}
