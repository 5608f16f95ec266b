package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"snapcheck/internal/analyzer"
	"snapcheck/internal/api"
	"snapcheck/internal/config"
	"snapcheck/internal/monitor"
	"snapcheck/internal/pipeline"
	"snapcheck/internal/policy"
	"snapcheck/internal/sandbox"
	"snapcheck/internal/store"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	engine, err := policy.New(cfg.Policy.EffectiveRules())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid policy rules")
	}

	an, err := analyzer.New(cfg.Analyzer.Patterns)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid analyzer patterns")
	}

	backend, err := sandbox.NewBackend(ctx, cfg.Sandbox)
	if err != nil {
		log.Fatal().Err(err).Msg("sandbox backend unavailable")
	}

	var st store.Store
	if cfg.Store.DSN != "" {
		st, err = store.NewPostgresStore(ctx, cfg.Store.DSN)
	} else {
		st, err = store.NewFileStore(cfg.Store.Dir)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("opening result store")
	}
	defer st.Close()

	pipe := pipeline.New(engine, backend, cfg.Sandbox.Backend, an, st, metrics, cfg.Sandbox.MaxConcurrent)

	server := api.NewServer(cfg, pipe, st, metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", cfg.Sandbox.Backend).
		Bool("postgres", cfg.Store.DSN != "").
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
