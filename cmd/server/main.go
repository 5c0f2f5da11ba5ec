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
	"github.com/rs/zerolog/log"

	"github.com/carlosmiguelhub/CyberCompiler/internal/api"
	"github.com/carlosmiguelhub/CyberCompiler/internal/bridge"
	"github.com/carlosmiguelhub/CyberCompiler/internal/config"
	"github.com/carlosmiguelhub/CyberCompiler/internal/monitor"
	"github.com/carlosmiguelhub/CyberCompiler/internal/piston"
	"github.com/carlosmiguelhub/CyberCompiler/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
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
		cfg, err = config.FromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	tracer := monitor.NewNoopTracer()
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	client := piston.New(cfg.Backend.URL, nil, cfg.Backend.RequestTimeout, tracer)
	b := bridge.New(client, bridge.Options{
		Limits: bridge.Limits{
			CompileTimeout:     cfg.Backend.CompileTimeout,
			RunTimeout:         cfg.Backend.RunTimeout,
			CompileMemoryLimit: cfg.Backend.CompileMemoryLimit,
			RunMemoryLimit:     cfg.Backend.RunMemoryLimit,
		},
		CallTimeout: cfg.Backend.RequestTimeout,
		Tracer:      tracer,
	})

	// Initialize database (optional; runs without it for development)
	var store storage.Store
	if cfg.Database.Driver != "" {
		store, err = storage.Open(ctx, storage.Options{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Str("driver", cfg.Database.Driver).Msg("database unavailable, workspace and run history disabled")
			store = nil
		} else {
			defer func() {
				if err := store.Close(); err != nil {
					log.Error().Err(err).Msg("database close error")
				}
			}()
		}
	}

	// Run history writer (buffered, off the request path)
	var auditWriter *storage.AuditWriter
	if store != nil {
		auditWriter = storage.NewAuditWriter(store, cfg.Audit.BufferSize)
		auditWriter.OnDrop = metrics.AuditDropped.Inc
		auditWriter.Start()
		defer auditWriter.Flush(cfg.Audit.FlushTimeout)
	}

	server := api.NewServer(cfg, b, store, auditWriter, metrics)

	// Graceful shutdown
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

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", client.URL()).
		Bool("db_enabled", store != nil).
		Bool("tracing", cfg.Tracing.Enabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
