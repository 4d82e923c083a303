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

	"snow-script-runner/internal/api"
	"snow-script-runner/internal/config"
	"snow-script-runner/internal/monitor"
	"snow-script-runner/internal/pipeline"
	"snow-script-runner/internal/snow"
	"snow-script-runner/internal/storage"
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
		cfg = config.DefaultConfig()
	}

	if cfg.Instance.URL == "" {
		log.Fatal().Msg("instance.url is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// ServiceNow Table API client
	client, err := snow.NewClient(cfg.Instance.URL, cfg.Instance.Username, cfg.InstancePassword(), cfg.Instance.HTTPTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build instance client")
	}

	runner, err := pipeline.NewRunner(pipeline.Options{
		API:          client,
		Config:       cfg.Pipeline,
		Metrics:      metrics,
		Tracer:       monitor.NewTracer(),
		MaxCodeBytes: cfg.Security.MaxCodeBytes,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline runner")
	}

	// Sweep leftovers from previous runs that crashed mid-pipeline.
	if cfg.Pipeline.JanitorMaxAge > 0 {
		go func() {
			sweepCtx, sweepCancel := context.WithTimeout(ctx, 2*time.Minute)
			defer sweepCancel()
			n, err := runner.SweepOrphans(sweepCtx, cfg.Pipeline.JanitorMaxAge)
			if err != nil {
				log.Warn().Err(err).Msg("orphan sweep failed")
				return
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("orphan sweep removed stale records")
			}
		}()
	}

	// Initialize database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, runner, db, auditWriter, metrics, func(ctx context.Context) bool {
		_, err := client.GetProperty(ctx, "glide.buildname")
		return err == nil || errors.Is(err, snow.ErrNotFound)
	})

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

		if err := runner.Close(); err != nil {
			log.Error().Err(err).Msg("runner close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("instance", cfg.Instance.URL).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
