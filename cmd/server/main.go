/*
main.go - Application entry point

PURPOSE:
  Starts the PN case engine HTTP server, or applies the database schema.
  Handles configuration, dependency wiring and graceful shutdown.

COMMANDS:
  serve     Start the HTTP server
  migrate   Create the schema in the configured database and exit

STARTUP SEQUENCE (serve):
  1. Load config from env / .env (viper)
  2. Open the store selected by DB_DRIVER (sqlite | postgres)
  3. Build audit sinks: audit_log table, log line, Kafka when configured
  4. Register Prometheus counters
  5. Create the engine, handler and router
  6. Serve until SIGINT/SIGTERM, then drain for up to 30s

EXAMPLES:
  DB_DRIVER=sqlite SQLITE_PATH=./data/pncase.db pncase serve
  DB_DRIVER=postgres DATABASE_URL=postgres://... pncase migrate

SEE ALSO:
  - config/config.go: Environment keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/pncase-engine/api"
	"github.com/warp/pncase-engine/audit"
	"github.com/warp/pncase-engine/caseflow"
	"github.com/warp/pncase-engine/config"
	"github.com/warp/pncase-engine/metrics"
	"github.com/warp/pncase-engine/store/postgres"
	"github.com/warp/pncase-engine/store/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pncase",
		Short: "PN case lifecycle engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			b, err := openBackend(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer b.close()
			fmt.Printf("Schema ready on %s.\n", cfg.DBDriver)
			return nil
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// backend is one opened store. sqlite.Store and postgres.Store both
// implement every interface here.
type backend struct {
	tx    caseflow.TxStore
	store api.Store
	sink  caseflow.AuditSink
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return &backend{tx: s, store: s, sink: s, close: s.Close}, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{tx: s, store: s, sink: s, close: func() { s.Close() }}, nil
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to open store")
	}
	defer b.close()
	logger.Info().Str("driver", cfg.DBDriver).Msg("store ready")

	sinks := audit.Multi{b.sink, audit.NewLogSink(logger)}
	if cfg.AuditKafkaEnabled() {
		kafkaSink := audit.NewKafkaSink(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		logger.Info().Strs("brokers", cfg.AuditKafkaBrokers).Str("topic", cfg.AuditKafkaTopic).Msg("audit kafka sink enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	engine := caseflow.NewEngine(b.tx, caseflow.EngineConfig{
		HomeClinicID:        cfg.HomeClinicID,
		DefaultCancelReason: cfg.DefaultCancelReason,
		AuditSink:           sinks,
		Observer:            collector,
		Logger:              logger.With().Str("component", "engine").Logger(),
	})

	handler := api.NewHandler(engine, b.store, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:          logger,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
		Gatherer:        reg,
		EnableScenarios: cfg.IsDev(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("home_clinic", cfg.HomeClinicID).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
