package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lai/fieldtrack/config"
	"github.com/lai/fieldtrack/db"
	"github.com/lai/fieldtrack/metrics"
	"github.com/lai/fieldtrack/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if cfg.TraceStdout {
		tp, err := initTracer()
		if err != nil {
			slog.Error("tracer init failed", "error", err)
			os.Exit(1)
		}
		defer tp.Shutdown(context.Background())
	}

	if cfg.MetricsInterval > 0 {
		mp, err := initMeter(cfg.MetricsInterval)
		if err != nil {
			slog.Error("meter init failed", "error", err)
			os.Exit(1)
		}
		defer mp.Shutdown(context.Background())
	}

	m, err := metrics.NewTracking()
	if err != nil {
		slog.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	// Database pool
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	queries := db.New(pool)
	if err := queries.EnsureSchema(context.Background()); err != nil {
		slog.Error("schema setup failed", "error", err)
		os.Exit(1)
	}

	t := cfg.Tracking
	store := service.NewPgStore(queries, service.EventDefaults{
		RadiusMeters:           t.DefaultGeoRadiusMeters,
		LateThreshold:          t.LateThreshold(),
		EarlyCheckoutTolerance: t.EarlyCheckoutTolerance(),
		LateCheckoutTolerance:  t.LateCheckoutTolerance(),
	})
	events := service.NewEventCache(store, t.EventCacheTTL(), nil)
	writer := service.NewBatchWriter(store, cfg.BatchSize, cfg.BatchTimeout, m)

	hub := service.NewHub()
	var (
		publisher service.Publisher = hub
		alerts    service.AlertSink
		kafka     *service.KafkaPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kafka = service.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic, cfg.AlertsTopic)
		publisher = service.MultiPublisher{hub, kafka}
		alerts = kafka
	}

	reg := service.NewRegistry(service.RegistryConfig{
		Events:    events,
		Positions: writer,
		Fanout:    service.NewFanout(publisher),
		Alerts:    alerts,
		Throttler: service.NewThrottler(t.AlertCooldown(), t.BatteryThresholds),
		Metrics:   m,
	})
	ingester := service.NewIngester(reg, events, store, nil, m)
	sweeper := service.NewSweeper(store, hub, reg, nil, m)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		writer.Run(ctx)
		close(writerDone)
	}()
	go sweeper.Run(ctx, t.SweepInterval())

	var consumer *service.TelemetryConsumer
	if len(cfg.KafkaBrokers) > 0 && cfg.TelemetryTopic != "" {
		consumer = service.NewTelemetryConsumer(service.KafkaConsumerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.TelemetryTopic,
			GroupID:      cfg.KafkaGroup,
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
		}, service.IngestBatch(ingester))
		go consumer.Run(ctx)
	}

	// HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(pool))
	service.NewHandler(ingester, hub).Routes(mux)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		slog.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		srv.Shutdown(shutdownCtx)
		if consumer != nil {
			consumer.Close()
		}
		cancel()
		<-writerDone
		if kafka != nil {
			kafka.Close()
		}
		hub.CloseAll()
		close(done)
	}()

	slog.Info("tracking service listening", "addr", cfg.ListenAddr, "kafka", len(cfg.KafkaBrokers) > 0)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("shutdown complete")
}

// initTracer installs a stdout span exporter as the global tracer provider.
func initTracer() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// initMeter installs a meter provider that exports to stderr every interval.
func initMeter(interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
