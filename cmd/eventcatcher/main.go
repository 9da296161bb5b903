package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/azure-armada/internal/api/debug"
	"github.com/ahrav/azure-armada/internal/app/eventcatcher"
	"github.com/ahrav/azure-armada/internal/config"
	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/internal/infra/azure"
	"github.com/ahrav/azure-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/azure-armada/internal/infra/storage"
	"github.com/ahrav/azure-armada/internal/infra/storage/memory"
	"github.com/ahrav/azure-armada/internal/infra/storage/postgres"
	"github.com/ahrav/azure-armada/pkg/common/logger"
	"github.com/ahrav/azure-armada/pkg/common/otel"
)

var build = "develop"

const serviceType = "event-catcher"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("EVENT-CATCHER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
		"build":    build,
	}

	log := logger.NewWithMetadata(
		os.Stdout,
		logger.ParseLevel(os.Getenv("ARMADA_LOG_LEVEL")),
		svcName,
		otel.GetTraceID,
		logEvents,
		metadata,
	)

	ctx := context.Background()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Configuration
	cfg, err := config.Load(serviceType)
	if err != nil {
		return err
	}
	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}
	log.Info(ctx, "startup", "status", "configuration loaded", "accounts", len(accounts))

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(cfg.ServiceName)
	mp := otel.GetMeterProvider()

	checks := make(map[string]debug.Check)

	// -------------------------------------------------------------------------
	// Watermark Storage
	var watermarks activity.WatermarkRepository = memory.NewWatermarkStore()
	if cfg.DatabaseURL != "" {
		pool, err := storage.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := storage.Migrate(pool, cfg.MigrationsDir); err != nil {
			return err
		}
		checks["postgres"] = pool.Ping
		watermarks = postgres.NewWatermarkStore(pool, tracer)
		log.Info(ctx, "startup", "status", "postgres watermark store ready")
	} else {
		log.Warn(ctx, "startup", "status", "no database configured, watermarks are not persisted")
	}

	// -------------------------------------------------------------------------
	// Initialize Event Bus
	log.Info(ctx, "startup", "status", "initializing event bus")

	kafkaClient, syncProducer, err := kafka.Connect(ctx, &kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		ClientID:    cfg.Kafka.ClientID,
		ServiceType: serviceType,
	}, log)
	if err != nil {
		return err
	}
	defer kafkaClient.Close()
	defer syncProducer.Close()

	checks["kafka"] = func(context.Context) error {
		if kafkaClient.Closed() {
			return errors.New("kafka client closed")
		}
		_, err := kafkaClient.Controller()
		return err
	}

	// -------------------------------------------------------------------------
	// Start Debug Service
	if cfg.DebugAddr != "" {
		debugMux, err := debug.Mux(debug.Config{Build: build, Log: log, Checks: checks})
		if err != nil {
			return fmt.Errorf("creating debug mux: %w", err)
		}
		debugSrv := &http.Server{
			Addr:              cfg.DebugAddr,
			Handler:           debugMux,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logger.NewStdLogger(log, logger.LevelError),
		}
		defer debugSrv.Close()

		go func() {
			log.Info(ctx, "startup", "status", "debug router started", "host", cfg.DebugAddr)
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.DebugAddr, "msg", err)
			}
		}()
	}

	brokerMetrics, err := kafka.NewMetrics(mp, serviceType)
	if err != nil {
		return fmt.Errorf("creating broker metrics: %w", err)
	}
	producer := kafka.NewProducer(syncProducer, "armada/"+cfg.ServiceName, brokerMetrics, log, tracer)
	publisher := kafka.NewActivityPublisher(producer, cfg.Kafka.ActivityTopic)

	// -------------------------------------------------------------------------
	// Provider Connections
	registry := azure.NewRegistry()
	for _, acct := range accounts {
		token, err := acct.Token()
		if err != nil {
			return err
		}
		registry.Add(azure.NewClient(azure.Config{
			SubscriptionID:    acct.SubscriptionID,
			Endpoint:          cfg.Provider.Endpoint,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Burst:             cfg.Provider.Burst,
		}, azure.StaticToken(token), log, tracer))
	}

	// -------------------------------------------------------------------------
	// Event Streams
	pollerMetrics, err := eventcatcher.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating poller metrics: %w", err)
	}

	streams := make([]*eventcatcher.Stream, 0, len(accounts))
	for _, acct := range accounts {
		streams = append(streams, eventcatcher.NewStream(
			acct.SubscriptionID,
			registry.Connector(acct.SubscriptionID),
			log.With("account_name", acct.Name),
			tracer,
			eventcatcher.WithLookback(cfg.Lookback),
			eventcatcher.WithWatermarkStore(watermarks),
			eventcatcher.WithMetrics(pollerMetrics),
		))
	}
	runner := eventcatcher.NewRunner(streams, publisher, cfg.PollRetryDelay, log)

	// -------------------------------------------------------------------------
	// Run and Shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "startup", "status", "event streams started", "streams", len(streams))
		runErr <- runner.Run(ctx)
	}()

	select {
	case err := <-runErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info(ctx, "shutdown", "status", "shutdown started")
		defer log.Info(ctx, "shutdown", "status", "shutdown complete")

		// Let in-flight polls finish and commit their watermarks.
		runner.Stop()
		select {
		case err := <-runErr:
			return err
		case <-time.After(cfg.ShutdownTimeout):
			return errors.New("event streams did not stop before the shutdown timeout")
		}
	}
}
