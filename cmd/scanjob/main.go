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

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/azure-armada/internal/api/debug"
	"github.com/ahrav/azure-armada/internal/app/commands/scanning"
	"github.com/ahrav/azure-armada/internal/app/vmscan"
	"github.com/ahrav/azure-armada/internal/config"
	"github.com/ahrav/azure-armada/internal/domain/job"
	"github.com/ahrav/azure-armada/internal/domain/provider"
	"github.com/ahrav/azure-armada/internal/infra/azure"
	"github.com/ahrav/azure-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/azure-armada/internal/infra/storage"
	"github.com/ahrav/azure-armada/internal/infra/storage/memory"
	"github.com/ahrav/azure-armada/internal/infra/storage/postgres"
	"github.com/ahrav/azure-armada/pkg/common/logger"
	"github.com/ahrav/azure-armada/pkg/common/otel"
)

var build = "develop"

const serviceType = "scan-job"

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

	svcName := fmt.Sprintf("SCAN-JOB-%s", hostname)
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
	// Job Storage
	var jobs job.Store = memory.NewJobStore()
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
		jobs = postgres.NewJobStore(pool, tracer)
		log.Info(ctx, "startup", "status", "postgres job store ready")
	} else {
		log.Warn(ctx, "startup", "status", "no database configured, jobs are kept in memory")
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

	topics := kafka.Topics{
		UserEvents:   cfg.Kafka.UserEventTopic,
		JobEvents:    cfg.Kafka.JobEventTopic,
		ScanRequests: cfg.Kafka.ScanRequestTopic,
		ScanDispatch: cfg.Kafka.ScanDispatchTopic,
	}

	brokerMetrics, err := kafka.NewMetrics(mp, serviceType)
	if err != nil {
		return fmt.Errorf("creating broker metrics: %w", err)
	}
	producer := kafka.NewProducer(syncProducer, "armada/"+cfg.ServiceName, brokerMetrics, log, tracer)

	consumer, err := kafka.NewScanRequestConsumer(
		kafkaClient,
		cfg.Kafka.GroupID,
		topics.ScanRequests,
		brokerMetrics,
		log,
		tracer,
	)
	if err != nil {
		return err
	}
	defer consumer.Close()

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
			PollInterval:      cfg.Provider.SnapshotPollInterval,
			OperationTimeout:  cfg.Provider.SnapshotTimeout,
		}, azure.StaticToken(token), log.With("account_name", acct.Name), tracer))
	}

	// -------------------------------------------------------------------------
	// Scan Job Commands
	jobMetrics, err := vmscan.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating scan job metrics: %w", err)
	}

	handler := scanning.NewCommandHandler(
		jobs,
		registry,
		kafka.NewUserEventNotifier(producer, topics.UserEvents),
		kafka.NewScanDispatchPublisher(producer, topics.ScanDispatch),
		log,
		tracer,
		scanning.WithEventPublisher(kafka.NewJobEventPublisher(producer, topics.JobEvents)),
		scanning.WithMetrics(jobMetrics),
	)

	// -------------------------------------------------------------------------
	// Run and Shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "startup", "status", "consuming scan requests", "topic", topics.ScanRequests)
		runErr <- consumer.Run(ctx, dispatchRequest(handler))
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

		select {
		case <-runErr:
			return nil
		case <-time.After(cfg.ShutdownTimeout):
			return errors.New("scan request consumer did not stop before the shutdown timeout")
		}
	}
}

// dispatchRequest turns a decoded scan request into the matching command.
func dispatchRequest(h *scanning.CommandHandler) kafka.ScanRequestHandler {
	return func(ctx context.Context, req kafka.ScanRequest) error {
		switch req.Action {
		case kafka.ActionScan:
			vm := provider.VM{ID: req.VMID, Name: req.VMName}
			return h.Handle(ctx, scanning.NewStartScanCommand(req.RequestID, vm, req.RequestedBy))

		case kafka.ActionCancel:
			jobID, err := uuid.Parse(req.JobID)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", req.JobID, err)
			}
			return h.Handle(ctx, scanning.NewCancelScanCommand(req.RequestID, jobID, req.RequestedBy))

		case kafka.ActionComplete:
			jobID, err := uuid.Parse(req.JobID)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", req.JobID, err)
			}
			return h.Handle(ctx, scanning.NewCompleteScanCommand(req.RequestID, jobID))

		default:
			return fmt.Errorf("unsupported scan request action %q", req.Action)
		}
	}
}
