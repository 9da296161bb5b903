// Package config loads process configuration from ARMADA_* environment
// variables and the provider accounts file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is shared by the event catcher and the scan job host.
type Config struct {
	ServiceName string `validate:"required"`
	// AccountsFile lists the provider accounts to poll and scan.
	AccountsFile string `validate:"required"`

	// Lookback is how far back the first poll of a never-polled account reaches.
	Lookback time.Duration `validate:"gt=0"`
	// PollRetryDelay is how long the host waits before restarting a stream
	// whose poll failed.
	PollRetryDelay  time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	// DebugAddr serves health checks and runtime statistics. Empty disables it.
	DebugAddr string `validate:"omitempty,hostname_port"`

	// DatabaseURL selects the postgres stores. Empty runs with in-memory stores.
	DatabaseURL   string
	MigrationsDir string

	Kafka     KafkaConfig
	Telemetry TelemetryConfig
	Provider  ProviderConfig
}

type KafkaConfig struct {
	Brokers  []string `validate:"required,min=1,dive,hostname_port"`
	GroupID  string   `validate:"required"`
	ClientID string   `validate:"required"`

	ActivityTopic     string `validate:"required"`
	UserEventTopic    string `validate:"required"`
	JobEventTopic     string `validate:"required"`
	ScanRequestTopic  string `validate:"required"`
	ScanDispatchTopic string `validate:"required"`
}

type TelemetryConfig struct {
	Endpoint      string
	SamplingRatio float64 `validate:"gte=0,lte=1"`
	Insecure      bool
}

// ProviderConfig holds per-subscription client settings.
type ProviderConfig struct {
	Endpoint          string  `validate:"omitempty,url"`
	RequestsPerSecond float64 `validate:"gt=0"`
	Burst             int     `validate:"gt=0"`

	SnapshotPollInterval time.Duration `validate:"gt=0"`
	SnapshotTimeout      time.Duration `validate:"gt=0"`
}

// Load reads the environment. serviceName is used when ARMADA_SERVICE_NAME
// is unset.
func Load(serviceName string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("armada_service_name", serviceName)
	v.SetDefault("armada_accounts_file", "config/accounts.yaml")
	v.SetDefault("armada_lookback", 2*time.Minute)
	v.SetDefault("armada_poll_retry_delay", 10*time.Second)
	v.SetDefault("armada_shutdown_timeout", 20*time.Second)
	v.SetDefault("armada_debug_addr", "0.0.0.0:4000")
	v.SetDefault("armada_database_url", "")
	v.SetDefault("armada_migrations_dir", "db/migrations")
	v.SetDefault("armada_kafka_brokers", "localhost:9092")
	v.SetDefault("armada_kafka_group_id", serviceName)
	v.SetDefault("armada_kafka_client_id", serviceName)
	v.SetDefault("armada_kafka_activity_topic", "azure-activity-events")
	v.SetDefault("armada_kafka_user_event_topic", "scan-user-events")
	v.SetDefault("armada_kafka_job_event_topic", "scan-job-events")
	v.SetDefault("armada_kafka_scan_request_topic", "scan-requests")
	v.SetDefault("armada_kafka_scan_dispatch_topic", "scan-dispatch")
	v.SetDefault("armada_otel_endpoint", "")
	v.SetDefault("armada_otel_sampling_ratio", 0.05)
	v.SetDefault("armada_otel_insecure", true)
	v.SetDefault("armada_azure_endpoint", "")
	v.SetDefault("armada_azure_rps", 3.0)
	v.SetDefault("armada_azure_burst", 5)
	v.SetDefault("armada_snapshot_poll_interval", 5*time.Second)
	v.SetDefault("armada_snapshot_timeout", 10*time.Minute)

	cfg := Config{
		ServiceName:     strings.TrimSpace(v.GetString("armada_service_name")),
		AccountsFile:    v.GetString("armada_accounts_file"),
		Lookback:        v.GetDuration("armada_lookback"),
		PollRetryDelay:  v.GetDuration("armada_poll_retry_delay"),
		ShutdownTimeout: v.GetDuration("armada_shutdown_timeout"),
		DebugAddr:       v.GetString("armada_debug_addr"),
		DatabaseURL:     v.GetString("armada_database_url"),
		MigrationsDir:   v.GetString("armada_migrations_dir"),
		Kafka: KafkaConfig{
			Brokers:           splitList(v.GetString("armada_kafka_brokers")),
			GroupID:           v.GetString("armada_kafka_group_id"),
			ClientID:          v.GetString("armada_kafka_client_id"),
			ActivityTopic:     v.GetString("armada_kafka_activity_topic"),
			UserEventTopic:    v.GetString("armada_kafka_user_event_topic"),
			JobEventTopic:     v.GetString("armada_kafka_job_event_topic"),
			ScanRequestTopic:  v.GetString("armada_kafka_scan_request_topic"),
			ScanDispatchTopic: v.GetString("armada_kafka_scan_dispatch_topic"),
		},
		Telemetry: TelemetryConfig{
			Endpoint:      v.GetString("armada_otel_endpoint"),
			SamplingRatio: v.GetFloat64("armada_otel_sampling_ratio"),
			Insecure:      v.GetBool("armada_otel_insecure"),
		},
		Provider: ProviderConfig{
			Endpoint:             v.GetString("armada_azure_endpoint"),
			RequestsPerSecond:    v.GetFloat64("armada_azure_rps"),
			Burst:                v.GetInt("armada_azure_burst"),
			SnapshotPollInterval: v.GetDuration("armada_snapshot_poll_interval"),
			SnapshotTimeout:      v.GetDuration("armada_snapshot_timeout"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
