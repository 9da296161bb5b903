// Package kafka carries the system's integration events over Kafka: harvested
// activity-log batches, scan user events, job state changes and inbound scan
// requests. Every message is a JSON CloudEvent.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/ahrav/azure-armada/pkg/common/logger"
)

// ClientConfig contains all configuration needed for Kafka client setup.
type ClientConfig struct {
	Brokers     []string
	GroupID     string
	ClientID    string
	ServiceType string
}

// Topics names the topics each message kind is routed to.
type Topics struct {
	// ActivityEvents receives harvested activity-log events.
	ActivityEvents string
	// UserEvents receives scan start and end notifications per VM.
	UserEvents string
	// JobEvents receives job state changes.
	JobEvents string
	// ScanRequests carries inbound scan and cancel requests.
	ScanRequests string
	// ScanDispatch receives snapshots ready for content scanning.
	ScanDispatch string
}

// NewClient creates and configures a Kafka client with the provided settings.
// It sets up consistent configuration for both producers and consumers.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings. Messages are keyed by account or job so the hash
	// partitioner keeps each key's messages in order.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// Connect creates the client and a sync producer, retrying with exponential
// backoff for up to five minutes while the cluster is unavailable.
func Connect(ctx context.Context, cfg *ClientConfig, log *logger.Logger) (sarama.Client, sarama.SyncProducer, error) {
	var (
		client   sarama.Client
		producer sarama.SyncProducer
	)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		c, err := NewClient(cfg)
		if err != nil {
			log.Warn(ctx, "kafka not reachable, retrying", "brokers", cfg.Brokers, "error", err)
			return fmt.Errorf("creating client: %w", err)
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			c.Close()
			return fmt.Errorf("creating producer: %w", err)
		}
		client, producer = c, p
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	log.Info(ctx, "connected to kafka", "brokers", cfg.Brokers, "client_id", cfg.ClientID)
	return client, producer, nil
}
