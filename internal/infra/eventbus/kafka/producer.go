package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	ceevent "github.com/cloudevents/sdk-go/v2/event"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/azure-armada/pkg/common/logger"
)

// MessageSender is the part of sarama.SyncProducer the Producer uses.
type MessageSender interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	SendMessages(msgs []*sarama.ProducerMessage) error
}

// Producer publishes CloudEvents synchronously. Messages sharing a key land on
// the same partition and keep their relative order.
type Producer struct {
	sender  MessageSender
	source  string
	metrics BrokerMetrics

	logger *logger.Logger
	tracer trace.Tracer
}

// NewProducer creates a Producer that stamps every event with source.
func NewProducer(
	sender MessageSender,
	source string,
	metrics BrokerMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Producer {
	if metrics == nil {
		metrics = noopBrokerMetrics{}
	}
	return &Producer{
		sender:  sender,
		source:  source,
		metrics: metrics,
		logger:  logger.With("component", "kafka_producer", "source", source),
		tracer:  tracer,
	}
}

// publish sends evts to topic under key in a single request.
func (p *Producer) publish(ctx context.Context, topic, key string, evts ...ceevent.Event) error {
	if len(evts) == 0 {
		return nil
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, p.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("message.key", key),
		attribute.Int("message.count", len(evts)),
		attribute.String("event.type", evts[0].Type()),
	)

	msgs := make([]*sarama.ProducerMessage, 0, len(evts))
	for _, e := range evts {
		b, err := encodeEnvelope(e)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to encode event")
			p.metrics.IncPublishError(ctx, topic)
			return err
		}
		msg := &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(key),
			Value: sarama.ByteEncoder(b),
			Headers: []sarama.RecordHeader{
				{Key: []byte("ce_type"), Value: []byte(e.Type())},
				{Key: []byte("ce_id"), Value: []byte(e.ID())},
			},
		}
		tracing.InjectTraceContext(ctx, msg)
		msgs = append(msgs, msg)
	}

	var err error
	if len(msgs) == 1 {
		var (
			partition int32
			offset    int64
		)
		partition, offset, err = p.sender.SendMessage(msgs[0])
		if err == nil {
			p.logger.Debug(ctx, "published message",
				"topic", topic, "partition", partition, "offset", offset, "key", key)
		}
	} else {
		err = p.sender.SendMessages(msgs)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send messages")
		p.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send %d message(s) to kafka topic %s: %w", len(msgs), topic, err)
	}

	for range msgs {
		p.metrics.IncMessagePublished(ctx, topic)
	}
	return nil
}
