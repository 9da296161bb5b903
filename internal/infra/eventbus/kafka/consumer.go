package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/azure-armada/pkg/common/logger"
)

// ScanAction is what a scan request asks for.
type ScanAction string

const (
	ActionScan     ScanAction = "scan"
	ActionCancel   ScanAction = "cancel"
	ActionComplete ScanAction = "complete"
)

// ScanRequest is an inbound request to start or cancel a VM scan job, or the
// downstream scanner's report that a dispatched scan finished.
type ScanRequest struct {
	Action ScanAction `json:"-"`
	// RequestID is the CloudEvent id.
	RequestID string `json:"-"`

	VMID        string `json:"vm_id,omitempty"`
	VMName      string `json:"vm_name,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
	// JobID is set on cancel and complete requests.
	JobID string `json:"job_id,omitempty"`
}

// ErrUnknownRequestType is returned for CloudEvents of a type this consumer
// does not handle.
var ErrUnknownRequestType = errors.New("unknown scan request type")

// DecodeScanRequest parses a scan request CloudEvent.
func DecodeScanRequest(b []byte) (ScanRequest, error) {
	e, err := decodeEnvelope(b)
	if err != nil {
		return ScanRequest{}, err
	}

	var req ScanRequest
	switch e.Type() {
	case EventTypeScanRequested:
		req.Action = ActionScan
	case EventTypeScanCancelRequested:
		req.Action = ActionCancel
	case EventTypeScanCompleted:
		req.Action = ActionComplete
	default:
		return ScanRequest{}, fmt.Errorf("%w: %s", ErrUnknownRequestType, e.Type())
	}
	if err := e.DataAs(&req); err != nil {
		return ScanRequest{}, fmt.Errorf("failed to decode %s payload: %w", e.Type(), err)
	}
	req.RequestID = e.ID()
	return req, nil
}

// ScanRequestHandler processes one decoded request.
type ScanRequestHandler func(ctx context.Context, req ScanRequest) error

// ScanRequestConsumer feeds scan requests from a consumer group to a handler.
// A message is marked consumed once handled, whether or not handling failed;
// failures are logged and counted.
type ScanRequestConsumer struct {
	group   sarama.ConsumerGroup
	topic   string
	metrics BrokerMetrics

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanRequestConsumer joins groupID on client.
func NewScanRequestConsumer(
	client sarama.Client,
	groupID, topic string,
	metrics BrokerMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*ScanRequestConsumer, error) {
	group, err := sarama.NewConsumerGroupFromClient(groupID, client)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	if metrics == nil {
		metrics = noopBrokerMetrics{}
	}
	return &ScanRequestConsumer{
		group:   group,
		topic:   topic,
		metrics: metrics,
		logger:  logger.With("component", "scan_request_consumer", "group_id", groupID, "topic", topic),
		tracer:  tracer,
	}, nil
}

// Run consumes until ctx is done. Consumer group errors are logged and the
// session is re-joined.
func (c *ScanRequestConsumer) Run(ctx context.Context, handler ScanRequestHandler) error {
	h := &scanRequestGroupHandler{
		topic:   c.topic,
		handler: handler,
		metrics: c.metrics,
		logger:  c.logger,
		tracer:  c.tracer,
	}

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error(ctx, "consumer group error", "error", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error(ctx, "error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close leaves the consumer group.
func (c *ScanRequestConsumer) Close() error { return c.group.Close() }

type scanRequestGroupHandler struct {
	topic   string
	handler ScanRequestHandler
	metrics BrokerMetrics

	logger *logger.Logger
	tracer trace.Tracer
}

func (h *scanRequestGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *scanRequestGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *scanRequestGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := h.logger.With("partition", claim.Partition())
	lastCommit := time.Now()
	const commitInterval = time.Second

	for {
		select {
		case <-sess.Context().Done():
			sess.Commit()
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				sess.Commit()
				return nil
			}
			h.handle(sess.Context(), log, msg)
			sess.MarkMessage(msg, "")
			if time.Since(lastCommit) > commitInterval {
				sess.Commit()
				lastCommit = time.Now()
			}
		}
	}
}

func (h *scanRequestGroupHandler) handle(ctx context.Context, log *logger.Logger, msg *sarama.ConsumerMessage) {
	ctx = tracing.ExtractTraceContext(ctx, msg)
	ctx, span := tracing.StartConsumerSpan(ctx, msg, h.tracer)
	defer span.End()

	req, err := DecodeScanRequest(msg.Value)
	if err != nil {
		h.metrics.IncConsumeError(ctx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode scan request")
		log.Error(ctx, "dropping undecodable scan request", "offset", msg.Offset, "error", err)
		return
	}

	if err := h.handler(ctx, req); err != nil {
		h.metrics.IncConsumeError(ctx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to handle scan request")
		log.Error(ctx, "failed to handle scan request",
			"request_id", req.RequestID, "action", req.Action, "error", err)
		return
	}

	h.metrics.IncMessageConsumed(ctx, msg.Topic)
	log.Debug(ctx, "handled scan request", "request_id", req.RequestID, "action", req.Action)
}
