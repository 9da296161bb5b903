package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	ceevent "github.com/cloudevents/sdk-go/v2/event"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/internal/domain/job"
	"github.com/ahrav/azure-armada/internal/domain/provider"
	"github.com/ahrav/azure-armada/pkg/common/timeutil"
)

var (
	_ activity.BatchPublisher  = (*ActivityPublisher)(nil)
	_ provider.UserEventLogger = (*UserEventNotifier)(nil)
	_ job.EventPublisher       = (*JobEventPublisher)(nil)
)

// ActivityPublisher publishes every event of a batch as its own CloudEvent,
// keyed by account so a consumer sees each account's events in order.
type ActivityPublisher struct {
	producer *Producer
	topic    string
}

// NewActivityPublisher creates a publisher for topic.
func NewActivityPublisher(p *Producer, topic string) *ActivityPublisher {
	return &ActivityPublisher{producer: p, topic: topic}
}

// activityPayload is the wire form of one harvested event.
type activityPayload struct {
	Account string `json:"account"`
	activity.EventRecord
}

// PublishBatch sends batch in one request. The provider event id becomes the
// CloudEvent id so consumers can drop replays.
func (a *ActivityPublisher) PublishBatch(ctx context.Context, accountID string, batch activity.EventBatch) error {
	if batch.IsEmpty() {
		return nil
	}

	evts := make([]ceevent.Event, 0, len(batch))
	for _, rec := range batch {
		e, err := newEnvelope(
			rec.EventDataID,
			a.producer.source,
			EventTypeActivity,
			rec.ResourceID,
			rec.EventTimestamp,
			activityPayload{Account: accountID, EventRecord: rec},
		)
		if err != nil {
			return err
		}
		evts = append(evts, e)
	}
	return a.producer.publish(ctx, a.topic, accountID, evts...)
}

// UserEventNotifier publishes scan start and end user events for a VM.
type UserEventNotifier struct {
	producer *Producer
	topic    string
	clock    timeutil.Provider
}

// NewUserEventNotifier creates a notifier publishing to topic.
func NewUserEventNotifier(p *Producer, topic string) *UserEventNotifier {
	return &UserEventNotifier{producer: p, topic: topic, clock: timeutil.Default()}
}

type userEventPayload struct {
	JobID   string `json:"job_id"`
	VMID    string `json:"vm_id"`
	VMName  string `json:"vm_name"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

// StartUserEventMessage is the user event text recorded when a scan starts.
func StartUserEventMessage(vm provider.VM) string {
	return fmt.Sprintf("EVM SmartState Analysis Initiated for VM [%s]", vm.Name)
}

// EndUserEventMessage is the user event text recorded when a scan ends.
func EndUserEventMessage(vm provider.VM) string {
	return fmt.Sprintf("EVM SmartState Analysis completed for VM [%s]", vm.Name)
}

// LogScanStart records the start of a scan of vm.
func (n *UserEventNotifier) LogScanStart(ctx context.Context, jobID string, vm provider.VM) error {
	return n.log(ctx, jobID, vm, "start", StartUserEventMessage(vm))
}

// LogScanEnd records the end of a scan of vm.
func (n *UserEventNotifier) LogScanEnd(ctx context.Context, jobID string, vm provider.VM) error {
	return n.log(ctx, jobID, vm, "end", EndUserEventMessage(vm))
}

func (n *UserEventNotifier) log(ctx context.Context, jobID string, vm provider.VM, phase, msg string) error {
	const op = "log_user_event"

	e, err := newEnvelope("", n.producer.source, EventTypeScanUserEvent, vm.ID, n.clock.Now(), userEventPayload{
		JobID:   jobID,
		VMID:    vm.ID,
		VMName:  vm.Name,
		Phase:   phase,
		Message: msg,
	})
	if err != nil {
		return provider.NewProviderError(op, "EncodingError", err)
	}

	if err := n.producer.publish(ctx, n.topic, vm.ID, e); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sarama.ErrRequestTimedOut) {
			return provider.NewTimeout(op, err)
		}
		return provider.NewProviderError(op, "KafkaError", err)
	}
	return nil
}

// JobEventPublisher publishes job state changes keyed by job id.
type JobEventPublisher struct {
	producer *Producer
	topic    string
}

// NewJobEventPublisher creates a publisher for topic.
func NewJobEventPublisher(p *Producer, topic string) *JobEventPublisher {
	return &JobEventPublisher{producer: p, topic: topic}
}

// PublishStateChange sends change as a job state changed event.
func (j *JobEventPublisher) PublishStateChange(ctx context.Context, change job.StateChange) error {
	at := change.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	e, err := newEnvelope("", j.producer.source, EventTypeJobStateChanged, change.Target.ID, at, change)
	if err != nil {
		return err
	}
	return j.producer.publish(ctx, j.topic, change.JobID.String(), e)
}

// ScanDispatchPublisher hands a ready snapshot to the content scanners.
type ScanDispatchPublisher struct {
	producer *Producer
	topic    string
	clock    timeutil.Provider
}

// NewScanDispatchPublisher creates a publisher for topic.
func NewScanDispatchPublisher(p *Producer, topic string) *ScanDispatchPublisher {
	return &ScanDispatchPublisher{producer: p, topic: topic, clock: timeutil.Default()}
}

type scanDispatchPayload struct {
	JobID       string `json:"job_id"`
	VMID        string `json:"vm_id"`
	VMName      string `json:"vm_name"`
	SnapshotRef string `json:"snapshot_ref"`
}

// DispatchScan publishes the snapshot to scan, keyed by job id.
func (s *ScanDispatchPublisher) DispatchScan(ctx context.Context, jobID string, vm provider.VM, snapshotRef string) error {
	e, err := newEnvelope("", s.producer.source, EventTypeScanDispatched, vm.ID, s.clock.Now(), scanDispatchPayload{
		JobID:       jobID,
		VMID:        vm.ID,
		VMName:      vm.Name,
		SnapshotRef: snapshotRef,
	})
	if err != nil {
		return err
	}
	return s.producer.publish(ctx, s.topic, jobID, e)
}
