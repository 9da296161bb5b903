package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	ceevent "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
)

// CloudEvent types produced and consumed by this service.
const (
	EventTypeActivity            = "com.armada.activity.event"
	EventTypeScanUserEvent       = "com.armada.vmscan.user_event"
	EventTypeJobStateChanged     = "com.armada.job.state_changed"
	EventTypeScanRequested       = "com.armada.vmscan.requested"
	EventTypeScanCancelRequested = "com.armada.vmscan.cancel_requested"
	EventTypeScanDispatched      = "com.armada.vmscan.dispatched"
	EventTypeScanCompleted       = "com.armada.vmscan.completed"
)

// newEnvelope wraps data in a CloudEvent. An empty id gets a random one.
func newEnvelope(id, source, typ, subject string, at time.Time, data any) (ceevent.Event, error) {
	if id == "" {
		id = uuid.NewString()
	}

	e := ceevent.New()
	e.SetID(id)
	e.SetSource(source)
	e.SetType(typ)
	e.SetTime(at.UTC())
	if subject != "" {
		e.SetSubject(subject)
	}
	if err := e.SetData(ceevent.ApplicationJSON, data); err != nil {
		return ceevent.Event{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	if err := e.Validate(); err != nil {
		return ceevent.Event{}, fmt.Errorf("invalid %s event: %w", typ, err)
	}
	return e, nil
}

func encodeEnvelope(e ceevent.Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cloudevent %s: %w", e.ID(), err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (ceevent.Event, error) {
	var e ceevent.Event
	if err := json.Unmarshal(b, &e); err != nil {
		return ceevent.Event{}, fmt.Errorf("failed to unmarshal cloudevent: %w", err)
	}
	if err := e.Validate(); err != nil {
		return ceevent.Event{}, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return e, nil
}
