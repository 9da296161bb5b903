package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists job records, context included. Saving after each change is
// what lets a job survive a restart between snapshot creation and deletion.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	// SaveJob stores j when the stored copy is still at j.Version() and
	// advances the stored version by one. A stale j fails with
	// ErrConcurrentModification.
	SaveJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
}

// Steps are the host-supplied scanning steps the lifecycle delegates to.
type Steps interface {
	Scan(ctx context.Context, j *Job) error
	Synchronize(ctx context.Context, j *Job) error
	ProcessData(ctx context.Context, j *Job, payload any) error
}

// StateChange describes one applied transition.
type StateChange struct {
	JobID      uuid.UUID `json:"job_id"`
	Target     Target    `json:"target"`
	Signal     Signal    `json:"signal"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Status     Severity  `json:"status"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher announces state changes to other services.
type EventPublisher interface {
	PublishStateChange(ctx context.Context, change StateChange) error
}

// Metrics records dispatch outcomes.
type Metrics interface {
	IncSignalDispatched(ctx context.Context, sig Signal)
	IncSignalRejected(ctx context.Context, sig Signal, from State)
}

type noopMetrics struct{}

func (noopMetrics) IncSignalDispatched(context.Context, Signal)      {}
func (noopMetrics) IncSignalRejected(context.Context, Signal, State) {}
