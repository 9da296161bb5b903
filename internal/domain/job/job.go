// Package job provides the generic job lifecycle: a signal-driven state
// machine with a persisted key/value context, status reporting and the scan,
// synchronize, cancel and abort entry points that specialized jobs extend.
package job

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTransitionNotAllowed is returned when a signal has no entry for the
	// job's current state. The job is left unchanged.
	ErrTransitionNotAllowed = errors.New("transition not allowed")
	// ErrJobNotFound is returned by stores when no job matches the id.
	ErrJobNotFound = errors.New("job not found")
	// ErrConcurrentModification is returned by stores when the job was saved by
	// another writer since it was loaded.
	ErrConcurrentModification = errors.New("job modified concurrently")
	// ErrStepPending is returned by a Steps.Scan that continues
	// asynchronously. The host calls Lifecycle.CompleteScan once it finishes.
	ErrStepPending = errors.New("step continues asynchronously")
)

// Target identifies what a job operates on.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Job is a lifecycle-managed unit of work. It is mutated only through a
// Lifecycle, which persists every change.
type Job struct {
	id      uuid.UUID
	target  Target
	state   State
	status  Severity
	message string
	context map[string]string
	// version counts successful saves. Stores accept a save only when their
	// copy is at the same version.
	version int64

	createdAt time.Time
	updatedAt time.Time
}

// NewJob creates a job waiting to start.
func NewJob(target Target, now time.Time) *Job {
	return &Job{
		id:        uuid.New(),
		target:    target,
		state:     StateWaitingToStart,
		status:    SeverityOK,
		message:   "job created",
		context:   make(map[string]string),
		createdAt: now,
		updatedAt: now,
	}
}

// ReconstructJob rebuilds a job from persisted fields.
func ReconstructJob(
	id uuid.UUID,
	target Target,
	state State,
	status Severity,
	message string,
	context map[string]string,
	createdAt, updatedAt time.Time,
	version int64,
) *Job {
	if context == nil {
		context = make(map[string]string)
	}
	return &Job{
		id:        id,
		target:    target,
		state:     state,
		status:    status,
		message:   message,
		context:   context,
		version:   version,
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
}

func (j *Job) ID() uuid.UUID        { return j.id }
func (j *Job) Target() Target       { return j.target }
func (j *Job) State() State         { return j.state }
func (j *Job) Status() Severity     { return j.status }
func (j *Job) Message() string      { return j.message }
func (j *Job) CreatedAt() time.Time { return j.createdAt }
func (j *Job) UpdatedAt() time.Time { return j.updatedAt }
func (j *Job) Version() int64       { return j.version }

// Context returns a copy of the persisted key/value context.
func (j *Job) Context() map[string]string { return maps.Clone(j.context) }

// ContextValue returns the context entry for key.
func (j *Job) ContextValue(key string) (string, bool) {
	v, ok := j.context[key]
	return v, ok
}

func (j *Job) clone() *Job {
	c := *j
	c.context = maps.Clone(j.context)
	return &c
}

func (j *Job) setState(s State, at time.Time) {
	j.state = s
	j.updatedAt = at
}

func (j *Job) setStatus(msg string, sev Severity, at time.Time) {
	j.message = msg
	j.status = sev
	j.updatedAt = at
}

func (j *Job) setContext(key, value string, at time.Time) {
	j.context[key] = value
	j.updatedAt = at
}

func (j *Job) deleteContext(key string, at time.Time) {
	delete(j.context, key)
	j.updatedAt = at
}
