package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/pkg/common/logger"
	"github.com/ahrav/azure-armada/pkg/common/timeutil"
)

// Args travel with a signal to its handler.
type Args struct {
	Message  string
	Severity Severity
	Payload  any
}

// Handler runs after the transition for its signal has been applied and
// persisted.
type Handler func(ctx context.Context, args Args) error

// Lifecycle dispatches signals against a job's transition table. Specialized
// jobs wrap a Lifecycle, merge their own transition entries and override the
// handlers of the signals they redefine.
//
// A Lifecycle assumes a single writer: the host delivers one signal at a time
// and handlers raise follow-up signals synchronously.
type Lifecycle struct {
	job         *Job
	transitions Transitions
	handlers    map[Signal]Handler
	afterScan   Signal

	steps     Steps
	store     Store
	publisher EventPublisher
	metrics   Metrics
	clock     timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithEventPublisher announces every applied transition through p.
func WithEventPublisher(p EventPublisher) Option { return func(l *Lifecycle) { l.publisher = p } }

// WithMetrics records dispatch outcomes through m.
func WithMetrics(m Metrics) Option { return func(l *Lifecycle) { l.metrics = m } }

// WithClock overrides the time source used for record timestamps.
func WithClock(c timeutil.Provider) Option { return func(l *Lifecycle) { l.clock = c } }

// NewLifecycle wires the generic transition table and handlers around j.
func NewLifecycle(
	j *Job,
	steps Steps,
	store Store,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Lifecycle {
	l := &Lifecycle{
		job:         j,
		transitions: BaseTransitions(),
		afterScan:   SignalScanComplete,
		steps:       steps,
		store:       store,
		metrics:     noopMetrics{},
		clock:       timeutil.Default(),
		logger:      logger.With("component", "job_lifecycle", "job_id", j.ID().String()),
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.handlers = map[Signal]Handler{
		SignalStart:        func(ctx context.Context, _ Args) error { return l.BeforeScan(ctx) },
		SignalScan:         func(ctx context.Context, _ Args) error { return l.CallScan(ctx) },
		SignalScanComplete: func(ctx context.Context, _ Args) error { return l.CallSynchronize(ctx) },
		SignalFinish:       func(ctx context.Context, _ Args) error { return l.ProcessFinished(ctx) },
		SignalData:         l.ProcessData,
		SignalAbort:        l.ProcessAbort,
		SignalCancel:       l.ProcessCancel,
	}

	return l
}

// Job returns the managed job.
func (l *Lifecycle) Job() *Job { return l.job }

// State returns the job's current state.
func (l *Lifecycle) State() State { return l.job.State() }

// Logger returns the lifecycle's job-scoped logger.
func (l *Lifecycle) Logger() *logger.Logger { return l.logger }

// Merge replaces the transition entries of every signal present in t.
func (l *Lifecycle) Merge(t Transitions) { l.transitions.Merge(t) }

// Override replaces the handler run after sig is applied.
func (l *Lifecycle) Override(sig Signal, h Handler) { l.handlers[sig] = h }

// SetAfterScan selects the signal raised once the scan step completes.
func (l *Lifecycle) SetAfterScan(sig Signal) { l.afterScan = sig }

// CanSignal reports whether sig has a transition from the current state.
func (l *Lifecycle) CanSignal(sig Signal) bool {
	_, ok := l.transitions.Next(sig, l.job.State())
	return ok
}

// Signal dispatches sig without arguments.
func (l *Lifecycle) Signal(ctx context.Context, sig Signal) error {
	return l.SignalWith(ctx, sig, Args{})
}

// SignalWith applies the transition for sig, persists the job, announces the
// change and then runs the signal's handler. A signal with no entry for the
// current state returns ErrTransitionNotAllowed and changes nothing.
func (l *Lifecycle) SignalWith(ctx context.Context, sig Signal, args Args) error {
	from := l.job.State()
	ctx, span := l.tracer.Start(ctx, "job_lifecycle.signal",
		trace.WithAttributes(
			attribute.String("job_id", l.job.ID().String()),
			attribute.String("signal", sig.String()),
			attribute.String("from_state", from.String()),
		))
	defer span.End()

	to, ok := l.transitions.Next(sig, from)
	if !ok {
		l.metrics.IncSignalRejected(ctx, sig, from)
		l.logger.Warn(ctx, "signal rejected", "signal", sig, "state", from)
		err := fmt.Errorf("%w: signal %s in state %s", ErrTransitionNotAllowed, sig, from)
		span.SetStatus(codes.Error, "transition not allowed")
		return err
	}

	span.SetAttributes(attribute.String("to_state", to.String()))
	if err := l.apply(ctx, func(j *Job, at time.Time) { j.setState(to, at) }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist transition")
		return err
	}
	l.metrics.IncSignalDispatched(ctx, sig)
	l.logger.Debug(ctx, "signal applied", "signal", sig, "from", from, "to", to)
	l.announce(ctx, sig, from, to)

	h, ok := l.handlers[sig]
	if !ok || h == nil {
		return nil
	}
	if err := h(ctx, args); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "signal handler failed")
		return err
	}
	return nil
}

// SetStatus records a status message and severity on the job.
func (l *Lifecycle) SetStatus(ctx context.Context, msg string, sev Severity) error {
	if sev == "" {
		sev = SeverityOK
	}
	if err := l.apply(ctx, func(j *Job, at time.Time) { j.setStatus(msg, sev, at) }); err != nil {
		return err
	}

	switch sev {
	case SeverityError:
		l.logger.Error(ctx, msg, "state", l.job.State())
	case SeverityWarn:
		l.logger.Warn(ctx, msg, "state", l.job.State())
	default:
		l.logger.Info(ctx, msg, "state", l.job.State())
	}
	return nil
}

// SetContext stores key=value in the persisted job context.
func (l *Lifecycle) SetContext(ctx context.Context, key, value string) error {
	return l.apply(ctx, func(j *Job, at time.Time) { j.setContext(key, value, at) })
}

// ClearContext removes key from the persisted job context.
func (l *Lifecycle) ClearContext(ctx context.Context, key string) error {
	if _, ok := l.job.context[key]; !ok {
		return nil
	}
	return l.apply(ctx, func(j *Job, at time.Time) { j.deleteContext(key, at) })
}

// BeforeScan is the generic entry action of before_scan: go straight to scanning.
func (l *Lifecycle) BeforeScan(ctx context.Context) error { return l.Signal(ctx, SignalScan) }

// CallScan runs the scanning step. A failed scan aborts the job; a successful
// one raises the configured after-scan signal. When the step reports
// ErrStepPending the job stays in scanning until CompleteScan is called.
func (l *Lifecycle) CallScan(ctx context.Context) error {
	if err := l.steps.Scan(ctx, l.job); err != nil {
		if errors.Is(err, ErrStepPending) {
			l.logger.Info(ctx, "scan continues asynchronously")
			return nil
		}
		l.logger.Error(ctx, "scan step failed", "error", err)
		return l.SignalWith(ctx, SignalAbort, Args{
			Message:  fmt.Sprintf("Scan failed: %v", err),
			Severity: SeverityError,
		})
	}
	return l.Signal(ctx, l.afterScan)
}

// CompleteScan raises the after-scan signal for a scan that finished
// asynchronously.
func (l *Lifecycle) CompleteScan(ctx context.Context) error { return l.Signal(ctx, l.afterScan) }

// CallSynchronize runs the synchronize step and finishes the job.
func (l *Lifecycle) CallSynchronize(ctx context.Context) error {
	if err := l.steps.Synchronize(ctx, l.job); err != nil {
		l.logger.Error(ctx, "synchronize step failed", "error", err)
		return l.SignalWith(ctx, SignalAbort, Args{
			Message:  fmt.Sprintf("Synchronization failed: %v", err),
			Severity: SeverityError,
		})
	}
	return l.Signal(ctx, SignalFinish)
}

// ProcessData forwards scan data to the host steps.
func (l *Lifecycle) ProcessData(ctx context.Context, args Args) error {
	if err := l.steps.ProcessData(ctx, l.job, args.Payload); err != nil {
		l.logger.Error(ctx, "processing scan data failed", "error", err)
		return l.SignalWith(ctx, SignalAbort, Args{
			Message:  fmt.Sprintf("Processing scan data failed: %v", err),
			Severity: SeverityError,
		})
	}
	return nil
}

// ProcessFinished records successful completion.
func (l *Lifecycle) ProcessFinished(ctx context.Context) error {
	return l.SetStatus(ctx, "Process completed", SeverityOK)
}

// ProcessAbort records the abort reason. The job is already in aborted.
func (l *Lifecycle) ProcessAbort(ctx context.Context, args Args) error {
	msg, sev := args.Message, args.Severity
	if msg == "" {
		msg = "Job aborted"
	}
	if sev == "" {
		sev = SeverityError
	}
	return l.SetStatus(ctx, msg, sev)
}

// ProcessCancel records the cancellation. The job is already in canceled.
func (l *Lifecycle) ProcessCancel(ctx context.Context, args Args) error {
	msg, sev := args.Message, args.Severity
	if msg == "" {
		msg = "Job canceled"
	}
	if sev == "" {
		sev = SeverityOK
	}
	return l.SetStatus(ctx, msg, sev)
}

// apply saves a copy of the job changed by mutate and adopts the copy only
// once the store has accepted it. A failed save leaves the job untouched.
func (l *Lifecycle) apply(ctx context.Context, mutate func(j *Job, at time.Time)) error {
	next := l.job.clone()
	mutate(next, l.clock.Now())
	if err := l.store.SaveJob(ctx, next); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", l.job.ID(), err)
	}
	next.version++
	*l.job = *next
	return nil
}

// announce publishes the transition. Publishing is best-effort; failures are
// logged and never block the state machine.
func (l *Lifecycle) announce(ctx context.Context, sig Signal, from, to State) {
	if l.publisher == nil {
		return
	}
	change := StateChange{
		JobID:      l.job.ID(),
		Target:     l.job.Target(),
		Signal:     sig,
		From:       from,
		To:         to,
		Status:     l.job.Status(),
		Message:    l.job.Message(),
		OccurredAt: l.job.UpdatedAt(),
	}
	if err := l.publisher.PublishStateChange(ctx, change); err != nil {
		l.logger.Warn(ctx, "failed to publish state change", "signal", sig, "error", err)
	}
}
