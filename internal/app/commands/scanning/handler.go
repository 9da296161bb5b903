package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/app/commands"
	"github.com/ahrav/azure-armada/internal/app/vmscan"
	"github.com/ahrav/azure-armada/internal/domain/job"
	"github.com/ahrav/azure-armada/internal/domain/provider"
	"github.com/ahrav/azure-armada/pkg/common/logger"
	"github.com/ahrav/azure-armada/pkg/common/timeutil"
)

var _ commands.Handler = (*CommandHandler)(nil)

// ErrUnknownCommand is returned for command types this handler does not own.
var ErrUnknownCommand = errors.New("unknown command type")

// CommandHandler creates, loads and signals VM scan jobs. Each command
// rebuilds the job's lifecycle from the store, so the handler itself keeps no
// per-job state and a restarted host picks up where the last one stopped.
// Commands for the same job run one at a time within a handler. Writers on
// other hosts are caught by the store's version check.
type CommandHandler struct {
	locks *jobLocks

	store      job.Store
	resolver   provider.ConnectionResolver
	userEvents provider.UserEventLogger
	dispatcher ScanDispatcher

	publisher job.EventPublisher
	metrics   vmscan.Metrics
	clock     timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a CommandHandler.
type Option func(*CommandHandler)

// WithEventPublisher announces job state changes through p.
func WithEventPublisher(p job.EventPublisher) Option {
	return func(h *CommandHandler) { h.publisher = p }
}

// WithMetrics records lifecycle and snapshot metrics through m.
func WithMetrics(m vmscan.Metrics) Option {
	return func(h *CommandHandler) { h.metrics = m }
}

// WithClock overrides the time source for job timestamps.
func WithClock(c timeutil.Provider) Option { return func(h *CommandHandler) { h.clock = c } }

// NewCommandHandler creates a handler for scan job commands.
func NewCommandHandler(
	store job.Store,
	resolver provider.ConnectionResolver,
	userEvents provider.UserEventLogger,
	dispatcher ScanDispatcher,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *CommandHandler {
	h := &CommandHandler{
		locks:      newJobLocks(),
		store:      store,
		resolver:   resolver,
		userEvents: userEvents,
		dispatcher: dispatcher,
		clock:      timeutil.Default(),
		logger:     logger.With("component", "scan_command_handler"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle routes cmd to its handler.
func (h *CommandHandler) Handle(ctx context.Context, cmd commands.Command) error {
	ctx, span := h.tracer.Start(ctx, "scanning.CommandHandler.Handle",
		trace.WithAttributes(
			attribute.String("command_id", cmd.CommandID()),
			attribute.String("command_type", string(cmd.CommandType())),
		))
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		h.logger.Error(ctx, "invalid scan command", "error", err, "command_id", cmd.CommandID())
		span.RecordError(err)
		return err
	}

	var err error
	switch c := cmd.(type) {
	case StartScanCommand:
		_, err = h.StartScan(ctx, c)
	case CancelScanCommand:
		err = h.CancelScan(ctx, c)
	case CompleteScanCommand:
		err = h.CompleteScan(ctx, c)
	default:
		h.logger.Error(ctx, "unknown command type",
			"type", cmd.CommandType(),
			"command_id", cmd.CommandID(),
		)
		err = fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.CommandType())
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// StartScan records a new job for the command's VM and sends it start. The
// returned id is valid even when the workflow itself failed.
func (h *CommandHandler) StartScan(ctx context.Context, cmd StartScanCommand) (uuid.UUID, error) {
	j := job.NewJob(job.Target{ID: cmd.VM.ID, Name: cmd.VM.Name}, h.clock.Now())
	defer h.locks.lock(j.ID())()

	if err := h.store.CreateJob(ctx, j); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create scan job: %w", err)
	}

	h.logger.Info(ctx, "scan job created",
		"command_id", cmd.CommandID(),
		"job_id", j.ID(),
		"vm_id", cmd.VM.ID,
		"requested_by", cmd.RequestedBy,
	)

	sj := h.build(j)
	if err := sj.Signal(ctx, job.SignalStart); err != nil {
		return j.ID(), fmt.Errorf("failed to start scan job %s: %w", j.ID(), err)
	}
	return j.ID(), nil
}

// CancelScan loads the job and sends it cancel.
func (h *CommandHandler) CancelScan(ctx context.Context, cmd CancelScanCommand) error {
	defer h.locks.lock(cmd.JobID)()

	sj, err := h.load(ctx, cmd.JobID)
	if err != nil {
		return err
	}

	h.logger.Info(ctx, "canceling scan job",
		"command_id", cmd.CommandID(),
		"job_id", cmd.JobID,
		"requested_by", cmd.RequestedBy,
	)
	if err := sj.Signal(ctx, job.SignalCancel); err != nil {
		return fmt.Errorf("failed to cancel scan job %s: %w", cmd.JobID, err)
	}
	return nil
}

// CompleteScan resumes a job left in scanning by an asynchronous dispatch.
func (h *CommandHandler) CompleteScan(ctx context.Context, cmd CompleteScanCommand) error {
	defer h.locks.lock(cmd.JobID)()

	sj, err := h.load(ctx, cmd.JobID)
	if err != nil {
		return err
	}
	if err := sj.Lifecycle().CompleteScan(ctx); err != nil {
		return fmt.Errorf("failed to complete scan job %s: %w", cmd.JobID, err)
	}
	return nil
}

func (h *CommandHandler) load(ctx context.Context, id uuid.UUID) (*vmscan.Job, error) {
	j, err := h.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load scan job %s: %w", id, err)
	}
	return h.build(j), nil
}

func (h *CommandHandler) build(j *job.Job) *vmscan.Job {
	vm := provider.VM{ID: j.Target().ID, Name: j.Target().Name}
	steps := &dispatchSteps{vm: vm, dispatcher: h.dispatcher, logger: h.logger}

	lcOpts := []job.Option{job.WithClock(h.clock)}
	if h.publisher != nil {
		lcOpts = append(lcOpts, job.WithEventPublisher(h.publisher))
	}
	var jobOpts []vmscan.Option
	if h.metrics != nil {
		lcOpts = append(lcOpts, job.WithMetrics(h.metrics))
		jobOpts = append(jobOpts, vmscan.WithMetrics(h.metrics))
	}
	lc := job.NewLifecycle(j, steps, h.store, h.logger, h.tracer, lcOpts...)

	return vmscan.New(lc, vm, h.resolver, h.userEvents, h.tracer, jobOpts...)
}
