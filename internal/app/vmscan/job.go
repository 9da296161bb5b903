// Package vmscan implements the VM content scan job: a job lifecycle extended
// with a temporary provider snapshot that is created before the scan and
// deleted before synchronization, including cleanup on cancel and abort.
package vmscan

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/domain/job"
	"github.com/ahrav/azure-armada/internal/domain/provider"
	"github.com/ahrav/azure-armada/pkg/common/logger"
)

// States added on top of the generic lifecycle.
const (
	StateSnapshotCreate job.State = "snapshot_create"
	StateSnapshotDelete job.State = "snapshot_delete"
)

// Signals added on top of the generic lifecycle.
const (
	SignalStartSnapshot    job.Signal = "start_snapshot"
	SignalSnapshotComplete job.Signal = "snapshot_complete"
	SignalSnapshotDelete   job.Signal = "snapshot_delete"
)

// Job context keys. Both live in the persisted job context so a restart
// between snapshot creation and deletion does not orphan the snapshot.
const (
	ContextSnapshotRef  = "snapshot_ref"
	ContextSnapshotMode = "snapshot_mode"
)

// SnapshotMode records how, or whether, a snapshot was taken.
type SnapshotMode string

const (
	ModeUnset      SnapshotMode = ""
	ModeSkipped    SnapshotMode = "skipped"
	ModeServer     SnapshotMode = "server"
	ModeSmartProxy SnapshotMode = "smartProxy"
	ModeCreated    SnapshotMode = "created"
)

// Transitions returns the entries the scan job merges into the generic table.
// The generic scan and scan_complete moves are disabled so that scanning is
// only ever entered through snapshot_complete and always left through
// snapshot_delete.
func Transitions() job.Transitions {
	return job.Transitions{
		SignalStartSnapshot: {job.StateBeforeScan: StateSnapshotCreate},
		SignalSnapshotComplete: {
			StateSnapshotCreate: job.StateScanning,
			StateSnapshotDelete: job.StateSynchronizing,
		},
		SignalSnapshotDelete: {job.StateScanning: StateSnapshotDelete},
		job.SignalData: {
			StateSnapshotCreate:    StateSnapshotCreate,
			job.StateScanning:      job.StateScanning,
			StateSnapshotDelete:    StateSnapshotDelete,
			job.StateSynchronizing: job.StateSynchronizing,
			job.StateFinished:      job.StateFinished,
		},
		job.SignalScan:         {},
		job.SignalScanComplete: {},
	}
}

// Job is a VM scan job. It owns the snapshot handle for its target and is
// driven one signal at a time by its host.
type Job struct {
	lc         *job.Lifecycle
	vm         provider.VM
	resolver   provider.ConnectionResolver
	userEvents provider.UserEventLogger
	metrics    Metrics

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a scan Job.
type Option func(*Job)

// WithMetrics records snapshot outcomes through m.
func WithMetrics(m Metrics) Option { return func(j *Job) { j.metrics = m } }

// New extends lc with the snapshot workflow for vm.
func New(
	lc *job.Lifecycle,
	vm provider.VM,
	resolver provider.ConnectionResolver,
	userEvents provider.UserEventLogger,
	tracer trace.Tracer,
	opts ...Option,
) *Job {
	j := &Job{
		lc:         lc,
		vm:         vm,
		resolver:   resolver,
		userEvents: userEvents,
		metrics:    noopMetrics{},
		logger:     lc.Logger().With("component", "vm_scan_job", "vm_id", vm.ID),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(j)
	}

	lc.Merge(Transitions())
	lc.SetAfterScan(SignalSnapshotDelete)

	lc.Override(job.SignalStart, func(ctx context.Context, _ job.Args) error { return j.BeforeScan(ctx) })
	lc.Override(SignalStartSnapshot, func(ctx context.Context, _ job.Args) error { return j.OnSnapshotCreateSignal(ctx) })
	lc.Override(SignalSnapshotDelete, func(ctx context.Context, _ job.Args) error { return j.OnSnapshotDeleteSignal(ctx) })
	lc.Override(SignalSnapshotComplete, func(ctx context.Context, _ job.Args) error { return j.OnSnapshotComplete(ctx) })
	lc.Override(job.SignalCancel, j.OnCancel)
	lc.Override(job.SignalAbort, j.OnAbort)

	return j
}

// Lifecycle exposes the underlying lifecycle for hosts that deliver signals.
func (j *Job) Lifecycle() *job.Lifecycle { return j.lc }

// State returns the job's current state.
func (j *Job) State() job.State { return j.lc.State() }

// Signal dispatches sig to the job.
func (j *Job) Signal(ctx context.Context, sig job.Signal) error { return j.lc.Signal(ctx, sig) }

// SnapshotRef returns the live snapshot handle, if any.
func (j *Job) SnapshotRef() (string, bool) {
	ref, ok := j.lc.Job().ContextValue(ContextSnapshotRef)
	return ref, ok && ref != ""
}

// Mode returns the recorded snapshot mode.
func (j *Job) Mode() SnapshotMode {
	m, _ := j.lc.Job().ContextValue(ContextSnapshotMode)
	return SnapshotMode(m)
}

func (j *Job) setMode(ctx context.Context, m SnapshotMode) error {
	return j.lc.SetContext(ctx, ContextSnapshotMode, string(m))
}

// SnapshotDescription is the description attached to the provider snapshot.
func (j *Job) SnapshotDescription() string {
	return "EVM snapshot for scan job: " + j.lc.Job().ID().String()
}

// BeforeScan is the entry action of before_scan.
func (j *Job) BeforeScan(ctx context.Context) error {
	return j.lc.Signal(ctx, SignalStartSnapshot)
}

// CreateSnapshot asks the provider for a snapshot of the target VM. It
// reports false when the job was aborted instead. Timeouts are returned to the
// caller so the abort message can depend on the snapshot mode.
func (j *Job) CreateSnapshot(ctx context.Context) (bool, error) {
	ctx, span := j.tracer.Start(ctx, "vm_scan_job.create_snapshot",
		trace.WithAttributes(attribute.String("vm_id", j.vm.ID)))
	defer span.End()

	mgr, err := j.resolver.SnapshotManagerFor(ctx, j.vm)
	if err != nil {
		span.RecordError(err)
		j.metrics.IncSnapshotCreateFailed(ctx, provider.KindOf(err))
		switch {
		case provider.IsMissingProvider(err):
			span.SetStatus(codes.Error, "no provider connection")
			return false, j.abort(ctx, "No Providers available to create snapshot, skipping")
		case provider.IsTimeout(err):
			span.SetStatus(codes.Error, "provider connection timed out")
			return false, err
		default:
			span.SetStatus(codes.Error, "failed to resolve provider connection")
			return false, j.abort(ctx, createFailureMessage(err))
		}
	}

	description := j.SnapshotDescription()
	j.logger.Info(ctx, "creating snapshot", "description", description)

	if err := j.userEvents.LogScanStart(ctx, j.lc.Job().ID().String(), j.vm); err != nil {
		if provider.IsTimeout(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan start user event timed out")
			j.metrics.IncSnapshotCreateFailed(ctx, provider.KindTimeout)
			return false, err
		}
		j.logger.Warn(ctx, "failed to log scan start user event", "error", err)
	}

	if err := j.setMode(ctx, ModeServer); err != nil {
		return false, err
	}

	ref, err := mgr.CreateSnapshot(ctx, j.vm, description)
	if err != nil {
		span.RecordError(err)
		j.metrics.IncSnapshotCreateFailed(ctx, provider.KindOf(err))
		if provider.IsTimeout(err) {
			span.SetStatus(codes.Error, "create snapshot timed out")
			return false, err
		}
		span.SetStatus(codes.Error, "create snapshot failed")
		msg := createFailureMessage(err)
		j.logger.Error(ctx, msg)
		return false, j.abort(ctx, msg)
	}

	if err := j.lc.SetContext(ctx, ContextSnapshotRef, ref); err != nil {
		return false, err
	}
	j.logger.Info(ctx, "created snapshot", "snapshot_ref", ref)
	if err := j.lc.SetStatus(ctx, fmt.Sprintf("Snapshot created: reference: [%s]", ref), job.SeverityOK); err != nil {
		return false, err
	}
	if err := j.setMode(ctx, ModeCreated); err != nil {
		return false, err
	}
	j.metrics.IncSnapshotCreated(ctx)
	span.SetAttributes(attribute.String("snapshot_ref", ref))

	return true, nil
}

// OnSnapshotCreateSignal runs when the job enters snapshot_create.
func (j *Job) OnSnapshotCreateSignal(ctx context.Context) error {
	if err := j.lc.ClearContext(ctx, ContextSnapshotRef); err != nil {
		return err
	}
	if err := j.setMode(ctx, ModeSkipped); err != nil {
		return err
	}

	created, err := j.CreateSnapshot(ctx)
	if err != nil {
		if !provider.IsTimeout(err) {
			return err
		}
		msg := "Request to create snapshot timed out"
		if m := j.Mode(); m == ModeSmartProxy || m == ModeSkipped {
			msg = "Request to log snapshot user event with EMS timed out."
		}
		j.logger.Error(ctx, msg, "error", err)
		return j.abort(ctx, msg)
	}
	if !created {
		return nil
	}
	return j.lc.Signal(ctx, SignalSnapshotComplete)
}

// OnSnapshotDeleteSignal runs when the job enters snapshot_delete. The handle
// is cleared before the delete is attempted, so a failed delete is never
// retried. A timed out or failed delete leaves the job in snapshot_delete.
func (j *Job) OnSnapshotDeleteSignal(ctx context.Context) error {
	ref, ok := j.SnapshotRef()
	if !ok {
		if j.Mode() == ModeSkipped {
			if err := j.lc.SetStatus(ctx, "Snapshot was not taken, delete not required", job.SeverityOK); err != nil {
				return err
			}
		}
		if err := j.userEvents.LogScanEnd(ctx, j.lc.Job().ID().String(), j.vm); err != nil {
			j.logger.Warn(ctx, "failed to log scan end user event", "error", err)
		}
		return j.lc.Signal(ctx, SignalSnapshotComplete)
	}

	ctx, span := j.tracer.Start(ctx, "vm_scan_job.delete_snapshot",
		trace.WithAttributes(
			attribute.String("vm_id", j.vm.ID),
			attribute.String("snapshot_ref", ref),
		))
	defer span.End()

	if err := j.lc.ClearContext(ctx, ContextSnapshotRef); err != nil {
		return err
	}

	mode := j.Mode()
	status := fmt.Sprintf("Deleting VM snapshot: reference: [%s]", ref)
	if mode == ModeSmartProxy {
		status = "Snapshot delete was performed by the SmartProxy"
	}
	if err := j.lc.SetStatus(ctx, status, job.SeverityOK); err != nil {
		return err
	}

	mgr, err := j.resolver.SnapshotManagerFor(ctx, j.vm)
	if err == nil {
		j.logger.Info(ctx, "deleting snapshot", "snapshot_ref", ref)
		err = mgr.DeleteSnapshot(ctx, j.vm, ref)
	}

	switch {
	case err == nil:
		j.metrics.IncSnapshotDeleted(ctx)
		if mode != ModeSmartProxy {
			j.logger.Info(ctx, "deleted snapshot", "snapshot_ref", ref)
			msg := fmt.Sprintf("Snapshot deleted: reference: [%s]", ref)
			if err := j.lc.SetStatus(ctx, msg, job.SeverityOK); err != nil {
				return err
			}
		}
	case provider.IsMissingProvider(err):
		j.metrics.IncSnapshotDeleteFailed(ctx, provider.KindMissingProvider)
		j.logger.Error(ctx, "no provider available to delete snapshot", "snapshot_ref", ref)
		if err := j.lc.SetStatus(ctx, "No Providers available to delete snapshot, skipping", job.SeverityError); err != nil {
			return err
		}
	case provider.IsTimeout(err):
		j.metrics.IncSnapshotDeleteFailed(ctx, provider.KindTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete snapshot timed out")
		j.logger.Error(ctx, "Request to delete snapshot timed out", "snapshot_ref", ref, "error", err)
		return nil
	default:
		j.metrics.IncSnapshotDeleteFailed(ctx, provider.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete snapshot failed")
		j.logger.Error(ctx, err.Error(), "snapshot_ref", ref)
		return nil
	}

	return j.lc.Signal(ctx, SignalSnapshotComplete)
}

// OnSnapshotComplete continues with the scan after creation and with
// synchronization after deletion.
func (j *Job) OnSnapshotComplete(ctx context.Context) error {
	if j.lc.State() == job.StateScanning {
		return j.lc.CallScan(ctx)
	}
	return j.lc.CallSynchronize(ctx)
}

// OnCancel deletes any live snapshot, then records the cancellation.
func (j *Job) OnCancel(ctx context.Context, args job.Args) error {
	j.cleanupSnapshot(ctx, "canceling")
	return j.lc.ProcessCancel(ctx, args)
}

// OnAbort deletes any live snapshot, then records the abort.
func (j *Job) OnAbort(ctx context.Context, args job.Args) error {
	j.cleanupSnapshot(ctx, "aborting")
	return j.lc.ProcessAbort(ctx, args)
}

// cleanupSnapshot is best effort: every failure is logged and swallowed.
func (j *Job) cleanupSnapshot(ctx context.Context, verb string) {
	ref, ok := j.SnapshotRef()
	if !ok {
		return
	}

	if err := j.lc.ClearContext(ctx, ContextSnapshotRef); err != nil {
		j.logger.Error(ctx, "failed to clear snapshot reference", "snapshot_ref", ref, "error", err)
	}
	if err := j.lc.SetStatus(ctx, fmt.Sprintf("Deleting snapshot before %s job", verb), job.SeverityOK); err != nil {
		j.logger.Error(ctx, "failed to record cleanup status", "error", err)
	}

	mgr, err := j.resolver.SnapshotManagerFor(ctx, j.vm)
	if err == nil {
		err = mgr.DeleteSnapshot(ctx, j.vm, ref)
	}
	if err != nil {
		j.metrics.IncSnapshotDeleteFailed(ctx, provider.KindOf(err))
		j.logger.Error(ctx, "failed to delete snapshot during cleanup",
			"snapshot_ref", ref, "verb", verb, "error", err)
		return
	}
	j.metrics.IncSnapshotDeleted(ctx)
}

func (j *Job) abort(ctx context.Context, msg string) error {
	return j.lc.SignalWith(ctx, job.SignalAbort, job.Args{Message: msg, Severity: job.SeverityError})
}

func createFailureMessage(err error) string {
	text := err.Error()
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Err != nil {
		text = perr.Err.Error()
	}
	return fmt.Sprintf("Failed to create evm snapshot with EMS. Error: [%s]: [%s]", provider.ClassOf(err), text)
}
