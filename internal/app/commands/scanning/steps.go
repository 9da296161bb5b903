package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/azure-armada/internal/app/vmscan"
	"github.com/ahrav/azure-armada/internal/domain/job"
	"github.com/ahrav/azure-armada/internal/domain/provider"
	"github.com/ahrav/azure-armada/pkg/common/logger"
)

// ScanDispatcher hands a snapshot to the content scanners.
type ScanDispatcher interface {
	DispatchScan(ctx context.Context, jobID string, vm provider.VM, snapshotRef string) error
}

var errNoSnapshot = errors.New("job has no snapshot to scan")

// dispatchSteps implements job.Steps for the scan job host. Scanning the
// snapshot contents happens downstream: Scan dispatches the snapshot and
// leaves the job in scanning until a completion request arrives.
type dispatchSteps struct {
	vm         provider.VM
	dispatcher ScanDispatcher
	logger     *logger.Logger
}

var _ job.Steps = (*dispatchSteps)(nil)

func (s *dispatchSteps) Scan(ctx context.Context, j *job.Job) error {
	ref, ok := j.ContextValue(vmscan.ContextSnapshotRef)
	if !ok || ref == "" {
		return errNoSnapshot
	}
	if err := s.dispatcher.DispatchScan(ctx, j.ID().String(), s.vm, ref); err != nil {
		return fmt.Errorf("failed to dispatch snapshot %s: %w", ref, err)
	}
	s.logger.Info(ctx, "dispatched snapshot for scanning", "job_id", j.ID(), "snapshot_ref", ref)
	return job.ErrStepPending
}

func (s *dispatchSteps) Synchronize(ctx context.Context, j *job.Job) error {
	s.logger.Info(ctx, "scan results synchronized", "job_id", j.ID(), "vm_id", s.vm.ID)
	return nil
}

func (s *dispatchSteps) ProcessData(ctx context.Context, j *job.Job, payload any) error {
	s.logger.Debug(ctx, "scan data received", "job_id", j.ID(), "payload_type", fmt.Sprintf("%T", payload))
	return nil
}
