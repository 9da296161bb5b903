// Package scanning provides the commands that start and cancel VM scan jobs.
package scanning

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/azure-armada/internal/app/commands"
	"github.com/ahrav/azure-armada/internal/domain/provider"
)

const (
	// CommandTypeStartScan creates a scan job for a VM and starts it.
	CommandTypeStartScan commands.CommandType = "CommandVMScanStart"
	// CommandTypeCancelScan cancels a running scan job.
	CommandTypeCancelScan commands.CommandType = "CommandVMScanCancel"
	// CommandTypeCompleteScan resumes a job whose dispatched scan finished.
	CommandTypeCompleteScan commands.CommandType = "CommandVMScanComplete"
)

// StartScanCommand encapsulates the parameters for starting a scan
type StartScanCommand struct {
	id          string
	occurredAt  time.Time
	VM          provider.VM
	RequestedBy string
}

// NewStartScanCommand creates a new scan command. An empty id gets a random one.
func NewStartScanCommand(id string, vm provider.VM, requestedBy string) StartScanCommand {
	if id == "" {
		id = uuid.New().String()
	}
	return StartScanCommand{
		id:          id,
		occurredAt:  time.Now(),
		VM:          vm,
		RequestedBy: requestedBy,
	}
}

func (c StartScanCommand) CommandType() commands.CommandType { return CommandTypeStartScan }
func (c StartScanCommand) OccurredAt() time.Time             { return c.occurredAt }
func (c StartScanCommand) CommandID() string                 { return c.id }

// ValidateCommand ensures all required fields are properly set.
func (c StartScanCommand) ValidateCommand() error {
	if err := c.VM.Validate(); err != nil {
		return err
	}
	if c.RequestedBy == "" {
		return errors.New("requestedBy is required")
	}
	return nil
}

// CancelScanCommand asks a running job to stop and clean up its snapshot.
type CancelScanCommand struct {
	id          string
	occurredAt  time.Time
	JobID       uuid.UUID
	RequestedBy string
}

// NewCancelScanCommand creates a cancel command for jobID.
func NewCancelScanCommand(id string, jobID uuid.UUID, requestedBy string) CancelScanCommand {
	if id == "" {
		id = uuid.New().String()
	}
	return CancelScanCommand{
		id:          id,
		occurredAt:  time.Now(),
		JobID:       jobID,
		RequestedBy: requestedBy,
	}
}

func (c CancelScanCommand) CommandType() commands.CommandType { return CommandTypeCancelScan }
func (c CancelScanCommand) OccurredAt() time.Time             { return c.occurredAt }
func (c CancelScanCommand) CommandID() string                 { return c.id }

func (c CancelScanCommand) ValidateCommand() error {
	if c.JobID == uuid.Nil {
		return errors.New("job id is required")
	}
	return nil
}

// CompleteScanCommand reports that the downstream scan of a job's snapshot
// finished.
type CompleteScanCommand struct {
	id         string
	occurredAt time.Time
	JobID      uuid.UUID
}

// NewCompleteScanCommand creates a completion command for jobID.
func NewCompleteScanCommand(id string, jobID uuid.UUID) CompleteScanCommand {
	if id == "" {
		id = uuid.New().String()
	}
	return CompleteScanCommand{id: id, occurredAt: time.Now(), JobID: jobID}
}

func (c CompleteScanCommand) CommandType() commands.CommandType { return CommandTypeCompleteScan }
func (c CompleteScanCommand) OccurredAt() time.Time             { return c.occurredAt }
func (c CompleteScanCommand) CommandID() string                 { return c.id }

func (c CompleteScanCommand) ValidateCommand() error {
	if c.JobID == uuid.Nil {
		return errors.New("job id is required")
	}
	return nil
}
