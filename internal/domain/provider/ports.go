package provider

import (
	"context"
	"fmt"
	"strings"
)

// VM identifies the virtual machine a scan job targets.
type VM struct {
	// ID is the provider resource id,
	// /subscriptions/{sub}/resourceGroups/{rg}/providers/Microsoft.Compute/virtualMachines/{name}.
	ID   string
	Name string
}

// SubscriptionID extracts the subscription segment of the VM's resource id.
func (v VM) SubscriptionID() string { return segment(v.ID, "subscriptions") }

// ResourceGroup extracts the resource group segment of the VM's resource id.
func (v VM) ResourceGroup() string { return segment(v.ID, "resourcegroups") }

// Validate checks that the resource id names a subscription, resource group and VM.
func (v VM) Validate() error {
	if v.SubscriptionID() == "" || v.ResourceGroup() == "" || segment(v.ID, "virtualmachines") == "" {
		return fmt.Errorf("invalid vm resource id %q", v.ID)
	}
	return nil
}

func segment(id, key string) string {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], key) {
			return parts[i+1]
		}
	}
	return ""
}

// SnapshotManager creates and deletes the temporary snapshot a content scan
// reads from. Both calls may fail with KindTimeout or KindProviderError.
type SnapshotManager interface {
	// CreateSnapshot returns an opaque handle identifying the new snapshot.
	CreateSnapshot(ctx context.Context, vm VM, description string) (string, error)
	DeleteSnapshot(ctx context.Context, vm VM, handle string) error
}

// ConnectionResolver answers whether a VM has an active management connection.
// When it does not, SnapshotManagerFor fails with KindMissingProvider.
type ConnectionResolver interface {
	SnapshotManagerFor(ctx context.Context, vm VM) (SnapshotManager, error)
}

// UserEventLogger records scan start/end user events against the target so
// they show up in the provider's timeline.
type UserEventLogger interface {
	LogScanStart(ctx context.Context, jobID string, vm VM) error
	LogScanEnd(ctx context.Context, jobID string, vm VM) error
}
