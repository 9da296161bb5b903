package azure

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/domain/provider"
)

const (
	computeAPIVersion  = "2024-03-01"
	snapshotAPIVersion = "2023-10-02"

	asyncOperationHeader = "Azure-AsyncOperation"
)

var _ provider.SnapshotManager = (*Client)(nil)

type virtualMachine struct {
	Location   string `json:"location"`
	Properties struct {
		StorageProfile struct {
			OSDisk struct {
				Name        string `json:"name"`
				ManagedDisk *struct {
					ID string `json:"id"`
				} `json:"managedDisk"`
			} `json:"osDisk"`
		} `json:"storageProfile"`
	} `json:"properties"`
}

type snapshotRequest struct {
	Location   string            `json:"location"`
	Tags       map[string]string `json:"tags,omitempty"`
	Properties struct {
		Incremental  bool `json:"incremental"`
		CreationData struct {
			CreateOption     string `json:"createOption"`
			SourceResourceID string `json:"sourceResourceId"`
		} `json:"creationData"`
	} `json:"properties"`
}

type asyncOperation struct {
	Status string    `json:"status"`
	Error  *struct { // present when Status is Failed
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateSnapshot takes an incremental snapshot of vm's managed OS disk in the
// VM's resource group and waits for it to complete. The returned handle is
// the snapshot resource id.
func (c *Client) CreateSnapshot(ctx context.Context, vm provider.VM, description string) (string, error) {
	const op = "create_snapshot"

	ctx, span := c.tracer.Start(ctx, "azure.create_snapshot",
		trace.WithAttributes(attribute.String("vm_id", vm.ID)))
	defer span.End()

	var machine virtualMachine
	if _, err := c.do(ctx, op, "GET", c.resourceURL(vm.ID, computeAPIVersion), nil, &machine); err != nil {
		span.RecordError(err)
		return "", err
	}
	disk := machine.Properties.StorageProfile.OSDisk.ManagedDisk
	if disk == nil || disk.ID == "" {
		return "", provider.NewProviderError(op, "UnsupportedDisk",
			fmt.Errorf("vm %s has no managed os disk", vm.ID))
	}

	snapshotID := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/snapshots/%s",
		vm.SubscriptionID(), vm.ResourceGroup(), snapshotName(vm))

	var body snapshotRequest
	body.Location = machine.Location
	body.Tags = map[string]string{"description": description, "source_vm": vm.ID}
	body.Properties.Incremental = true
	body.Properties.CreationData.CreateOption = "Copy"
	body.Properties.CreationData.SourceResourceID = disk.ID

	hdr, err := c.do(ctx, op, "PUT", c.resourceURL(snapshotID, snapshotAPIVersion), body, nil)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := c.waitForOperation(ctx, op, hdr.Get(asyncOperationHeader)); err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(attribute.String("snapshot_id", snapshotID))
	c.logger.Info(ctx, "snapshot created", "vm_id", vm.ID, "snapshot_id", snapshotID)
	return snapshotID, nil
}

// DeleteSnapshot deletes the snapshot identified by handle and waits for the
// deletion to finish. A snapshot that no longer exists counts as deleted.
func (c *Client) DeleteSnapshot(ctx context.Context, vm provider.VM, handle string) error {
	const op = "delete_snapshot"

	ctx, span := c.tracer.Start(ctx, "azure.delete_snapshot",
		trace.WithAttributes(
			attribute.String("vm_id", vm.ID),
			attribute.String("snapshot_id", handle),
		))
	defer span.End()

	hdr, err := c.do(ctx, op, "DELETE", c.resourceURL(handle, snapshotAPIVersion), nil, nil)
	if err != nil {
		if provider.ClassOf(err) == "ResourceNotFound" || provider.ClassOf(err) == "HTTP404" {
			c.logger.Warn(ctx, "snapshot already gone", "snapshot_id", handle)
			return nil
		}
		span.RecordError(err)
		return err
	}
	if err := c.waitForOperation(ctx, op, hdr.Get(asyncOperationHeader)); err != nil {
		span.RecordError(err)
		return err
	}

	c.logger.Info(ctx, "snapshot deleted", "vm_id", vm.ID, "snapshot_id", handle)
	return nil
}

var errOperationPending = errors.New("operation still in progress")

// waitForOperation polls an Azure-AsyncOperation URL with exponential backoff
// until it reaches a terminal status. Running past OperationTimeout is a
// timeout. An empty URL means the request completed synchronously.
func (c *Client) waitForOperation(ctx context.Context, op, statusURL string) error {
	if statusURL == "" {
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.cfg.PollInterval
	expBackoff.MaxInterval = 4 * c.cfg.PollInterval
	expBackoff.MaxElapsedTime = c.cfg.OperationTimeout

	operation := func() error {
		var status asyncOperation
		if _, err := c.do(ctx, op+"_status", "GET", statusURL, nil, &status); err != nil {
			if provider.IsTimeout(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		switch strings.ToLower(status.Status) {
		case "succeeded":
			return nil
		case "failed", "canceled":
			class, msg := "OperationFailed", "operation "+strings.ToLower(status.Status)
			if status.Error != nil {
				if status.Error.Code != "" {
					class = status.Error.Code
				}
				if status.Error.Message != "" {
					msg = status.Error.Message
				}
			}
			return backoff.Permanent(provider.NewProviderError(op, class, errors.New(msg)))
		default:
			return errOperationPending
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errOperationPending):
		return provider.NewTimeout(op, fmt.Errorf("operation did not complete within %s", c.cfg.OperationTimeout))
	case ctx.Err() != nil && provider.KindOf(err) == provider.KindUnknown:
		return classifyTransportError(op, ctx.Err())
	default:
		return err
	}
}

// resourceURL builds the URL of an ARM resource id. Ids already carry the
// subscription prefix.
func (c *Client) resourceURL(resourceID, apiVersion string) string {
	return c.cfg.Endpoint + resourceID + "?" + url.Values{"api-version": {apiVersion}}.Encode()
}

func snapshotName(vm provider.VM) string {
	return fmt.Sprintf("%s-scan-%s", path.Base(strings.TrimRight(vm.ID, "/")), uuid.NewString()[:8])
}
