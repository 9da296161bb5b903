package vmscan

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/azure-armada/internal/domain/job"
	"github.com/ahrav/azure-armada/internal/domain/provider"
)

// Metrics records scan job outcomes. It also satisfies job.Metrics so one
// instance can be handed to both the lifecycle and the scan job.
type Metrics interface {
	job.Metrics

	IncSnapshotCreated(ctx context.Context)
	IncSnapshotCreateFailed(ctx context.Context, kind provider.Kind)
	IncSnapshotDeleted(ctx context.Context)
	IncSnapshotDeleteFailed(ctx context.Context, kind provider.Kind)
}

type noopMetrics struct{}

func (noopMetrics) IncSignalDispatched(context.Context, job.Signal)          {}
func (noopMetrics) IncSignalRejected(context.Context, job.Signal, job.State) {}
func (noopMetrics) IncSnapshotCreated(context.Context)                       {}
func (noopMetrics) IncSnapshotCreateFailed(context.Context, provider.Kind)   {}
func (noopMetrics) IncSnapshotDeleted(context.Context)                       {}
func (noopMetrics) IncSnapshotDeleteFailed(context.Context, provider.Kind)   {}

// ScanJobMetrics implements Metrics with OpenTelemetry instruments.
type ScanJobMetrics struct {
	signalsDispatched metric.Int64Counter
	signalsRejected   metric.Int64Counter

	snapshotsCreated      metric.Int64Counter
	snapshotCreateFailure metric.Int64Counter
	snapshotsDeleted      metric.Int64Counter
	snapshotDeleteFailure metric.Int64Counter
}

const namespace = "vm_scan_job"

// NewMetrics creates the scan job instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*ScanJobMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(ScanJobMetrics)
	var err error

	if m.signalsDispatched, err = meter.Int64Counter(
		"signals_dispatched_total",
		metric.WithDescription("Total number of signals applied to scan jobs"),
	); err != nil {
		return nil, err
	}

	if m.signalsRejected, err = meter.Int64Counter(
		"signals_rejected_total",
		metric.WithDescription("Total number of signals rejected by the transition table"),
	); err != nil {
		return nil, err
	}

	if m.snapshotsCreated, err = meter.Int64Counter(
		"snapshots_created_total",
		metric.WithDescription("Total number of snapshots created for scans"),
	); err != nil {
		return nil, err
	}

	if m.snapshotCreateFailure, err = meter.Int64Counter(
		"snapshot_create_failures_total",
		metric.WithDescription("Total number of failed snapshot creations"),
	); err != nil {
		return nil, err
	}

	if m.snapshotsDeleted, err = meter.Int64Counter(
		"snapshots_deleted_total",
		metric.WithDescription("Total number of scan snapshots deleted"),
	); err != nil {
		return nil, err
	}

	if m.snapshotDeleteFailure, err = meter.Int64Counter(
		"snapshot_delete_failures_total",
		metric.WithDescription("Total number of failed snapshot deletions"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ScanJobMetrics) IncSignalDispatched(ctx context.Context, sig job.Signal) {
	m.signalsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", sig.String())))
}

func (m *ScanJobMetrics) IncSignalRejected(ctx context.Context, sig job.Signal, from job.State) {
	m.signalsRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal", sig.String()),
		attribute.String("state", from.String()),
	))
}

func (m *ScanJobMetrics) IncSnapshotCreated(ctx context.Context) { m.snapshotsCreated.Add(ctx, 1) }

func (m *ScanJobMetrics) IncSnapshotCreateFailed(ctx context.Context, kind provider.Kind) {
	m.snapshotCreateFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *ScanJobMetrics) IncSnapshotDeleted(ctx context.Context) { m.snapshotsDeleted.Add(ctx, 1) }

func (m *ScanJobMetrics) IncSnapshotDeleteFailed(ctx context.Context, kind provider.Kind) {
	m.snapshotDeleteFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}
