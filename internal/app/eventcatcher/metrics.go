package eventcatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records poller outcomes per account.
type Metrics interface {
	IncPolls(ctx context.Context, account string)
	IncPollErrors(ctx context.Context, account string)
	AddEventsFetched(ctx context.Context, account string, n int)
	ObservePollDuration(ctx context.Context, account string, d time.Duration)
	ObserveWatermarkLag(ctx context.Context, account string, lag time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncPolls(context.Context, string)                           {}
func (noopMetrics) IncPollErrors(context.Context, string)                      {}
func (noopMetrics) AddEventsFetched(context.Context, string, int)              {}
func (noopMetrics) ObservePollDuration(context.Context, string, time.Duration) {}
func (noopMetrics) ObserveWatermarkLag(context.Context, string, time.Duration) {}

// PollerMetrics implements Metrics with OpenTelemetry instruments.
type PollerMetrics struct {
	polls        metric.Int64Counter
	pollErrors   metric.Int64Counter
	eventsFetch  metric.Int64Counter
	pollDuration metric.Float64Histogram
	watermarkLag metric.Float64Histogram
}

const namespace = "event_catcher"

// NewMetrics creates the poller instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*PollerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(PollerMetrics)
	var err error

	if m.polls, err = meter.Int64Counter(
		"polls_total",
		metric.WithDescription("Total number of activity log polls"),
	); err != nil {
		return nil, err
	}

	if m.pollErrors, err = meter.Int64Counter(
		"poll_errors_total",
		metric.WithDescription("Total number of failed activity log polls"),
	); err != nil {
		return nil, err
	}

	if m.eventsFetch, err = meter.Int64Counter(
		"events_fetched_total",
		metric.WithDescription("Total number of activity log events fetched"),
	); err != nil {
		return nil, err
	}

	if m.pollDuration, err = meter.Float64Histogram(
		"poll_duration_seconds",
		metric.WithDescription("Time taken by a single poll including pagination"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.watermarkLag, err = meter.Float64Histogram(
		"watermark_lag_seconds",
		metric.WithDescription("Distance between wall clock and the account watermark"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func accountAttr(account string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("account", account))
}

func (m *PollerMetrics) IncPolls(ctx context.Context, account string) {
	m.polls.Add(ctx, 1, accountAttr(account))
}

func (m *PollerMetrics) IncPollErrors(ctx context.Context, account string) {
	m.pollErrors.Add(ctx, 1, accountAttr(account))
}

func (m *PollerMetrics) AddEventsFetched(ctx context.Context, account string, n int) {
	m.eventsFetch.Add(ctx, int64(n), accountAttr(account))
}

func (m *PollerMetrics) ObservePollDuration(ctx context.Context, account string, d time.Duration) {
	m.pollDuration.Record(ctx, d.Seconds(), accountAttr(account))
}

func (m *PollerMetrics) ObserveWatermarkLag(ctx context.Context, account string, lag time.Duration) {
	m.watermarkLag.Record(ctx, lag.Seconds(), accountAttr(account))
}
