// Package eventcatcher harvests activity-log events from one provider account
// with a watermark that advances past every delivered batch.
package eventcatcher

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/pkg/common/logger"
	"github.com/ahrav/azure-armada/pkg/common/timeutil"
)

// DefaultLookback bounds the first poll of an account that was never polled.
const DefaultLookback = 2 * time.Minute

// EmitFunc receives every harvested batch, empty ones included.
type EmitFunc func(ctx context.Context, batch activity.EventBatch) error

// Stream polls a single provider account. Start and Stop may be called from
// any goroutine; Run, PollOnce and Close must be called from one goroutine.
type Stream struct {
	account  string
	connect  activity.Connector
	lookback time.Duration
	clock    timeutil.Provider

	watermarks activity.WatermarkRepository
	metrics    Metrics

	active atomic.Bool

	conn      activity.EventLister
	watermark activity.Watermark
	saved     activity.Watermark
	loaded    bool

	// delivered is the watermark as of the last successfully emitted batch.
	// origin is the lower bound of the first poll that moved a zero watermark,
	// kept until a batch is delivered.
	delivered activity.Watermark
	origin    activity.Watermark

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Stream.
type Option func(*Stream)

// WithLookback sets how far back the first poll reaches.
func WithLookback(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.lookback = d
		}
	}
}

// WithClock overrides the time source used for the first lower bound.
func WithClock(c timeutil.Provider) Option { return func(s *Stream) { s.clock = c } }

// WithWatermarkStore persists the watermark so a restart resumes where the
// last delivered batch ended.
func WithWatermarkStore(r activity.WatermarkRepository) Option {
	return func(s *Stream) { s.watermarks = r }
}

// WithMetrics records poll outcomes through m.
func WithMetrics(m Metrics) Option { return func(s *Stream) { s.metrics = m } }

// NewStream creates an inactive stream for account. No connection is opened
// until the first poll.
func NewStream(
	account string,
	connect activity.Connector,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Stream {
	s := &Stream{
		account:  account,
		connect:  connect,
		lookback: DefaultLookback,
		clock:    timeutil.Default(),
		metrics:  noopMetrics{},
		logger:   logger.With("component", "event_stream", "account", account),
		tracer:   tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Account returns the provider account this stream polls.
func (s *Stream) Account() string { return s.account }

// Start marks the stream active. Calling it again has no effect.
func (s *Stream) Start() {
	if s.active.CompareAndSwap(false, true) {
		s.logger.Info(context.Background(), "event stream started")
	}
}

// Stop marks the stream inactive. Run notices before its next iteration; a
// provider call already in flight is not interrupted.
func (s *Stream) Stop() {
	if s.active.CompareAndSwap(true, false) {
		s.logger.Info(context.Background(), "event stream stopped")
	}
}

// Active reports whether the stream is collecting.
func (s *Stream) Active() bool { return s.active.Load() }

// Watermark returns the current in-memory watermark.
func (s *Stream) Watermark() activity.Watermark { return s.watermark }

// Run polls and emits batches back to back while the stream is active. It
// returns nil once stopped, ctx.Err() when ctx is done, and the first poll,
// emit or persistence error otherwise. There is no pacing between iterations;
// the provider connection is expected to rate limit. A failed emit leaves the
// in-memory watermark past the lost batch; call Rewind before running again.
func (s *Stream) Run(ctx context.Context, emit EmitFunc) error {
	for s.active.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.PollOnce(ctx)
		if err != nil {
			return err
		}

		if err := emit(ctx, batch); err != nil {
			return fmt.Errorf("failed to emit batch for account %s: %w", s.account, err)
		}
		s.delivered = s.watermark
		s.origin = activity.Watermark{}

		if err := s.commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PollOnce fetches every event at or after the lower bound and returns them
// sorted ascending by timestamp. A non-empty batch moves the watermark one
// millisecond past its newest event; an empty batch leaves it unchanged.
func (s *Stream) PollOnce(ctx context.Context) (activity.EventBatch, error) {
	ctx, span := s.tracer.Start(ctx, "event_stream.poll",
		trace.WithAttributes(attribute.String("account", s.account)))
	defer span.End()

	start := time.Now()
	s.metrics.IncPolls(ctx, s.account)

	batch, err := s.poll(ctx, span)
	s.metrics.ObservePollDuration(ctx, s.account, time.Since(start))
	if err != nil {
		s.metrics.IncPollErrors(ctx, s.account)
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		return nil, err
	}

	s.metrics.AddEventsFetched(ctx, s.account, len(batch))
	span.SetAttributes(
		attribute.Int("events", len(batch)),
		attribute.String("watermark", s.watermark.String()),
	)
	return batch, nil
}

func (s *Stream) poll(ctx context.Context, span trace.Span) (activity.EventBatch, error) {
	if err := s.loadWatermark(ctx); err != nil {
		return nil, err
	}

	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}

	lower := s.lowerBound()
	query := activity.EventQuery{
		Filter:   activity.LowerBoundFilter(lower),
		Select:   activity.SelectClause(),
		FetchAll: true,
	}
	span.SetAttributes(attribute.String("filter", query.Filter))

	records, err := conn.ListEvents(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for account %s: %w", s.account, err)
	}

	batch := activity.NewEventBatch(records)
	if latest, ok := batch.MaxTimestamp(); ok {
		if s.watermark.IsZero() && s.origin.IsZero() {
			s.origin = activity.NewWatermark(lower)
		}
		next := activity.WatermarkAfter(latest)
		if s.watermark.Before(next) {
			s.watermark = next
		}
		s.metrics.ObserveWatermarkLag(ctx, s.account, s.clock.Now().Sub(s.watermark.Time()))
		s.logger.Debug(ctx, "watermark advanced", "events", len(batch), "watermark", s.watermark.String())
	}
	return batch, nil
}

// lowerBound is the watermark when set, otherwise now minus the lookback.
func (s *Stream) lowerBound() time.Time {
	if !s.watermark.IsZero() {
		return s.watermark.Time()
	}
	return s.clock.Now().Add(-s.lookback)
}

func (s *Stream) connection(ctx context.Context) (activity.EventLister, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event service for account %s: %w", s.account, err)
	}
	s.conn = conn
	s.logger.Debug(ctx, "event service connection established")
	return conn, nil
}

func (s *Stream) loadWatermark(ctx context.Context) error {
	if s.loaded || s.watermarks == nil {
		return nil
	}
	w, err := s.watermarks.Load(ctx, s.account)
	if err != nil {
		return fmt.Errorf("failed to load watermark for account %s: %w", s.account, err)
	}
	if s.watermark.Before(w) {
		s.watermark = w
	}
	s.saved = w
	s.delivered = w
	s.loaded = true
	if !w.IsZero() {
		s.logger.Info(ctx, "resuming from stored watermark", "watermark", w.String())
	}
	return nil
}

// Rewind moves the watermark back to the last delivered boundary so the next
// poll fetches any batch whose emit failed again. A stream that never
// delivered a batch rewinds to the lower bound of its first poll.
func (s *Stream) Rewind() {
	switch {
	case !s.delivered.IsZero():
		s.watermark = s.delivered
	case !s.origin.IsZero():
		s.watermark = s.origin
	}
}

// commit persists the watermark once its batch has been delivered.
func (s *Stream) commit(ctx context.Context) error {
	if s.watermarks == nil || s.watermark.IsZero() || !s.saved.Before(s.watermark) {
		return nil
	}
	if err := s.watermarks.Save(ctx, s.account, s.watermark); err != nil {
		return fmt.Errorf("failed to save watermark for account %s: %w", s.account, err)
	}
	s.saved = s.watermark
	return nil
}

// Close releases the provider connection. The next poll reconnects.
func (s *Stream) Close() error {
	conn := s.conn
	s.conn = nil
	if c, ok := conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
