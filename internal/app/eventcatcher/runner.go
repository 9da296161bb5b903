package eventcatcher

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/pkg/common/logger"
)

// DefaultRetryDelay is how long a failed stream waits before it is restarted.
const DefaultRetryDelay = 10 * time.Second

// Runner hosts one Stream per account and publishes every batch. A stream
// whose Run fails is closed so the next attempt reconnects. It is rewound to
// its last delivered batch and restarted after the retry delay. Streams never
// affect each other.
type Runner struct {
	streams    []*Stream
	publisher  activity.BatchPublisher
	retryDelay time.Duration

	logger *logger.Logger
}

// NewRunner creates a runner for streams. A non-positive retryDelay selects
// DefaultRetryDelay.
func NewRunner(streams []*Stream, publisher activity.BatchPublisher, retryDelay time.Duration, logger *logger.Logger) *Runner {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Runner{
		streams:    streams,
		publisher:  publisher,
		retryDelay: retryDelay,
		logger:     logger.With("component", "event_stream_runner"),
	}
}

// Run starts every stream and blocks until ctx is done or every stream has
// been stopped.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.streams {
		g.Go(func() error { return r.supervise(ctx, s) })
	}
	return g.Wait()
}

// Stop stops every stream before its next iteration.
func (r *Runner) Stop() {
	for _, s := range r.streams {
		s.Stop()
	}
}

func (r *Runner) supervise(ctx context.Context, s *Stream) error {
	log := r.logger.With("account", s.Account())
	emit := func(ctx context.Context, b activity.EventBatch) error {
		return r.publisher.PublishBatch(ctx, s.Account(), b)
	}

	s.Start()
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn(context.Background(), "failed to close event stream", "error", err)
		}
	}()

	for {
		err := s.Run(ctx, emit)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		log.Error(ctx, "event stream failed, restarting",
			"retry_in", r.retryDelay.String(),
			"watermark", s.Watermark().String(),
			"error", err,
		)
		if cerr := s.Close(); cerr != nil {
			log.Warn(ctx, "failed to close event stream", "error", cerr)
		}
		s.Rewind()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retryDelay):
		}
	}
}
