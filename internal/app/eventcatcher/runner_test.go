package eventcatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/pkg/common/logger"
	"github.com/ahrav/azure-armada/pkg/common/timeutil"
)

// syncLister is a goroutine safe lister: it fails the first failures calls
// and then returns one fresh event per call.
type syncLister struct {
	mu       sync.Mutex
	calls    int
	failures int
	closes   int
}

func (l *syncLister) ListEvents(context.Context, activity.EventQuery) ([]activity.EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls <= l.failures {
		return nil, errors.New("service unavailable")
	}
	return []activity.EventRecord{event("e", now.Add(time.Duration(l.calls)*time.Second))}, nil
}

func (l *syncLister) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

// stopAfter stops the runner once it has seen n non-empty batches.
type stopAfter struct {
	mu      sync.Mutex
	n       int
	batches map[string]int
	stop    func()
}

func (p *stopAfter) PublishBatch(_ context.Context, account string, b activity.EventBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.IsEmpty() {
		return nil
	}
	p.batches[account]++
	total := 0
	for _, c := range p.batches {
		total += c
	}
	if total >= p.n {
		p.stop()
	}
	return nil
}

func streamFor(account string, l *syncLister) *Stream {
	connect := func(context.Context) (activity.EventLister, error) { return l, nil }
	return NewStream(account, connect, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithClock(&timeutil.Mock{CurrentTime: now}))
}

func TestRunner_RestartsFailedStream(t *testing.T) {
	lister := &syncLister{failures: 2}
	s := streamFor("sub-1", lister)

	pub := &stopAfter{n: 3, batches: make(map[string]int)}
	r := NewRunner([]*Stream{s}, pub, time.Millisecond, logger.Noop())
	pub.stop = r.Stop

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, 3, pub.batches["sub-1"])
	lister.mu.Lock()
	defer lister.mu.Unlock()
	assert.Equal(t, 5, lister.calls)
	// Closed after each of the two failures and once on exit.
	assert.Equal(t, 3, lister.closes)
}

func TestRunner_StreamsAreIndependent(t *testing.T) {
	healthy := &syncLister{}
	broken := &syncLister{failures: 1 << 30}

	pub := &stopAfter{n: 4, batches: make(map[string]int)}
	r := NewRunner([]*Stream{streamFor("ok", healthy), streamFor("bad", broken)}, pub, time.Millisecond, logger.Noop())
	pub.stop = r.Stop

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, 4, pub.batches["ok"])
	assert.Zero(t, pub.batches["bad"])
}

func TestRunner_ContextCancelStopsRetries(t *testing.T) {
	broken := &syncLister{failures: 1 << 30}
	r := NewRunner([]*Stream{streamFor("bad", broken)}, &stopAfter{batches: map[string]int{}}, time.Hour, logger.Noop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		broken.mu.Lock()
		defer broken.mu.Unlock()
		return broken.calls >= 1
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner ignored cancellation")
	}
}

// windowLister returns one event while the query still reaches back to from,
// and nothing for later windows.
type windowLister struct {
	mu      sync.Mutex
	from    time.Time
	ev      activity.EventRecord
	filters []string
}

func (l *windowLister) ListEvents(_ context.Context, q activity.EventQuery) ([]activity.EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters = append(l.filters, q.Filter)
	if q.Filter == activity.LowerBoundFilter(l.from) {
		return []activity.EventRecord{l.ev}, nil
	}
	return nil, nil
}

// failFirst rejects the first publish and stops the runner on the first
// non-empty batch it accepts.
type failFirst struct {
	mu        sync.Mutex
	calls     int
	delivered []string
	stop      func()
}

func (p *failFirst) PublishBatch(_ context.Context, _ string, b activity.EventBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 1 {
		return errors.New("broker down")
	}
	for _, ev := range b {
		p.delivered = append(p.delivered, ev.EventDataID)
	}
	if !b.IsEmpty() {
		p.stop()
	}
	return nil
}

func TestRunner_RedeliversBatchAfterPublishFailure(t *testing.T) {
	lostAt := now.Add(-time.Minute)
	lister := &windowLister{from: now.Add(-DefaultLookback), ev: event("lost", lostAt)}
	store := new(memWatermarks)
	connect := func(context.Context) (activity.EventLister, error) { return lister, nil }
	s := NewStream("sub-1", connect, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithClock(&timeutil.Mock{CurrentTime: now}), WithWatermarkStore(store))

	pub := new(failFirst)
	r := NewRunner([]*Stream{s}, pub, time.Millisecond, logger.Noop())
	pub.stop = r.Stop

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch was never redelivered")
	}

	assert.Equal(t, []string{"lost"}, pub.delivered)
	lister.mu.Lock()
	require.GreaterOrEqual(t, len(lister.filters), 2)
	assert.Equal(t, lister.filters[0], lister.filters[1])
	lister.mu.Unlock()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, activity.WatermarkAfter(lostAt), store.stored["sub-1"])
}

func TestRunner_RewindsToStoredWatermark(t *testing.T) {
	resume := activity.NewWatermark(now.Add(-5 * time.Minute))
	lostAt := now.Add(-4 * time.Minute)
	lister := &windowLister{from: resume.Time(), ev: event("lost", lostAt)}
	store := &memWatermarks{stored: map[string]activity.Watermark{"sub-1": resume}}
	connect := func(context.Context) (activity.EventLister, error) { return lister, nil }
	s := NewStream("sub-1", connect, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithClock(&timeutil.Mock{CurrentTime: now}), WithWatermarkStore(store))

	pub := new(failFirst)
	r := NewRunner([]*Stream{s}, pub, time.Millisecond, logger.Noop())
	pub.stop = r.Stop

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch was never redelivered")
	}

	assert.Equal(t, []string{"lost"}, pub.delivered)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, activity.WatermarkAfter(lostAt), store.stored["sub-1"])
}
