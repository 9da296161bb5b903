package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/azure-armada/pkg/common/logger"
	"github.com/ahrav/azure-armada/pkg/common/timeutil"
)

type mockSteps struct{ mock.Mock }

func (m *mockSteps) Scan(ctx context.Context, j *Job) error {
	return m.Called(ctx, j).Error(0)
}

func (m *mockSteps) Synchronize(ctx context.Context, j *Job) error {
	return m.Called(ctx, j).Error(0)
}

func (m *mockSteps) ProcessData(ctx context.Context, j *Job, payload any) error {
	return m.Called(ctx, j, payload).Error(0)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishStateChange(ctx context.Context, change StateChange) error {
	return m.Called(ctx, change).Error(0)
}

// recordingStore keeps the states seen on every save.
type recordingStore struct {
	saved    []State
	versions []int64
	saveErr  error
}

func (s *recordingStore) CreateJob(context.Context, *Job) error { return nil }

func (s *recordingStore) SaveJob(_ context.Context, j *Job) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, j.State())
	s.versions = append(s.versions, j.Version())
	return nil
}

func (s *recordingStore) GetJob(context.Context, uuid.UUID) (*Job, error) { return nil, ErrJobNotFound }

var testClock = &timeutil.Mock{CurrentTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

func newTestLifecycle(steps Steps, store Store, opts ...Option) *Lifecycle {
	j := NewJob(Target{ID: "vm-1", Name: "vm"}, testClock.Now())
	opts = append(opts, WithClock(testClock))
	return NewLifecycle(j, steps, store, logger.Noop(), noop.NewTracerProvider().Tracer("test"), opts...)
}

func TestLifecycle_HappyPath(t *testing.T) {
	steps := new(mockSteps)
	steps.On("Scan", mock.Anything, mock.Anything).Return(nil).Once()
	steps.On("Synchronize", mock.Anything, mock.Anything).Return(nil).Once()
	store := new(recordingStore)

	l := newTestLifecycle(steps, store)
	require.NoError(t, l.Signal(context.Background(), SignalStart))

	assert.Equal(t, StateFinished, l.State())
	assert.Equal(t, "Process completed", l.Job().Message())
	assert.Equal(t, SeverityOK, l.Job().Status())
	assert.Equal(t,
		[]State{StateBeforeScan, StateScanning, StateSynchronizing, StateFinished, StateFinished},
		store.saved,
	)
	steps.AssertExpectations(t)
}

func TestLifecycle_RejectedSignalLeavesStateUntouched(t *testing.T) {
	store := new(recordingStore)
	l := newTestLifecycle(new(mockSteps), store)

	err := l.Signal(context.Background(), SignalFinish)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransitionNotAllowed)
	assert.Equal(t, StateWaitingToStart, l.State())
	assert.Empty(t, store.saved)
}

func TestLifecycle_ScanFailureAborts(t *testing.T) {
	steps := new(mockSteps)
	steps.On("Scan", mock.Anything, mock.Anything).Return(errors.New("agent unreachable")).Once()

	l := newTestLifecycle(steps, new(recordingStore))
	require.NoError(t, l.Signal(context.Background(), SignalStart))

	assert.Equal(t, StateAborted, l.State())
	assert.Equal(t, "Scan failed: agent unreachable", l.Job().Message())
	assert.Equal(t, SeverityError, l.Job().Status())
	steps.AssertNotCalled(t, "Synchronize", mock.Anything, mock.Anything)
}

func TestLifecycle_PendingScanWaitsForCompleteScan(t *testing.T) {
	steps := new(mockSteps)
	steps.On("Scan", mock.Anything, mock.Anything).Return(fmt.Errorf("dispatched: %w", ErrStepPending)).Once()
	steps.On("Synchronize", mock.Anything, mock.Anything).Return(nil).Once()

	l := newTestLifecycle(steps, new(recordingStore))
	require.NoError(t, l.Signal(context.Background(), SignalStart))

	assert.Equal(t, StateScanning, l.State())
	steps.AssertNotCalled(t, "Synchronize", mock.Anything, mock.Anything)

	require.NoError(t, l.CompleteScan(context.Background()))
	assert.Equal(t, StateFinished, l.State())
	steps.AssertExpectations(t)
}

func TestLifecycle_AbortAndCancelFromAnyNonTerminalState(t *testing.T) {
	states := []State{StateWaitingToStart, StateBeforeScan, StateScanning, StateSynchronizing}
	for _, s := range states {
		for sig, want := range map[Signal]State{SignalAbort: StateAborted, SignalCancel: StateCanceled} {
			t.Run(string(sig)+" from "+string(s), func(t *testing.T) {
				l := newTestLifecycle(new(mockSteps), new(recordingStore))
				l.job.state = s

				require.NoError(t, l.Signal(context.Background(), sig))
				assert.Equal(t, want, l.State())
			})
		}
	}
}

func TestLifecycle_TerminalStatesRejectAbortAndCancel(t *testing.T) {
	for _, s := range []State{StateFinished, StateAborted, StateCanceled} {
		for _, sig := range []Signal{SignalAbort, SignalCancel} {
			t.Run(string(sig)+" from "+string(s), func(t *testing.T) {
				l := newTestLifecycle(new(mockSteps), new(recordingStore))
				l.job.state = s

				err := l.Signal(context.Background(), sig)
				assert.ErrorIs(t, err, ErrTransitionNotAllowed)
				assert.Equal(t, s, l.State())
			})
		}
	}
}

func TestLifecycle_AbortAndCancelMessages(t *testing.T) {
	l := newTestLifecycle(new(mockSteps), new(recordingStore))
	require.NoError(t, l.SignalWith(context.Background(), SignalAbort, Args{Message: "disk gone", Severity: SeverityError}))
	assert.Equal(t, "disk gone", l.Job().Message())
	assert.Equal(t, SeverityError, l.Job().Status())

	l = newTestLifecycle(new(mockSteps), new(recordingStore))
	require.NoError(t, l.Signal(context.Background(), SignalCancel))
	assert.Equal(t, "Job canceled", l.Job().Message())
	assert.Equal(t, SeverityOK, l.Job().Status())
}

func TestLifecycle_MergeReplacesWholeSignalEntry(t *testing.T) {
	l := newTestLifecycle(new(mockSteps), new(recordingStore))
	l.Merge(Transitions{
		SignalData: {StateBeforeScan: StateBeforeScan},
	})
	l.Override(SignalData, func(context.Context, Args) error { return nil })

	l.job.state = StateScanning
	assert.False(t, l.CanSignal(SignalData), "scanning self-loop must be gone after merge")

	l.job.state = StateBeforeScan
	require.NoError(t, l.Signal(context.Background(), SignalData))
	assert.Equal(t, StateBeforeScan, l.State())
}

func TestLifecycle_OverrideAndAfterScan(t *testing.T) {
	steps := new(mockSteps)
	steps.On("Scan", mock.Anything, mock.Anything).Return(nil).Once()

	const custom Signal = "custom_done"
	l := newTestLifecycle(steps, new(recordingStore))
	l.Merge(Transitions{custom: {StateScanning: StateFinished}})
	l.SetAfterScan(custom)

	var called bool
	l.Override(custom, func(context.Context, Args) error {
		called = true
		return nil
	})

	require.NoError(t, l.Signal(context.Background(), SignalStart))
	assert.True(t, called)
	assert.Equal(t, StateFinished, l.State())
}

func TestLifecycle_ProcessDataForwardsPayload(t *testing.T) {
	steps := new(mockSteps)
	steps.On("ProcessData", mock.Anything, mock.Anything, "chunk-1").Return(nil).Once()

	l := newTestLifecycle(steps, new(recordingStore))
	l.job.state = StateScanning

	require.NoError(t, l.SignalWith(context.Background(), SignalData, Args{Payload: "chunk-1"}))
	assert.Equal(t, StateScanning, l.State())
	steps.AssertExpectations(t)
}

func TestLifecycle_PersistFailurePropagates(t *testing.T) {
	store := &recordingStore{saveErr: errors.New("db down")}
	l := newTestLifecycle(new(mockSteps), store)

	err := l.Signal(context.Background(), SignalCancel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist job")
}

func TestLifecycle_FailedSaveLeavesJobUntouched(t *testing.T) {
	boom := errors.New("db down")
	store := new(recordingStore)
	l := newTestLifecycle(new(mockSteps), store)
	ctx := context.Background()

	require.NoError(t, l.SetContext(ctx, "snapshot", "snap-1"))
	before := l.Job().UpdatedAt()
	store.saveErr = boom

	assert.ErrorIs(t, l.Signal(ctx, SignalCancel), boom)
	assert.Equal(t, StateWaitingToStart, l.State())

	assert.ErrorIs(t, l.SetStatus(ctx, "halfway", SeverityWarn), boom)
	assert.Equal(t, "job created", l.Job().Message())
	assert.Equal(t, SeverityOK, l.Job().Status())

	assert.ErrorIs(t, l.ClearContext(ctx, "snapshot"), boom)
	v, ok := l.Job().ContextValue("snapshot")
	assert.True(t, ok)
	assert.Equal(t, "snap-1", v)

	assert.ErrorIs(t, l.SetContext(ctx, "mode", "server"), boom)
	_, ok = l.Job().ContextValue("mode")
	assert.False(t, ok)

	assert.Equal(t, before, l.Job().UpdatedAt())
	assert.Equal(t, int64(1), l.Job().Version())
}

func TestLifecycle_VersionAdvancesPerSave(t *testing.T) {
	store := new(recordingStore)
	l := newTestLifecycle(new(mockSteps), store)
	ctx := context.Background()

	assert.Equal(t, int64(0), l.Job().Version())
	require.NoError(t, l.SetStatus(ctx, "one", SeverityOK))
	require.NoError(t, l.SetContext(ctx, "k", "v"))
	assert.Equal(t, int64(2), l.Job().Version())
	assert.Equal(t, []int64{0, 1}, store.versions)
}

func TestLifecycle_PublishesStateChanges(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("PublishStateChange", mock.Anything, mock.MatchedBy(func(c StateChange) bool {
		return c.Signal == SignalCancel && c.From == StateWaitingToStart && c.To == StateCanceled
	})).Return(errors.New("broker unavailable")).Once()

	l := newTestLifecycle(new(mockSteps), new(recordingStore), WithEventPublisher(pub))

	require.NoError(t, l.Signal(context.Background(), SignalCancel), "publish failures must not fail dispatch")
	assert.Equal(t, StateCanceled, l.State())
	pub.AssertExpectations(t)
}

func TestLifecycle_ContextPersistence(t *testing.T) {
	store := new(recordingStore)
	l := newTestLifecycle(new(mockSteps), store)
	ctx := context.Background()

	require.NoError(t, l.SetContext(ctx, "snapshot", "snap-1"))
	v, ok := l.Job().ContextValue("snapshot")
	assert.True(t, ok)
	assert.Equal(t, "snap-1", v)

	require.NoError(t, l.ClearContext(ctx, "snapshot"))
	_, ok = l.Job().ContextValue("snapshot")
	assert.False(t, ok)

	require.NoError(t, l.ClearContext(ctx, "missing"))
	assert.Len(t, store.saved, 2, "clearing an absent key must not persist")
}
