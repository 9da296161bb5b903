package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/internal/domain/job"
)

func TestJobStore_RoundTripIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	j := job.ReconstructJob(uuid.New(), job.Target{ID: "vm-1", Name: "web"}, job.StateWaitingToStart,
		job.SeverityOK, "job created", map[string]string{"snapshot_ref": "snap-1"}, now, now, 0)
	require.NoError(t, store.CreateJob(ctx, j))

	loaded, err := store.GetJob(ctx, j.ID())
	require.NoError(t, err)
	assert.NotSame(t, j, loaded)
	assert.Equal(t, j.Context(), loaded.Context())
	assert.Equal(t, j.State(), loaded.State())
}

func TestJobStore_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	_, err := store.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	err = store.SaveJob(ctx, job.NewJob(job.Target{ID: "vm-1"}, time.Now()))
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestJobStore_SaveJob_RejectsStaleCopy(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	j := job.ReconstructJob(uuid.New(), job.Target{ID: "vm-1"}, job.StateWaitingToStart,
		job.SeverityOK, "job created", nil, now, now, 0)
	require.NoError(t, store.CreateJob(ctx, j))

	first, err := store.GetJob(ctx, j.ID())
	require.NoError(t, err)
	second, err := store.GetJob(ctx, j.ID())
	require.NoError(t, err)

	canceled := job.ReconstructJob(first.ID(), first.Target(), job.StateCanceled,
		job.SeverityOK, "canceled", nil, now, now.Add(time.Second), first.Version())
	require.NoError(t, store.SaveJob(ctx, canceled))

	scanning := job.ReconstructJob(second.ID(), second.Target(), job.StateScanning,
		job.SeverityOK, "scanning", map[string]string{"snapshot_ref": "snap-1"}, now, now.Add(2*time.Second), second.Version())
	assert.ErrorIs(t, store.SaveJob(ctx, scanning), job.ErrConcurrentModification)

	loaded, err := store.GetJob(ctx, j.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StateCanceled, loaded.State())
	assert.Equal(t, int64(1), loaded.Version())
}

func TestJobStore_ListJobsInStates(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mk := func(state job.State, offset time.Duration) *job.Job {
		at := base.Add(offset)
		j := job.ReconstructJob(uuid.New(), job.Target{ID: "vm"}, state, job.SeverityOK, "", nil, at, at, 0)
		require.NoError(t, store.CreateJob(ctx, j))
		return j
	}
	later := mk(job.StateScanning, 2*time.Minute)
	earlier := mk(job.StateScanning, time.Minute)
	mk(job.StateFinished, 0)

	jobs, err := store.ListJobsInStates(ctx, job.StateScanning)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, earlier.ID(), jobs[0].ID())
	assert.Equal(t, later.ID(), jobs[1].ID())
}

func TestWatermarkStore(t *testing.T) {
	ctx := context.Background()
	store := NewWatermarkStore()

	w, err := store.Load(ctx, "sub-1")
	require.NoError(t, err)
	assert.True(t, w.IsZero())

	mark := activity.NewWatermark(time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC))
	require.NoError(t, store.Save(ctx, "sub-1", mark))

	w, err = store.Load(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, mark, w)
}
