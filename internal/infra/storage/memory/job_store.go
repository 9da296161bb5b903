// Package memory provides in-process stores used when no database is
// configured and by tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/azure-armada/internal/domain/activity"
	"github.com/ahrav/azure-armada/internal/domain/job"
)

var (
	_ job.Store                    = (*JobStore)(nil)
	_ activity.WatermarkRepository = (*WatermarkStore)(nil)
)

// JobStore keeps copies of jobs so callers cannot mutate stored state.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*job.Job
}

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*job.Job)}
}

func (s *JobStore) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[j.ID()] = clone(j)
	return nil
}

func (s *JobStore) SaveJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[j.ID()]
	if !ok {
		return job.ErrJobNotFound
	}
	if stored.Version() != j.Version() {
		return job.ErrConcurrentModification
	}
	s.jobs[j.ID()] = cloneAt(j, j.Version()+1)
	return nil
}

func (s *JobStore) GetJob(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return clone(j), nil
}

// ListJobsInStates returns the jobs in any of states, oldest first.
func (s *JobStore) ListJobsInStates(_ context.Context, states ...job.State) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if slices.Contains(states, j.State()) {
			out = append(out, clone(j))
		}
	}
	slices.SortFunc(out, func(a, b *job.Job) int { return a.CreatedAt().Compare(b.CreatedAt()) })
	return out, nil
}

func clone(j *job.Job) *job.Job { return cloneAt(j, j.Version()) }

func cloneAt(j *job.Job, version int64) *job.Job {
	return job.ReconstructJob(
		j.ID(),
		j.Target(),
		j.State(),
		j.Status(),
		j.Message(),
		j.Context(),
		j.CreatedAt(),
		j.UpdatedAt(),
		version,
	)
}
