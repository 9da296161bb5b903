// Package postgres persists scan jobs and activity watermarks in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/azure-armada/internal/domain/job"
	"github.com/ahrav/azure-armada/internal/infra/storage"
)

var _ job.Store = (*JobStore)(nil)

// JobStore implements job.Store. The job context is stored as JSONB so the
// snapshot handle survives a restart of the job host.
type JobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a PostgreSQL-backed job store with tracing.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *JobStore {
	return &JobStore{db: pool, tracer: tracer}
}

const insertJobSQL = `
INSERT INTO scan_jobs (id, target_id, target_name, state, status, message, context, created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// CreateJob inserts a new job record.
func (s *JobStore) CreateJob(ctx context.Context, j *job.Job) error {
	attrs := storage.Attrs(
		attribute.String("job_id", j.ID().String()),
		attribute.String("target_id", j.Target().ID),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan_job", attrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, insertJobSQL,
			j.ID(),
			j.Target().ID,
			j.Target().Name,
			string(j.State()),
			string(j.Status()),
			j.Message(),
			j.Context(),
			j.CreatedAt(),
			j.UpdatedAt(),
			j.Version(),
		)
		if err != nil {
			return fmt.Errorf("create scan job insert error: %w", err)
		}
		return nil
	})
}

const updateJobSQL = `
UPDATE scan_jobs
SET state = $2, status = $3, message = $4, context = $5, updated_at = $6, version = version + 1
WHERE id = $1 AND version = $7`

const jobExistsSQL = `SELECT EXISTS (SELECT 1 FROM scan_jobs WHERE id = $1)`

// SaveJob overwrites the mutable fields of an existing job when the stored
// row is still at j.Version(). A newer row fails with
// job.ErrConcurrentModification.
func (s *JobStore) SaveJob(ctx context.Context, j *job.Job) error {
	attrs := storage.Attrs(
		attribute.String("job_id", j.ID().String()),
		attribute.String("state", j.State().String()),
		attribute.Int64("version", j.Version()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_scan_job", attrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, updateJobSQL,
			j.ID(),
			string(j.State()),
			string(j.Status()),
			j.Message(),
			j.Context(),
			j.UpdatedAt(),
			j.Version(),
		)
		if err != nil {
			return fmt.Errorf("save scan job update error: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		var exists bool
		if err := s.db.QueryRow(ctx, jobExistsSQL, j.ID()).Scan(&exists); err != nil {
			return fmt.Errorf("save scan job lookup error: %w", err)
		}
		if exists {
			return job.ErrConcurrentModification
		}
		return job.ErrJobNotFound
	})
}

const selectJobSQL = `
SELECT id, target_id, target_name, state, status, message, context, created_at, updated_at, version
FROM scan_jobs
WHERE id = $1`

// GetJob loads a job by id. It returns job.ErrJobNotFound when no row matches.
func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var loaded *job.Job
	attrs := storage.Attrs(attribute.String("job_id", id.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_job", attrs, func(ctx context.Context) error {
		j, err := scanJob(s.db.QueryRow(ctx, selectJobSQL, id))
		if err != nil {
			return err
		}
		loaded = j
		return nil
	})
	return loaded, err
}

const selectJobsInStatesSQL = `
SELECT id, target_id, target_name, state, status, message, context, created_at, updated_at, version
FROM scan_jobs
WHERE state = ANY($1)
ORDER BY created_at`

// ListJobsInStates returns the jobs currently in any of states, oldest first.
// The job host uses it to find work interrupted by a restart.
func (s *JobStore) ListJobsInStates(ctx context.Context, states ...job.State) ([]*job.Job, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}

	var jobs []*job.Job
	attrs := storage.Attrs(attribute.StringSlice("states", names))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scan_jobs_in_states", attrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, selectJobsInStatesSQL, names)
		if err != nil {
			return fmt.Errorf("list scan jobs query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	return jobs, err
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		id                   uuid.UUID
		targetID, targetName string
		state, status, msg   string
		jobCtx               map[string]string
		createdAt, updatedAt time.Time
		version              int64
	)
	err := row.Scan(&id, &targetID, &targetName, &state, &status, &msg, &jobCtx, &createdAt, &updatedAt, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job row error: %w", err)
	}

	return job.ReconstructJob(
		id,
		job.Target{ID: targetID, Name: targetName},
		job.State(state),
		job.Severity(status),
		msg,
		jobCtx,
		createdAt,
		updatedAt,
		version,
	), nil
}
