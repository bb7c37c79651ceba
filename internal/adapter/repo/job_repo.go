package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psvps2-byte/kling-site/internal/domain"
)

const jobColumns = `id, owner_email, kind, tier, status, cost_points, charged, refunded,
payload, task_id, result_urls, expected_count, error_message, created_at, finished_at, locked_at, locked_by`

// lockStaleAfter is the safety net against a crashed worker stranding its
// claim: locks older than this are treated as free.
const lockStaleAfter = 5 * time.Minute

// JobRepositoryPG implements domain.JobRepository on PostgreSQL. Claims are
// single conditional update-and-return statements over FOR UPDATE SKIP LOCKED
// so that no two callers ever receive the same job.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByOwner returns the owner's most recent jobs.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, email string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_email = $1 ORDER BY created_at DESC LIMIT $2;`
	rows, err := r.pool.Query(ctx, query, email, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkSubmitted records the provider task id and moves the job to PENDING.
// A non-null task id is never overwritten and terminal rows are untouched.
func (r *JobRepositoryPG) MarkSubmitted(ctx context.Context, id, taskID string) error {
	query := `
UPDATE jobs
SET status = $3, task_id = $2
WHERE id = $1 AND task_id IS NULL AND status IN ($4, $5);
`
	tag, err := r.pool.Exec(ctx, query, id, taskID, domain.StatusPending, domain.StatusQueued, domain.StatusClaimed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s already submitted or terminal", domain.ErrDuplicateOperation, id)
	}
	return nil
}

// Requeue returns a CLAIMED job to QUEUED for a later dispatch attempt.
func (r *JobRepositoryPG) Requeue(ctx context.Context, id string) error {
	query := `UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3 AND task_id IS NULL;`
	_, err := r.pool.Exec(ctx, query, id, domain.StatusQueued, domain.StatusClaimed)
	return err
}

// MarkDone transitions a non-terminal job to DONE and releases its lock.
func (r *JobRepositoryPG) MarkDone(ctx context.Context, id string) error {
	query := `
UPDATE jobs
SET status = $2, finished_at = now(), locked_at = NULL, locked_by = ''
WHERE id = $1 AND status NOT IN ($3, $4);
`
	tag, err := r.pool.Exec(ctx, query, id, domain.StatusDone, domain.StatusDone, domain.StatusError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s already terminal", domain.ErrDuplicateOperation, id)
	}
	return nil
}

// MergeArtifacts merges urls into result_urls append-only and deduplicated,
// returning the resulting count. Only the claim holder calls this, so the
// read-merge-write is not racy; the status predicate still protects terminal
// rows.
func (r *JobRepositoryPG) MergeArtifacts(ctx context.Context, id string, urls []string) (int, error) {
	var existing []string
	err := r.pool.QueryRow(ctx, `SELECT result_urls FROM jobs WHERE id = $1;`, id).Scan(&existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	merged := domain.MergeURLs(existing, urls)
	if len(merged) == len(existing) {
		return len(merged), nil
	}
	query := `UPDATE jobs SET result_urls = $2 WHERE id = $1 AND status NOT IN ($3, $4);`
	tag, err := r.pool.Exec(ctx, query, id, merged, domain.StatusDone, domain.StatusError)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return len(existing), fmt.Errorf("%w: job %s already terminal", domain.ErrDuplicateOperation, id)
	}
	return len(merged), nil
}

// ClaimQueued atomically flips up to limit oldest QUEUED jobs of the kind to
// CLAIMED and returns them.
func (r *JobRepositoryPG) ClaimQueued(ctx context.Context, kind domain.Kind, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
WITH next AS (
    SELECT id FROM jobs
    WHERE status = $1 AND task_id IS NULL AND kind = $2
    ORDER BY created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT $3
)
UPDATE jobs
SET status = $4
WHERE id IN (SELECT id FROM next)
RETURNING ` + jobColumns + `;
`
	rows, err := r.pool.Query(ctx, query, domain.StatusQueued, kind, limit, domain.StatusClaimed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimForReconciliation atomically locks one job needing attention: an async
// job with a task id awaiting a poll, a queued synchronous job, or any job
// whose previous lock went stale.
func (r *JobRepositoryPG) ClaimForReconciliation(ctx context.Context, workerID string) (*domain.Job, error) {
	query := `
WITH next AS (
    SELECT id FROM jobs
    WHERE status IN ($2, $3, $4)
      AND (locked_at IS NULL OR locked_at < now() - $6::interval)
      AND (task_id IS NOT NULL OR (kind = $5 AND status = $2))
    ORDER BY created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
UPDATE jobs
SET locked_by = $1,
    locked_at = now(),
    status = CASE WHEN status = $3 THEN $4 ELSE status END
WHERE id IN (SELECT id FROM next)
RETURNING ` + jobColumns + `;
`
	row := r.pool.QueryRow(ctx, query,
		workerID,
		domain.StatusQueued,
		domain.StatusPending,
		domain.StatusRunning,
		domain.KindPortrait,
		lockStaleAfter.String(),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ReleaseLock clears the worker lock if this worker still holds it.
func (r *JobRepositoryPG) ReleaseLock(ctx context.Context, id, workerID string) error {
	query := `UPDATE jobs SET locked_at = NULL, locked_by = '' WHERE id = $1 AND locked_by = $2;`
	_, err := r.pool.Exec(ctx, query, id, workerID)
	return err
}

// CountRunning counts jobs currently occupying provider capacity for the kind.
func (r *JobRepositoryPG) CountRunning(ctx context.Context, kind domain.Kind) (int, error) {
	query := `SELECT count(*) FROM jobs WHERE kind = $1 AND status IN ($2, $3, $4);`
	var n int
	err := r.pool.QueryRow(ctx, query, kind, domain.StatusClaimed, domain.StatusPending, domain.StatusRunning).Scan(&n)
	return n, err
}

// ListStale returns jobs the watchdog must force-fail: still QUEUED without a
// task id past the grace cutoff, or in flight past the running cutoff.
func (r *JobRepositoryPG) ListStale(ctx context.Context, queuedCutoff, runningCutoff time.Time) ([]domain.Job, error) {
	query := `
SELECT ` + jobColumns + ` FROM jobs
WHERE (status = $1 AND task_id IS NULL AND created_at < $3)
   OR (status IN ($2, $4, $5) AND created_at < $6)
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query,
		domain.StatusQueued,
		domain.StatusPending,
		queuedCutoff,
		domain.StatusRunning,
		domain.StatusClaimed,
		runningCutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var taskID *string
	if err := row.Scan(
		&job.ID,
		&job.OwnerEmail,
		&job.Kind,
		&job.Tier,
		&job.Status,
		&job.CostPoints,
		&job.Charged,
		&job.Refunded,
		&job.Payload,
		&taskID,
		&job.ResultURLs,
		&job.ExpectedCount,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.FinishedAt,
		&job.LockedAt,
		&job.LockedBy,
	); err != nil {
		return nil, err
	}
	if taskID != nil {
		job.TaskID = *taskID
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
