package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

// PostgresStore implements Store on a pgx connection pool. All timestamps
// and lock-expiry arithmetic use the database clock so that horizontally
// scaled workers never disagree about what is expired.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const jobColumns = `
	id, subject_type, subject_id, content_fingerprint, status,
	attempt_count, max_attempts, lock_owner, locked_at,
	lock_timeout_seconds, result_ref, completed_at, error_message,
	created_at, updated_at`

// claimSQL atomically selects and locks the oldest claimable job.
//
// FOR UPDATE SKIP LOCKED resolves claim races inside the statement:
// concurrent claimants each lock a different candidate row, so no retry
// loop is needed and no caller ever receives a false claim. A processing
// row whose lock has outlived lock_timeout_seconds is claimable again;
// that takeover is the crash-recovery path and counts as a fresh attempt.
const claimSQL = `
WITH candidate AS (
    SELECT id FROM thumbnail_jobs
    WHERE status = 'pending'
       OR (status = 'processing'
           AND locked_at + make_interval(secs => lock_timeout_seconds) < NOW())
    ORDER BY created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE thumbnail_jobs SET
    status        = 'processing',
    lock_owner    = $1,
    locked_at     = NOW(),
    attempt_count = attempt_count + 1,
    updated_at    = NOW()
FROM candidate
WHERE thumbnail_jobs.id = candidate.id
RETURNING ` + jobColumns

func (s *PostgresStore) FindNextClaimable(ctx context.Context, workerID string) (*domain.ThumbnailJob, error) {
	row := s.pool.QueryRow(ctx, claimSQL, workerID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	if p.SubjectID <= 0 {
		return EnqueueResult{}, fmt.Errorf("subject id is required")
	}
	if p.ContentFingerprint == "" {
		return EnqueueResult{}, fmt.Errorf("content fingerprint is required")
	}
	if _, err := domain.ParseSubjectType(string(p.SubjectType)); err != nil {
		return EnqueueResult{}, err
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	lockTimeout := p.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = domain.DefaultLockTimeout
	}

	// Best-effort duplicate guard: an active job for the same subject with
	// the same fingerprint makes a second enqueue a no-op. A changed
	// fingerprint means the content changed and a new job is wanted.
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM thumbnail_jobs
		WHERE subject_type = $1 AND subject_id = $2
		  AND content_fingerprint = $3
		  AND status IN ('pending', 'processing')
		ORDER BY created_at DESC
		LIMIT 1`,
		p.SubjectType, p.SubjectID, p.ContentFingerprint)
	existing, err := scanJob(row)
	if err == nil {
		return EnqueueResult{Job: existing, Inserted: false}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return EnqueueResult{}, fmt.Errorf("check active job: %w", err)
	}

	row = s.pool.QueryRow(ctx, `
		INSERT INTO thumbnail_jobs
			(id, subject_type, subject_id, content_fingerprint,
			 max_attempts, lock_timeout_seconds, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING `+jobColumns,
		uuid.New(), p.SubjectType, p.SubjectID, p.ContentFingerprint,
		maxAttempts, int(lockTimeout.Seconds()))
	job, err := scanJob(row)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert job: %w", err)
	}
	return EnqueueResult{Job: job, Inserted: true}, nil
}

// CompleteJob is fenced on lock_owner: only the worker currently holding
// the lock may complete the job. A worker whose lock was reclaimed (or
// whose job was canceled) gets ErrStaleReport and its result is discarded.
func (s *PostgresStore) CompleteJob(ctx context.Context, jobID uuid.UUID, workerID, resultRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE thumbnail_jobs SET
			status        = 'done',
			result_ref    = NULLIF($3, ''),
			error_message = NULL,
			lock_owner    = NULL,
			locked_at     = NULL,
			completed_at  = NOW(),
			updated_at    = NOW()
		WHERE id = $1
		  AND status = 'processing'
		  AND lock_owner = $2
		  AND locked_at + make_interval(secs => lock_timeout_seconds) >= NOW()`,
		jobID, workerID, resultRef)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.staleOrMissing(ctx, jobID)
	}
	return nil
}

// FailJob releases the lock and either re-queues the job or dead-letters
// it, depending on whether the attempt budget is exhausted. The attempt
// counter was already charged at claim time.
func (s *PostgresStore) FailJob(ctx context.Context, jobID uuid.UUID, workerID, message string) (domain.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE thumbnail_jobs SET
			status        = CASE WHEN attempt_count >= max_attempts
			                     THEN 'dead' ELSE 'pending' END,
			completed_at  = CASE WHEN attempt_count >= max_attempts
			                     THEN NOW() ELSE NULL END,
			error_message = $3,
			lock_owner    = NULL,
			locked_at     = NULL,
			updated_at    = NOW()
		WHERE id = $1
		  AND status = 'processing'
		  AND lock_owner = $2
		  AND locked_at + make_interval(secs => lock_timeout_seconds) >= NOW()
		RETURNING status`,
		jobID, workerID, message).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", s.staleOrMissing(ctx, jobID)
		}
		return "", fmt.Errorf("fail job: %w", err)
	}
	return domain.JobStatus(status), nil
}

func (s *PostgresStore) ResetJob(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE thumbnail_jobs SET
			status        = 'pending',
			attempt_count = 0,
			lock_owner    = NULL,
			locked_at     = NULL,
			result_ref    = NULL,
			error_message = NULL,
			completed_at  = NULL,
			updated_at    = NOW()
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE thumbnail_jobs SET
			status        = 'dead',
			error_message = $2,
			lock_owner    = NULL,
			locked_at     = NULL,
			completed_at  = NOW(),
			updated_at    = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		jobID, domain.CancelMessage)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.ThumbnailJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM thumbnail_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, f ListFilter) ([]*domain.ThumbnailJob, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM thumbnail_jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR subject_type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		string(f.Status), string(f.SubjectType), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.ThumbnailJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM thumbnail_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// staleOrMissing turns a zero-row fenced update into the precise error:
// the job either does not exist or is owned by someone else by now.
func (s *PostgresStore) staleOrMissing(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return ErrStaleReport
}

// scanJob populates a job from the columns listed in jobColumns; the
// order must match exactly.
func scanJob(row pgx.Row) (*domain.ThumbnailJob, error) {
	job := &domain.ThumbnailJob{}
	var subjectType, status string
	var lockTimeoutSecs int
	err := row.Scan(
		&job.ID,
		&subjectType,
		&job.SubjectID,
		&job.ContentFingerprint,
		&status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.LockOwner,
		&job.LockedAt,
		&lockTimeoutSecs,
		&job.ResultRef,
		&job.CompletedAt,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.SubjectType = domain.SubjectType(subjectType)
	job.Status = domain.JobStatus(status)
	job.LockTimeout = time.Duration(lockTimeoutSecs) * time.Second
	return job, nil
}
