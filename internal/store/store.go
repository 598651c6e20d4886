// Package store is the persistence boundary for thumbnail jobs. All job
// mutations flow through a Store; its claim operation is the only
// coordination mechanism between worker processes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

var (
	// ErrNotFound is returned when no job exists for the given ID.
	ErrNotFound = errors.New("job not found")

	// ErrStaleReport is returned when a worker reports an outcome for a
	// job it no longer owns (its lock expired and was reclaimed, or the
	// job was canceled). The report must be discarded by the caller.
	ErrStaleReport = errors.New("stale report: lock no longer held by worker")
)

// EnqueueParams describes a new unit of render work.
type EnqueueParams struct {
	SubjectType        domain.SubjectType
	SubjectID          int64
	ContentFingerprint string
	MaxAttempts        int
	LockTimeout        time.Duration
}

// EnqueueResult reports the job backing an enqueue call. Inserted is
// false when an active job for the same subject and fingerprint already
// existed and was returned instead.
type EnqueueResult struct {
	Job      *domain.ThumbnailJob
	Inserted bool
}

// ListFilter narrows ListJobs. A zero filter lists everything, newest first.
type ListFilter struct {
	Status      domain.JobStatus
	SubjectType domain.SubjectType
	Limit       int
	Offset      int
}

// Store persists thumbnail jobs and enforces the claim protocol.
//
// FindNextClaimable must guarantee that two concurrent callers never both
// claim the same job. Complete/Fail are fenced by workerID: a caller that
// lost its lock receives ErrStaleReport and its outcome is discarded.
type Store interface {
	Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error)

	// FindNextClaimable claims the oldest pending or lock-expired job for
	// workerID and returns it, or nil when nothing is claimable.
	FindNextClaimable(ctx context.Context, workerID string) (*domain.ThumbnailJob, error)

	// CompleteJob marks the job done and records the result reference.
	CompleteJob(ctx context.Context, jobID uuid.UUID, workerID, resultRef string) error

	// FailJob records a failed attempt and returns the resulting status:
	// pending when a retry remains, dead when attempts are exhausted.
	FailJob(ctx context.Context, jobID uuid.UUID, workerID, message string) (domain.JobStatus, error)

	// ResetJob re-queues the job from any state with a fresh attempt budget.
	ResetJob(ctx context.Context, jobID uuid.UUID) error

	// CancelJob dead-letters a pending or processing job. Returns
	// domain.ErrInvalidTransition when the job is already terminal.
	CancelJob(ctx context.Context, jobID uuid.UUID) error

	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.ThumbnailJob, error)
	ListJobs(ctx context.Context, f ListFilter) ([]*domain.ThumbnailJob, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error)
}
