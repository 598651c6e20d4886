package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubjectType selects which processor renders a job's preview.
type SubjectType string

const (
	SubjectModel      SubjectType = "model"
	SubjectSound      SubjectType = "sound"
	SubjectTextureSet SubjectType = "texture_set"
)

// ParseSubjectType validates an externally supplied subject type string.
func ParseSubjectType(s string) (SubjectType, error) {
	switch SubjectType(s) {
	case SubjectModel, SubjectSound, SubjectTextureSet:
		return SubjectType(s), nil
	}
	return "", fmt.Errorf("unknown subject type: %q", s)
}

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusDead       JobStatus = "dead"
)

// CancelMessage is recorded as the error message of a canceled job.
const CancelMessage = "canceled before completion"

// ErrInvalidTransition signals a state-machine transition that is not
// allowed from the job's current status (a caller bug, not a job failure).
var ErrInvalidTransition = errors.New("invalid job state transition")

// ThumbnailJob is one unit of render work: produce a preview artifact
// (orbit animation, waveform image, sphere render) for a subject entity.
//
// LockOwner and LockedAt are both nil unless Status is processing. The
// record is never deleted by the queue core; terminal rows stay for audit.
type ThumbnailJob struct {
	ID                 uuid.UUID
	SubjectType        SubjectType
	SubjectID          int64
	ContentFingerprint string
	Status             JobStatus
	AttemptCount       int
	MaxAttempts        int
	LockOwner          *string
	LockedAt           *time.Time
	LockTimeout        time.Duration
	ResultRef          *string
	CompletedAt        *time.Time
	ErrorMessage       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const (
	DefaultMaxAttempts = 3
	DefaultLockTimeout = 10 * time.Minute
)

// NewThumbnailJob creates a pending job. maxAttempts and lockTimeout fall
// back to defaults when zero.
func NewThumbnailJob(subject SubjectType, subjectID int64, fingerprint string, maxAttempts int, lockTimeout time.Duration, now time.Time) *ThumbnailJob {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &ThumbnailJob{
		ID:                 uuid.New(),
		SubjectType:        subject,
		SubjectID:          subjectID,
		ContentFingerprint: fingerprint,
		Status:             StatusPending,
		MaxAttempts:        maxAttempts,
		LockTimeout:        lockTimeout,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// IsTerminal reports whether the job has reached a final state.
func (j *ThumbnailJob) IsTerminal() bool {
	return j.Status == StatusDone || j.Status == StatusDead
}

// IsLockExpired reports whether a processing job's lock has been held
// longer than its timeout. Holding exactly lockTimeout is still live.
func (j *ThumbnailJob) IsLockExpired(now time.Time) bool {
	if j.Status != StatusProcessing || j.LockedAt == nil {
		return false
	}
	return now.Sub(*j.LockedAt) > j.LockTimeout
}

// IsClaimable reports whether TryClaim would succeed at now.
func (j *ThumbnailJob) IsClaimable(now time.Time) bool {
	return j.Status == StatusPending || j.IsLockExpired(now)
}

// TryClaim takes exclusive, time-bounded ownership of the job for workerID.
// A pending job is always claimable. A processing job is claimable only
// when its lock has expired (crash recovery takeover); the takeover counts
// as a fresh attempt. Terminal jobs are never claimable.
func (j *ThumbnailJob) TryClaim(workerID string, now time.Time) bool {
	if !j.IsClaimable(now) {
		return false
	}
	j.Status = StatusProcessing
	j.LockOwner = &workerID
	t := now
	j.LockedAt = &t
	j.AttemptCount++
	j.UpdatedAt = now
	return true
}

// MarkAsCompleted moves a processing job to done, clearing the lock and
// any previous error. Calling it from any other state is a caller bug.
func (j *ThumbnailJob) MarkAsCompleted(now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, j.Status)
	}
	j.Status = StatusDone
	j.clearLock()
	j.ErrorMessage = nil
	t := now
	j.CompletedAt = &t
	j.UpdatedAt = now
	return nil
}

// MarkAsFailed records a failed attempt. While attempts remain the job
// returns to pending for retry; once attemptCount has reached maxAttempts
// it is dead-lettered. Either way the lock is released and the message kept.
func (j *ThumbnailJob) MarkAsFailed(message string, now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, j.Status)
	}
	j.clearLock()
	j.ErrorMessage = &message
	if j.AttemptCount < j.MaxAttempts {
		j.Status = StatusPending
	} else {
		j.Status = StatusDead
		t := now
		j.CompletedAt = &t
	}
	j.UpdatedAt = now
	return nil
}

// Reset returns the job to pending from any state with a zeroed attempt
// counter, as if freshly enqueued. Used for manual re-queue ("regenerate").
func (j *ThumbnailJob) Reset(now time.Time) {
	j.Status = StatusPending
	j.AttemptCount = 0
	j.clearLock()
	j.ErrorMessage = nil
	j.ResultRef = nil
	j.CompletedAt = nil
	j.UpdatedAt = now
}

// Cancel dead-letters a pending or processing job whose render is no
// longer wanted. Jobs already in a terminal state cannot be canceled,
// including jobs canceled earlier.
func (j *ThumbnailJob) Cancel(now time.Time) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, j.Status)
	}
	j.Status = StatusDead
	j.clearLock()
	msg := CancelMessage
	j.ErrorMessage = &msg
	t := now
	j.CompletedAt = &t
	j.UpdatedAt = now
	return nil
}

func (j *ThumbnailJob) clearLock() {
	j.LockOwner = nil
	j.LockedAt = nil
}

// Clone returns a deep copy so stores can hand out records without
// exposing their internal state to mutation.
func (j *ThumbnailJob) Clone() *ThumbnailJob {
	c := *j
	c.LockOwner = clonePtr(j.LockOwner)
	c.LockedAt = clonePtr(j.LockedAt)
	c.ResultRef = clonePtr(j.ResultRef)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
