package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

// MemoryStore is an in-process Store driving the domain state machine
// under a single mutex. It backs tests and local development; the mutex
// gives it the same at-most-one-claimant guarantee the Postgres store
// gets from its atomic claim statement.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.ThumbnailJob
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*domain.ThumbnailJob),
		now:  time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Enqueue(_ context.Context, p EnqueueParams) (EnqueueResult, error) {
	if _, err := domain.ParseSubjectType(string(p.SubjectType)); err != nil {
		return EnqueueResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.SubjectType == p.SubjectType && j.SubjectID == p.SubjectID &&
			j.ContentFingerprint == p.ContentFingerprint && !j.IsTerminal() {
			return EnqueueResult{Job: j.Clone(), Inserted: false}, nil
		}
	}

	job := domain.NewThumbnailJob(p.SubjectType, p.SubjectID,
		p.ContentFingerprint, p.MaxAttempts, p.LockTimeout, s.now())
	s.jobs[job.ID] = job
	return EnqueueResult{Job: job.Clone(), Inserted: true}, nil
}

func (s *MemoryStore) FindNextClaimable(_ context.Context, workerID string) (*domain.ThumbnailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*domain.ThumbnailJob
	for _, j := range s.jobs {
		if j.IsClaimable(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	for _, j := range candidates {
		if j.TryClaim(workerID, now) {
			return j.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID uuid.UUID, workerID, resultRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !s.ownsLock(job, workerID) {
		return ErrStaleReport
	}
	if err := job.MarkAsCompleted(s.now()); err != nil {
		return err
	}
	if resultRef != "" {
		job.ResultRef = &resultRef
	}
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, jobID uuid.UUID, workerID, message string) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return "", ErrNotFound
	}
	if !s.ownsLock(job, workerID) {
		return "", ErrStaleReport
	}
	if err := job.MarkAsFailed(message, s.now()); err != nil {
		return "", err
	}
	return job.Status, nil
}

func (s *MemoryStore) ResetJob(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Reset(s.now())
	return nil
}

func (s *MemoryStore) CancelJob(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	return job.Cancel(s.now())
}

func (s *MemoryStore) GetJob(_ context.Context, jobID uuid.UUID) (*domain.ThumbnailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, f ListFilter) ([]*domain.ThumbnailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*domain.ThumbnailJob
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.SubjectType != "" && j.SubjectType != f.SubjectType {
			continue
		}
		jobs = append(jobs, j.Clone())
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if f.Offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[f.Offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[domain.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.JobStatus]int64)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// ownsLock mirrors the Postgres fence: the reporter must still be the
// recorded owner and the lock must not have expired in the meantime.
func (s *MemoryStore) ownsLock(job *domain.ThumbnailJob, workerID string) bool {
	if job.Status != domain.StatusProcessing || job.LockOwner == nil {
		return false
	}
	if *job.LockOwner != workerID {
		return false
	}
	return !job.IsLockExpired(s.now())
}
