package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClockedStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	s := NewMemoryStore()
	clock := newFakeClock()
	s.SetClock(clock.Now)
	return s, clock
}

func enqueueOne(t *testing.T, s *MemoryStore, subjectID int64) *domain.ThumbnailJob {
	t.Helper()
	res, err := s.Enqueue(context.Background(), EnqueueParams{
		SubjectType:        domain.SubjectModel,
		SubjectID:          subjectID,
		ContentFingerprint: fmt.Sprintf("fp-%d", subjectID),
	})
	require.NoError(t, err)
	require.True(t, res.Inserted)
	return res.Job
}

func TestEnqueueValidatesSubjectType(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Enqueue(context.Background(), EnqueueParams{
		SubjectType: "movie",
		SubjectID:   1,
	})
	assert.Error(t, err)
}

func TestEnqueueDuplicateGuard(t *testing.T) {
	s, _ := newClockedStore(t)
	ctx := context.Background()

	first := enqueueOne(t, s, 1)

	// Same subject and fingerprint while the first is still active.
	dup, err := s.Enqueue(ctx, EnqueueParams{
		SubjectType:        domain.SubjectModel,
		SubjectID:          1,
		ContentFingerprint: "fp-1",
	})
	require.NoError(t, err)
	assert.False(t, dup.Inserted)
	assert.Equal(t, first.ID, dup.Job.ID)

	// New fingerprint means new content, so a new job.
	changed, err := s.Enqueue(ctx, EnqueueParams{
		SubjectType:        domain.SubjectModel,
		SubjectID:          1,
		ContentFingerprint: "fp-1-v2",
	})
	require.NoError(t, err)
	assert.True(t, changed.Inserted)

	// A terminal job does not block re-enqueue of the same content.
	require.NoError(t, s.CancelJob(ctx, first.ID))
	again, err := s.Enqueue(ctx, EnqueueParams{
		SubjectType:        domain.SubjectModel,
		SubjectID:          1,
		ContentFingerprint: "fp-1",
	})
	require.NoError(t, err)
	assert.True(t, again.Inserted)
}

func TestFindNextClaimableFIFO(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	oldest := enqueueOne(t, s, 1)
	clock.Advance(time.Second)
	enqueueOne(t, s, 2)
	clock.Advance(time.Second)
	enqueueOne(t, s, 3)

	job, err := s.FindNextClaimable(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, oldest.ID, job.ID)
	assert.Equal(t, domain.StatusProcessing, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
}

func TestFindNextClaimableEmpty(t *testing.T) {
	s, _ := newClockedStore(t)
	job, err := s.FindNextClaimable(context.Background(), "worker-a")
	require.NoError(t, err)
	assert.Nil(t, job)
}

// N goroutines race to claim a single job; exactly one may win.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	s, _ := newClockedStore(t)
	ctx := context.Background()
	enqueueOne(t, s, 1)

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			job, err := s.FindNextClaimable(ctx, fmt.Sprintf("worker-%d", id))
			assert.NoError(t, err)
			if job != nil {
				wins <- *job.LockOwner
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
}

func TestExpiredLockTakeoverAndStaleReport(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()
	created := enqueueOne(t, s, 1)

	jobA, err := s.FindNextClaimable(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, jobA)

	// Lock still live: nothing for worker B.
	clock.Advance(created.LockTimeout)
	jobB, err := s.FindNextClaimable(ctx, "worker-b")
	require.NoError(t, err)
	assert.Nil(t, jobB, "lock held exactly lockTimeout is not expired")

	// Past the timeout the job is claimable again.
	clock.Advance(time.Second)
	jobB, err = s.FindNextClaimable(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, jobB)
	assert.Equal(t, jobA.ID, jobB.ID)
	assert.Equal(t, 2, jobB.AttemptCount)

	// Worker A wakes up and reports; its lock is gone.
	err = s.CompleteJob(ctx, jobA.ID, "worker-a", "previews/model/1/fp-1")
	assert.ErrorIs(t, err, ErrStaleReport)
	_, err = s.FailJob(ctx, jobA.ID, "worker-a", "late failure")
	assert.ErrorIs(t, err, ErrStaleReport)

	// Worker B's report lands.
	require.NoError(t, s.CompleteJob(ctx, jobB.ID, "worker-b", "previews/model/1/fp-1"))
	got, err := s.GetJob(ctx, jobB.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "previews/model/1/fp-1", *got.ResultRef)
}

func TestStaleReportAfterOwnExpiry(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()
	enqueueOne(t, s, 1)

	job, err := s.FindNextClaimable(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)

	// No takeover happened, but the lock expired anyway. The report is
	// still refused; the claim predicate will hand the job out again.
	clock.Advance(job.LockTimeout + time.Second)
	err = s.CompleteJob(ctx, job.ID, "worker-a", "ref")
	assert.ErrorIs(t, err, ErrStaleReport)
}

func TestFailJobRetryThenDead(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()
	created := enqueueOne(t, s, 1)

	for attempt := 1; attempt <= created.MaxAttempts; attempt++ {
		job, err := s.FindNextClaimable(ctx, "worker-a")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, attempt, job.AttemptCount)

		status, err := s.FailJob(ctx, job.ID, "worker-a", "render crashed")
		require.NoError(t, err)
		if attempt < created.MaxAttempts {
			assert.Equal(t, domain.StatusPending, status)
		} else {
			assert.Equal(t, domain.StatusDead, status)
		}
		clock.Advance(time.Second)
	}

	job, err := s.FindNextClaimable(ctx, "worker-a")
	require.NoError(t, err)
	assert.Nil(t, job, "dead jobs are not claimable")
}

func TestCompleteJobUnknownID(t *testing.T) {
	s, _ := newClockedStore(t)
	err := s.CompleteJob(context.Background(), uuid.New(), "w", "ref")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetRevivesDeadJob(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()
	created := enqueueOne(t, s, 1)

	for i := 0; i < created.MaxAttempts; i++ {
		job, err := s.FindNextClaimable(ctx, "worker-a")
		require.NoError(t, err)
		require.NotNil(t, job)
		_, err = s.FailJob(ctx, job.ID, "worker-a", "boom")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	require.NoError(t, s.ResetJob(ctx, created.ID))
	got, err := s.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.ErrorMessage)

	job, err := s.FindNextClaimable(ctx, "worker-b")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, created.ID, job.ID)
}

func TestCancelJob(t *testing.T) {
	s, _ := newClockedStore(t)
	ctx := context.Background()
	created := enqueueOne(t, s, 1)

	require.NoError(t, s.CancelJob(ctx, created.ID))
	got, err := s.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDead, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, domain.CancelMessage, *got.ErrorMessage)

	assert.ErrorIs(t, s.CancelJob(ctx, created.ID), domain.ErrInvalidTransition)
}

func TestCancelProcessingMakesReportStale(t *testing.T) {
	s, _ := newClockedStore(t)
	ctx := context.Background()
	enqueueOne(t, s, 1)

	job, err := s.FindNextClaimable(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.CancelJob(ctx, job.ID))
	err = s.CompleteJob(ctx, job.ID, "worker-a", "ref")
	assert.ErrorIs(t, err, ErrStaleReport)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDead, got.Status)
}

func TestListJobsFilters(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	enqueueOne(t, s, 1)
	clock.Advance(time.Second)
	second := enqueueOne(t, s, 2)
	clock.Advance(time.Second)

	res, err := s.Enqueue(ctx, EnqueueParams{
		SubjectType:        domain.SubjectSound,
		SubjectID:          3,
		ContentFingerprint: "fp-3",
	})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(ctx, res.Job.ID))

	all, err := s.ListJobs(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, res.Job.ID, all[0].ID, "newest first")

	pending, err := s.ListJobs(ctx, ListFilter{Status: domain.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	sounds, err := s.ListJobs(ctx, ListFilter{SubjectType: domain.SubjectSound})
	require.NoError(t, err)
	assert.Len(t, sounds, 1)

	paged, err := s.ListJobs(ctx, ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, second.ID, paged[0].ID)
}

func TestCountByStatus(t *testing.T) {
	s, _ := newClockedStore(t)
	ctx := context.Background()

	enqueueOne(t, s, 1)
	enqueueOne(t, s, 2)
	job, err := s.FindNextClaimable(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.StatusPending])
	assert.Equal(t, int64(1), counts[domain.StatusProcessing])
}
