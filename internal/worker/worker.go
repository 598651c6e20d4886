// Package worker runs the per-process render coordinator: it wakes on
// notifications (or the poll fallback), claims jobs from the store, and
// dispatches each claimed job to its processor on its own goroutine,
// bounded by a configured concurrency limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Papyszoo/Modelibr-sub007/internal/artifact"
	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
	"github.com/Papyszoo/Modelibr-sub007/internal/inflight"
	"github.com/Papyszoo/Modelibr-sub007/internal/registry"
	"github.com/Papyszoo/Modelibr-sub007/internal/store"
)

const (
	DefaultMaxConcurrent = 4
	DefaultPollInterval  = 15 * time.Second
)

// Worker coordinates one process's share of the render queue. Multiple
// Worker processes contend for the same store with no coordination
// between them beyond the store's claim protocol.
type Worker struct {
	ID        string
	Store     store.Store
	Registry  *registry.Registry
	Artifacts artifact.Store    // optional; empty result refs without it
	Inflight  *inflight.Tracker // optional; advisory gauges only
	Logger    *slog.Logger

	pollInterval time.Duration
	wake         <-chan struct{}
	slotFree     chan struct{}
	sem          *semaphore.Weighted
	wg           sync.WaitGroup

	startDone     chan struct{}
	startDoneOnce sync.Once
}

// New creates a Worker. wake may be nil, in which case only the poll
// timer drives the loop.
func New(id string, st store.Store, reg *registry.Registry, wake <-chan struct{},
	logger *slog.Logger, maxConcurrent int, pollInterval time.Duration) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		ID:           id,
		Store:        st,
		Registry:     reg,
		Logger:       logger,
		pollInterval: pollInterval,
		wake:         wake,
		slotFree:     make(chan struct{}, 1),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		startDone:    make(chan struct{}),
	}
}

// Start runs the claim loop until ctx is canceled, then waits for
// in-flight jobs to finish. Jobs abandoned by shutdown are recovered by
// lock expiry on another worker.
func (w *Worker) Start(ctx context.Context) {
	defer w.startDoneOnce.Do(func() { close(w.startDone) })

	w.Logger.Info("worker starting",
		"worker_id", w.ID,
		"processors", w.Registry.Names(),
		"poll_interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		w.claimUntilEmpty(ctx)

		select {
		case <-ctx.Done():
		case <-w.wake:
		case <-w.slotFree:
		case <-ticker.C:
		}
	}

	w.wg.Wait()
}

// DrainAndWait blocks until the loop has exited and in-flight jobs are
// done, or until the caller's deadline expires.
func (w *Worker) DrainAndWait(ctx context.Context) error {
	select {
	case <-w.startDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimUntilEmpty claims and dispatches jobs until the store runs dry or
// all concurrency slots are busy. Each dispatched job pings the loop when
// it frees its slot, so claiming resumes as soon as capacity returns.
func (w *Worker) claimUntilEmpty(ctx context.Context) {
	for ctx.Err() == nil {
		if !w.sem.TryAcquire(1) {
			return
		}

		job, err := w.Store.FindNextClaimable(ctx, w.ID)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() == nil {
				w.Logger.Error("claim failed", "err", err)
			}
			return
		}
		if job == nil {
			w.sem.Release(1)
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.releaseSlot()
			w.runJob(ctx, job)
		}()
	}
}

// releaseSlot frees a concurrency slot and pings the loop so the freed
// capacity is reused immediately: a backlog must drain continuously, not
// one batch per poll tick. The one-slot buffer coalesces bursts.
func (w *Worker) releaseSlot() {
	w.sem.Release(1)
	select {
	case w.slotFree <- struct{}{}:
	default:
	}
}

func (w *Worker) runJob(ctx context.Context, job *domain.ThumbnailJob) {
	log := w.Logger.With(
		"job_id", job.ID,
		"subject_type", job.SubjectType,
		"subject_id", job.SubjectID,
		"attempt", job.AttemptCount,
	)
	log.Info("job claimed")

	if w.Inflight != nil {
		if err := w.Inflight.Claim(ctx, job.SubjectType, job.ID.String()); err != nil {
			log.Warn("inflight claim failed", "err", err)
		}
		defer func() {
			if err := w.Inflight.Release(context.WithoutCancel(ctx), job.SubjectType, job.ID.String()); err != nil {
				log.Warn("inflight release failed", "err", err)
			}
		}()
	}

	result, procErr := w.process(ctx, job)

	if ctx.Err() != nil {
		// Shutdown mid-render: report nothing. The lock expires and
		// another worker re-claims the job.
		log.Info("job abandoned due to shutdown; lock will expire")
		return
	}

	if procErr == nil && w.Artifacts != nil {
		ref, err := w.Artifacts.PutPreview(ctx, job, result.Data, result.ContentType)
		if err != nil {
			procErr = fmt.Errorf("store preview artifact: %w", err)
		} else {
			w.reportCompleted(ctx, job, ref, log)
			return
		}
	} else if procErr == nil {
		w.reportCompleted(ctx, job, "", log)
		return
	}

	w.reportFailed(ctx, job, procErr, log)
}

// process resolves the job's processor and invokes it. A processor panic
// is converted into an ordinary failure so one bad render cannot take
// down the other in-flight jobs.
func (w *Worker) process(ctx context.Context, job *domain.ThumbnailJob) (res registry.Result, err error) {
	proc, err := w.Registry.Resolve(job.SubjectType)
	if err != nil {
		return registry.Result{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc.Process(ctx, job)
}

func (w *Worker) reportCompleted(ctx context.Context, job *domain.ThumbnailJob, resultRef string, log *slog.Logger) {
	err := w.Store.CompleteJob(ctx, job.ID, w.ID, resultRef)
	switch {
	case errors.Is(err, store.ErrStaleReport):
		log.Warn("stale completion discarded; job was reclaimed or canceled")
	case err != nil:
		log.Error("failed to report completion", "err", err)
	default:
		log.Info("job completed", "result_ref", resultRef)
	}
}

func (w *Worker) reportFailed(ctx context.Context, job *domain.ThumbnailJob, procErr error, log *slog.Logger) {
	status, err := w.Store.FailJob(ctx, job.ID, w.ID, procErr.Error())
	switch {
	case errors.Is(err, store.ErrStaleReport):
		log.Warn("stale failure discarded; job was reclaimed or canceled", "job_err", procErr)
	case err != nil:
		log.Error("failed to report failure", "err", err, "job_err", procErr)
	case status == domain.StatusDead:
		log.Warn("job dead-lettered", "err", procErr,
			"attempt", job.AttemptCount, "max_attempts", job.MaxAttempts)
	default:
		log.Info("job failed; will retry", "err", procErr,
			"attempt", job.AttemptCount, "max_attempts", job.MaxAttempts)
	}
}
