// Package api exposes the queue's boundary operations over HTTP: enqueue
// and cancel for the asset CRUD layer, status and list for the UI, reset
// for "regenerate" requests, and a health endpoint for operators.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
	"github.com/Papyszoo/Modelibr-sub007/internal/inflight"
	"github.com/Papyszoo/Modelibr-sub007/internal/store"
)

// NotificationPublisher pings idle workers after enqueue and reset.
// Publishing is best-effort; failures are logged and never surfaced to
// the caller, since the workers' poll fallback covers the gap.
type NotificationPublisher interface {
	Publish(ctx context.Context, subject domain.SubjectType) error
}

// JobHandler handles HTTP requests for thumbnail jobs.
type JobHandler struct {
	store     store.Store
	publisher NotificationPublisher
	inflight  *inflight.Tracker
	logger    *slog.Logger
}

// NewJobHandler creates a JobHandler. publisher and tracker may be nil.
func NewJobHandler(st store.Store, publisher NotificationPublisher, tracker *inflight.Tracker, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		store:     st,
		publisher: publisher,
		inflight:  tracker,
		logger:    logger,
	}
}

type enqueueRequest struct {
	SubjectType        string `json:"subjectType"`
	SubjectID          int64  `json:"subjectId"`
	ContentFingerprint string `json:"contentFingerprint"`
	MaxAttempts        int    `json:"maxAttempts"`
	LockTimeoutSeconds int    `json:"lockTimeoutSeconds"`
}

// EnqueueJob handles submitting a new unit of render work.
func (h *JobHandler) EnqueueJob(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(Error("invalid request body"))
	}

	subject, err := domain.ParseSubjectType(req.SubjectType)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(Error(err.Error()))
	}
	if req.SubjectID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(Error("subjectId is required"))
	}
	if req.ContentFingerprint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(Error("contentFingerprint is required"))
	}

	res, err := h.store.Enqueue(c.Context(), store.EnqueueParams{
		SubjectType:        subject,
		SubjectID:          req.SubjectID,
		ContentFingerprint: req.ContentFingerprint,
		MaxAttempts:        req.MaxAttempts,
		LockTimeout:        time.Duration(req.LockTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(Error(err.Error()))
	}

	if res.Inserted {
		h.publish(c.Context(), subject)
	}

	status := fiber.StatusOK
	if res.Inserted {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(Success(EnqueueResponse{
		Job:      toJobResponse(res.Job),
		Inserted: res.Inserted,
	}))
}

// GetJob handles the read-only status lookup used by the UI.
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(Error("invalid job id"))
	}

	job, err := h.store.GetJob(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(Error("job not found"))
		}
		return c.Status(fiber.StatusInternalServerError).JSON(Error(err.Error()))
	}
	return c.JSON(Success(toJobResponse(job)))
}

// ListJobs handles the dashboard listing with optional status and
// subject-type filters.
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	f := store.ListFilter{
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}
	if s := c.Query("status"); s != "" {
		f.Status = domain.JobStatus(s)
	}
	if s := c.Query("subjectType"); s != "" {
		subject, err := domain.ParseSubjectType(s)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(Error(err.Error()))
		}
		f.SubjectType = subject
	}

	jobs, err := h.store.ListJobs(c.Context(), f)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(Error(err.Error()))
	}
	return c.JSON(Success(toJobResponses(jobs)))
}

// CancelJob dead-letters a job whose render is no longer wanted.
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(Error("invalid job id"))
	}

	err = h.store.CancelJob(c.Context(), jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(Error("job not found"))
	case errors.Is(err, domain.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(Error("job already reached a terminal state"))
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(Error(err.Error()))
	}
	return c.JSON(Success(nil))
}

// ResetJob re-queues a job from scratch, typically from a "regenerate"
// request on a dead job.
func (h *JobHandler) ResetJob(c *fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(Error("invalid job id"))
	}

	if err := h.store.ResetJob(c.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(Error("job not found"))
		}
		return c.Status(fiber.StatusInternalServerError).JSON(Error(err.Error()))
	}

	if job, err := h.store.GetJob(c.Context(), jobID); err == nil {
		h.publish(c.Context(), job.SubjectType)
	}
	return c.JSON(Success(nil))
}

// GetQueueHealth reports queue depth by status plus the redis inflight
// gauges when a tracker is configured.
func (h *JobHandler) GetQueueHealth(c *fiber.Ctx) error {
	counts, err := h.store.CountByStatus(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(Error(err.Error()))
	}

	resp := HealthResponse{StatusCounts: make(map[string]int64, len(counts))}
	for status, n := range counts {
		resp.StatusCounts[string(status)] = n
	}

	if h.inflight != nil {
		gauges, err := h.inflight.Counts(c.Context())
		if err != nil {
			h.logger.Warn("inflight counts unavailable", "err", err)
		} else {
			resp.InflightCounts = make(map[string]int64, len(gauges))
			for subject, n := range gauges {
				resp.InflightCounts[string(subject)] = n
			}
		}
	}
	return c.JSON(Success(resp))
}

func (h *JobHandler) publish(ctx context.Context, subject domain.SubjectType) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, subject); err != nil {
		h.logger.Warn("notification publish failed; workers will poll",
			"subject_type", subject, "err", err)
	}
}
