package api

import (
	"time"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

// Response is the JSON envelope returned by every endpoint.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Success(data any) Response {
	return Response{Success: true, Data: data}
}

func Error(msg string) Response {
	return Response{Success: false, Error: msg}
}

// JobResponse is the wire form of a thumbnail job.
type JobResponse struct {
	ID                 string     `json:"id"`
	SubjectType        string     `json:"subjectType"`
	SubjectID          int64      `json:"subjectId"`
	ContentFingerprint string     `json:"contentFingerprint"`
	Status             string     `json:"status"`
	AttemptCount       int        `json:"attemptCount"`
	MaxAttempts        int        `json:"maxAttempts"`
	LockOwner          *string    `json:"lockOwner,omitempty"`
	LockedAt           *time.Time `json:"lockedAt,omitempty"`
	LockTimeoutSeconds int        `json:"lockTimeoutSeconds"`
	ResultRef          *string    `json:"resultRef,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	ErrorMessage       *string    `json:"errorMessage,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// EnqueueResponse reports the job backing an enqueue request. Inserted is
// false when an active job for the same content already existed.
type EnqueueResponse struct {
	Job      JobResponse `json:"job"`
	Inserted bool        `json:"inserted"`
}

// HealthResponse reports queue depth by status and the advisory inflight
// gauges per subject type.
type HealthResponse struct {
	StatusCounts   map[string]int64 `json:"statusCounts"`
	InflightCounts map[string]int64 `json:"inflightCounts,omitempty"`
}

func toJobResponse(j *domain.ThumbnailJob) JobResponse {
	return JobResponse{
		ID:                 j.ID.String(),
		SubjectType:        string(j.SubjectType),
		SubjectID:          j.SubjectID,
		ContentFingerprint: j.ContentFingerprint,
		Status:             string(j.Status),
		AttemptCount:       j.AttemptCount,
		MaxAttempts:        j.MaxAttempts,
		LockOwner:          j.LockOwner,
		LockedAt:           j.LockedAt,
		LockTimeoutSeconds: int(j.LockTimeout.Seconds()),
		ResultRef:          j.ResultRef,
		CompletedAt:        j.CompletedAt,
		ErrorMessage:       j.ErrorMessage,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
}

func toJobResponses(jobs []*domain.ThumbnailJob) []JobResponse {
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	return out
}
