package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
	"github.com/Papyszoo/Modelibr-sub007/internal/store"
)

type capturingPublisher struct {
	mu       sync.Mutex
	subjects []domain.SubjectType
}

func (p *capturingPublisher) Publish(_ context.Context, subject domain.SubjectType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *capturingPublisher) published() []domain.SubjectType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SubjectType(nil), p.subjects...)
}

func newTestApp(t *testing.T) (*fiber.App, *store.MemoryStore, *capturingPublisher) {
	t.Helper()
	s := store.NewMemoryStore()
	pub := &capturingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewApp(NewJobHandler(s, pub, nil, logger)), s, pub
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, Response) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	var env Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	resp.Body.Close()
	return resp, env
}

func decodeData[T any](t *testing.T, env Response) T {
	t.Helper()
	buf, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(buf, &out))
	return out
}

func TestEnqueueJob(t *testing.T) {
	app, _, pub := newTestApp(t)

	body := map[string]any{
		"subjectType":        "model",
		"subjectId":          42,
		"contentFingerprint": "fp-42",
	}
	resp, env := doJSON(t, app, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)

	out := decodeData[EnqueueResponse](t, env)
	assert.True(t, out.Inserted)
	assert.Equal(t, "model", out.Job.SubjectType)
	assert.Equal(t, "pending", out.Job.Status)
	assert.Equal(t, []domain.SubjectType{domain.SubjectModel}, pub.published())

	// Same content again: 200, existing job, no second notification.
	resp, env = doJSON(t, app, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dup := decodeData[EnqueueResponse](t, env)
	assert.False(t, dup.Inserted)
	assert.Equal(t, out.Job.ID, dup.Job.ID)
	assert.Len(t, pub.published(), 1)
}

func TestEnqueueJobValidation(t *testing.T) {
	app, _, _ := newTestApp(t)

	cases := []map[string]any{
		{"subjectType": "movie", "subjectId": 1, "contentFingerprint": "fp"},
		{"subjectType": "model", "subjectId": 0, "contentFingerprint": "fp"},
		{"subjectType": "model", "subjectId": 1, "contentFingerprint": ""},
	}
	for _, body := range cases {
		resp, env := doJSON(t, app, http.MethodPost, "/api/v1/jobs", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.False(t, env.Success)
		assert.NotEmpty(t, env.Error)
	}
}

func TestGetJob(t *testing.T) {
	app, s, _ := newTestApp(t)

	res, err := s.Enqueue(context.Background(), store.EnqueueParams{
		SubjectType:        domain.SubjectSound,
		SubjectID:          7,
		ContentFingerprint: "fp-7",
	})
	require.NoError(t, err)

	resp, env := doJSON(t, app, http.MethodGet, "/api/v1/jobs/"+res.Job.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decodeData[JobResponse](t, env)
	assert.Equal(t, res.Job.ID.String(), job.ID)
	assert.Equal(t, "sound", job.SubjectType)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	app, s, _ := newTestApp(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		_, err := s.Enqueue(ctx, store.EnqueueParams{
			SubjectType:        domain.SubjectModel,
			SubjectID:          i,
			ContentFingerprint: uuid.NewString(),
		})
		require.NoError(t, err)
	}
	soundRes, err := s.Enqueue(ctx, store.EnqueueParams{
		SubjectType:        domain.SubjectSound,
		SubjectID:          99,
		ContentFingerprint: "fp-99",
	})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(ctx, soundRes.Job.ID))

	resp, env := doJSON(t, app, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decodeData[[]JobResponse](t, env)
	assert.Len(t, all, 4)

	resp, env = doJSON(t, app, http.MethodGet, "/api/v1/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decodeData[[]JobResponse](t, env)
	assert.Len(t, pending, 3)

	resp, env = doJSON(t, app, http.MethodGet, "/api/v1/jobs?subjectType=sound", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sounds := decodeData[[]JobResponse](t, env)
	require.Len(t, sounds, 1)
	assert.Equal(t, "dead", sounds[0].Status)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/jobs?subjectType=movie", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	app, s, _ := newTestApp(t)

	res, err := s.Enqueue(context.Background(), store.EnqueueParams{
		SubjectType:        domain.SubjectModel,
		SubjectID:          1,
		ContentFingerprint: "fp-1",
	})
	require.NoError(t, err)
	id := res.Job.ID.String()

	resp, env := doJSON(t, app, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)

	// Second cancel hits a terminal job.
	resp, env = doJSON(t, app, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, env.Success)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResetJob(t *testing.T) {
	app, s, pub := newTestApp(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, store.EnqueueParams{
		SubjectType:        domain.SubjectTextureSet,
		SubjectID:          5,
		ContentFingerprint: "fp-5",
	})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(ctx, res.Job.ID))
	published := len(pub.published())

	resp, env := doJSON(t, app, http.MethodPost, "/api/v1/jobs/"+res.Job.ID.String()+"/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)

	got, err := s.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)

	// Reset pings workers so the re-queued job is picked up promptly.
	assert.Len(t, pub.published(), published+1)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/reset", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetQueueHealth(t *testing.T) {
	app, s, _ := newTestApp(t)
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		_, err := s.Enqueue(ctx, store.EnqueueParams{
			SubjectType:        domain.SubjectModel,
			SubjectID:          i,
			ContentFingerprint: uuid.NewString(),
		})
		require.NoError(t, err)
	}
	job, err := s.FindNextClaimable(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)

	resp, env := doJSON(t, app, http.MethodGet, "/api/v1/queue/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[HealthResponse](t, env)
	assert.Equal(t, int64(1), health.StatusCounts["pending"])
	assert.Equal(t, int64(1), health.StatusCounts["processing"])
	assert.Empty(t, health.InflightCounts)
}
